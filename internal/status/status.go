// Package status tracks the orchestration agent's own operational
// record: what it last tried, what succeeded, and what the fog last
// told it about registration and policy versioning. It is the backing
// store for the `show orchestration-status` REST endpoint.
package status

import (
	"sync"
	"time"

	"github.com/nano-agent/orchestrator/internal/fogauth"
	"github.com/nano-agent/orchestrator/internal/orchtools"
)

// ServicePolicySettings tracks the last policy/settings versions a
// given registered service was told to reload to.
type ServicePolicySettings struct {
	PolicyVersion   string `json:"policy_version"`
	SettingsVersion string `json:"settings_version"`
}

// Record is the full orchestration status snapshot, persisted as JSON
// to orchestration_status.json. Every field is set through a dedicated
// setter on Status so callers never take the lock themselves.
type Record struct {
	LastUpdateAttempt time.Time `json:"last_update_attempt"`
	LastUpdateTime    time.Time `json:"last_update_time"`
	LastUpdateStatus  string    `json:"last_update_status"`

	PolicyVersion string `json:"policy_version"`

	LastPolicyUpdate   time.Time `json:"last_policy_update"`
	LastManifestUpdate time.Time `json:"last_manifest_update"`
	LastSettingsUpdate time.Time `json:"last_settings_update"`

	RegistrationStatus fogauth.RegistrationStatus `json:"registration_status"`
	FogAddress         string                     `json:"fog_address"`

	AgentID   string `json:"agent_id"`
	ProfileID string `json:"profile_id"`
	TenantID  string `json:"tenant_id"`

	RegistrationDetails fogauth.Credentials `json:"registration_details"`

	ServiceVersions map[string]ServicePolicySettings `json:"service_versions"`
}

// Status guards a Record behind a mutex and persists it to disk.
type Status struct {
	mu   sync.RWMutex
	rec  Record
	path string
}

// New creates a Status persisted at path. If a prior snapshot exists at
// path it is loaded; otherwise Status starts from the zero Record.
func New(path string) *Status {
	s := &Status{path: path, rec: Record{ServiceVersions: make(map[string]ServicePolicySettings)}}
	if rec, err := orchtools.JSONToObject[Record](path); err == nil {
		if rec.ServiceVersions == nil {
			rec.ServiceVersions = make(map[string]ServicePolicySettings)
		}
		s.rec = rec
	}
	return s
}

// Snapshot returns a copy of the current record for read-only use (e.g.
// the REST status endpoint).
func (s *Status) Snapshot() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.rec
	rec.ServiceVersions = make(map[string]ServicePolicySettings, len(s.rec.ServiceVersions))
	for k, v := range s.rec.ServiceVersions {
		rec.ServiceVersions[k] = v
	}
	return rec
}

// SetUpdateAttempt records the start of an update tick.
func (s *Status) SetUpdateAttempt(at time.Time) {
	s.mu.Lock()
	s.rec.LastUpdateAttempt = at
	s.mu.Unlock()
}

// SetUpdateResult records the outcome of a completed update tick.
func (s *Status) SetUpdateResult(at time.Time, statusStr string) {
	s.mu.Lock()
	s.rec.LastUpdateTime = at
	s.rec.LastUpdateStatus = statusStr
	s.mu.Unlock()
}

// SetPolicyVersion records the currently applied policy version.
func (s *Status) SetPolicyVersion(version string) {
	s.mu.Lock()
	s.rec.PolicyVersion = version
	s.mu.Unlock()
}

// SetPolicyUpdated records that the policy artifact changed at at.
func (s *Status) SetPolicyUpdated(at time.Time) {
	s.mu.Lock()
	s.rec.LastPolicyUpdate = at
	s.mu.Unlock()
}

// SetManifestUpdated records that the manifest artifact changed at at.
func (s *Status) SetManifestUpdated(at time.Time) {
	s.mu.Lock()
	s.rec.LastManifestUpdate = at
	s.mu.Unlock()
}

// SetSettingsUpdated records that the settings artifact changed at at.
func (s *Status) SetSettingsUpdated(at time.Time) {
	s.mu.Lock()
	s.rec.LastSettingsUpdate = at
	s.mu.Unlock()
}

// SetRegistration records the outcome of a registration attempt.
func (s *Status) SetRegistration(regStatus fogauth.RegistrationStatus, creds fogauth.Credentials) {
	s.mu.Lock()
	s.rec.RegistrationStatus = regStatus
	s.rec.RegistrationDetails = creds
	s.rec.AgentID = creds.AgentID
	s.rec.ProfileID = creds.ProfileID
	s.rec.TenantID = creds.TenantID
	s.mu.Unlock()
}

// SetFogAddress records the fog address currently in use.
func (s *Status) SetFogAddress(addr string) {
	s.mu.Lock()
	s.rec.FogAddress = addr
	s.mu.Unlock()
}

// SetServiceVersions records the (policy, settings) version last pushed
// to a given service id.
func (s *Status) SetServiceVersions(serviceID string, v ServicePolicySettings) {
	s.mu.Lock()
	if s.rec.ServiceVersions == nil {
		s.rec.ServiceVersions = make(map[string]ServicePolicySettings)
	}
	s.rec.ServiceVersions[serviceID] = v
	s.mu.Unlock()
}

// WriteStatusToFile persists the current record to disk. Called from
// component teardown and opportunistically after REPORT.
func (s *Status) WriteStatusToFile() error {
	s.mu.RLock()
	rec := s.rec
	s.mu.RUnlock()
	return orchtools.ObjectToJSON(rec, s.path)
}
