// Package servicectl is the registry of locally running security
// nano-services: self-registration, liveness probing, hot-reload
// dispatch, batched multi-file reconfiguration, and multi-tenant policy
// fan-out with garbage collection.
package servicectl

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/orchtools"
	"github.com/nano-agent/orchestrator/internal/shellexec"
)

// ServiceDetails describes one locally registered nano-service.
type ServiceDetails struct {
	ServiceName     string
	ServiceID       string
	ListeningPort   int
	RelevantConfigs map[string]bool // set of config/policy namespace names this service reloads on ("settings.json", data filenames, or a policy namespace key)
}

// ReconfStatus is the terminal or transient state of one outstanding
// reload request.
type ReconfStatus string

const (
	ReconfInProgress ReconfStatus = "IN_PROGRESS"
	ReconfSucceeded  ReconfStatus = "SUCCEEDED"
	ReconfFailed     ReconfStatus = "FAILED"
	ReconfInactive   ReconfStatus = "INACTIVE"
)

// Reconfiguration is one outstanding reload's tracked state.
type Reconfiguration struct {
	ConfigurationID int64
	ServiceName     string
	ServiceID       string
	Status          ReconfStatus
	ErrorMessage    string
}

const (
	livenessMaxRetries = 5
	livenessBaseDelay  = 200 * time.Millisecond
)

var familyUUIDRe = regexp.MustCompile(`^(.*)-([0-9a-fA-F-]{8,})$`)

// Registry holds the two service maps (pending, registered) and the
// outstanding reconfiguration records. Safe for concurrent use: the
// orchestrator's main task and the service-facing REST callback
// (`set reconf-status`, served as POST /reconf-status) both touch it.
type Registry struct {
	mu         sync.RWMutex
	pending    map[string]ServiceDetails
	registered map[string]ServiceDetails
	reconfigs  map[int64]*Reconfiguration
	nextConfID int64

	registeredFile string
	runner         shellexec.Runner
	log            *logging.Logger
	httpClient     *http.Client
}

// New creates a Registry. registeredFile is where the promoted registry
// is persisted for process-restart recovery.
func New(registeredFile string, runner shellexec.Runner, log *logging.Logger) *Registry {
	r := &Registry{
		pending:        make(map[string]ServiceDetails),
		registered:     make(map[string]ServiceDetails),
		reconfigs:      make(map[int64]*Reconfiguration),
		registeredFile: registeredFile,
		runner:         runner,
		log:            log,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
	}
	r.loadRegistered()
	return r
}

func (r *Registry) loadRegistered() {
	registered, err := orchtools.JSONToObject[map[string]ServiceDetails](r.registeredFile)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.registered = registered
	r.mu.Unlock()
}

// RegisterServiceConfig inserts svc into the pending set. It is promoted
// to registered at the next RefreshPendingServices call.
func (r *Registry) RegisterServiceConfig(svc ServiceDetails) {
	if svc.ServiceID == "" {
		svc.ServiceID = svc.ServiceName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[svc.ServiceID] = svc
}

// RefreshPendingServices atomically moves every pending entry into
// registered and persists the merged set.
func (r *Registry) RefreshPendingServices() error {
	r.mu.Lock()
	for id, svc := range r.pending {
		r.registered[id] = svc
	}
	r.pending = make(map[string]ServiceDetails)
	snapshot := make(map[string]ServiceDetails, len(r.registered))
	for k, v := range r.registered {
		snapshot[k] = v
	}
	r.mu.Unlock()

	return orchtools.ObjectToJSON(snapshot, r.registeredFile)
}

// Registered returns a snapshot of the currently registered services.
func (r *Registry) Registered() map[string]ServiceDetails {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ServiceDetails, len(r.registered))
	for k, v := range r.registered {
		out[k] = v
	}
	return out
}

// unregister removes a service from the registered set, e.g. after its
// liveness probe reports inactive.
func (r *Registry) unregister(serviceID string) {
	r.mu.Lock()
	delete(r.registered, serviceID)
	r.mu.Unlock()
}

// parseFamilyUUID splits a service id of the form "<family>-<uuid>" used
// by the watchdog-query command; returns ("", "") if the id does not
// carry a family/uuid suffix.
func parseFamilyUUID(serviceID string) (family, uuid string) {
	m := familyUUIDRe.FindStringSubmatch(serviceID)
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}

// IsServiceActive runs the watchdog-query shell command for serviceID,
// retrying up to livenessMaxRetries times with increasing timeouts
// (200ms * (n+2)) but only when the failure was a timeout. A service is
// active iff the lowercased output contains "registered" (not
// "not-registered") and "running" (not "not-running").
func (r *Registry) IsServiceActive(ctx context.Context, serviceID string) bool {
	family, uuid := parseFamilyUUID(serviceID)
	args := []string{serviceID}
	if family != "" {
		args = append(args, family, uuid)
	}

	for attempt := 0; attempt < livenessMaxRetries; attempt++ {
		timeout := livenessBaseDelay * time.Duration(attempt+2)
		res, err := r.runner.Run(ctx, timeout, "watchdog_query.sh", args...)
		if err != nil {
			return false
		}
		if !res.TimedOut {
			return parseLivenessOutput(res.Stdout)
		}
	}
	return false
}

func parseLivenessOutput(output string) bool {
	out := strings.ToLower(output)
	registered := strings.Contains(out, "registered") && !strings.Contains(out, "not-registered")
	running := strings.Contains(out, "running") && !strings.Contains(out, "not-running")
	return registered && running
}

func (r *Registry) nextConfigID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextConfID++
	return r.nextConfID
}

// GetReconfiguration returns the tracked state for a configuration id.
func (r *Registry) GetReconfiguration(id int64) (Reconfiguration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.reconfigs[id]
	if !ok {
		return Reconfiguration{}, false
	}
	return *rec, true
}

// SetReconfStatus is the `set reconf-status` (POST /reconf-status) REST callback target: a
// service that received an IN_PROGRESS reload later posts its terminal
// outcome here.
func (r *Registry) SetReconfStatus(id int64, status ReconfStatus, errMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.reconfigs[id]
	if !ok {
		return fmt.Errorf("unknown reconfiguration id %d", id)
	}
	rec.Status = status
	rec.ErrorMessage = errMessage
	return nil
}
