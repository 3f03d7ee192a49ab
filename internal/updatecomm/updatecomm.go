// Package updatecomm is a thin polymorphic wrapper over the three ways
// the agent can learn about a new manifest/policy/settings/data version:
// polling the fog directly, reading a local staging directory, or a
// hybrid of fog-managed software plus a locally generated policy.
package updatecomm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nano-agent/orchestrator/internal/fogproto"
	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/orchtools"
)

// Backend is the uniform interface the orchestrator polls, regardless of
// which of the three modes is active.
type Backend interface {
	// CheckUpdate reports which artifacts changed since the last
	// successful apply, given their current on-disk checksums.
	CheckUpdate(ctx context.Context, req fogproto.CheckUpdateRequest) (fogproto.CheckUpdateResponse, error)
	// FetchArtifact retrieves the named artifact's raw bytes.
	FetchArtifact(ctx context.Context, ref fogproto.ArtifactRef, kind string) ([]byte, error)
	// SendPolicyVersion reports the locally applied policy version back to
	// the fog, once per successful policy apply.
	SendPolicyVersion(ctx context.Context, req fogproto.SendPolicyVersionRequest) error
	// Reconnect re-points the backend at a new fog address, e.g. after a
	// policy update changes the orchestration policy's fog host/port/ssl.
	Reconnect(addr string, ssl bool)
}

// TokenSource supplies the bearer token for authenticated fog requests.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// FogBackend is the online backend: it authenticates via fogauth, POSTs
// the CheckUpdateRequest, and GETs each referenced artifact. A circuit
// breaker protects the orchestrator from a flapping control plane by
// failing fast instead of hammering it with timeouts.
type FogBackend struct {
	mu      sync.RWMutex
	fogURL  string
	tokens  TokenSource
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logging.Logger
}

// NewFogBackend creates a FogBackend. breakerCooldown is how long the
// breaker stays open before allowing a half-open trial request; zero
// selects a 30s default.
func NewFogBackend(fogURL string, tokens TokenSource, breakerCooldown time.Duration, log *logging.Logger) *FogBackend {
	if breakerCooldown == 0 {
		breakerCooldown = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fog-backend",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &FogBackend{
		fogURL:  fogURL,
		tokens:  tokens,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: cb,
		log:     log,
	}
}

// CheckUpdate posts req to the fog's checkUpdate endpoint via the circuit
// breaker, so a tripped breaker rejects immediately without a network
// round trip.
func (f *FogBackend) CheckUpdate(ctx context.Context, req fogproto.CheckUpdateRequest) (fogproto.CheckUpdateResponse, error) {
	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.doCheckUpdate(ctx, req)
	})
	if err != nil {
		return fogproto.CheckUpdateResponse{}, fmt.Errorf("fog check-update: %w", err)
	}
	return result.(fogproto.CheckUpdateResponse), nil
}

func (f *FogBackend) doCheckUpdate(ctx context.Context, req fogproto.CheckUpdateRequest) (fogproto.CheckUpdateResponse, error) {
	token, err := f.tokens.AccessToken(ctx)
	if err != nil {
		return fogproto.CheckUpdateResponse{}, fmt.Errorf("acquire token: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fogproto.CheckUpdateResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url()+"/checkUpdate", bytes.NewReader(payload))
	if err != nil {
		return fogproto.CheckUpdateResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return fogproto.CheckUpdateResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fogproto.CheckUpdateResponse{}, fmt.Errorf("fog returned status %d", resp.StatusCode)
	}

	var out fogproto.CheckUpdateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fogproto.CheckUpdateResponse{}, fmt.Errorf("decode check-update response: %w", err)
	}
	return out, nil
}

// FetchArtifact GETs the artifact referenced by ref's URL.
func (f *FogBackend) FetchArtifact(ctx context.Context, ref fogproto.ArtifactRef, kind string) ([]byte, error) {
	token, err := f.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}
	artifactURL := ref.URL
	if artifactURL == "" {
		artifactURL = f.url() + "/artifacts/" + kind
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s returned status %d", kind, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// url returns the current fog base URL (thread-safe against Reconnect).
func (f *FogBackend) url() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fogURL
}

// Reconnect re-points the backend at a new fog base URL. ssl is accepted
// for interface symmetry with the orchestration policy's (host, port,
// ssl) tuple; callers are expected to fold it into addr's scheme.
func (f *FogBackend) Reconnect(addr string, ssl bool) {
	f.mu.Lock()
	f.fogURL = addr
	f.mu.Unlock()
}

// SendPolicyVersion PATCHes the applied policy version back to the fog.
func (f *FogBackend) SendPolicyVersion(ctx context.Context, req fogproto.SendPolicyVersionRequest) error {
	token, err := f.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPatch, f.url()+"/agents/policyVersion", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("fog returned status %d", resp.StatusCode)
	}
	return nil
}

// LocalBackend is the offline backend: it watches a staging directory on
// disk and reports a change whenever a file's checksum differs from the
// last one it reported.
type LocalBackend struct {
	stagingDir  string
	lastSeen    map[string]string
	checksumTyp orchtools.ChecksumType
}

// NewLocalBackend creates a LocalBackend rooted at stagingDir.
func NewLocalBackend(stagingDir string) *LocalBackend {
	return &LocalBackend{stagingDir: stagingDir, lastSeen: make(map[string]string), checksumTyp: orchtools.SHA256}
}

// CheckUpdate compares each of the four well-known staging files'
// checksums against the last one consumed for that kind.
func (l *LocalBackend) CheckUpdate(ctx context.Context, req fogproto.CheckUpdateRequest) (fogproto.CheckUpdateResponse, error) {
	var resp fogproto.CheckUpdateResponse
	kinds := map[string]*fogproto.ArtifactRef{
		"manifest": &resp.Manifest,
		"policy":   &resp.Policy,
		"settings": &resp.Settings,
		"data":     &resp.Data,
	}
	for kind, out := range kinds {
		path := l.stagingDir + "/" + kind + ".json"
		if !orchtools.FileExists(path) {
			continue
		}
		sum, err := orchtools.CalculateChecksum(l.checksumTyp, path)
		if err != nil {
			continue
		}
		if sum != l.lastSeen[kind] {
			*out = fogproto.ArtifactRef{Checksum: sum, URL: path}
		}
	}
	return resp, nil
}

// FetchArtifact reads ref's URL (a local path, for this backend) and
// records its checksum so it is not re-reported on the next tick.
func (l *LocalBackend) FetchArtifact(ctx context.Context, ref fogproto.ArtifactRef, kind string) ([]byte, error) {
	data, err := orchtools.ReadFile(ref.URL)
	if err != nil {
		return nil, fmt.Errorf("read local artifact %s: %w", kind, err)
	}
	l.lastSeen[kind] = ref.Checksum
	return data, nil
}

// SendPolicyVersion is a no-op: there is no fog to report to in offline mode.
func (l *LocalBackend) SendPolicyVersion(ctx context.Context, req fogproto.SendPolicyVersionRequest) error {
	return nil
}

// Reconnect is a no-op: the offline backend has no remote address.
func (l *LocalBackend) Reconnect(addr string, ssl bool) {}

// HybridBackend delegates manifest/software artifacts to a wrapped fog
// backend, but generates policy locally from a declarative
// source-of-truth file watched by internal/updatecomm.PolicyWatcher. The
// orchestrator subscribes to the watcher's ApplyPolicy events separately;
// HybridBackend's CheckUpdate simply omits Policy from its upstream
// delegate's response so the orchestrator loop never tries to fetch
// policy from the fog.
type HybridBackend struct {
	fog *FogBackend
}

// NewHybridBackend wraps fog for manifest/software updates only.
func NewHybridBackend(fog *FogBackend) *HybridBackend {
	return &HybridBackend{fog: fog}
}

// CheckUpdate delegates to the fog backend and strips the Policy field,
// since policy in hybrid mode comes from the local declarative file, not
// the fog.
func (h *HybridBackend) CheckUpdate(ctx context.Context, req fogproto.CheckUpdateRequest) (fogproto.CheckUpdateResponse, error) {
	req.Declarative = true
	resp, err := h.fog.CheckUpdate(ctx, req)
	if err != nil {
		return fogproto.CheckUpdateResponse{}, err
	}
	resp.Policy = fogproto.ArtifactRef{}
	return resp, nil
}

// FetchArtifact delegates to the fog backend.
func (h *HybridBackend) FetchArtifact(ctx context.Context, ref fogproto.ArtifactRef, kind string) ([]byte, error) {
	return h.fog.FetchArtifact(ctx, ref, kind)
}

// SendPolicyVersion delegates to the fog backend.
func (h *HybridBackend) SendPolicyVersion(ctx context.Context, req fogproto.SendPolicyVersionRequest) error {
	return h.fog.SendPolicyVersion(ctx, req)
}

// Reconnect delegates to the fog backend.
func (h *HybridBackend) Reconnect(addr string, ssl bool) {
	h.fog.Reconnect(addr, ssl)
}
