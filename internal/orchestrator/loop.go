// Package orchestrator implements the agent's main cooperative loop:
// registration, the poll/apply/report tick, and the backoff-governed
// sleep between ticks. It is the single place that wires together the
// fog authenticator, update-communication backend, manifest controller,
// and service controller into the state machine described by the other
// packages' doc comments.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nano-agent/orchestrator/internal/audit"
	"github.com/nano-agent/orchestrator/internal/clock"
	"github.com/nano-agent/orchestrator/internal/config"
	"github.com/nano-agent/orchestrator/internal/details"
	"github.com/nano-agent/orchestrator/internal/fogauth"
	"github.com/nano-agent/orchestrator/internal/fogproto"
	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/manifestctl"
	"github.com/nano-agent/orchestrator/internal/orchtools"
	"github.com/nano-agent/orchestrator/internal/servicectl"
	"github.com/nano-agent/orchestrator/internal/status"
	"github.com/nano-agent/orchestrator/internal/updatecomm"
)

const (
	manifestFileName = "manifest.json"
	policyFileName   = "policy.json"
	settingsFileName = "settings.json"
	dataFileName     = "data.json"

	startRetryInterval = 20 * time.Second
	checksumType       = orchtools.SHA256
)

// Deps are the Loop's collaborators. All are required except Clock,
// which defaults to the real wall clock.
type Deps struct {
	Config      *config.Config
	Auth        *fogauth.Authenticator
	Backend     updatecomm.Backend
	ManifestCtl *manifestctl.Controller
	ServiceCtl  *servicectl.Controller
	Tenants     *servicectl.TenantManager
	Status      *status.Status
	Bus         *audit.Bus
	Log         *logging.Logger
	Clock       clock.Clock
}

// Loop drives the INIT -> START -> POLL <-> APPLY -> REPORT -> SLEEP
// state machine described by the orchestration component.
type Loop struct {
	deps Deps

	hostname            string
	consecutiveFailures int
}

// New creates a Loop. Call Run to start it; Run blocks until ctx is
// cancelled.
func New(deps Deps) *Loop {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Loop{deps: deps}
}

// Run executes INIT once, then START with retry-on-failure, then loops
// POLL -> APPLY -> REPORT -> SLEEP until ctx is cancelled. A self-update
// that successfully replaces the orchestrator's own package returns a
// SelfUpdateErr so the caller's process can exit and let the watchdog
// restart it into the new binary.
func (l *Loop) Run(ctx context.Context, static details.Static) error {
	l.hostname = static.Hostname

	if err := l.init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	if err := l.start(ctx, static); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, pollErr := l.poll(ctx)
		sleep := l.deps.Config.SleepInterval()

		if pollErr != nil {
			l.consecutiveFailures++
			l.deps.Status.SetUpdateResult(l.deps.Clock.Now(), "poll_failed: "+pollErr.Error())
			sleep = l.deps.Config.ErrorSleepInterval() * time.Duration(failureMultiplier(l.consecutiveFailures))
			l.deps.Log.Warn("poll failed", "error", pollErr, "consecutive_failures", l.consecutiveFailures, "next_sleep", sleep)
		} else {
			l.consecutiveFailures = 0
			applyErr := l.apply(ctx, resp)
			l.report(applyErr)
			if manifestctl.IsTerminalServiceInstall(applyErr) {
				return &SelfUpdateErr{Cause: applyErr}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.deps.Clock.After(sleep):
		}
	}
}

// SelfUpdateErr signals that the manifest stage replaced the
// orchestrator's own package; Run returns it so main() can exit cleanly
// and let the watchdog restart the new binary.
type SelfUpdateErr struct {
	Cause error
}

func (e *SelfUpdateErr) Error() string { return fmt.Sprintf("self-update applied: %v", e.Cause) }
func (e *SelfUpdateErr) Unwrap() error { return e.Cause }

// init runs once per process start. Registration of REST routes is done
// by the caller (cmd/orchestrator); init here just loads any pending
// self-update.
func (l *Loop) init(ctx context.Context) error {
	return manifestctl.LoadAfterSelfUpdate(ctx, l.deps.ManifestCtl.ManifestPath(), l.deps.ManifestCtl.Installer())
}

// start authenticates with the fog, retrying with a fixed short sleep on
// any failure, and starts the token refresher once registration
// succeeds.
func (l *Loop) start(ctx context.Context, static details.Static) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := l.deps.Auth.EnsureRegistered(ctx, static)
		if err == nil {
			break
		}

		l.deps.Status.SetRegistration(fogauth.StatusFailed, fogauth.Credentials{})
		l.deps.Log.Warn("registration failed, retrying", "error", err, "retry_in", startRetryInterval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.deps.Clock.After(startRetryInterval):
		}
	}

	creds, _ := l.deps.Auth.Credentials()
	l.deps.Status.SetRegistration(l.deps.Auth.Status(), creds)
	fogAddr, _ := l.deps.Config.FogAddress()
	l.deps.Status.SetFogAddress(fogAddr)
	l.deps.Bus.Publish(audit.Event{Kind: audit.KindRegistration, Message: "agent registered", Time: l.deps.Clock.Now()})

	l.deps.Auth.StartRefresher(ctx)
	return nil
}

// poll assembles a CheckUpdateRequest from the checksums of the four
// on-disk artifact files plus one sub-request per active (tenant,
// profile) pair, and sends it to the backend.
func (l *Loop) poll(ctx context.Context) (fogproto.CheckUpdateResponse, error) {
	confDir := l.deps.Config.ConfDir

	req := fogproto.CheckUpdateRequest{
		Manifest: checksumRef(filepath.Join(confDir, manifestFileName)),
		Policy:   checksumRef(filepath.Join(confDir, policyFileName)),
		Settings: checksumRef(filepath.Join(confDir, settingsFileName)),
		Data:     checksumRef(filepath.Join(confDir, dataFileName)),
	}

	for _, pair := range l.deps.Tenants.ActivePairs() {
		dir := orchtools.TenantProfileDir(confDir, pair.Tenant, pair.Profile)
		req.VirtualPolicy = append(req.VirtualPolicy, fogproto.VirtualArtifactRef{
			Tenant: pair.Tenant, Profile: pair.Profile,
			ArtifactRef: checksumRef(filepath.Join(dir, policyFileName)),
		})
		req.VirtualSettings = append(req.VirtualSettings, fogproto.VirtualArtifactRef{
			Tenant: pair.Tenant, Profile: pair.Profile,
			ArtifactRef: checksumRef(filepath.Join(dir, settingsFileName)),
		})
	}

	if l.deps.Config.Backend == config.BackendHybrid {
		req.UpgradeMode = true
		req.Declarative = true
	}

	return l.deps.Backend.CheckUpdate(ctx, req)
}

func checksumRef(path string) fogproto.ArtifactRef {
	sum, err := orchtools.CalculateChecksum(checksumType, path)
	if err != nil {
		return fogproto.ArtifactRef{}
	}
	return fogproto.ArtifactRef{Checksum: sum}
}

// failureMultiplier implements the error-sleep multiplier table: 1 for
// <=2 consecutive failures, 2 for 3-9, 10 for >=10.
func failureMultiplier(consecutive int) int {
	switch {
	case consecutive <= 2:
		return 1
	case consecutive < 10:
		return 2
	default:
		return 10
	}
}

// apply applies settings, then data, then policy, then manifest, in
// that strict order. Each stage is independent: a failure in one does
// not prevent the others from running, but every failure is joined into
// the returned error.
func (l *Loop) apply(ctx context.Context, resp fogproto.CheckUpdateResponse) error {
	timeout := l.deps.Config.ReconfigTimeout()
	var errs []error

	if resp.Settings.Changed() {
		data, err := l.deps.Backend.FetchArtifact(ctx, resp.Settings, "settings")
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch settings: %w", err))
		} else if err := l.deps.ServiceCtl.UpdateServiceConfiguration(ctx, nil, data, nil, "", "", true, "", timeout); err != nil {
			errs = append(errs, fmt.Errorf("apply settings: %w", err))
		} else {
			l.deps.Status.SetSettingsUpdated(l.deps.Clock.Now())
			l.deps.ManifestCtl.SetNSaaS(manifestctl.ParseIsAwsNSaaS(data))
		}
	}

	if resp.Data.Changed() {
		data, err := l.deps.Backend.FetchArtifact(ctx, resp.Data, "data")
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch data: %w", err))
		} else if err := l.deps.ServiceCtl.UpdateServiceConfiguration(ctx, nil, nil, map[string][]byte{dataFileName: data}, "", "", true, "", timeout); err != nil {
			errs = append(errs, fmt.Errorf("apply data: %w", err))
		}
	}

	if resp.Policy.Changed() {
		data, err := l.deps.Backend.FetchArtifact(ctx, resp.Policy, "policy")
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch policy: %w", err))
		} else {
			fromVersion := l.deps.Status.Snapshot().PolicyVersion
			if err := l.deps.ServiceCtl.UpdateServiceConfiguration(ctx, data, nil, nil, "", "", true, resp.Policy.Version, timeout); err != nil {
				errs = append(errs, fmt.Errorf("apply policy: %w", err))
			} else {
				l.deps.Status.SetPolicyVersion(resp.Policy.Version)
				l.deps.Status.SetPolicyUpdated(l.deps.Clock.Now())
				l.deps.Bus.Publish(audit.Event{
					Kind:    audit.KindPolicyUpdated,
					Message: fmt.Sprintf("Agent's policy has been updated from %s to %s", fromVersion, resp.Policy.Version),
					Time:    l.deps.Clock.Now(),
				})

				l.updateFogAddress(data)
				if err := l.sendPolicyVersion(ctx, resp.Policy.Version); err != nil {
					errs = append(errs, fmt.Errorf("send policy version: %w", err))
				}
			}
		}
	}

	if resp.Manifest.Changed() {
		data, err := l.deps.Backend.FetchArtifact(ctx, resp.Manifest, "manifest")
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch manifest: %w", err))
		} else if err := l.deps.ManifestCtl.ApplyManifest(ctx, data); err != nil {
			if manifestctl.IsTerminalServiceInstall(err) {
				l.deps.Bus.Publish(audit.Event{Kind: audit.KindSelfUpdate, Message: "orchestrator self-update applied, restarting", Time: l.deps.Clock.Now()})
				return err
			}
			l.deps.Bus.Publish(audit.Event{
				Kind:    audit.KindManifestFailed,
				Message: l.manifestFailureMessage(),
				Time:    l.deps.Clock.Now(),
			})
			errs = append(errs, fmt.Errorf("apply manifest: %w", err))
		} else {
			l.deps.Status.SetManifestUpdated(l.deps.Clock.Now())
			l.deps.Bus.Publish(audit.Event{Kind: audit.KindManifestApplied, Time: l.deps.Clock.Now()})
		}
	}

	if err := l.handleVirtualFiles(ctx, resp); err != nil {
		errs = append(errs, fmt.Errorf("virtual files: %w", err))
	}

	return errors.Join(errs...)
}

// manifestFailureMessage picks the user-visible audit template for a
// manifest apply failure: the service-to-port map never having been
// populated means the agent has never enforced any policy at all, which
// is a more severe condition than a later update simply failing to land.
func (l *Loop) manifestFailureMessage() string {
	if len(l.deps.ServiceCtl.Registered()) == 0 {
		return fmt.Sprintf("Critical: Agent was not fully deployed on host %s and is not enforcing a security policy", l.hostname)
	}
	return fmt.Sprintf("Warning: Agent software update failed on host %s", l.hostname)
}

// ApplyDeclarativePolicy applies a policy document generated locally
// from the hybrid backend's declarative source file, bypassing
// Backend.FetchArtifact since the data is already in hand. The caller
// (main, watching internal/updatecomm.PolicyWatcher) calls this outside
// the normal poll/apply tick whenever the declarative file changes.
func (l *Loop) ApplyDeclarativePolicy(ctx context.Context, data []byte, version string) error {
	timeout := l.deps.Config.ReconfigTimeout()
	fromVersion := l.deps.Status.Snapshot().PolicyVersion

	if err := l.deps.ServiceCtl.UpdateServiceConfiguration(ctx, data, nil, nil, "", "", true, version, timeout); err != nil {
		return fmt.Errorf("apply declarative policy: %w", err)
	}

	l.deps.Status.SetPolicyVersion(version)
	l.deps.Status.SetPolicyUpdated(l.deps.Clock.Now())
	l.deps.Bus.Publish(audit.Event{
		Kind:    audit.KindPolicyUpdated,
		Message: fmt.Sprintf("Agent's declarative policy has been updated from %s to %s", fromVersion, version),
		Time:    l.deps.Clock.Now(),
	})

	l.updateFogAddress(data)
	if err := l.sendPolicyVersion(ctx, version); err != nil {
		return fmt.Errorf("send policy version: %w", err)
	}
	return nil
}

// updateFogAddress decodes the OrchestrationPolicy fields embedded in a
// freshly applied policy document and, if the fog's (host, port, ssl)
// differs from the one currently in use, reconnects the backend to it.
// Unparseable or host-less documents are left alone: most policy
// documents never carry these fields.
func (l *Loop) updateFogAddress(policyData []byte) {
	var p fogproto.OrchestrationPolicy
	if err := json.Unmarshal(policyData, &p); err != nil || p.FogHost == "" {
		return
	}
	ssl := true
	if p.FogSSL != nil {
		ssl = *p.FogSSL
	}
	addr := p.FogHost
	if p.FogPort != "" {
		addr = addr + ":" + p.FogPort
	}
	if l.deps.Config.UpdateFogAddress(addr, ssl) {
		scheme := "http://"
		if ssl {
			scheme = "https://"
		}
		l.deps.Backend.Reconnect(scheme+addr, ssl)
		l.deps.Status.SetFogAddress(addr)
		l.deps.Log.Info("fog address changed, backend reconnected", "address", addr, "ssl", ssl)
	}
}

// sendPolicyVersion reports the just-applied policy version, plus the
// per-service policy/settings versions on record, back to the fog.
func (l *Loop) sendPolicyVersion(ctx context.Context, version string) error {
	versions := make(map[string]string)
	for svc, v := range l.deps.Status.Snapshot().ServiceVersions {
		versions[svc] = v.PolicyVersion
	}
	return l.deps.Backend.SendPolicyVersion(ctx, fogproto.SendPolicyVersionRequest{
		PolicyVersion: version,
		Versions:      versions,
	})
}

// handleVirtualFiles downloads and writes per-(tenant, profile) policy
// and settings files for every pair the fog still reports, and
// deactivates any pair the fog no longer lists.
func (l *Loop) handleVirtualFiles(ctx context.Context, resp fogproto.CheckUpdateResponse) error {
	present := make(map[servicectl.TenantProfilePair]bool)
	for _, ref := range resp.VirtualPolicy {
		present[servicectl.TenantProfilePair{Tenant: ref.Tenant, Profile: ref.Profile}] = true
	}
	for _, ref := range resp.VirtualSettings {
		present[servicectl.TenantProfilePair{Tenant: ref.Tenant, Profile: ref.Profile}] = true
	}

	for _, pair := range l.deps.Tenants.ActivePairs() {
		if !present[pair] {
			l.deps.Tenants.Deactivate(pair)
		}
	}

	var errs []error
	timeout := l.deps.Config.ReconfigTimeout()

	policyByPair := make(map[servicectl.TenantProfilePair]fogproto.VirtualArtifactRef)
	for _, ref := range resp.VirtualPolicy {
		policyByPair[servicectl.TenantProfilePair{Tenant: ref.Tenant, Profile: ref.Profile}] = ref
	}
	settingsByPair := make(map[servicectl.TenantProfilePair]fogproto.VirtualArtifactRef)
	for _, ref := range resp.VirtualSettings {
		settingsByPair[servicectl.TenantProfilePair{Tenant: ref.Tenant, Profile: ref.Profile}] = ref
	}

	for pair := range unionPairs(policyByPair, settingsByPair) {
		var policyData, settingsData []byte

		if ref, ok := policyByPair[pair]; ok && ref.Changed() {
			data, err := l.deps.Backend.FetchArtifact(ctx, ref.ArtifactRef, "policy")
			if err != nil {
				errs = append(errs, fmt.Errorf("fetch virtual policy %s/%s: %w", pair.Tenant, pair.Profile, err))
				continue
			}
			policyData = data
		}
		if ref, ok := settingsByPair[pair]; ok && ref.Changed() {
			data, err := l.deps.Backend.FetchArtifact(ctx, ref.ArtifactRef, "settings")
			if err != nil {
				errs = append(errs, fmt.Errorf("fetch virtual settings %s/%s: %w", pair.Tenant, pair.Profile, err))
				continue
			}
			settingsData = data
		}
		if policyData == nil && settingsData == nil {
			continue
		}

		if err := l.deps.ServiceCtl.UpdateServiceConfiguration(ctx, policyData, settingsData, nil, pair.Tenant, pair.Profile, true, "", timeout); err != nil {
			errs = append(errs, fmt.Errorf("apply virtual files %s/%s: %w", pair.Tenant, pair.Profile, err))
		}
	}

	return errors.Join(errs...)
}

func unionPairs(a, b map[servicectl.TenantProfilePair]fogproto.VirtualArtifactRef) map[servicectl.TenantProfilePair]bool {
	out := make(map[servicectl.TenantProfilePair]bool, len(a)+len(b))
	for p := range a {
		out[p] = true
	}
	for p := range b {
		out[p] = true
	}
	return out
}

// report updates the observable status record with the outcome of one
// tick.
func (l *Loop) report(applyErr error) {
	now := l.deps.Clock.Now()
	l.deps.Status.SetUpdateAttempt(now)
	if applyErr != nil {
		l.deps.Status.SetUpdateResult(now, "apply_failed: "+applyErr.Error())
		l.deps.Bus.Publish(audit.Event{Kind: audit.KindTickError, Message: applyErr.Error(), Time: now})
		return
	}
	l.deps.Status.SetUpdateResult(now, "success")
	if err := l.deps.Status.WriteStatusToFile(); err != nil {
		l.deps.Log.Warn("failed to persist status", "error", err)
	}
}
