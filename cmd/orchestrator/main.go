// Command orchestrator runs the on-host orchestration agent: it
// registers with the fog control plane, polls for manifest/policy/
// settings/data updates, fans configuration out to nano-services, and
// exposes a local REST control surface and Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nano-agent/orchestrator/internal/audit"
	"github.com/nano-agent/orchestrator/internal/config"
	"github.com/nano-agent/orchestrator/internal/details"
	"github.com/nano-agent/orchestrator/internal/downloader"
	"github.com/nano-agent/orchestrator/internal/fogauth"
	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/manifestctl"
	"github.com/nano-agent/orchestrator/internal/notify"
	"github.com/nano-agent/orchestrator/internal/orchestrator"
	"github.com/nano-agent/orchestrator/internal/pkghandler"
	"github.com/nano-agent/orchestrator/internal/restapi"
	"github.com/nano-agent/orchestrator/internal/servicectl"
	"github.com/nano-agent/orchestrator/internal/shellexec"
	"github.com/nano-agent/orchestrator/internal/status"
	"github.com/nano-agent/orchestrator/internal/store"
	"github.com/nano-agent/orchestrator/internal/updatecomm"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// requiredApps are the nano-service applications the fog must have
// provisioned for this agent's profile before registration succeeds.
var requiredApps = []string{"access-control", "threat-prevention"}

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogJSON)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		if errors.As(err, new(*orchestrator.SelfUpdateErr)) {
			log.Info("exiting for self-update restart", "error", err)
			os.Exit(0)
		}
		if errors.Is(err, context.Canceled) {
			log.Info("shut down")
			os.Exit(0)
		}
		log.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := audit.New()
	runner := shellexec.New()

	tokenEnvVars := []string{"AGENT_TOKEN", "NANO_AGENT_TOKEN"}
	if cfg.AgentTokenEnv != "" {
		tokenEnvVars = append([]string{cfg.AgentTokenEnv}, tokenEnvVars...)
	}
	auth := fogauth.New(fogauth.Config{
		FogURL:          fogAddressURL(cfg),
		CredentialsFile: filepath.Join(cfg.ConfDir, "agent-credentials.json"),
		TokenFile:       cfg.AgentTokenFile,
		TokenEnvVars:    tokenEnvVars,
		RequiredApps:    requiredApps,
		ManagedMode:     "fog",
	}, log.With("component", "fogauth"))

	packagesDir := filepath.Join(cfg.ConfDir, "packages")
	stagingDir := filepath.Join(cfg.ConfDir, "staging")
	for _, dir := range []string{packagesDir, stagingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	fogAddr, fogSSL := cfg.FogAddress()
	backend, err := buildBackend(cfg, fogAddr, fogSSL, auth, stagingDir, log)
	if err != nil {
		return fmt.Errorf("build backend: %w", err)
	}

	dl := downloader.New(fogAddr, fogSSL, auth, stagingDir, log.With("component", "downloader"))
	installer := pkghandler.New(runner, log.With("component", "pkghandler"), packagesDir)
	manifest := manifestctl.New(
		filepath.Join(cfg.ConfDir, "manifest.json"),
		filepath.Join(cfg.ConfDir, "corrupted.json"),
		filepath.Join(cfg.ConfDir, "ignore-list.json"),
		dl, installer, bus, log.With("component", "manifestctl"),
	)

	registry := servicectl.New(filepath.Join(cfg.ConfDir, "registered-services.json"), runner, log.With("component", "servicectl"))
	tenants := servicectl.NewTenantManager(cfg.ConfDir, log.With("component", "tenants"))
	services := servicectl.NewController(registry, tenants, cfg.ConfDir)

	st := status.New(filepath.Join(cfg.ConfDir, "orchestration_status.json"))

	outbox, err := store.Open(filepath.Join(cfg.ConfDir, "outbox.db"))
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer outbox.Close()

	multi := buildNotifiers(cfg, auth, log)
	go notify.Bridge(ctx, bus, multi)
	go archiveEvents(ctx, bus, outbox, log)

	loop := orchestrator.New(orchestrator.Deps{
		Config:      cfg,
		Auth:        auth,
		Backend:     backend,
		ManifestCtl: manifest,
		ServiceCtl:  services,
		Tenants:     tenants,
		Status:      st,
		Bus:         bus,
		Log:         log.With("component", "orchestrator"),
	})

	g, gctx := errgroupContext(ctx)

	if sched := cfg.TenantGCSchedule; sched != "" {
		g.spawn(func() error { return tenants.StartGCSchedule(gctx, sched) })
	}

	if cfg.Backend == config.BackendHybrid {
		g.spawn(func() error { return runDeclarativePolicyWatcher(gctx, cfg, loop, log) })
	}

	var restServer *restapi.Server
	if cfg.RESTEnabled {
		restServer = restapi.NewServer(restapi.Deps{
			Config:   cfg,
			Status:   st,
			Services: registry,
			Auth:     auth,
			Bus:      bus,
			Stop:     stop,
			Log:      log.With("component", "restapi"),
		})
		g.spawn(func() error { return restServer.ListenAndServe(":" + cfg.RESTPort) })
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
		g.spawn(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	runErr := loop.Run(gctx, details.ResolveStatic(version))
	if err := st.WriteStatusToFile(); err != nil {
		log.Warn("failed to persist status", "error", err)
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if restServer != nil {
		restServer.Shutdown(shutdownCtx)
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	g.wait()

	return runErr
}

// buildBackend constructs the update-communication backend selected by
// cfg.Backend. Hybrid mode wraps the fog backend since it still uses the
// fog for manifest/settings/data, only policy is local.
func buildBackend(cfg *config.Config, fogAddr string, fogSSL bool, auth *fogauth.Authenticator, stagingDir string, log *logging.Logger) (updatecomm.Backend, error) {
	switch cfg.Backend {
	case config.BackendOnline:
		scheme := "http"
		if fogSSL {
			scheme = "https"
		}
		return updatecomm.NewFogBackend(scheme+"://"+fogAddr, auth, 0, log.With("component", "updatecomm")), nil
	case config.BackendOffline:
		return updatecomm.NewLocalBackend(stagingDir), nil
	case config.BackendHybrid:
		scheme := "http"
		if fogSSL {
			scheme = "https"
		}
		fog := updatecomm.NewFogBackend(scheme+"://"+fogAddr, auth, 0, log.With("component", "updatecomm"))
		return updatecomm.NewHybridBackend(fog), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func fogAddressURL(cfg *config.Config) string {
	addr, ssl := cfg.FogAddress()
	if addr == "" {
		return ""
	}
	scheme := "http"
	if ssl {
		scheme = "https"
	}
	return scheme + "://" + addr
}

// buildNotifiers assembles the notify.Multi fan-out: the fog events
// webhook is always present, MQTT is added when a broker is configured.
func buildNotifiers(cfg *config.Config, auth *fogauth.Authenticator, log *logging.Logger) *notify.Multi {
	sinks := []notify.Notifier{notify.NewWebhook(fogAddressURL(cfg), auth)}
	if cfg.MQTTBrokerURL != "" {
		sinks = append(sinks, notify.NewMQTT(cfg.MQTTBrokerURL, cfg.MQTTTopic, "", "", "", 1))
	}
	return notify.NewMulti(log.With("component", "notify"), sinks...)
}

// archiveEvents persists every published audit event to the outbox so a
// notifier outage does not lose history. Nothing retries delivery:
// notify.Multi sends each event once, and the outbox is not replayed.
func archiveEvents(ctx context.Context, bus *audit.Bus, outbox *store.Outbox, log *logging.Logger) {
	ch, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := outbox.Enqueue(evt); err != nil {
				log.Warn("failed to archive audit event", "error", err, "kind", evt.Kind)
			}
		}
	}
}

// runDeclarativePolicyWatcher watches the hybrid backend's declarative
// policy file and applies every settled change directly, since
// HybridBackend.CheckUpdate never surfaces policy through the normal
// poll/apply tick.
func runDeclarativePolicyWatcher(ctx context.Context, cfg *config.Config, loop *orchestrator.Loop, log *logging.Logger) error {
	watcher := updatecomm.NewPolicyWatcher(cfg.DeclarativePolicyFile, 2*time.Second, log.With("component", "policywatcher"))

	out := make(chan updatecomm.DeclarativePolicy, 1)
	stopCh := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- watcher.Watch(stopCh, out) }()

	for {
		select {
		case <-ctx.Done():
			close(stopCh)
			return ctx.Err()
		case policy := <-out:
			data, err := yamlToJSON(policy)
			if err != nil {
				log.Warn("failed to encode declarative policy", "error", err)
				continue
			}
			if err := loop.ApplyDeclarativePolicy(ctx, data, policy.Version); err != nil {
				log.Warn("failed to apply declarative policy", "error", err, "version", policy.Version)
			}
		case err := <-errCh:
			return err
		}
	}
}

// yamlToJSON re-encodes the declarative policy's per-service settings map
// as the JSON form UpdateServiceConfiguration expects.
func yamlToJSON(policy updatecomm.DeclarativePolicy) ([]byte, error) {
	return json.Marshal(policy.Policies)
}

// errgroup is a minimal sibling-goroutine tracker for the tenant GC
// schedule, policy watcher, REST server, and metrics server: all need
// "run until ctx is done, cancel the rest on first error" semantics
// without pulling in x/sync for four call sites.
type errgroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	errCh  chan error
	n      int
}

func errgroupContext(parent context.Context) (*errgroup, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &errgroup{ctx: ctx, cancel: cancel, errCh: make(chan error, 8)}, ctx
}

func (g *errgroup) spawn(fn func() error) {
	g.n++
	go func() {
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			g.errCh <- err
			g.cancel()
		}
	}()
}

func (g *errgroup) wait() {
	g.cancel()
}
