package servicectl

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/nano-agent/orchestrator/internal/orchtools"
)

// Controller composes the service Registry with the tenant manager to
// implement the batched, multi-tenant-aware configuration fan-out
// described by updateServiceConfiguration.
type Controller struct {
	*Registry
	tenants *TenantManager
	confDir string

	mu      sync.Mutex
	pending map[TenantProfilePair]map[string]bool // accumulated changed file names, keyed by pair; empty pair = singleton
}

// NewController creates a Controller. confDir is the root configuration
// directory; the singleton (non-multi-tenant) pair writes directly
// under it, tenant/profile pairs write under their own
// tenant_<t>_profile_<p>/ subdirectory.
func NewController(reg *Registry, tenants *TenantManager, confDir string) *Controller {
	return &Controller{
		Registry: reg,
		tenants:  tenants,
		confDir:  confDir,
		pending:  make(map[TenantProfilePair]map[string]bool),
	}
}

func targetDir(confDir, tenant, profile string) string {
	if tenant == "" && profile == "" {
		return confDir
	}
	return orchtools.TenantProfileDir(confDir, tenant, profile)
}

// UpdateServiceConfiguration writes any of policy, settings, or
// dataFiles that are non-nil to disk (each preceded by a .bk backup of
// the file it replaces), routed into the (tenant, profile) pair's
// directory when either is non-empty. policy.json is written whole, and
// also split via orchtools.JSONObjectSplitter into one file per
// top-level namespace key, since services register relevant_configs as
// namespace names rather than filenames. It accumulates the changed
// namespace/file set across calls sharing a pair until isLast, at which
// point it refreshes pending service registrations and fans out a
// batched reload to every service relevant to the accumulated changes
// (scoped to the pair's membership when one was given). Returns nil
// once every relevant service reaches SUCCEEDED, once the services list
// is empty, or immediately on every non-final call.
func (c *Controller) UpdateServiceConfiguration(
	ctx context.Context,
	policy, settings []byte,
	dataFiles map[string][]byte,
	tenant, profile string,
	isLast bool,
	policyVersion string,
	timeout time.Duration,
) error {
	pair := TenantProfilePair{Tenant: tenant, Profile: profile}
	multiTenant := tenant != "" || profile != ""
	dir := targetDir(c.confDir, tenant, profile)

	if multiTenant {
		if err := c.tenants.Activate(pair); err != nil {
			return fmt.Errorf("activate tenant profile: %w", err)
		}
	} else if err := orchtools.CreateDirectory(dir); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	changed := make(map[string]bool)
	settingsChanged := false

	if policy != nil {
		if err := orchtools.WriteFileAtomic(filepath.Join(dir, "policy.json"), policy); err != nil {
			return fmt.Errorf("write policy: %w", err)
		}

		namespaces, err := orchtools.JSONObjectSplitter(policy, "", "")
		if err != nil {
			return fmt.Errorf("split policy: %w", err)
		}
		for ns, doc := range namespaces {
			if err := orchtools.WriteFileAtomic(filepath.Join(dir, ns+".json"), doc); err != nil {
				return fmt.Errorf("write policy namespace %s: %w", ns, err)
			}
			changed[ns] = true
		}
	}
	if settings != nil {
		if err := orchtools.WriteFileAtomic(filepath.Join(dir, "settings.json"), settings); err != nil {
			return fmt.Errorf("write settings: %w", err)
		}
		changed["settings.json"] = true
		settingsChanged = true
	}
	for name, data := range dataFiles {
		if err := orchtools.WriteFileAtomic(filepath.Join(dir, name), data); err != nil {
			return fmt.Errorf("write data file %s: %w", name, err)
		}
		changed[name] = true
	}

	c.mu.Lock()
	accum := c.pending[pair]
	if accum == nil {
		accum = make(map[string]bool)
	}
	for f := range changed {
		accum[f] = true
	}
	c.pending[pair] = accum
	c.mu.Unlock()

	if !isLast {
		return nil
	}

	c.mu.Lock()
	finalChanged := c.pending[pair]
	delete(c.pending, pair)
	c.mu.Unlock()
	if len(finalChanged) == 0 {
		return nil
	}

	if err := c.RefreshPendingServices(); err != nil {
		return fmt.Errorf("refresh pending services: %w", err)
	}

	var allowed map[string]bool
	if multiTenant {
		allowed = make(map[string]bool)
		for _, id := range c.tenants.Members(pair) {
			allowed[id] = true
		}
	}

	return c.batchReloadScoped(ctx, finalChanged, settingsChanged, allowed, policyVersion, timeout)
}
