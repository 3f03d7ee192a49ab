package servicectl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/orchtools"
)

// TenantProfilePair identifies one active (tenant, profile) fan-out
// target.
type TenantProfilePair struct {
	Tenant  string
	Profile string
}

func (p TenantProfilePair) dirName() string {
	return fmt.Sprintf("tenant_%s_profile_%s", p.Tenant, p.Profile)
}

// TenantManager tracks which (tenant, profile) pairs are currently
// active and which registered service instances belong to each, and
// periodically garbage-collects stale pairs' on-disk directories.
type TenantManager struct {
	confDir string
	log     *logging.Logger

	mu      sync.RWMutex
	active  map[TenantProfilePair]bool
	members map[TenantProfilePair][]string // registered service ids

	cronJob *cron.Cron
}

// NewTenantManager creates a TenantManager rooted at confDir (the
// orchestrator's configuration directory, under which
// tenant_<t>_profile_<p>/ directories live).
func NewTenantManager(confDir string, log *logging.Logger) *TenantManager {
	return &TenantManager{
		confDir: confDir,
		log:     log,
		active:  make(map[TenantProfilePair]bool),
		members: make(map[TenantProfilePair][]string),
	}
}

// Activate marks pair as active and ensures its configuration directory
// exists.
func (tm *TenantManager) Activate(pair TenantProfilePair) error {
	tm.mu.Lock()
	tm.active[pair] = true
	tm.mu.Unlock()
	return orchtools.CreateDirectory(orchtools.TenantProfileDir(tm.confDir, pair.Tenant, pair.Profile))
}

// Deactivate marks pair as no longer active. Its files are removed by
// the next GC pass, not immediately, so a transient fog hiccup does not
// destroy a tenant's state.
func (tm *TenantManager) Deactivate(pair TenantProfilePair) {
	tm.mu.Lock()
	delete(tm.active, pair)
	delete(tm.members, pair)
	tm.mu.Unlock()
}

// ActivePairs returns the currently active (tenant, profile) set.
func (tm *TenantManager) ActivePairs() []TenantProfilePair {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]TenantProfilePair, 0, len(tm.active))
	for p := range tm.active {
		out = append(out, p)
	}
	return out
}

// RegisterMember records that serviceID belongs to pair's fan-out
// audience.
func (tm *TenantManager) RegisterMember(pair TenantProfilePair, serviceID string) {
	tm.mu.Lock()
	tm.members[pair] = append(tm.members[pair], serviceID)
	tm.mu.Unlock()
}

// Members returns the registered service ids fanned out to pair.
func (tm *TenantManager) Members(pair TenantProfilePair) []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return append([]string(nil), tm.members[pair]...)
}

// GC diffs the on-disk tenant_* directories against the active set and
// removes any directory whose pair is not active.
func (tm *TenantManager) GC() error {
	entries, err := os.ReadDir(tm.confDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var errs []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "tenant_") {
			continue
		}
		if tm.dirIsActive(entry.Name()) {
			continue
		}
		if err := orchtools.RemoveDirectory(filepath.Join(tm.confDir, entry.Name()), true); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("tenant gc: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (tm *TenantManager) dirIsActive(dirName string) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	for pair := range tm.active {
		if pair.dirName() == dirName {
			return true
		}
	}
	return false
}

// StartGCSchedule runs GC on the given cron schedule (default: daily at
// midnight) until ctx is cancelled.
func (tm *TenantManager) StartGCSchedule(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = "0 0 * * *"
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := tm.GC(); err != nil {
			tm.log.Warn("tenant gc failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("parse gc schedule: %w", err)
	}
	tm.cronJob = c
	c.Start()

	go func() {
		<-ctx.Done()
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}()
	return nil
}
