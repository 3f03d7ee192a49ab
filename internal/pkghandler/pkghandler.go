// Package pkghandler runs the shell-scripted lifecycle of a single
// package install/uninstall: pre-install sanity probe, the destructive
// install step, a post-install health probe, uninstall, and refreshing
// the on-disk backup slot after a successful install.
package pkghandler

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/orchtools"
	"github.com/nano-agent/orchestrator/internal/pkgmodel"
	"github.com/nano-agent/orchestrator/internal/shellexec"
)

// defaultTimeout bounds every scripted step; the spec's liveness-probe
// default of 200ms is for the service controller, not package scripts,
// which may legitimately run a real installer.
const defaultTimeout = 30 * time.Second

// Handler runs a package's lifecycle scripts against its installed file.
type Handler struct {
	runner      shellexec.Runner
	log         *logging.Logger
	packagesDir string // root under which packages/<name>/<name>[.bk] live
}

// New creates a Handler rooted at packagesDir.
func New(runner shellexec.Runner, log *logging.Logger, packagesDir string) *Handler {
	return &Handler{runner: runner, log: log, packagesDir: packagesDir}
}

func (h *Handler) installedPath(name string) string {
	return filepath.Join(h.packagesDir, name, name)
}

func (h *Handler) backupPath(name string) string {
	return h.installedPath(name) + ".bk"
}

// ShouldInstall is a cheap predicate that skips a no-op install: if the
// on-disk installed file's checksum already matches the package's
// declared checksum, there is nothing to do.
func (h *Handler) ShouldInstall(pkg pkgmodel.Package) bool {
	path := h.installedPath(pkg.Name)
	if !orchtools.FileExists(path) {
		return true
	}
	sum, err := orchtools.CalculateChecksum(pkg.ChecksumType, path)
	if err != nil {
		return true
	}
	return sum != pkg.Checksum
}

// PreInstall runs the integrity/sanity probe against the freshly
// downloaded artifact at downloadedPath. A failure aborts the install
// before any on-disk state changes.
func (h *Handler) PreInstall(ctx context.Context, pkg pkgmodel.Package, downloadedPath string) error {
	res, err := h.runner.Run(ctx, defaultTimeout, "pre_install.sh", pkg.Name, downloadedPath)
	if err != nil {
		return fmt.Errorf("pre_install %s: %w", pkg.Name, err)
	}
	if res.TimedOut || res.ExitCode != 0 {
		return fmt.Errorf("pre_install %s failed: exit=%d timeout=%t stderr=%s", pkg.Name, res.ExitCode, res.TimedOut, res.Stderr)
	}
	return nil
}

// Install runs the destructive install step. In restoreMode, the backup
// copy is installed instead of downloadedPath (used to roll back a
// failed self-update).
func (h *Handler) Install(ctx context.Context, pkg pkgmodel.Package, downloadedPath string, restoreMode bool) error {
	source := downloadedPath
	if restoreMode {
		source = h.backupPath(pkg.Name)
	}
	res, err := h.runner.Run(ctx, defaultTimeout, "install.sh", pkg.Name, source, h.installedPath(pkg.Name))
	if err != nil {
		return fmt.Errorf("install %s: %w", pkg.Name, err)
	}
	if res.TimedOut || res.ExitCode != 0 {
		return fmt.Errorf("install %s failed: exit=%d timeout=%t stderr=%s", pkg.Name, res.ExitCode, res.TimedOut, res.Stderr)
	}
	return nil
}

// PostInstall runs the post-install health probe. The caller decides how
// to react to failure: fatal-with-restore for the self-update path,
// log-and-continue for every other package.
func (h *Handler) PostInstall(ctx context.Context, pkg pkgmodel.Package) error {
	res, err := h.runner.Run(ctx, defaultTimeout, "post_install.sh", pkg.Name, h.installedPath(pkg.Name))
	if err != nil {
		return fmt.Errorf("post_install %s: %w", pkg.Name, err)
	}
	if res.TimedOut || res.ExitCode != 0 {
		return fmt.Errorf("post_install %s failed: exit=%d timeout=%t stderr=%s", pkg.Name, res.ExitCode, res.TimedOut, res.Stderr)
	}
	return nil
}

// Uninstall removes the package and runs its cleanup script.
func (h *Handler) Uninstall(ctx context.Context, pkg pkgmodel.Package) error {
	res, err := h.runner.Run(ctx, defaultTimeout, "uninstall.sh", pkg.Name, h.installedPath(pkg.Name))
	if err != nil {
		return fmt.Errorf("uninstall %s: %w", pkg.Name, err)
	}
	if res.TimedOut || res.ExitCode != 0 {
		return fmt.Errorf("uninstall %s failed: exit=%d timeout=%t stderr=%s", pkg.Name, res.ExitCode, res.TimedOut, res.Stderr)
	}
	return orchtools.RemoveFile(h.installedPath(pkg.Name))
}

// UpdateSavedPackage copies the freshly installed file over the backup
// slot after a successful install, so future restores use the newly
// known-good binary.
func (h *Handler) UpdateSavedPackage(pkg pkgmodel.Package) error {
	installed := h.installedPath(pkg.Name)
	if !orchtools.FileExists(installed) {
		return fmt.Errorf("update saved package %s: installed file missing", pkg.Name)
	}
	return orchtools.CopyFile(installed, h.backupPath(pkg.Name))
}

// RunInstall drives pre -> install -> post for a single package, in the
// order the manifest controller expects. It does not interpret the
// self-update or non-installable special cases; callers (manifestctl)
// handle those before calling RunInstall.
func (h *Handler) RunInstall(ctx context.Context, pkg pkgmodel.Package, downloadedPath string, restoreMode bool) error {
	if err := h.PreInstall(ctx, pkg, downloadedPath); err != nil {
		return err
	}
	if err := h.Install(ctx, pkg, downloadedPath, restoreMode); err != nil {
		return err
	}
	if err := h.PostInstall(ctx, pkg); err != nil {
		return fmt.Errorf("post-install probe failed for %s: %w", pkg.Name, err)
	}
	return nil
}
