// Package manifestctl runs the manifest update algorithm: diffing a
// newly downloaded manifest against the current one, uninstalling
// untracked packages, downloading and installing new or changed
// packages in dependency order, and persisting the result.
package manifestctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nano-agent/orchestrator/internal/audit"
	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/orchtools"
	"github.com/nano-agent/orchestrator/internal/pkghandler"
	"github.com/nano-agent/orchestrator/internal/pkgmodel"
)

// Downloader is the narrow slice of internal/downloader the controller
// needs: fetch one package's artifact by its declared source.
type Downloader interface {
	DownloadFromFog(ctx context.Context, checksum string, checksumType orchtools.ChecksumType, resource string) (string, error)
	DownloadFromURL(ctx context.Context, rawURL, checksum string, checksumType orchtools.ChecksumType, serviceName string) (string, error)
	RemoveDownloadFile(packageName string) error
}

// Controller runs the manifest update algorithm described in the
// orchestration policy.
type Controller struct {
	manifestPath   string
	corruptedPath  string
	ignoreListPath string
	nsaasIgnoreAll bool
	isNSaaS        bool
	downloads      Downloader
	installer      *pkghandler.Handler
	bus            *audit.Bus
	log            *logging.Logger
}

// ManifestPath returns the on-disk path of the current manifest, e.g.
// for the caller's self-update temp-file check at INIT.
func (c *Controller) ManifestPath() string { return c.manifestPath }

// Installer returns the package handler backing installs/uninstalls,
// e.g. for the caller's self-update promotion at INIT.
func (c *Controller) Installer() *pkghandler.Handler { return c.installer }

// New creates a Controller.
func New(manifestPath, corruptedPath, ignoreListPath string, downloads Downloader, installer *pkghandler.Handler, bus *audit.Bus, log *logging.Logger) *Controller {
	return &Controller{
		manifestPath:   manifestPath,
		corruptedPath:  corruptedPath,
		ignoreListPath: ignoreListPath,
		downloads:      downloads,
		installer:      installer,
		bus:            bus,
		log:            log,
	}
}

// terminalServiceErr is returned from ApplyManifest when an install of the
// orchestrator's own service name or wlpStandalone completed: those
// services take over the process and the caller should return
// immediately without considering this a normal failure.
type terminalServiceErr struct {
	pkg pkgmodel.Package
	err error
}

func (e *terminalServiceErr) Error() string {
	return fmt.Sprintf("terminal service install %s: %v", e.pkg.Name, e.err)
}

func (e *terminalServiceErr) Unwrap() error { return e.err }

// IsTerminalServiceInstall reports whether err signals that a
// self-taking-over install (orchestration or wlpStandalone) completed
// and the caller should stop processing immediately.
func IsTerminalServiceInstall(err error) bool {
	var t *terminalServiceErr
	return errors.As(err, &t)
}

const wlpStandaloneService = "wlpStandalone"

// ApplyManifest runs the full update algorithm against newManifestRaw,
// the raw bytes of a freshly downloaded manifest document. It returns nil on
// full success, a non-nil error on partial or total failure — callers
// should log but not necessarily abort the tick on a partial failure
// unless IsTerminalServiceInstall(err) is true.
func (c *Controller) ApplyManifest(ctx context.Context, newManifestRaw []byte) error {
	if isIgnoreDoc(newManifestRaw) {
		return orchtools.WriteFileAtomic(c.manifestPath, newManifestRaw)
	}

	ignoreList, err := pkgmodel.LoadIgnoreList(c.ignoreListPath)
	if err != nil {
		ignoreList = pkgmodel.FromProfile(nil)
	}
	if ignoreList.All() || c.nsaasIgnoreAll {
		return orchtools.WriteFileAtomic(c.manifestPath, newManifestRaw)
	}

	current, err := pkgmodel.LoadManifest(c.manifestPath)
	if err != nil {
		current = pkgmodel.Manifest{}
	}
	var newManifest pkgmodel.Manifest
	if err := unmarshalManifest(newManifestRaw, &newManifest); err != nil {
		return fmt.Errorf("decode new manifest: %w", err)
	}
	corrupted, err := orchtools.JSONToObject[pkgmodel.Corrupted](c.corruptedPath)
	if err != nil {
		corrupted = pkgmodel.Corrupted{}
	}

	c.applyIgnoreList(ignoreList, current, newManifest)

	toUninstall := pkgmodel.FilterUntrackedPackages(current, newManifest)
	pkgmodel.FilterCorruptedPackages(newManifest, corrupted)

	var errs []error

	for name, pkg := range toUninstall {
		if !pkg.Installable.OK {
			continue
		}
		if err := c.installer.Uninstall(ctx, pkg); err != nil {
			errs = append(errs, fmt.Errorf("uninstall %s: %w", name, err))
			continue
		}
		delete(current, name)
	}
	if err := pkgmodel.SaveManifest(current, c.manifestPath); err != nil {
		errs = append(errs, fmt.Errorf("persist current manifest: %w", err))
	}

	downloaded := make(map[string]string, len(newManifest))
	for name, pkg := range newManifest {
		if !pkg.Installable.OK {
			continue
		}
		path, err := c.downloadOne(ctx, pkg)
		if err != nil {
			return fmt.Errorf("download %s: %w", name, err)
		}
		downloaded[name] = path
	}

	queue, err := pkgmodel.BuildInstallationQueue(newManifest, current, newManifest)
	if err != nil {
		return fmt.Errorf("build installation queue: %w", err)
	}

	allSucceeded := true
	for _, pkg := range queue {
		if !pkg.Installable.OK {
			c.bus.Publish(audit.Event{Kind: audit.KindPackageInstalled, PackageName: pkg.Name, Message: "skipped: " + pkg.Installable.Message})
			current[pkg.Name] = pkg
			continue
		}

		path := downloaded[pkg.Name]
		installErr := c.installer.RunInstall(ctx, pkg, path, false)
		c.downloads.RemoveDownloadFile(pkg.Name)

		if installErr != nil {
			allSucceeded = false
			corrupted[pkg.Name] = pkgmodel.CorruptedEntry{Name: pkg.Name, Checksum: pkg.Checksum}
			orchtools.ObjectToJSON(corrupted, c.corruptedPath)
			c.bus.Publish(audit.Event{Kind: audit.KindPackageFailed, PackageName: pkg.Name, Message: installErr.Error()})
			errs = append(errs, fmt.Errorf("install %s: %w", pkg.Name, installErr))
			continue
		}

		c.installer.UpdateSavedPackage(pkg)
		current[pkg.Name] = pkg
		c.bus.Publish(audit.Event{Kind: audit.KindPackageInstalled, PackageName: pkg.Name})

		if pkg.Name == pkgmodel.OrchestrationServiceName || pkg.Name == wlpStandaloneService {
			return &terminalServiceErr{pkg: pkg, err: nil}
		}
	}

	if allSucceeded {
		if err := pkgmodel.SaveManifest(current, c.manifestPath); err != nil {
			errs = append(errs, fmt.Errorf("persist final manifest: %w", err))
		}
		if c.isNSaaS && !c.nsaasIgnoreAll {
			if err := c.MarkNSaaS(); err != nil {
				errs = append(errs, fmt.Errorf("mark nsaas: %w", err))
			}
		}
	}

	return errors.Join(errs...)
}

func (c *Controller) downloadOne(ctx context.Context, pkg pkgmodel.Package) (string, error) {
	if pkg.DownloadPath != "" {
		return c.downloads.DownloadFromURL(ctx, pkg.DownloadPath, pkg.Checksum, pkg.ChecksumType, pkg.Name)
	}
	return c.downloads.DownloadFromFog(ctx, pkg.Checksum, pkg.ChecksumType, pkg.RelativePath)
}

// applyIgnoreList implements algorithm step 3: for every ignored name, if
// present in newManifest, copy it verbatim into current (so it reads as
// up-to-date and FilterUntrackedPackages leaves it alone); otherwise
// remove it from current so its absence from newManifest does not
// trigger an uninstall. Iterates the ignore set itself, not current's
// keys, so an ignored name current has never seen before is still
// picked up from newManifest instead of falling through to install.
func (c *Controller) applyIgnoreList(list *pkgmodel.IgnoreList, current, newManifest pkgmodel.Manifest) {
	for _, name := range list.Names() {
		if pkg, ok := newManifest[name]; ok {
			current[name] = pkg
		} else {
			delete(current, name)
		}
	}
}

// SetNSaaS records whether the active profile's accessControl.isAwsNSaaS
// setting is true, as parsed from the most recently applied settings
// document. Called by the orchestrator's settings-apply stage;
// consulted by ApplyManifest's step 10 on its next success.
func (c *Controller) SetNSaaS(isNSaaS bool) { c.isNSaaS = isNSaaS }

// MarkNSaaS rewrites the ignore-list file to "all" and remembers this in
// memory so future ApplyManifest calls short-circuit at the ignore-file
// fast path. Called from ApplyManifest's success path once SetNSaaS has
// recorded accessControl.isAwsNSaaS as true.
func (c *Controller) MarkNSaaS() error {
	c.nsaasIgnoreAll = true
	return pkgmodel.WriteIgnoreAll(c.ignoreListPath)
}

// IsNSaaS reports whether this controller has already rewritten the
// ignore-list for an NSaaS deployment.
func (c *Controller) IsNSaaS() bool { return c.nsaasIgnoreAll }

// accessControlSettings is the subset of the settings document the
// manifest controller cares about.
type accessControlSettings struct {
	AccessControl struct {
		IsAwsNSaaS bool `json:"isAwsNSaaS"`
	} `json:"accessControl"`
}

// ParseIsAwsNSaaS extracts accessControl.isAwsNSaaS from a raw settings
// document. A malformed or absent field yields false rather than an
// error, since most settings documents never carry it.
func ParseIsAwsNSaaS(settingsData []byte) bool {
	var s accessControlSettings
	if err := json.Unmarshal(settingsData, &s); err != nil {
		return false
	}
	return s.AccessControl.IsAwsNSaaS
}
