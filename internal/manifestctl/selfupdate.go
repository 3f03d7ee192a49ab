package manifestctl

import (
	"context"
	"fmt"

	"github.com/nano-agent/orchestrator/internal/orchtools"
	"github.com/nano-agent/orchestrator/internal/pkghandler"
	"github.com/nano-agent/orchestrator/internal/pkgmodel"
)

// tempExt is the suffix marking the manifest temp file mid-self-update.
const tempExt = ".new"

// LoadAfterSelfUpdate is run once during INIT. If a manifest temp file
// from an in-progress self-update is present, it runs post_install on
// the installed orchestrator binary and, on success, copies the temp
// manifest over the live manifest, removes the temp file, and refreshes
// the saved-package backup from the installed binary. Only the manifest
// is promoted: the binary has no temp file here and is not renamed or
// moved. On post_install failure it leaves the temp file in place for
// the watchdog's next restart to retry.
func LoadAfterSelfUpdate(ctx context.Context, manifestPath string, installer *pkghandler.Handler) error {
	tempManifest := manifestPath + tempExt
	if !orchtools.FileExists(tempManifest) {
		return nil
	}

	selfPkg := pkgmodel.Package{Name: pkgmodel.OrchestrationServiceName}
	if err := installer.PostInstall(ctx, selfPkg); err != nil {
		return fmt.Errorf("self-update post_install failed, leaving temp manifest in place: %w", err)
	}

	if err := orchtools.CopyFile(tempManifest, manifestPath); err != nil {
		return fmt.Errorf("promote temp manifest: %w", err)
	}
	if err := orchtools.RemoveFile(tempManifest); err != nil {
		return fmt.Errorf("remove temp manifest: %w", err)
	}
	if err := installer.UpdateSavedPackage(selfPkg); err != nil {
		return fmt.Errorf("refresh self-update backup: %w", err)
	}
	return nil
}
