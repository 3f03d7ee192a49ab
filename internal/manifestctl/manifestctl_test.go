package manifestctl

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nano-agent/orchestrator/internal/audit"
	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/orchtools"
	"github.com/nano-agent/orchestrator/internal/pkghandler"
	"github.com/nano-agent/orchestrator/internal/pkgmodel"
	"github.com/nano-agent/orchestrator/internal/shellexec"
)

type fakeDownloader struct {
	byChecksum map[string]string
}

func (f *fakeDownloader) DownloadFromFog(ctx context.Context, checksum string, checksumType orchtools.ChecksumType, resource string) (string, error) {
	return f.byChecksum[checksum], nil
}
func (f *fakeDownloader) DownloadFromURL(ctx context.Context, rawURL, checksum string, checksumType orchtools.ChecksumType, serviceName string) (string, error) {
	return f.byChecksum[checksum], nil
}
func (f *fakeDownloader) RemoveDownloadFile(packageName string) error { return nil }

type fakeRunner struct{}

func (fakeRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (shellexec.Result, error) {
	return shellexec.Result{ExitCode: 0}, nil
}

func newTestController(t *testing.T, dl Downloader) (*Controller, string) {
	t.Helper()
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.json")
	corruptedPath := filepath.Join(dir, "corrupted_packages.json")
	ignoreListPath := filepath.Join(dir, "ignore_packages")
	installer := pkghandler.New(fakeRunner{}, logging.New(false), filepath.Join(dir, "packages"))
	c := New(manifestPath, corruptedPath, ignoreListPath, dl, installer, audit.New(), logging.New(false))
	return c, manifestPath
}

func TestApplyManifestIgnoreDocFastPath(t *testing.T) {
	c, manifestPath := newTestController(t, &fakeDownloader{})
	orchtools.WriteFile(manifestPath, []byte(`{"svc":{"name":"svc","checksum-type":"SHA256","checksum":"a"}}`), false)

	err := c.ApplyManifest(context.Background(), []byte(`{"packages": null}`))
	if err != nil {
		t.Fatal(err)
	}
	data, _ := orchtools.ReadFile(manifestPath)
	if string(data) != `{"packages": null}` {
		t.Errorf("manifest = %s, want ignore doc copied verbatim", data)
	}
}

func TestApplyManifestInstallsNewPackage(t *testing.T) {
	dir := t.TempDir()
	artifactPath := filepath.Join(dir, "artifact")
	sum := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	orchtools.WriteFile(artifactPath, []byte("hello"), false)

	dl := &fakeDownloader{byChecksum: map[string]string{sum: artifactPath}}
	c, manifestPath := newTestController(t, dl)

	newManifest := []byte(`{"svc":{"name":"svc","checksum-type":"SHA256","package-type":"Service","checksum":"` + sum + `"}}`)
	if err := c.ApplyManifest(context.Background(), newManifest); err != nil {
		t.Fatal(err)
	}

	current, err := pkgmodel.LoadManifest(manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := current["svc"]; !ok {
		t.Errorf("expected svc in persisted manifest, got %+v", current)
	}
}

func TestApplyManifestSkipsNonInstallablePackage(t *testing.T) {
	c, manifestPath := newTestController(t, &fakeDownloader{})

	newManifest := []byte(`{"svc":{"name":"svc","checksum-type":"SHA256","package-type":"Service","checksum":"a","status":false,"message":"disabled by policy"}}`)
	if err := c.ApplyManifest(context.Background(), newManifest); err != nil {
		t.Fatal(err)
	}
	current, err := pkgmodel.LoadManifest(manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	pkg, ok := current["svc"]
	if !ok {
		t.Fatal("expected skipped package to still be recorded in the manifest")
	}
	if pkg.Installable.OK {
		t.Error("expected Installable.OK = false")
	}
}

func TestApplyManifestUninstallsRemovedPackage(t *testing.T) {
	c, manifestPath := newTestController(t, &fakeDownloader{})
	orchtools.WriteFile(manifestPath, []byte(`{"old-svc":{"name":"old-svc","checksum-type":"SHA256","package-type":"Service","checksum":"a"}}`), false)

	if err := c.ApplyManifest(context.Background(), []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	current, err := pkgmodel.LoadManifest(manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := current["old-svc"]; ok {
		t.Error("expected old-svc to be uninstalled and removed from the manifest")
	}
}

func TestApplyManifestNeverUninstallsOrchestrationService(t *testing.T) {
	c, manifestPath := newTestController(t, &fakeDownloader{})
	orchtools.WriteFile(manifestPath, []byte(`{"orchestration":{"name":"orchestration","checksum-type":"SHA256","package-type":"Service","checksum":"a"}}`), false)

	if err := c.ApplyManifest(context.Background(), []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	current, err := pkgmodel.LoadManifest(manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := current["orchestration"]; !ok {
		t.Error("expected orchestration service to survive absence from new manifest")
	}
}
