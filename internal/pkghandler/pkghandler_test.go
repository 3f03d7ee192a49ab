package pkghandler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/orchtools"
	"github.com/nano-agent/orchestrator/internal/pkgmodel"
	"github.com/nano-agent/orchestrator/internal/shellexec"
)

type fakeRunner struct {
	calls   []string
	results map[string]shellexec.Result
}

func (f *fakeRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (shellexec.Result, error) {
	f.calls = append(f.calls, name)
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return shellexec.Result{ExitCode: 0}, nil
}

func TestRunInstallHappyPath(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{results: map[string]shellexec.Result{}}
	h := New(runner, logging.New(false), dir)

	pkg := pkgmodel.Package{Name: "access-control", ChecksumType: "SHA256", Checksum: "abc"}
	downloaded := filepath.Join(dir, "downloaded")
	orchtools.WriteFile(downloaded, []byte("binary"), false)

	if err := h.RunInstall(context.Background(), pkg, downloaded, false); err != nil {
		t.Fatal(err)
	}

	want := []string{"pre_install.sh", "install.sh", "post_install.sh"}
	if len(runner.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", runner.calls, want)
	}
	for i, c := range want {
		if runner.calls[i] != c {
			t.Errorf("call[%d] = %s, want %s", i, runner.calls[i], c)
		}
	}
}

func TestRunInstallAbortsOnPreInstallFailure(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{results: map[string]shellexec.Result{
		"pre_install.sh": {ExitCode: 1},
	}}
	h := New(runner, logging.New(false), dir)
	pkg := pkgmodel.Package{Name: "svc", ChecksumType: "SHA256", Checksum: "abc"}

	err := h.RunInstall(context.Background(), pkg, filepath.Join(dir, "x"), false)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(runner.calls) != 1 {
		t.Errorf("expected install/post_install to be skipped after pre_install failure, got calls=%v", runner.calls)
	}
}

func TestShouldInstallSkipsMatchingChecksum(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	h := New(runner, logging.New(false), dir)

	pkg := pkgmodel.Package{Name: "svc", ChecksumType: orchtools.SHA256, Checksum: "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"}

	orchtools.CreateDirectory(filepath.Join(dir, "svc"))
	orchtools.WriteFile(h.installedPath("svc"), []byte("hello"), false)

	if h.ShouldInstall(pkg) {
		t.Error("expected ShouldInstall = false when checksum matches")
	}
}

func TestUpdateSavedPackageCopiesBackup(t *testing.T) {
	dir := t.TempDir()
	h := New(&fakeRunner{}, logging.New(false), dir)
	pkg := pkgmodel.Package{Name: "svc"}

	orchtools.CreateDirectory(filepath.Join(dir, "svc"))
	orchtools.WriteFile(h.installedPath("svc"), []byte("v2"), false)

	if err := h.UpdateSavedPackage(pkg); err != nil {
		t.Fatal(err)
	}
	data, err := orchtools.ReadFile(h.backupPath("svc"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Errorf("backup content = %q, want v2", data)
	}
}
