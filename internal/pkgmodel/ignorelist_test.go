package pkgmodel

import (
	"path/filepath"
	"testing"

	"github.com/nano-agent/orchestrator/internal/orchtools"
)

func TestLoadIgnoreListMissingFileIsEmpty(t *testing.T) {
	il, err := LoadIgnoreList(filepath.Join(t.TempDir(), "missing.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if il.All() || il.Ignored("anything") {
		t.Error("expected empty ignore list for missing file")
	}
}

func TestLoadIgnoreListAllSentinel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ignore-packages.txt")
	orchtools.WriteFile(path, []byte("all\n"), false)

	il, err := LoadIgnoreList(path)
	if err != nil {
		t.Fatal(err)
	}
	if !il.All() {
		t.Error("expected All() = true")
	}
	if !il.Ignored("any-package") {
		t.Error("expected every package ignored under the all sentinel")
	}
}

func TestLoadIgnoreListNoneSentinelClears(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ignore-packages.txt")
	orchtools.WriteFile(path, []byte("all\nnone\nsvcX\n"), false)

	il, err := LoadIgnoreList(path)
	if err != nil {
		t.Fatal(err)
	}
	if il.All() {
		t.Error("none sentinel should clear all")
	}
	if !il.Ignored("svcX") {
		t.Error("svcX should still be ignored")
	}
	if il.Ignored("svcY") {
		t.Error("svcY should not be ignored")
	}
}
