package orchtools

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomicBacksUpExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	if err := WriteFileAtomic(path, []byte("v1")); err != nil {
		t.Fatalf("initial write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("v2")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("content = %q, want v2", got)
	}

	bk, err := ReadFile(path + ".bk")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(bk) != "v1" {
		t.Errorf("backup = %q, want v1", bk)
	}
}

func TestCalculateChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := CalculateChecksum(SHA256, path)
	if err != nil {
		t.Fatal(err)
	}
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("checksum = %s, want %s", got, want)
	}
}

func TestCalculateChecksumUnsupportedType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	os.WriteFile(path, []byte("x"), 0644)

	if _, err := CalculateChecksum("CRC32", path); err == nil {
		t.Error("expected error for unsupported checksum type")
	}
}

func TestJSONObjectToObjectRoundTrip(t *testing.T) {
	type doc struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	in := doc{Name: "access-control", Version: 3}
	if err := ObjectToJSON(in, path); err != nil {
		t.Fatal(err)
	}
	out, err := JSONToObject[doc](path)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestJSONObjectToObjectToleratesUnknownFields(t *testing.T) {
	type doc struct {
		Name string `json:"name"`
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	if err := os.WriteFile(path, []byte(`{"name":"x","extra":"ignored"}`), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := JSONToObject[doc](path)
	if err != nil {
		t.Fatalf("expected unknown fields to be tolerated, got error: %v", err)
	}
	if out.Name != "x" {
		t.Errorf("Name = %q, want x", out.Name)
	}
}

func TestJSONObjectSplitterTagsTenantProfile(t *testing.T) {
	doc := []byte(`{"access-control":{"a":1},"firewall":{"b":2}}`)

	untagged, err := JSONObjectSplitter(doc, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := untagged["access-control"]; !ok {
		t.Errorf("expected untagged key access-control, got %v", untagged)
	}

	tagged, err := JSONObjectSplitter(doc, "t1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tagged["access-control_tenant_t1_profile_p1"]; !ok {
		t.Errorf("expected tagged key, got %v", tagged)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	data := []byte("secret-token")
	encoded := Base64Encode(data)
	decoded, err := Base64Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != string(data) {
		t.Errorf("got %q, want %q", decoded, data)
	}
}

func TestFileExistsDirExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	os.WriteFile(file, []byte("x"), 0644)

	if !FileExists(file) {
		t.Error("FileExists = false, want true")
	}
	if FileExists(dir) {
		t.Error("FileExists(dir) = true, want false")
	}
	if !DirExists(dir) {
		t.Error("DirExists = false, want true")
	}
	if !NonEmptyFile(file) {
		t.Error("NonEmptyFile = false, want true")
	}
}

func TestDeleteVirtualTenantProfileFiles(t *testing.T) {
	dir := t.TempDir()
	pairDir := TenantProfileDir(dir, "t1", "p1")
	settingsFile := TenantProfileSettingsFile(dir, "t1", "p1")

	if err := CreateDirectory(pairDir); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(settingsFile, []byte("{}"), false); err != nil {
		t.Fatal(err)
	}

	if err := DeleteVirtualTenantProfileFiles("t1", "p1", dir); err != nil {
		t.Fatal(err)
	}
	if DirExists(pairDir) {
		t.Error("pair directory still exists")
	}
	if FileExists(settingsFile) {
		t.Error("settings file still exists")
	}
}
