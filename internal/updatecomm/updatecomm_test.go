package updatecomm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nano-agent/orchestrator/internal/fogproto"
	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/orchtools"
)

type fakeTokens struct{}

func (fakeTokens) AccessToken(ctx context.Context) (string, error) { return "tok", nil }

func TestFogBackendCheckUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/checkUpdate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"manifest":{"checksum":"abc"}}`))
	}))
	defer srv.Close()

	fog := NewFogBackend(srv.URL, fakeTokens{}, 0, logging.New(false))
	resp, err := fog.CheckUpdate(context.Background(), fogproto.CheckUpdateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Manifest.Checksum != "abc" {
		t.Errorf("Manifest.Checksum = %q, want abc", resp.Manifest.Checksum)
	}
}

func TestFogBackendBreakerTripsOnRepeatedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fog := NewFogBackend(srv.URL, fakeTokens{}, time.Minute, logging.New(false))
	for i := 0; i < 3; i++ {
		if _, err := fog.CheckUpdate(context.Background(), fogproto.CheckUpdateRequest{}); err == nil {
			t.Fatal("expected error from 500 response")
		}
	}
	_, err := fog.CheckUpdate(context.Background(), fogproto.CheckUpdateRequest{})
	if err == nil {
		t.Fatal("expected breaker-open error")
	}
}

func TestLocalBackendDetectsChecksumChange(t *testing.T) {
	dir := t.TempDir()
	backend := NewLocalBackend(dir)

	manifestPath := filepath.Join(dir, "manifest.json")
	orchtools.WriteFile(manifestPath, []byte(`{"packages":null}`), false)

	resp, err := backend.CheckUpdate(context.Background(), fogproto.CheckUpdateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Manifest.Changed() {
		t.Fatal("expected manifest change on first observation")
	}

	data, err := backend.FetchArtifact(context.Background(), resp.Manifest, "manifest")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"packages":null}` {
		t.Errorf("data = %q", data)
	}

	resp2, err := backend.CheckUpdate(context.Background(), fogproto.CheckUpdateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp2.Manifest.Changed() {
		t.Error("expected no change once checksum has been consumed")
	}
}

func TestHybridBackendStripsPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"manifest":{"checksum":"abc"},"policy":{"checksum":"xyz"}}`))
	}))
	defer srv.Close()

	fog := NewFogBackend(srv.URL, fakeTokens{}, 0, logging.New(false))
	hybrid := NewHybridBackend(fog)

	resp, err := hybrid.CheckUpdate(context.Background(), fogproto.CheckUpdateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Policy.Changed() {
		t.Error("expected hybrid backend to strip policy from fog response")
	}
	if !resp.Manifest.Changed() {
		t.Error("expected manifest to pass through")
	}
}

func TestFogBackendSendPolicyVersion(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody fogproto.SendPolicyVersionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatal(err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	fog := NewFogBackend(srv.URL, fakeTokens{}, 0, logging.New(false))
	err := fog.SendPolicyVersion(context.Background(), fogproto.SendPolicyVersionRequest{
		PolicyVersion: "v3",
		Versions:      map[string]string{"access-control": "v1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/agents/policyVersion" {
		t.Errorf("request = %s %s, want PATCH /agents/policyVersion", gotMethod, gotPath)
	}
	if gotBody.PolicyVersion != "v3" || gotBody.Versions["access-control"] != "v1" {
		t.Errorf("body = %+v, want policyVersion v3 with versions", gotBody)
	}
}

func TestFogBackendSendPolicyVersionErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fog := NewFogBackend(srv.URL, fakeTokens{}, 0, logging.New(false))
	if err := fog.SendPolicyVersion(context.Background(), fogproto.SendPolicyVersionRequest{PolicyVersion: "v3"}); err == nil {
		t.Fatal("expected error on a 500 response")
	}
}

func TestFogBackendReconnectRepointsSubsequentRequests(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	fog := NewFogBackend("http://unreachable.invalid", fakeTokens{}, 0, logging.New(false))
	fog.Reconnect(srv.URL, true)

	if _, err := fog.CheckUpdate(context.Background(), fogproto.CheckUpdateRequest{}); err != nil {
		t.Fatalf("CheckUpdate after Reconnect = %v, want success against the new address", err)
	}
	if hits != 1 {
		t.Errorf("hits = %d, want 1 request reaching the reconnected server", hits)
	}
}

func TestLocalAndHybridBackendPolicyVersionAndReconnectAreNoops(t *testing.T) {
	local := NewLocalBackend(t.TempDir())
	if err := local.SendPolicyVersion(context.Background(), fogproto.SendPolicyVersionRequest{PolicyVersion: "v1"}); err != nil {
		t.Errorf("LocalBackend.SendPolicyVersion = %v, want nil", err)
	}
	local.Reconnect("irrelevant", true) // must not panic

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hybrid := NewHybridBackend(NewFogBackend(srv.URL, fakeTokens{}, 0, logging.New(false)))
	if err := hybrid.SendPolicyVersion(context.Background(), fogproto.SendPolicyVersionRequest{PolicyVersion: "v1"}); err != nil {
		t.Errorf("HybridBackend.SendPolicyVersion = %v, want nil (delegates to fog)", err)
	}
	hybrid.Reconnect(srv.URL, true)
}

func TestPolicyWatcherDetectsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	orchtools.WriteFile(path, []byte("version: \"1\"\npolicies:\n  access-control: allow\n"), false)

	w := NewPolicyWatcher(path, 20*time.Millisecond, logging.New(false))
	stop := make(chan struct{})
	out := make(chan DeclarativePolicy, 1)

	go w.Watch(stop, out)
	time.Sleep(50 * time.Millisecond)

	orchtools.WriteFile(path, []byte("version: \"2\"\npolicies:\n  access-control: deny\n"), false)

	select {
	case policy := <-out:
		if policy.Version != "2" {
			t.Errorf("Version = %q, want 2", policy.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for policy update event")
	}
	close(stop)
}
