package fogauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nano-agent/orchestrator/internal/details"
	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/orchtools"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["token"] != "one-time-tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(RegistrationResponse{Credentials: Credentials{
			ClientID:     "client-1",
			SharedSecret: "secret-1",
			AgentID:      "agent-1",
			ProfileID:    "profile-1",
			TenantID:     "tenant-1",
		}})
	})
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-1" || pass != "secret-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-tok-1",
			"token_type":   "Bearer",
			"expires_in":   2,
		})
	})
	return httptest.NewServer(mux)
}

func TestEnsureRegisteredFromOneTimeToken(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	orchtools.WriteFile(tokenFile, []byte("one-time-tok"), false)

	auth := New(Config{
		FogURL:          srv.URL,
		CredentialsFile: filepath.Join(dir, "creds.json"),
		TokenFile:       tokenFile,
		RequiredApps:    []string{"access-control"},
		ManagedMode:     "standard",
	}, logging.New(false))

	static := details.Static{Hostname: "host1", Platform: details.PlatformLinux, Arch: "amd64", Version: "1.0"}
	if err := auth.EnsureRegistered(context.Background(), static); err != nil {
		t.Fatal(err)
	}

	creds, ok := auth.Credentials()
	if !ok || creds.ClientID != "client-1" {
		t.Fatalf("creds = %+v ok=%v", creds, ok)
	}
	if orchtools.FileExists(tokenFile) {
		t.Error("expected one-time token file to be removed after registration")
	}
	if !orchtools.FileExists(filepath.Join(dir, "creds.json")) {
		t.Error("expected credentials to be persisted")
	}
}

func TestEnsureRegisteredLoadsPersistedCredentials(t *testing.T) {
	dir := t.TempDir()
	credsFile := filepath.Join(dir, "creds.json")
	orchtools.ObjectToJSON(Credentials{ClientID: "existing", SharedSecret: "s"}, credsFile)

	auth := New(Config{CredentialsFile: credsFile}, logging.New(false))
	if err := auth.EnsureRegistered(context.Background(), details.Static{}); err != nil {
		t.Fatal(err)
	}
	creds, ok := auth.Credentials()
	if !ok || creds.ClientID != "existing" {
		t.Fatalf("expected to load persisted creds, got %+v", creds)
	}
}

func TestAccessTokenBlocksUntilFirstRefresh(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	dir := t.TempDir()
	credsFile := filepath.Join(dir, "creds.json")
	orchtools.ObjectToJSON(Credentials{ClientID: "client-1", SharedSecret: "secret-1"}, credsFile)

	auth := New(Config{FogURL: srv.URL, CredentialsFile: credsFile}, logging.New(false))
	if err := auth.EnsureRegistered(context.Background(), details.Static{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	auth.StartRefresher(ctx)

	tok, err := auth.AccessToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "access-tok-1" {
		t.Errorf("token = %q, want access-tok-1", tok)
	}
}

func TestTokenInfoObfuscatesAccessToken(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	dir := t.TempDir()
	credsFile := filepath.Join(dir, "creds.json")
	orchtools.ObjectToJSON(Credentials{ClientID: "client-1", SharedSecret: "secret-1"}, credsFile)

	auth := New(Config{FogURL: srv.URL, CredentialsFile: credsFile}, logging.New(false))
	if _, _, ok := auth.TokenInfo(); ok {
		t.Fatal("expected no token before registration")
	}

	auth.EnsureRegistered(context.Background(), details.Static{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	auth.StartRefresher(ctx)

	if _, err := auth.AccessToken(context.Background()); err != nil {
		t.Fatal(err)
	}

	obfuscated, remaining, ok := auth.TokenInfo()
	if !ok {
		t.Fatal("expected a token after first refresh")
	}
	if obfuscated != "********ok-1" {
		t.Errorf("obfuscated = %q, want ********ok-1", obfuscated)
	}
	if remaining <= 0 || remaining > 2*time.Second {
		t.Errorf("remaining = %s, want a positive duration under 2s", remaining)
	}
}

func TestStartRefresherIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	dir := t.TempDir()
	credsFile := filepath.Join(dir, "creds.json")
	orchtools.ObjectToJSON(Credentials{ClientID: "client-1", SharedSecret: "secret-1"}, credsFile)

	auth := New(Config{FogURL: srv.URL, CredentialsFile: credsFile}, logging.New(false))
	auth.EnsureRegistered(context.Background(), details.Static{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	auth.StartRefresher(ctx)
	auth.StartRefresher(ctx)

	time.Sleep(10 * time.Millisecond)
	if auth.Status() != StatusRegistered {
		t.Errorf("status = %s, want REGISTERED", auth.Status())
	}
}
