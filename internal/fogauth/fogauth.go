// Package fogauth implements registration with, and token acquisition
// from, the fog control plane. Registration exchanges a one-time token
// for long-lived (client_id, shared_secret) credentials; token
// acquisition then uses those credentials in an OAuth2 client-credentials
// grant, refreshed on a single long-lived background task.
package fogauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nano-agent/orchestrator/internal/details"
	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/orchtools"
)

const (
	defaultPreExpireWindow = 120 * time.Second
	defaultMinRefresh      = 10 * time.Second
	tokenWaitTimeout       = 30 * time.Second
)

// RegistrationStatus is the coarse state of the authenticator's
// relationship with the fog, exposed to internal/status.
type RegistrationStatus string

const (
	StatusUnregistered RegistrationStatus = "UNREGISTERED"
	StatusRegistered   RegistrationStatus = "REGISTERED"
	StatusFailed       RegistrationStatus = "FAILED"
)

// Credentials are the long-lived (client_id, shared_secret) pair issued
// at registration time.
type Credentials struct {
	ClientID     string `json:"client_id"`
	SharedSecret string `json:"shared_secret"`
	AgentID      string `json:"agentId"`
	ProfileID    string `json:"profileId"`
	TenantID     string `json:"tenantId"`
}

// RegistrationResponse is the body returned by POST /agents.
type RegistrationResponse struct {
	Credentials
}

// Authenticator owns the registration and token lifecycle for one fog
// connection. It is safe for concurrent use.
type Authenticator struct {
	fogURL          string
	credentialsFile string
	tokenFile       string
	tokenEnvVars    []string
	requiredApps    []string
	managedMode     string
	log             *logging.Logger

	mu          sync.RWMutex
	creds       *Credentials
	token       *oauth2.Token
	status      RegistrationStatus
	refreshOnce sync.Once
	readyCh     chan struct{}
	readyClosed bool
}

// Config configures an Authenticator.
type Config struct {
	FogURL          string
	CredentialsFile string
	// TokenFile, if non-empty, is checked first for a one-time
	// registration token. TokenEnvVars are checked in order if the file
	// is absent (AGENT_TOKEN, NANO_AGENT_TOKEN).
	TokenFile    string
	TokenEnvVars []string
	RequiredApps []string
	ManagedMode  string
}

// New creates an Authenticator. It does not perform any network I/O.
func New(cfg Config, log *logging.Logger) *Authenticator {
	return &Authenticator{
		fogURL:          cfg.FogURL,
		credentialsFile: cfg.CredentialsFile,
		tokenFile:       cfg.TokenFile,
		tokenEnvVars:    cfg.TokenEnvVars,
		requiredApps:    cfg.RequiredApps,
		managedMode:     cfg.ManagedMode,
		log:             log,
		status:          StatusUnregistered,
		readyCh:         make(chan struct{}),
	}
}

// Credentials returns the currently loaded credentials, if any.
func (a *Authenticator) Credentials() (Credentials, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.creds == nil {
		return Credentials{}, false
	}
	return *a.creds, true
}

// Status returns the current registration status.
func (a *Authenticator) Status() RegistrationStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// EnsureRegistered loads persisted credentials from disk, or registers
// against the fog using a one-time token if none are found.
func (a *Authenticator) EnsureRegistered(ctx context.Context, static details.Static) error {
	if creds, err := orchtools.JSONToObject[Credentials](a.credentialsFile); err == nil {
		a.mu.Lock()
		a.creds = &creds
		a.status = StatusRegistered
		a.mu.Unlock()
		return nil
	}

	token, err := a.readOneTimeToken()
	if err != nil {
		return fmt.Errorf("registration: %w", err)
	}

	resp, err := a.register(ctx, token, static)
	if err != nil {
		a.mu.Lock()
		a.status = StatusFailed
		a.mu.Unlock()
		return fmt.Errorf("register with fog: %w", err)
	}

	if err := orchtools.ObjectToJSON(resp.Credentials, a.credentialsFile); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	if a.tokenFile != "" {
		orchtools.RemoveFile(a.tokenFile)
	}

	a.mu.Lock()
	a.creds = &resp.Credentials
	a.status = StatusRegistered
	a.mu.Unlock()
	return nil
}

func (a *Authenticator) readOneTimeToken() (string, error) {
	if a.tokenFile != "" && orchtools.FileExists(a.tokenFile) {
		data, err := orchtools.ReadFile(a.tokenFile)
		if err == nil {
			if tok := strings.TrimSpace(string(data)); tok != "" {
				return tok, nil
			}
		}
	}
	for _, name := range a.tokenEnvVars {
		if v := os.Getenv(name); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("no one-time registration token found (file=%s, env=%v)", a.tokenFile, a.tokenEnvVars)
}

func (a *Authenticator) register(ctx context.Context, oneTimeToken string, static details.Static) (*RegistrationResponse, error) {
	body := map[string]any{
		"token":        oneTimeToken,
		"hostname":     static.Hostname,
		"platform":     string(static.Platform),
		"arch":         static.Arch,
		"version":      static.Version,
		"requiredApps": a.requiredApps,
		"managedMode":  a.managedMode,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.fogURL+"/agents", strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("fog returned status %d", resp.StatusCode)
	}

	var out RegistrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode registration response: %w", err)
	}
	return &out, nil
}

// oauthConfig builds the client-credentials config from the currently
// loaded credentials. Called under lock or immediately after EnsureRegistered.
func (a *Authenticator) oauthConfig() (*clientcredentials.Config, error) {
	a.mu.RLock()
	creds := a.creds
	a.mu.RUnlock()
	if creds == nil {
		return nil, fmt.Errorf("not registered")
	}
	return &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.SharedSecret,
		TokenURL:     a.fogURL + "/oauth/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}, nil
}

// acquireToken performs one client-credentials token fetch and stores it.
func (a *Authenticator) acquireToken(ctx context.Context) error {
	cfg, err := a.oauthConfig()
	if err != nil {
		return err
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		a.mu.Lock()
		a.status = StatusFailed
		a.mu.Unlock()
		return err
	}

	a.mu.Lock()
	a.token = tok
	a.status = StatusRegistered
	if !a.readyClosed {
		close(a.readyCh)
		a.readyClosed = true
	}
	a.mu.Unlock()
	return nil
}

// AccessToken returns the current valid access token, blocking (bounded by
// ctx or an internal timeout) for the first acquisition if needed. It
// satisfies internal/downloader.TokenSource.
func (a *Authenticator) AccessToken(ctx context.Context) (string, error) {
	a.mu.RLock()
	tok := a.token
	a.mu.RUnlock()
	if tok != nil && tok.Valid() {
		return tok.AccessToken, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, tokenWaitTimeout)
	defer cancel()
	select {
	case <-a.readyCh:
	case <-waitCtx.Done():
		return "", fmt.Errorf("timed out waiting for first access token")
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.token == nil {
		return "", fmt.Errorf("no access token available")
	}
	return a.token.AccessToken, nil
}

// TokenInfo returns an obfuscated form of the current access token (all
// but its last 4 characters masked) and the time remaining until it
// expires, for display on the `show access-token` REST endpoint. ok is
// false if no token has been acquired yet.
func (a *Authenticator) TokenInfo() (obfuscated string, remaining time.Duration, ok bool) {
	a.mu.RLock()
	tok := a.token
	a.mu.RUnlock()
	if tok == nil {
		return "", 0, false
	}
	return obfuscateToken(tok.AccessToken), time.Until(tok.Expiry), true
}

func obfuscateToken(tok string) string {
	const keep = 4
	if len(tok) <= keep {
		return strings.Repeat("*", len(tok))
	}
	return strings.Repeat("*", len(tok)-keep) + tok[len(tok)-keep:]
}

// StartRefresher launches the single long-lived refresh task. Calling it
// more than once is a no-op: the refresher runs exactly once per
// Authenticator lifetime.
func (a *Authenticator) StartRefresher(ctx context.Context) {
	a.refreshOnce.Do(func() {
		go a.refreshLoop(ctx)
	})
}

func (a *Authenticator) refreshLoop(ctx context.Context) {
	for {
		err := a.acquireToken(ctx)
		if ctx.Err() != nil {
			return
		}

		var sleep time.Duration
		if err != nil {
			a.log.Warn("token acquisition failed, retrying", "error", err)
			sleep = defaultMinRefresh
		} else {
			a.mu.RLock()
			expiry := a.token.Expiry
			a.mu.RUnlock()
			ttl := time.Until(expiry)
			sleep = ttl - defaultPreExpireWindow
			if sleep < defaultMinRefresh {
				sleep = defaultMinRefresh
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}
