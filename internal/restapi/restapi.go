// Package restapi exposes the agent's local control surface: a small
// set of REST endpoints a co-located management process uses to query
// orchestration status, register nano-services, report reconfiguration
// outcomes, and drive mode/uninstall transitions. Every route is
// protected by a signed bearer token so a co-located but unauthorized
// process cannot silently drive the agent; there is no route that mints
// tokens.
package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nano-agent/orchestrator/internal/audit"
	"github.com/nano-agent/orchestrator/internal/config"
	"github.com/nano-agent/orchestrator/internal/details"
	"github.com/nano-agent/orchestrator/internal/fogauth"
	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/servicectl"
	"github.com/nano-agent/orchestrator/internal/status"
)

// tokenSubject is the fixed JWT subject minted for the local control
// surface; there is only ever one caller role (the co-located
// management agent), not a multi-user system.
const tokenSubject = "local-admin"

// MintLocalToken signs a long-lived HS256 bearer token for the local
// REST control surface. cmd/orchestrator does not call it: the token is
// minted outside the agent process and handed to the co-located
// management process. It stays valid across agent restarts until it
// expires, as long as the signing key is unchanged.
func MintLocalToken(signingKey string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   tokenSubject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
}

// Deps are the Server's collaborators.
type Deps struct {
	Config   *config.Config
	Status   *status.Status
	Services *servicectl.Registry
	Auth     *fogauth.Authenticator
	Bus      *audit.Bus
	// Stop requests that the orchestrator's main loop halt, e.g. for a
	// `set orchestration-mode` restart. The caller's process then exits
	// with status 0 so the supervising watchdog restarts it.
	Stop func()
	Log  *logging.Logger
}

// Server is the local REST control surface.
type Server struct {
	deps   Deps
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on addr and blocks until it
// stops (normally via Shutdown).
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.deps.Log.Info("REST control surface listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	authed := func(h http.HandlerFunc) http.Handler {
		return s.requireBearerToken(h)
	}

	s.mux.Handle("GET /orchestration-status", authed(s.showOrchestrationStatus))
	s.mux.Handle("POST /nano-service-config", authed(s.setNanoServiceConfig))
	s.mux.Handle("GET /all-service-ports", authed(s.showAllServicePorts))
	s.mux.Handle("POST /reconf-status", authed(s.setReconfStatus))
	s.mux.Handle("POST /orchestration-mode", authed(s.setOrchestrationMode))
	s.mux.Handle("POST /agent-uninstall", authed(s.setAgentUninstall))
	s.mux.Handle("POST /proxy", authed(s.addProxy))
	s.mux.Handle("GET /access-token", authed(s.showAccessToken))
}

// requireBearerToken validates the Authorization header against the
// configured HS256 signing key before calling next.
func (s *Server) requireBearerToken(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		key := s.deps.Config.RESTJWTKey
		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(key), nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// showOrchestrationStatus flattens the status record into labeled
// strings for human consumption.
func (s *Server) showOrchestrationStatus(w http.ResponseWriter, r *http.Request) {
	rec := s.deps.Status.Snapshot()
	out := map[string]string{
		"last_update_attempt":  rec.LastUpdateAttempt.Format(time.RFC3339),
		"last_update_time":     rec.LastUpdateTime.Format(time.RFC3339),
		"last_update_status":   rec.LastUpdateStatus,
		"policy_version":       rec.PolicyVersion,
		"last_policy_update":   rec.LastPolicyUpdate.Format(time.RFC3339),
		"last_manifest_update": rec.LastManifestUpdate.Format(time.RFC3339),
		"last_settings_update": rec.LastSettingsUpdate.Format(time.RFC3339),
		"registration_status":  string(rec.RegistrationStatus),
		"fog_address":          rec.FogAddress,
		"agent_id":             rec.AgentID,
		"profile_id":           rec.ProfileID,
		"tenant_id":            rec.TenantID,
	}
	writeJSON(w, http.StatusOK, out)
}

type nanoServiceConfigRequest struct {
	ServiceName            string   `json:"service_name"`
	ServiceID              string   `json:"service_id,omitempty"`
	ServiceListeningPort   int      `json:"service_listening_port"`
	ExpectedConfigurations []string `json:"expected_configurations"`
}

// setNanoServiceConfig registers a nano-service's self-reported
// listening port and the policy/settings file basenames it reloads on.
func (s *Server) setNanoServiceConfig(w http.ResponseWriter, r *http.Request) {
	var req nanoServiceConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServiceName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]bool{"status": false})
		return
	}

	relevant := make(map[string]bool, len(req.ExpectedConfigurations))
	for _, c := range req.ExpectedConfigurations {
		relevant[c] = true
	}
	s.deps.Services.RegisterServiceConfig(servicectl.ServiceDetails{
		ServiceName:     req.ServiceName,
		ServiceID:       req.ServiceID,
		ListeningPort:   req.ServiceListeningPort,
		RelevantConfigs: relevant,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"status": true})
}

// showAllServicePorts returns the registered services as "name:port"
// pairs, comma-separated.
func (s *Server) showAllServicePorts(w http.ResponseWriter, r *http.Request) {
	registered := s.deps.Services.Registered()
	pairs := make([]string, 0, len(registered))
	for _, svc := range registered {
		pairs = append(pairs, svc.ServiceName+":"+strconv.Itoa(svc.ListeningPort))
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, strings.Join(pairs, ","))
}

type reconfStatusRequest struct {
	ConfigurationID int64                   `json:"configuration_id"`
	Status          servicectl.ReconfStatus `json:"status"`
	ErrorMessage    string                  `json:"error_message,omitempty"`
}

// setReconfStatus is the terminal-outcome callback a nano-service POSTs
// once its IN_PROGRESS reload completes.
func (s *Server) setReconfStatus(w http.ResponseWriter, r *http.Request) {
	var req reconfStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]bool{"status": false})
		return
	}
	if err := s.deps.Services.SetReconfStatus(req.ConfigurationID, req.Status, req.ErrorMessage); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]bool{"status": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"status": true})
}

// setOrchestrationMode requests the main loop stop so the supervising
// watchdog can restart the process into the new mode. The process is
// expected to exit 0, per the orchestrator's exit-code contract.
func (s *Server) setOrchestrationMode(w http.ResponseWriter, r *http.Request) {
	s.deps.Log.Info("orchestration mode change requested, stopping main loop")
	if s.deps.Stop != nil {
		s.deps.Stop()
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"status": true})
}

// setAgentUninstall emits the uninstall-started audit event; the
// actual package removal is carried out by the supervising watchdog,
// not by the orchestrator process itself.
func (s *Server) setAgentUninstall(w http.ResponseWriter, r *http.Request) {
	s.deps.Bus.Publish(audit.Event{Kind: audit.KindUninstallStarted, Message: "agent uninstall requested", Time: time.Now()})
	writeJSON(w, http.StatusAccepted, map[string]bool{"status": true})
}

type addProxyRequest struct {
	URL string `json:"url"`
}

// addProxy persists a proxy URL into agent-details for the fog
// connection to route through.
func (s *Server) addProxy(w http.ResponseWriter, r *http.Request) {
	var req addProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]bool{"status": false})
		return
	}
	if err := details.SaveProxy(s.deps.Config.ConfDir, req.URL); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]bool{"status": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"status": true})
}

// showAccessToken returns the fog OAuth2 access token in obfuscated
// form, plus its remaining expiration.
func (s *Server) showAccessToken(w http.ResponseWriter, r *http.Request) {
	obfuscated, remaining, ok := s.deps.Auth.TokenInfo()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no access token acquired yet"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":       obfuscated,
		"expires_in_seconds": strconv.Itoa(int(remaining.Seconds())),
	})
}
