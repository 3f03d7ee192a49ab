// Package config holds orchestration agent configuration loaded from
// environment variables. Mutable fields (fog address, poll interval,
// error-sleep interval, ignore list, self-update enabled,
// reconfiguration timeout) are protected by an RWMutex and must be
// accessed via getter/setter methods at runtime, since the orchestrator
// loop goroutine reads them while they may change. The loop itself
// updates the fog address on a policy change; no REST route writes any
// of them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Backend selects which update-communication backend the agent uses.
type Backend string

const (
	BackendOnline  Backend = "online"
	BackendOffline Backend = "offline"
	BackendHybrid  Backend = "hybrid"
)

// Config holds all orchestration agent configuration.
type Config struct {
	// Filesystem layout
	ConfDir string // root of manifest/policy/settings/data files

	// Fog control plane
	AgentTokenFile string // path to a file holding the registration token
	AgentTokenEnv  string // env var name holding the registration token, alternative to AgentTokenFile

	Backend Backend

	// REST control surface
	RESTEnabled bool
	RESTPort    string
	RESTJWTKey  string // HMAC signing key for local bearer tokens

	// Metrics
	MetricsEnabled bool
	MetricsPort    string

	// Hybrid backend
	DeclarativePolicyFile string // policy.yaml watched via fsnotify

	// Multi-tenant garbage collection
	TenantGCSchedule string // cron expression, default "@daily"

	// Notifications
	MQTTBrokerURL string
	MQTTTopic     string

	// Logging
	LogJSON bool

	// mu protects the mutable runtime fields below.
	mu                 sync.RWMutex
	fogAddress         string // fog base URL; may change via a policy update
	fogSSL             bool
	sleepInterval      time.Duration // steady-state poll interval
	errorSleepInterval time.Duration // poll interval used after a failed tick
	ignoreList         []string      // package names excluded from manifest apply
	selfUpdateEnabled  bool
	reconfigTimeout    time.Duration // per-service hot-reload timeout
}

// NewTestConfig creates a Config with sensible defaults for testing.
// Use the setter methods to override specific values.
func NewTestConfig() *Config {
	return &Config{
		ConfDir:            "/tmp/orchestration-agent",
		Backend:            BackendOnline,
		fogSSL:             true,
		sleepInterval:      30 * time.Second,
		errorSleepInterval: 15 * time.Second,
		selfUpdateEnabled:  true,
		reconfigTimeout:    600 * time.Second,
		TenantGCSchedule:   "@daily",
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		ConfDir:               envStr("ORCH_CONF_DIR", "/etc/cp/conf"),
		fogAddress:            envStr("ORCH_FOG_ADDRESS", ""),
		fogSSL:                envBool("ORCH_FOG_SSL", true),
		AgentTokenFile:        envStr("ORCH_AGENT_TOKEN_FILE", "/etc/cp/conf/agent-token"),
		AgentTokenEnv:         envStr("ORCH_AGENT_TOKEN_ENV", ""),
		Backend:               Backend(envStr("ORCH_BACKEND", string(BackendOnline))),
		RESTEnabled:           envBool("ORCH_REST_ENABLED", true),
		RESTPort:              envStr("ORCH_REST_PORT", "7777"),
		RESTJWTKey:            envStr("ORCH_REST_JWT_KEY", ""),
		MetricsEnabled:        envBool("ORCH_METRICS", false),
		MetricsPort:           envStr("ORCH_METRICS_PORT", "7778"),
		DeclarativePolicyFile: envStr("ORCH_DECLARATIVE_POLICY_FILE", "/etc/cp/conf/policy.yaml"),
		TenantGCSchedule:      envStr("ORCH_TENANT_GC_SCHEDULE", "@daily"),
		MQTTBrokerURL:         envStr("ORCH_MQTT_BROKER_URL", ""),
		MQTTTopic:             envStr("ORCH_MQTT_TOPIC", "orchestration/events"),
		LogJSON:               envBool("ORCH_LOG_JSON", true),
		sleepInterval:         envDuration("ORCH_SLEEP_INTERVAL", 30*time.Second),
		errorSleepInterval:    envDuration("ORCH_ERROR_SLEEP_INTERVAL", 15*time.Second),
		ignoreList:            splitNonEmpty(envStr("ORCH_IGNORE_LIST", "")),
		selfUpdateEnabled:     envBool("ORCH_SELF_UPDATE", true),
		reconfigTimeout:       envDuration("ORCH_RECONFIG_TIMEOUT", 600*time.Second),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	si := c.sleepInterval
	esi := c.errorSleepInterval
	rt := c.reconfigTimeout
	fogAddr := c.fogAddress
	c.mu.RUnlock()

	var errs []error
	if si <= 0 {
		errs = append(errs, fmt.Errorf("ORCH_SLEEP_INTERVAL must be > 0, got %s", si))
	}
	if esi <= 0 {
		errs = append(errs, fmt.Errorf("ORCH_ERROR_SLEEP_INTERVAL must be > 0, got %s", esi))
	}
	if rt <= 0 {
		errs = append(errs, fmt.Errorf("ORCH_RECONFIG_TIMEOUT must be > 0, got %s", rt))
	}
	switch c.Backend {
	case BackendOnline, BackendOffline, BackendHybrid:
		// valid
	default:
		errs = append(errs, fmt.Errorf("ORCH_BACKEND must be online, offline, or hybrid, got %q", c.Backend))
	}
	if c.Backend == BackendOnline || c.Backend == BackendHybrid {
		if fogAddr == "" {
			errs = append(errs, fmt.Errorf("ORCH_FOG_ADDRESS is required for backend %q", c.Backend))
		}
	}
	if c.Backend == BackendHybrid && c.DeclarativePolicyFile == "" {
		errs = append(errs, fmt.Errorf("ORCH_DECLARATIVE_POLICY_FILE is required for hybrid backend"))
	}
	if c.RESTEnabled && c.RESTJWTKey == "" {
		errs = append(errs, fmt.Errorf("ORCH_REST_JWT_KEY is required when the REST control surface is enabled"))
	}
	if c.AgentTokenFile == "" && c.AgentTokenEnv == "" {
		errs = append(errs, fmt.Errorf("one of ORCH_AGENT_TOKEN_FILE or ORCH_AGENT_TOKEN_ENV must be set"))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	si := c.sleepInterval
	esi := c.errorSleepInterval
	il := strings.Join(c.ignoreList, ",")
	su := c.selfUpdateEnabled
	rt := c.reconfigTimeout
	fogAddr := c.fogAddress
	fogSSL := c.fogSSL
	c.mu.RUnlock()

	return map[string]string{
		"ORCH_CONF_DIR":                c.ConfDir,
		"ORCH_FOG_ADDRESS":             fogAddr,
		"ORCH_FOG_SSL":                 fmt.Sprintf("%t", fogSSL),
		"ORCH_AGENT_TOKEN_FILE":        redactPath(c.AgentTokenFile),
		"ORCH_BACKEND":                 string(c.Backend),
		"ORCH_REST_ENABLED":            fmt.Sprintf("%t", c.RESTEnabled),
		"ORCH_REST_PORT":               c.RESTPort,
		"ORCH_METRICS":                 fmt.Sprintf("%t", c.MetricsEnabled),
		"ORCH_METRICS_PORT":            c.MetricsPort,
		"ORCH_DECLARATIVE_POLICY_FILE": c.DeclarativePolicyFile,
		"ORCH_TENANT_GC_SCHEDULE":      c.TenantGCSchedule,
		"ORCH_MQTT_BROKER_URL":         c.MQTTBrokerURL,
		"ORCH_LOG_JSON":                fmt.Sprintf("%t", c.LogJSON),
		"ORCH_SLEEP_INTERVAL":          si.String(),
		"ORCH_ERROR_SLEEP_INTERVAL":    esi.String(),
		"ORCH_IGNORE_LIST":             il,
		"ORCH_SELF_UPDATE":             fmt.Sprintf("%t", su),
		"ORCH_RECONFIG_TIMEOUT":        rt.String(),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// redactPath returns "(set)" if the path is non-empty, empty string otherwise.
func redactPath(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}

// FogAddress returns the current fog base URL and whether TLS is used
// (thread-safe).
func (c *Config) FogAddress() (addr string, ssl bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fogAddress, c.fogSSL
}

// UpdateFogAddress compares (addr, ssl) against the current value and, on
// a mismatch, stores the new value and reports changed=true so the caller
// can reconnect its transport. A no-op addr leaves the address unchanged.
func (c *Config) UpdateFogAddress(addr string, ssl bool) (changed bool) {
	if addr == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fogAddress == addr && c.fogSSL == ssl {
		return false
	}
	c.fogAddress, c.fogSSL = addr, ssl
	return true
}

// SleepInterval returns the current steady-state poll interval (thread-safe).
func (c *Config) SleepInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sleepInterval
}

// SetSleepInterval updates the steady-state poll interval at runtime (thread-safe).
func (c *Config) SetSleepInterval(d time.Duration) {
	c.mu.Lock()
	c.sleepInterval = d
	c.mu.Unlock()
}

// ErrorSleepInterval returns the poll interval used after a failed tick (thread-safe).
func (c *Config) ErrorSleepInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errorSleepInterval
}

// SetErrorSleepInterval updates the error poll interval at runtime (thread-safe).
func (c *Config) SetErrorSleepInterval(d time.Duration) {
	c.mu.Lock()
	c.errorSleepInterval = d
	c.mu.Unlock()
}

// IgnoreList returns a copy of the package names currently excluded from manifest apply.
func (c *Config) IgnoreList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.ignoreList))
	copy(out, c.ignoreList)
	return out
}

// SetIgnoreList replaces the ignore list at runtime (thread-safe).
func (c *Config) SetIgnoreList(names []string) {
	c.mu.Lock()
	c.ignoreList = append([]string(nil), names...)
	c.mu.Unlock()
}

// IsIgnored reports whether the given package name is on the ignore list.
func (c *Config) IsIgnored(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, n := range c.ignoreList {
		if n == name {
			return true
		}
	}
	return false
}

// SelfUpdateEnabled returns whether the agent may apply self-updates (thread-safe).
func (c *Config) SelfUpdateEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfUpdateEnabled
}

// SetSelfUpdateEnabled updates the self-update switch at runtime (thread-safe).
func (c *Config) SetSelfUpdateEnabled(b bool) {
	c.mu.Lock()
	c.selfUpdateEnabled = b
	c.mu.Unlock()
}

// ReconfigTimeout returns the per-service hot-reload timeout (thread-safe).
func (c *Config) ReconfigTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconfigTimeout
}

// SetReconfigTimeout updates the hot-reload timeout at runtime (thread-safe).
func (c *Config) SetReconfigTimeout(d time.Duration) {
	c.mu.Lock()
	c.reconfigTimeout = d
	c.mu.Unlock()
}
