package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"ORCH_CONF_DIR", "ORCH_FOG_ADDRESS", "ORCH_BACKEND", "ORCH_SLEEP_INTERVAL",
		"ORCH_ERROR_SLEEP_INTERVAL", "ORCH_LOG_JSON", "ORCH_TENANT_GC_SCHEDULE",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.ConfDir != "/etc/cp/conf" {
		t.Errorf("ConfDir = %q, want /etc/cp/conf", cfg.ConfDir)
	}
	if cfg.Backend != BackendOnline {
		t.Errorf("Backend = %q, want online", cfg.Backend)
	}
	if cfg.SleepInterval() != 30*time.Second {
		t.Errorf("SleepInterval = %s, want 30s", cfg.SleepInterval())
	}
	if cfg.ErrorSleepInterval() != 15*time.Second {
		t.Errorf("ErrorSleepInterval = %s, want 15s", cfg.ErrorSleepInterval())
	}
	if cfg.TenantGCSchedule != "@daily" {
		t.Errorf("TenantGCSchedule = %q, want @daily", cfg.TenantGCSchedule)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ORCH_SLEEP_INTERVAL", "1h")
	t.Setenv("ORCH_ERROR_SLEEP_INTERVAL", "10s")
	t.Setenv("ORCH_BACKEND", "hybrid")
	t.Setenv("ORCH_LOG_JSON", "false")
	t.Setenv("ORCH_IGNORE_LIST", "foo, bar ,,baz")

	cfg := Load()
	if cfg.SleepInterval() != time.Hour {
		t.Errorf("SleepInterval = %s, want 1h", cfg.SleepInterval())
	}
	if cfg.ErrorSleepInterval() != 10*time.Second {
		t.Errorf("ErrorSleepInterval = %s, want 10s", cfg.ErrorSleepInterval())
	}
	if cfg.Backend != BackendHybrid {
		t.Errorf("Backend = %q, want hybrid", cfg.Backend)
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
	want := []string{"foo", "bar", "baz"}
	got := cfg.IgnoreList()
	if len(got) != len(want) {
		t.Fatalf("IgnoreList = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("IgnoreList[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUpdateFogAddress(t *testing.T) {
	cfg := NewTestConfig()
	cfg.UpdateFogAddress("https://fog.example.com", true)

	if changed := cfg.UpdateFogAddress("https://fog.example.com", true); changed {
		t.Error("UpdateFogAddress reported a change for an identical address")
	}
	if changed := cfg.UpdateFogAddress("https://fog2.example.com", true); !changed {
		t.Error("UpdateFogAddress did not report a change for a new address")
	}
	addr, ssl := cfg.FogAddress()
	if addr != "https://fog2.example.com" || !ssl {
		t.Errorf("FogAddress() = (%q, %v), want (https://fog2.example.com, true)", addr, ssl)
	}
	if changed := cfg.UpdateFogAddress("", false); changed {
		t.Error("UpdateFogAddress must ignore an empty address")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"zero sleep interval", func(c *Config) { c.SetSleepInterval(0) }, true},
		{"negative error sleep interval", func(c *Config) { c.SetErrorSleepInterval(-1) }, true},
		{"invalid backend", func(c *Config) { c.Backend = "yolo" }, true},
		{"offline backend needs no fog address", func(c *Config) {
			c.Backend = BackendOffline
			c.fogAddress = ""
		}, false},
		{"online backend requires fog address", func(c *Config) {
			c.Backend = BackendOnline
			c.fogAddress = ""
		}, true},
		{"hybrid backend requires policy file", func(c *Config) {
			c.Backend = BackendHybrid
			c.UpdateFogAddress("fog.example.com", true)
			c.DeclarativePolicyFile = ""
		}, true},
		{"rest enabled requires jwt key", func(c *Config) {
			c.RESTEnabled = true
			c.RESTJWTKey = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewTestConfig()
			cfg.UpdateFogAddress("fog.example.com", true)
			cfg.AgentTokenFile = "/etc/cp/conf/agent-token"
			cfg.DeclarativePolicyFile = "/etc/cp/conf/policy.yaml"
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsIgnored(t *testing.T) {
	cfg := NewTestConfig()
	cfg.SetIgnoreList([]string{"access-control", "cpnano-waap"})

	if !cfg.IsIgnored("access-control") {
		t.Error("IsIgnored(access-control) = false, want true")
	}
	if cfg.IsIgnored("siem-reporter") {
		t.Error("IsIgnored(siem-reporter) = true, want false")
	}
}

func TestEnvStr(t *testing.T) {
	const key = "ORCH_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("ORCH_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvBool(t *testing.T) {
	const key = "ORCH_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "ORCH_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}

func TestSplitNonEmpty(t *testing.T) {
	if got := splitNonEmpty(""); got != nil {
		t.Errorf("got %v, want nil", got)
	}
	got := splitNonEmpty("a, b ,, c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
