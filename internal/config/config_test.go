package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cronpostps/cronpost/internal/schedule"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cronpost.yaml", `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./cronpost.db
worker:
  enabled: true
  tick: 30s
  dispatch_rate_per_sec: 5
policy:
  pin_lock_threshold: 3
  pin_lock_duration: 10m
  grace_period: 2h
  past_send_policy: defer
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if got := cfg.Worker.TickInterval(); got != 30*time.Second {
		t.Errorf("tick = %s, want 30s", got)
	}
	if got := cfg.Policy.LockDuration(); got != 10*time.Minute {
		t.Errorf("lock duration = %s, want 10m", got)
	}
	if got := cfg.Policy.Grace(); got != 2*time.Hour {
		t.Errorf("grace = %s, want 2h", got)
	}
	pp, err := cfg.Policy.ResolvePastPolicy()
	if err != nil || pp != schedule.PastDefer {
		t.Errorf("past policy = %v, %v, want defer", pp, err)
	}
	if m.Get() != cfg {
		t.Error("Get() did not return the committed config")
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cronpost.yaml", `
logging:
  level: info
  frobnicate: true
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "empty ok", mutate: func(c *Config) {}},
		{
			name:    "bad lock duration",
			mutate:  func(c *Config) { c.Policy.PinLockDuration = "soon" },
			wantErr: "pin_lock_duration",
		},
		{
			name:    "negative threshold",
			mutate:  func(c *Config) { c.Policy.PinLockThreshold = -1 },
			wantErr: "pin_lock_threshold",
		},
		{
			name:    "unknown past policy",
			mutate:  func(c *Config) { c.Policy.PastSendPolicy = "rewind" },
			wantErr: "past_send_policy",
		},
		{
			name:    "negative dispatch rate",
			mutate:  func(c *Config) { c.Worker.DispatchRatePerSec = -3 },
			wantErr: "dispatch_rate_per_sec",
		},
		{
			name: "public bind without token",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.Addr = "0.0.0.0:8320"
			},
			wantErr: "token",
		},
		{
			name: "public bind with token ok",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.Addr = "0.0.0.0:8320"
				c.Server.Token = "s3cret"
			},
		},
		{
			name: "loopback bind without token ok",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.Addr = "127.0.0.1:8320"
			},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var cfg Config
			tc.mutate(&cfg)
			err := Validate(&cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, "cronpost.yaml", `
server:
  enabled: true
  addr: 127.0.0.1:8320
  token: file-token
storage:
  path: ./file.db
`)
	t.Setenv("CRONPOST_API_TOKEN", "env-token")
	t.Setenv("CRONPOST_DB_PATH", "/var/lib/cronpost/env.db")

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Token != "env-token" {
		t.Errorf("token = %q, want env override", cfg.Server.Token)
	}
	if cfg.Storage.Path != "/var/lib/cronpost/env.db" {
		t.Errorf("db path = %q, want env override", cfg.Storage.Path)
	}
}

func TestSummarizeChangeNeverLeaksToken(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	newCfg := &Config{Server: ServerConfig{Enabled: true, Token: "hunter2"}}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	found := false
	for _, s := range changed {
		if s == "server" {
			found = true
		}
	}
	if !found {
		t.Fatalf("changed = %v, want server", changed)
	}
	// attrs are closures over values; the token must never be recorded as
	// a value, only as a presence flag. Inspect via the public summary.
	if len(attrs) == 0 {
		t.Fatal("no attrs for server change")
	}
}

func TestPolicyDefaults(t *testing.T) {
	t.Parallel()
	var p PolicyConfig
	if got := p.LockDuration(); got != DefaultPinLockDuration {
		t.Errorf("lock duration default = %s", got)
	}
	if got := p.Grace(); got != DefaultGracePeriod {
		t.Errorf("grace default = %s", got)
	}
	pp, err := p.ResolvePastPolicy()
	if err != nil || pp != schedule.PastSkipForward {
		t.Errorf("past policy default = %v, %v", pp, err)
	}
}
