package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cronpostps/cronpost/internal/schedule"
)

// Policy defaults, applied when a field is left unset. Validate rejects
// configs that set a field to something unusable rather than silently
// correcting it.
const (
	DefaultPinLockThreshold = 5
	DefaultPinLockDuration  = 15 * time.Minute
	DefaultMaxPinLogEntries = 50
	DefaultGracePeriod      = time.Hour
	DefaultWorkerTick       = time.Minute
	DefaultDispatchRate     = 10
)

// Validate checks everything that can be checked without touching the
// environment. Called on initial load and before every hot-reload commit.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"worker.tick", cfg.Worker.Tick},
		{"policy.pin_lock_duration", cfg.Policy.PinLockDuration},
		{"policy.grace_period", cfg.Policy.GracePeriod},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if cfg.Policy.PinLockThreshold < 0 {
		return fmt.Errorf("policy.pin_lock_threshold: must be >= 0")
	}
	if cfg.Policy.MaxPinLogEntries < 0 {
		return fmt.Errorf("policy.max_pin_log_entries: must be >= 0")
	}
	if cfg.Worker.DispatchRatePerSec < 0 {
		return fmt.Errorf("worker.dispatch_rate_per_sec: must be >= 0")
	}
	if _, err := cfg.Policy.ResolvePastPolicy(); err != nil {
		return err
	}
	if cfg.Server.Enabled && !cfg.Server.AllowInsecure &&
		strings.TrimSpace(cfg.Server.Token) == "" && !isLoopbackAddr(cfg.Server.Addr) {
		return fmt.Errorf("server: non-loopback addr %q needs a token or allow_insecure", cfg.Server.Addr)
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true // default bind is loopback
	}
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	switch strings.Trim(host, "[]") {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ResolvePastPolicy maps the config string to the scheduling policy.
func (p PolicyConfig) ResolvePastPolicy() (schedule.PastPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(p.PastSendPolicy)) {
	case "", "skip_forward":
		return schedule.PastSkipForward, nil
	case "defer":
		return schedule.PastDefer, nil
	default:
		return 0, fmt.Errorf("policy.past_send_policy: unknown value %q", p.PastSendPolicy)
	}
}

// LockDuration returns the configured base lockout, defaulted.
func (p PolicyConfig) LockDuration() time.Duration {
	d, err := ParseDurationOrDefault("policy.pin_lock_duration", p.PinLockDuration, DefaultPinLockDuration)
	if err != nil {
		return DefaultPinLockDuration
	}
	return d
}

// Grace returns the fallback grace window, defaulted.
func (p PolicyConfig) Grace() time.Duration {
	d, err := ParseDurationOrDefault("policy.grace_period", p.GracePeriod, DefaultGracePeriod)
	if err != nil {
		return DefaultGracePeriod
	}
	return d
}

// TickInterval returns the worker scan period, defaulted.
func (w WorkerConfig) TickInterval() time.Duration {
	d, err := ParseDurationOrDefault("worker.tick", w.Tick, DefaultWorkerTick)
	if err != nil {
		return DefaultWorkerTick
	}
	return d
}
