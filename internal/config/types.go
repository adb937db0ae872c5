package config

// Config is the full service configuration. YAML and JSON are both
// accepted; YAML is coerced to JSON before the strict decode.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Server  ServerConfig  `json:"server"`
	Worker  WorkerConfig  `json:"worker"`

	// Policy carries the operator-tunable safety knobs. It hot-reloads:
	// a running worker picks up new values on its next tick.
	Policy PolicyConfig `json:"policy"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cronpost.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// ServerConfig controls the HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8320").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ServerConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8320"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// WorkerConfig controls the scan/dispatch loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick: "1m"
//   - dispatch_rate_per_sec: 10
//   - dispatch_burst: dispatch_rate_per_sec
type WorkerConfig struct {
	Enabled bool   `json:"enabled"`
	Tick    string `json:"tick,omitempty"`

	DispatchRatePerSec int `json:"dispatch_rate_per_sec,omitempty"`
	DispatchBurst      int `json:"dispatch_burst,omitempty"`
}

// PolicyConfig is the runtime safety policy.
//
// Defaults (when fields are omitted/zero):
//   - pin_lock_threshold: 5
//   - pin_lock_duration: "15m"
//   - max_pin_log_entries: 50
//   - grace_period: "1h"
//   - past_send_policy: "skip_forward"
type PolicyConfig struct {
	PinLockThreshold int    `json:"pin_lock_threshold,omitempty"`
	PinLockDuration  string `json:"pin_lock_duration,omitempty"`
	MaxPinLogEntries int    `json:"max_pin_log_entries,omitempty"`

	// GracePeriod applies to accounts that have not set their own window.
	GracePeriod string `json:"grace_period,omitempty"`

	// PastSendPolicy is "skip_forward" or "defer": what to do with a
	// recomputed follow send that lands in the past.
	PastSendPolicy string `json:"past_send_policy,omitempty"`
}
