package config

import (
	"strings"

	logx "github.com/cronpostps/cronpost/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	// Server (never log token)
	if oldCfg.Server.Enabled != newCfg.Server.Enabled ||
		strings.TrimSpace(oldCfg.Server.Addr) != strings.TrimSpace(newCfg.Server.Addr) ||
		oldCfg.Server.AllowInsecure != newCfg.Server.AllowInsecure ||
		oldCfg.Server.ReadTimeout != newCfg.Server.ReadTimeout ||
		oldCfg.Server.WriteTimeout != newCfg.Server.WriteTimeout ||
		oldCfg.Server.IdleTimeout != newCfg.Server.IdleTimeout ||
		(strings.TrimSpace(oldCfg.Server.Token) != "") != (strings.TrimSpace(newCfg.Server.Token) != "") {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Bool("server.enabled", newCfg.Server.Enabled),
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Bool("server.token_set", strings.TrimSpace(newCfg.Server.Token) != ""),
			logx.Bool("server.allow_insecure", newCfg.Server.AllowInsecure),
		)
	}

	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Bool("worker.enabled", newCfg.Worker.Enabled),
			logx.String("worker.tick", newCfg.Worker.Tick),
			logx.Int("worker.dispatch_rate", newCfg.Worker.DispatchRatePerSec),
		)
	}

	if oldCfg.Policy != newCfg.Policy {
		changed = append(changed, "policy")
		attrs = append(attrs,
			logx.Int("policy.pin_lock_threshold", newCfg.Policy.PinLockThreshold),
			logx.String("policy.pin_lock_duration", newCfg.Policy.PinLockDuration),
			logx.String("policy.grace_period", newCfg.Policy.GracePeriod),
			logx.String("policy.past_send_policy", newCfg.Policy.PastSendPolicy),
		)
	}

	return changed, attrs
}
