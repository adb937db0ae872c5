package config

import (
	"os"
	"strings"
)

// applyEnvOverrides lets secrets and deploy paths stay out of the
// config file. Set values win over file values.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CRONPOST_API_TOKEN")); v != "" {
		cfg.Server.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("CRONPOST_DB_PATH")); v != "" {
		cfg.Storage.Path = v
	}
}
