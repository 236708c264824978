package config

import (
	"encoding/json"
	"os"

	"github.com/riftrelay/capacity-proxy/internal/obslog"
)

// Load builds a Config by layering a JSON file (if present) over the
// built-in defaults, then applying GLM_* environment overrides, the same
// three-stage precedence Config.Load uses.
func Load(path string) *Config {
	cfg := Default()
	cfg.ConfigFile = path

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				obslog.Warn("failed to parse config file %s: %v", path, err)
			}
		} else if !os.IsNotExist(err) {
			obslog.Warn("failed to read config file %s: %v", path, err)
		}
	}

	cfg.loadFromEnv()
	return cfg
}

// Save writes cfg to its ConfigFile as indented JSON.
func (c *Config) Save() error {
	if c.ConfigFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigFile, data, 0644)
}
