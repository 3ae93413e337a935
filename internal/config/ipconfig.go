package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// IPConfig is the separately loaded ip-config.json document from spec.md
// §6. Unlike AppConfig it is JSON, camelCase, and meant to be hot-reloaded
// on its own schedule (operators edit preheat domains and block/allow
// lists far more often than TLS policy).
type IPConfig struct {
	PreheatDomains  []string `json:"preheatDomains"`
	UserStaticIPs   []string `json:"userStaticIps"`
	ScoreTTLSeconds int      `json:"scoreTtlSeconds"`
	Blacklist       []string `json:"blacklist"`
	Whitelist       []string `json:"whitelist"`
}

// LoadIPConfig reads and validates ip-config.json at path. A missing file
// is not an error: it returns the zero-value IPConfig, matching the IP
// pool's "all candidate sources optional" design.
func LoadIPConfig(path string) (*IPConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &IPConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg IPConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	if cfg.ScoreTTLSeconds < 0 {
		return nil, fmt.Errorf("config: %q: scoreTtlSeconds must be >= 0, got %d", path, cfg.ScoreTTLSeconds)
	}
	return &cfg, nil
}
