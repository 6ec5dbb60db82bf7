// internal/config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bridge BridgeConfig `yaml:"bridge"`
	Relay  RelayConfig  `yaml:"relay"`
}

// ---- BRIDGE ----

type BridgeConfig struct {
	// Listen is the local command surface address (consumed by the UI).
	Listen string `yaml:"listen"`

	// Slot selects the reader slot (0-based).
	Slot int `yaml:"slot"`

	ProbeIntervalMs int `yaml:"probe_interval_ms"`
	OpTimeoutMs     int `yaml:"op_timeout_ms"`

	// StatePath is where relay settings are persisted across restarts.
	// Empty disables persistence.
	StatePath string `yaml:"state_path"`
}

// ---- RELAY ----

// RelayConfig is connection intent, not connection state. Persisted across
// restarts; mutated only through an explicit configuration update.
type RelayConfig struct {
	ServerURL string `yaml:"server_url" json:"serverUrl"`
	AuthToken string `yaml:"auth_token" json:"authToken"`
	CompanyID string `yaml:"company_id" json:"companyId"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// Load reads and decodes a configuration file.
// Validation and normalization are separate, deliberate steps.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
