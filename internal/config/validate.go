// internal/config/validate.go
package config

import (
	"fmt"
	"net/url"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg.Bridge.Slot < 0 {
		return fmt.Errorf("bridge: slot %d must not be negative", cfg.Bridge.Slot)
	}
	if cfg.Bridge.ProbeIntervalMs < 0 {
		return fmt.Errorf("bridge: probe_interval_ms %d must not be negative", cfg.Bridge.ProbeIntervalMs)
	}
	if cfg.Bridge.OpTimeoutMs < 0 {
		return fmt.Errorf("bridge: op_timeout_ms %d must not be negative", cfg.Bridge.OpTimeoutMs)
	}

	return ValidateRelay(cfg.Relay)
}

// ValidateRelay checks relay settings. Used both at startup and when the
// configuration update operation replaces them at runtime.
func ValidateRelay(r RelayConfig) error {
	// A disabled relay may be partially configured.
	if !r.Enabled {
		return nil
	}

	if r.ServerURL == "" {
		return fmt.Errorf("relay: server_url required when enabled")
	}
	u, err := url.Parse(r.ServerURL)
	if err != nil {
		return fmt.Errorf("relay: server_url %q: %v", r.ServerURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay: server_url scheme %q must be ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("relay: server_url %q has no host", r.ServerURL)
	}

	if r.AuthToken == "" {
		return fmt.Errorf("relay: auth_token required when enabled")
	}
	if r.CompanyID == "" {
		return fmt.Errorf("relay: company_id required when enabled")
	}
	return nil
}
