// internal/config/normalize.go
package config

// Defaults applied by Normalize.
const (
	DefaultListen          = "127.0.0.1:8731"
	DefaultProbeIntervalMs = 3000
	DefaultOpTimeoutMs     = 5000
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Bridge.Listen == "" {
		cfg.Bridge.Listen = DefaultListen
	}
	if cfg.Bridge.ProbeIntervalMs == 0 {
		cfg.Bridge.ProbeIntervalMs = DefaultProbeIntervalMs
	}
	if cfg.Bridge.OpTimeoutMs == 0 {
		cfg.Bridge.OpTimeoutMs = DefaultOpTimeoutMs
	}
}
