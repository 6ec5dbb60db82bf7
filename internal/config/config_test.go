// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeFile(t, `
bridge:
  listen: "127.0.0.1:9000"
  slot: 1
  probe_interval_ms: 1500
  op_timeout_ms: 4000
  state_path: "/var/lib/bridge/relay.yaml"
relay:
  server_url: "wss://relay.example.com/bridge"
  auth_token: "tok"
  company_id: "co-1"
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bridge.Listen != "127.0.0.1:9000" || cfg.Bridge.Slot != 1 {
		t.Fatalf("bridge: %+v", cfg.Bridge)
	}
	if cfg.Relay.ServerURL != "wss://relay.example.com/bridge" || !cfg.Relay.Enabled {
		t.Fatalf("relay: %+v", cfg.Relay)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults ok", mutate: func(c *Config) {}},
		{name: "negative slot", mutate: func(c *Config) { c.Bridge.Slot = -1 }, wantErr: true},
		{name: "negative interval", mutate: func(c *Config) { c.Bridge.ProbeIntervalMs = -5 }, wantErr: true},
		{name: "disabled relay may be empty", mutate: func(c *Config) { c.Relay = RelayConfig{} }},
		{
			name: "enabled relay needs url",
			mutate: func(c *Config) {
				c.Relay = RelayConfig{Enabled: true, AuthToken: "t", CompanyID: "c"}
			},
			wantErr: true,
		},
		{
			name: "enabled relay rejects http scheme",
			mutate: func(c *Config) {
				c.Relay = RelayConfig{Enabled: true, ServerURL: "http://x", AuthToken: "t", CompanyID: "c"}
			},
			wantErr: true,
		},
		{
			name: "enabled relay needs token",
			mutate: func(c *Config) {
				c.Relay = RelayConfig{Enabled: true, ServerURL: "wss://x", CompanyID: "c"}
			},
			wantErr: true,
		},
		{
			name: "enabled relay needs company",
			mutate: func(c *Config) {
				c.Relay = RelayConfig{Enabled: true, ServerURL: "wss://x", AuthToken: "t"}
			},
			wantErr: true,
		},
		{
			name: "enabled relay complete",
			mutate: func(c *Config) {
				c.Relay = RelayConfig{Enabled: true, ServerURL: "wss://x", AuthToken: "t", CompanyID: "c"}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNormalize_Defaults(t *testing.T) {
	cfg := &Config{}
	Normalize(cfg)

	if cfg.Bridge.Listen != DefaultListen {
		t.Fatalf("listen: %q", cfg.Bridge.Listen)
	}
	if cfg.Bridge.ProbeIntervalMs != DefaultProbeIntervalMs {
		t.Fatalf("interval: %d", cfg.Bridge.ProbeIntervalMs)
	}
	if cfg.Bridge.OpTimeoutMs != DefaultOpTimeoutMs {
		t.Fatalf("timeout: %d", cfg.Bridge.OpTimeoutMs)
	}

	// Explicit values survive.
	cfg2 := &Config{Bridge: BridgeConfig{Listen: "127.0.0.1:1", ProbeIntervalMs: 10, OpTimeoutMs: 20}}
	Normalize(cfg2)
	if cfg2.Bridge.Listen != "127.0.0.1:1" || cfg2.Bridge.ProbeIntervalMs != 10 || cfg2.Bridge.OpTimeoutMs != 20 {
		t.Fatalf("normalize clobbered explicit values: %+v", cfg2.Bridge)
	}
}

func TestStore_RoundTripAndMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "relay.yaml")
	st := NewStore(path)

	if _, ok, err := st.Load(); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	want := RelayConfig{ServerURL: "wss://r.example.com", AuthToken: "tok", CompanyID: "co", Enabled: true}
	if err := st.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := st.Load()
	if err != nil || !ok {
		t.Fatalf("Load after Save: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("round trip: got %+v, want %+v", got, want)
	}

	// No stray temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("state dir has %d entries", len(entries))
	}
}

func TestStore_DisabledPersistence(t *testing.T) {
	st := NewStore("")
	if err := st.Save(RelayConfig{Enabled: true}); err != nil {
		t.Fatalf("Save on disabled store: %v", err)
	}
	if _, ok, _ := st.Load(); ok {
		t.Fatal("disabled store must report not-found")
	}
}
