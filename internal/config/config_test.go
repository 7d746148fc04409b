package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "counterd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("", Overrides{})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Provider.Mode != "rpc" {
		t.Errorf("Provider.Mode = %s, want rpc", cfg.Provider.Mode)
	}
	if cfg.Provider.ChainID != 11155111 {
		t.Errorf("Provider.ChainID = %d, want 11155111", cfg.Provider.ChainID)
	}
	if cfg.HTTP.Listen != ":8080" {
		t.Errorf("HTTP.Listen = %s, want :8080", cfg.HTTP.Listen)
	}
	if cfg.Journal.Driver != "log" {
		t.Errorf("Journal.Driver = %s, want log", cfg.Journal.Driver)
	}
	if cfg.HTTP.ActionRate != 2 || cfg.HTTP.ActionBurst != 4 {
		t.Errorf("action limit = %v/%d, want 2/4", cfg.HTTP.ActionRate, cfg.HTTP.ActionBurst)
	}
}

func TestLoadConfig_FileOverlay(t *testing.T) {
	path := writeConfig(t, `
chain: holesky
provider:
  mode: keystore
  node_url: http://localhost:8545
  keystore_dir: /var/lib/counterd/keys
  timeout: 5s
http:
  listen: ":9090"
  allowed_origins: ["https://counter.example.com"]
journal:
  driver: redis
  redis:
    addr: redis:6379
    max_len: 500
`)

	cfg, err := LoadConfig(path, Overrides{})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Provider.Mode != "keystore" || cfg.Provider.KeystoreDir != "/var/lib/counterd/keys" {
		t.Errorf("Provider = %+v", cfg.Provider)
	}
	if cfg.Provider.Timeout != 5*time.Second {
		t.Errorf("Provider.Timeout = %v, want 5s", cfg.Provider.Timeout)
	}
	if cfg.Provider.ChainID != 17000 {
		t.Errorf("Provider.ChainID = %d, want 17000", cfg.Provider.ChainID)
	}
	if cfg.Provider.PassphraseEnv != "COUNTER_KEYSTORE_PASSPHRASE" {
		t.Errorf("default PassphraseEnv lost: %q", cfg.Provider.PassphraseEnv)
	}
	if len(cfg.HTTP.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v", cfg.HTTP.AllowedOrigins)
	}
	if cfg.HTTP.ReadTimeout != 10*time.Second {
		t.Errorf("default ReadTimeout lost: %v", cfg.HTTP.ReadTimeout)
	}
	if cfg.Journal.Redis.Addr != "redis:6379" || cfg.Journal.Redis.MaxLen != 500 {
		t.Errorf("Journal.Redis = %+v", cfg.Journal.Redis)
	}
	if cfg.Journal.Redis.Stream != "counter:session:journal" {
		t.Errorf("default Redis stream lost: %q", cfg.Journal.Redis.Stream)
	}
}

func TestLoadConfig_ExplicitChainIDWins(t *testing.T) {
	path := writeConfig(t, "chain: ethereum\nprovider:\n  chain_id: 31337\n")

	cfg, err := LoadConfig(path, Overrides{})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Provider.ChainID != 31337 {
		t.Errorf("Provider.ChainID = %d, want 31337", cfg.Provider.ChainID)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeConfig(t, "provider:\n  url: ws://file:8546\n")

	cfg, err := LoadConfig(path, Overrides{
		WalletURL:     "ws://flag:8546",
		Listen:        ":7070",
		JournalDriver: "none",
		Chain:         "base",
	})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Provider.URL != "ws://flag:8546" {
		t.Errorf("Provider.URL = %s, want ws://flag:8546", cfg.Provider.URL)
	}
	if cfg.HTTP.Listen != ":7070" {
		t.Errorf("HTTP.Listen = %s, want :7070", cfg.HTTP.Listen)
	}
	if cfg.Journal.Driver != "none" {
		t.Errorf("Journal.Driver = %s, want none", cfg.Journal.Driver)
	}
	if cfg.Provider.ChainID != 8453 {
		t.Errorf("Provider.ChainID = %d, want 8453", cfg.Provider.ChainID)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad yaml", body: "provider: [\n"},
		{name: "unknown provider mode", body: "provider:\n  mode: ledger\n"},
		{name: "unknown journal driver", body: "journal:\n  driver: s3\n"},
		{name: "empty listen", body: "http:\n  listen: \"\"\n"},
		{name: "negative action rate", body: "http:\n  action_rate: -1\n"},
		{name: "rate without burst", body: "http:\n  action_rate: 5\n  action_burst: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.body), Overrides{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), Overrides{}); err == nil {
		t.Error("expected error for missing file")
	}
}
