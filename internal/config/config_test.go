package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Defaults()
	cfg.DefaultProfile = "work"
	cfg.Account = "0xBBBB000000000000000000000000000000001234"
	cfg.PollInterval = 2 * time.Second
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v", loaded.PollInterval)
	}
	if len(loaded.Networks) != 1 || loaded.Networks[0].ChainID != FluentTestnetChainID {
		t.Errorf("Networks = %+v", loaded.Networks)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("default_profile = \"alt\"\npoll_interval = \"500ms\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.DedupWindow != 10*time.Second {
		t.Errorf("DedupWindow default lost: %v", cfg.DedupWindow)
	}
	if cfg.ExpectedChainID != FluentTestnetChainID {
		t.Errorf("ExpectedChainID = %d", cfg.ExpectedChainID)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("ETHCHAT_ACCOUNT", "0xAAAA00000000000000000000000000000000aaaa")
	t.Setenv("ETHCHAT_DEDUP_WINDOW", "5s")

	cfg, err := LoadWithEnv(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadWithEnv() error = %v", err)
	}
	if cfg.Account != "0xAAAA00000000000000000000000000000000aaaa" {
		t.Errorf("Account = %q", cfg.Account)
	}
	if cfg.DedupWindow != 5*time.Second {
		t.Errorf("DedupWindow = %v", cfg.DedupWindow)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"unknown expected chain", func(c *Config) { c.ExpectedChainID = 1 }, true},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }, true},
		{"missing rpc", func(c *Config) { c.Networks[0].RPCURL = "" }, true},
		{"duplicate network", func(c *Config) { c.Networks = append(c.Networks, c.Networks[0]) }, true},
		{"bad min balance", func(c *Config) { c.MinSendBalance = "lots" }, true},
		{"negative min balance", func(c *Config) { c.MinSendBalance = "-1" }, true},
		{"no min balance", func(c *Config) { c.MinSendBalance = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Defaults()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestMinSendWei(t *testing.T) {
	wei, err := Defaults().MinSendWei()
	if err != nil {
		t.Fatalf("MinSendWei() error = %v", err)
	}
	if got := wei.String(); got != "1000000000000000" {
		t.Errorf("MinSendWei() = %s, want 1000000000000000", got)
	}
}

func TestChainParams(t *testing.T) {
	params := Defaults().ChainParams()
	if len(params) != 1 {
		t.Fatalf("got %d networks", len(params))
	}
	p := params[0]
	if p.ChainID != FluentTestnetChainID || p.RPCURL != FluentTestnetRPC || p.CurrencySymbol != "ETH" {
		t.Errorf("params = %+v", p)
	}
	if p.HexChainID() != "0x5202" {
		t.Errorf("HexChainID() = %s", p.HexChainID())
	}
}
