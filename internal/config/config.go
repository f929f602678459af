package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/matheus3301/ethchat/internal/wallet"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "ETHCHAT_"

// Fluent testnet, the network the messaging contract is deployed on.
const (
	FluentTestnetChainID  = 20994
	FluentTestnetRPC      = "https://rpc.testnet.fluent.xyz"
	FluentTestnetExplorer = "https://testnet.fluentscan.xyz/"
)

// Network describes a chain the wallet can switch to or register.
type Network struct {
	ChainID        uint64 `toml:"chain_id"`
	Name           string `toml:"name"`
	RPCURL         string `toml:"rpc_url"`
	ExplorerURL    string `toml:"explorer_url"`
	CurrencyName   string `toml:"currency_name"`
	CurrencySymbol string `toml:"currency_symbol"`
	Decimals       uint8  `toml:"decimals"`
}

// Config represents the global ~/.ethchat/config.toml.
type Config struct {
	DefaultProfile  string    `toml:"default_profile" env:"PROFILE"`
	ExpectedChainID uint64    `toml:"expected_chain_id" env:"CHAIN_ID"`
	Networks        []Network `toml:"networks"`

	KeystoreDir    string `toml:"keystore_dir" env:"KEYSTORE_DIR"`
	Account        string `toml:"account" env:"ACCOUNT"`
	DescriptorPath string `toml:"descriptor_path" env:"DESCRIPTOR"`

	PollInterval      time.Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
	DedupWindow       time.Duration `toml:"dedup_window" env:"DEDUP_WINDOW"`
	NoticeTTL         time.Duration `toml:"notice_ttl" env:"NOTICE_TTL"`
	WalletNoticeClear time.Duration `toml:"wallet_notice_clear" env:"WALLET_NOTICE_CLEAR"`
	MinSendBalance    string        `toml:"min_send_balance" env:"MIN_SEND_BALANCE"`

	MetricsAddr string `toml:"metrics_addr" env:"METRICS_ADDR"`
	LogLevel    string `toml:"log_level" env:"LOG_LEVEL"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ExpectedChainID: FluentTestnetChainID,
		Networks: []Network{{
			ChainID:        FluentTestnetChainID,
			Name:           "Fluent Testnet",
			RPCURL:         FluentTestnetRPC,
			ExplorerURL:    FluentTestnetExplorer,
			CurrencyName:   "Ether",
			CurrencySymbol: "ETH",
			Decimals:       18,
		}},
		PollInterval:      time.Second,
		DedupWindow:       10 * time.Second,
		NoticeTTL:         10 * time.Second,
		WalletNoticeClear: 2 * time.Second,
		MinSendBalance:    "0.001",
		LogLevel:          "info",
	}
}

// Load reads config from the given path on top of Defaults. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnv loads path (falling back to Defaults when it does not exist),
// applies ETHCHAT_* overrides, and validates the result.
func LoadWithEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Defaults(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("dedup_window must be positive")
	}
	if _, err := c.MinSendWei(); err != nil {
		return fmt.Errorf("min_send_balance: %w", err)
	}
	if _, ok := c.Network(c.ExpectedChainID); !ok {
		return fmt.Errorf("expected_chain_id %d has no [[networks]] entry", c.ExpectedChainID)
	}
	seen := make(map[uint64]bool, len(c.Networks))
	for _, n := range c.Networks {
		if n.RPCURL == "" {
			return fmt.Errorf("network %d: rpc_url is required", n.ChainID)
		}
		if seen[n.ChainID] {
			return fmt.Errorf("network %d declared twice", n.ChainID)
		}
		seen[n.ChainID] = true
	}
	return nil
}

// Network returns the entry for chainID.
func (c *Config) Network(chainID uint64) (Network, bool) {
	for _, n := range c.Networks {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return Network{}, false
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ChainParams converts n to the form the wallet registers chains with.
func (n Network) ChainParams() wallet.ChainParams {
	return wallet.ChainParams{
		ChainID:        n.ChainID,
		Name:           n.Name,
		RPCURL:         n.RPCURL,
		ExplorerURL:    n.ExplorerURL,
		CurrencyName:   n.CurrencyName,
		CurrencySymbol: n.CurrencySymbol,
		Decimals:       n.Decimals,
	}
}

// ChainParams returns every configured network.
func (c *Config) ChainParams() []wallet.ChainParams {
	out := make([]wallet.ChainParams, len(c.Networks))
	for i, n := range c.Networks {
		out[i] = n.ChainParams()
	}
	return out
}

// MinSendWei parses min_send_balance. Empty means no minimum.
func (c *Config) MinSendWei() (*big.Int, error) {
	if c.MinSendBalance == "" {
		return new(big.Int), nil
	}
	return wallet.ParseEther(c.MinSendBalance)
}
