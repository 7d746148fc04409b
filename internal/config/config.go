// Package config loads counterd configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marko911/counter-pulse/internal/journal"
	"github.com/marko911/counter-pulse/internal/provider"
)

// Config holds the configuration for counterd.
type Config struct {
	// Chain name (ethereum, sepolia, holesky, ...). Used to derive the
	// expected chain ID when provider.chain_id is not set.
	Chain string `yaml:"chain"`

	Provider provider.Config `yaml:"provider"`

	HTTP HTTPConfig `yaml:"http"`

	Journal journal.Config `yaml:"journal"`
}

// HTTPConfig holds the rendering shell's server settings.
type HTTPConfig struct {
	Listen string `yaml:"listen"`

	// AllowedOrigins for WebSocket upgrades. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ActionRate limits connect and counter requests per second across all
	// clients. Zero disables the limit.
	ActionRate  float64 `yaml:"action_rate"`
	ActionBurst int     `yaml:"action_burst"`
}

// Overrides are command line values applied on top of the file. Empty
// fields leave the file value in place.
type Overrides struct {
	Chain         string
	ProviderMode  string
	WalletURL     string
	NodeURL       string
	KeystoreDir   string
	Account       string
	Listen        string
	JournalDriver string
}

// Default returns the in-code defaults.
func Default() *Config {
	return &Config{
		Chain:    "sepolia",
		Provider: provider.DefaultConfig(),
		HTTP: HTTPConfig{
			Listen:          ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			ActionRate:      2,
			ActionBurst:     4,
		},
		Journal: journal.DefaultConfig(),
	}
}

// LoadConfig loads configuration from file and applies overrides.
func LoadConfig(configPath string, o Overrides) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if o.Chain != "" {
		cfg.Chain = o.Chain
	}
	if o.ProviderMode != "" {
		cfg.Provider.Mode = o.ProviderMode
	}
	if o.WalletURL != "" {
		cfg.Provider.URL = o.WalletURL
	}
	if o.NodeURL != "" {
		cfg.Provider.NodeURL = o.NodeURL
	}
	if o.KeystoreDir != "" {
		cfg.Provider.KeystoreDir = o.KeystoreDir
	}
	if o.Account != "" {
		cfg.Provider.Account = o.Account
	}
	if o.Listen != "" {
		cfg.HTTP.Listen = o.Listen
	}
	if o.JournalDriver != "" {
		cfg.Journal.Driver = o.JournalDriver
	}

	if cfg.Provider.ChainID == 0 {
		cfg.Provider.ChainID = chainNameToID(cfg.Chain)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot work. An unreachable wallet is not
// a configuration error.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Provider.Mode) {
	case "", "none", provider.ModeRPC, provider.ModeKeystore:
	default:
		errs = append(errs, fmt.Errorf("provider.mode: unknown mode %q", c.Provider.Mode))
	}
	if c.HTTP.Listen == "" {
		errs = append(errs, errors.New("http.listen: required"))
	}
	switch strings.ToLower(c.Journal.Driver) {
	case "", journal.DriverNone, journal.DriverLog, journal.DriverNATS, journal.DriverKafka, journal.DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("journal.driver: unknown driver %q", c.Journal.Driver))
	}
	if c.HTTP.ActionRate < 0 {
		errs = append(errs, errors.New("http.action_rate: must not be negative"))
	}
	if c.HTTP.ActionRate > 0 && c.HTTP.ActionBurst < 1 {
		errs = append(errs, errors.New("http.action_burst: must be at least 1 when action_rate is set"))
	}
	if c.Journal.Buffer < 0 {
		errs = append(errs, errors.New("journal.buffer: must not be negative"))
	}

	return errors.Join(errs...)
}

func chainNameToID(chain string) uint64 {
	switch strings.ToLower(chain) {
	case "ethereum", "mainnet":
		return 1
	case "sepolia":
		return 11155111
	case "holesky":
		return 17000
	case "polygon":
		return 137
	case "arbitrum":
		return 42161
	case "optimism":
		return 10
	case "base":
		return 8453
	default:
		return 0
	}
}
