package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	ModeRPC      = "rpc"
	ModeKeystore = "keystore"
)

// Config selects and configures the wallet provider.
type Config struct {
	// Mode is "rpc" for a JSON-RPC wallet bridge or "keystore" for a local
	// encrypted keystore. Empty disables the provider.
	Mode string `yaml:"mode"`

	// URL of the wallet bridge (rpc mode). WebSocket URLs are required for
	// account change notifications.
	URL string `yaml:"url"`

	// NodeURL is the chain RPC endpoint used in keystore mode.
	NodeURL string `yaml:"node_url"`

	// ChainID is checked against the endpoint when non-zero.
	ChainID uint64 `yaml:"chain_id"`

	// Keystore settings
	KeystoreDir   string `yaml:"keystore_dir"`
	Account       string `yaml:"account"`
	PassphraseEnv string `yaml:"passphrase_env"`

	// Timeout bounds dialing and identity requests. Contract calls and
	// confirmation waits are not bounded by it.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns defaults for a local wallet bridge.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeRPC,
		URL:           "ws://localhost:8546",
		PassphraseEnv: "COUNTER_KEYSTORE_PASSPHRASE",
		Timeout:       30 * time.Second,
	}
}

// Dial builds the provider selected by cfg.Mode. A nil provider and
// ErrUnavailable are returned when nothing is configured or the wallet
// cannot be reached.
func Dial(ctx context.Context, cfg *Config, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	switch strings.ToLower(cfg.Mode) {
	case ModeRPC:
		if cfg.URL == "" {
			return nil, fmt.Errorf("%w: wallet URL not configured", ErrUnavailable)
		}
		w, err := DialWallet(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return w, nil
	case ModeKeystore:
		k, err := OpenKeystore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return k, nil
	case "", "none":
		return nil, fmt.Errorf("%w: no provider configured", ErrUnavailable)
	default:
		return nil, fmt.Errorf("unknown provider mode %q", cfg.Mode)
	}
}

// maskURL hides credentials embedded in endpoint URLs for logging.
func maskURL(url string) string {
	if idx := strings.Index(url, "@"); idx > 0 {
		if scheme := strings.Index(url, "://"); scheme >= 0 && scheme < idx {
			return url[:scheme+3] + "***@" + url[idx+1:]
		}
	}
	return url
}
