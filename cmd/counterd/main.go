// Command counterd holds a wallet session against the counter program and
// exposes it over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/marko911/counter-pulse/internal/config"
	"github.com/marko911/counter-pulse/internal/journal"
	"github.com/marko911/counter-pulse/internal/provider"
	"github.com/marko911/counter-pulse/internal/session"
)

func main() {
	configPath := flag.String("config", envOrDefault("COUNTERD_CONFIG", ""), "path to configuration file")
	logLevel := flag.String("log-level", envOrDefault("COUNTERD_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	autoConnect := flag.Bool("connect", false, "connect to the wallet at startup")

	var o config.Overrides
	flag.StringVar(&o.Chain, "chain", envOrDefault("COUNTERD_CHAIN", ""), "chain name (ethereum, sepolia, holesky, ...)")
	flag.StringVar(&o.ProviderMode, "provider", envOrDefault("COUNTERD_PROVIDER", ""), "wallet provider (rpc, keystore, none)")
	flag.StringVar(&o.WalletURL, "wallet-url", envOrDefault("COUNTERD_WALLET_URL", ""), "wallet bridge URL (rpc provider)")
	flag.StringVar(&o.NodeURL, "node-url", envOrDefault("COUNTERD_NODE_URL", ""), "chain node URL (keystore provider)")
	flag.StringVar(&o.KeystoreDir, "keystore", envOrDefault("COUNTERD_KEYSTORE_DIR", ""), "keystore directory (keystore provider)")
	flag.StringVar(&o.Account, "account", envOrDefault("COUNTERD_ACCOUNT", ""), "account to unlock (keystore provider)")
	flag.StringVar(&o.Listen, "listen", envOrDefault("COUNTERD_LISTEN", ""), "HTTP listen address")
	flag.StringVar(&o.JournalDriver, "journal", envOrDefault("COUNTERD_JOURNAL", ""), "journal driver (none, log, nats, kafka, redis)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath, o)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, *autoConnect, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, autoConnect bool, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting counterd",
		"chain", cfg.Chain,
		"chain_id", cfg.Provider.ChainID,
		"provider", cfg.Provider.Mode,
		"journal", cfg.Journal.Driver,
	)

	// A missing wallet is not fatal: each connect dials again until one
	// answers, reporting ProviderUnavailable meanwhile.
	dial := func(ctx context.Context) (provider.Provider, error) {
		return provider.Dial(ctx, &cfg.Provider, logger)
	}
	p, err := dial(ctx)
	if err != nil {
		logger.Warn("wallet provider unavailable, will retry on connect", "error", err)
		p = nil
	}

	mgr := session.NewManager(p, session.WithLogger(logger), session.WithDialer(dial))
	defer mgr.Close()

	sink, err := journal.Open(ctx, cfg.Journal, logger)
	if err != nil {
		logger.Warn("journal initialization failed, continuing without journal", "error", err)
	} else if sink != nil {
		defer sink.Close()
		rec := journal.NewRecorder(sink, cfg.Journal, logger)
		go func() {
			if err := rec.Run(ctx, mgr); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("journal recorder stopped", "error", err)
			}
		}()
	}

	// The watcher starts once a provider is present.
	go func() {
		if err := mgr.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("account watcher stopped", "error", err)
		}
	}()

	if autoConnect {
		go func() {
			if err := mgr.Connect(ctx); err != nil {
				logger.Warn("startup connect failed", "error", err)
			}
		}()
	}

	server := NewServer(ctx, cfg.HTTP, mgr, logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Listen,
		Handler:      server.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("listening", "addr", cfg.HTTP.Listen)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	// Pending confirmations end with the context.
	cancel()
	server.Wait()

	logger.Info("counterd shutdown complete")
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
