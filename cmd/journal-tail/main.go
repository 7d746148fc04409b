// Command journal-tail prints counter session journal entries from the
// configured stream as JSON lines.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/marko911/counter-pulse/internal/config"
	"github.com/marko911/counter-pulse/internal/journal"
)

type Config struct {
	ConfigPath  string
	Driver      string
	FromStart   bool
	Address     string
	Causes      []string
	StatsPeriod time.Duration
}

type Metrics struct {
	Received atomic.Int64
	Printed  atomic.Int64
}

func main() {
	cfg := parseFlags()

	// Entries go to stdout; logs stay on stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("journal tail failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.ConfigPath, "config", envOrDefault("COUNTERD_CONFIG", ""), "path to counterd configuration file")
	flag.StringVar(&cfg.Driver, "journal", envOrDefault("COUNTERD_JOURNAL", ""), "journal driver to read (nats, kafka, redis)")
	flag.BoolVar(&cfg.FromStart, "from-start", false, "replay retained entries before following")
	flag.StringVar(&cfg.Address, "address", "", "only print entries for this address")
	causes := flag.String("causes", "", "comma-separated causes to print (default all)")
	flag.DurationVar(&cfg.StatsPeriod, "stats", 30*time.Second, "interval between stats log lines (0 disables)")

	flag.Parse()

	for _, c := range strings.Split(*causes, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cfg.Causes = append(cfg.Causes, c)
		}
	}

	return cfg
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	full, err := config.LoadConfig(cfg.ConfigPath, config.Overrides{JournalDriver: cfg.Driver})
	if err != nil {
		return err
	}

	logger.Info("starting journal tail",
		"driver", full.Journal.Driver,
		"from_start", cfg.FromStart,
		"address", cfg.Address,
		"causes", cfg.Causes,
	)

	tailer, err := journal.OpenTailer(ctx, full.Journal, logger)
	if err != nil {
		return err
	}
	defer tailer.Close()

	metrics := &Metrics{}
	if cfg.StatsPeriod > 0 {
		go reportMetrics(ctx, cfg.StatsPeriod, metrics, logger)
	}

	p := newPrinter(os.Stdout, newFilter(cfg.Address, cfg.Causes))
	err = tailer.Tail(ctx, cfg.FromStart, func(e journal.Entry) error {
		metrics.Received.Add(1)
		printed, err := p.print(e)
		if printed {
			metrics.Printed.Add(1)
		}
		return err
	})
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	logger.Info("journal tail stopped",
		"received", metrics.Received.Load(),
		"printed", metrics.Printed.Load(),
	)
	return err
}

func reportMetrics(ctx context.Context, period time.Duration, metrics *Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("metrics",
				"received", metrics.Received.Load(),
				"printed", metrics.Printed.Load(),
			)
		}
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
