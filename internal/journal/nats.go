package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig holds JetStream connection and stream settings.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	MaxReconnects  int           `yaml:"max_reconnects"` // -1 for unlimited
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxAge        time.Duration `yaml:"max_age"`
	MaxBytes      int64         `yaml:"max_bytes"`
	Replicas      int           `yaml:"replicas"`
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            "nats://localhost:4222",
		Name:           "counterd",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 10 * time.Second,
		Stream:         "COUNTER_SESSION",
		SubjectPrefix:  "counter.session",
		MaxAge:         7 * 24 * time.Hour,
		MaxBytes:       1024 * 1024 * 1024,
		Replicas:       1,
	}
}

// Subject returns the subject an entry with the given cause is published on.
// Format: <prefix>.<cause>
func (c NATSConfig) Subject(cause string) string {
	if cause == "" {
		cause = "snapshot"
	}
	return fmt.Sprintf("%s.%s", c.SubjectPrefix, cause)
}

// NATSSink publishes entries to a JetStream stream.
type NATSSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    NATSConfig
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewNATSSink connects to NATS and creates or updates the journal stream.
func NewNATSSink(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSSink, error) {
	logger = logger.With("component", "journal-nats")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	s := &NATSSink{nc: nc, js: js, cfg: cfg, logger: logger}
	if err := s.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info("journal stream ready", "stream", cfg.Stream, "subjects", cfg.SubjectPrefix+".>")
	return s, nil
}

// ensureStream is idempotent.
func (s *NATSSink) ensureStream(ctx context.Context) error {
	_, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        s.cfg.Stream,
		Subjects:    []string{s.cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      s.cfg.MaxAge,
		MaxBytes:    s.cfg.MaxBytes,
		Replicas:    s.cfg.Replicas,
		Description: "Counter session lifecycle journal",
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", s.cfg.Stream, err)
	}
	return nil
}

func (s *NATSSink) Write(ctx context.Context, e Entry) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return fmt.Errorf("nats sink closed")
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	// The entry ID doubles as the dedup key across publish retries.
	if _, err := s.js.Publish(ctx, s.cfg.Subject(e.Cause), data, jetstream.WithMsgID(e.ID)); err != nil {
		return fmt.Errorf("publish entry: %w", err)
	}
	return nil
}

// JetStream exposes the stream context for consumers such as tests.
func (s *NATSSink) JetStream() jetstream.JetStream {
	return s.js
}

// Close drains in-flight publishes before closing the connection.
func (s *NATSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
