package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Stream is the key entries are appended to.
	Stream string `yaml:"stream"`

	// MaxLen trims the stream to roughly this many entries. Zero keeps all.
	MaxLen int64 `yaml:"max_len"`
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:   "localhost:6379",
		Stream: "counter:session:journal",
		MaxLen: 10000,
	}
}

// RedisSink appends entries to a Redis stream.
type RedisSink struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger
}

func NewRedisSink(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	s := NewRedisSinkWithClient(client, cfg, logger)
	s.logger.Info("connected to redis", "addr", cfg.Addr, "stream", cfg.Stream)
	return s, nil
}

func NewRedisSinkWithClient(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "journal-redis"),
	}
}

func (s *RedisSink) Write(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.cfg.Stream,
		ID:     "*",
		Values: map[string]interface{}{
			"entry_id": e.ID,
			"seq":      strconv.FormatUint(e.Seq, 10),
			"cause":    e.Cause,
			"address":  e.Address,
			"entry":    data,
		},
	}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.cfg.Stream, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
