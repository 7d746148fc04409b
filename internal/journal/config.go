package journal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	DriverNone  = "none"
	DriverLog   = "log"
	DriverNATS  = "nats"
	DriverKafka = "kafka"
	DriverRedis = "redis"
)

type Config struct {
	// Driver selects the sink: none, log, nats, kafka or redis.
	Driver string `yaml:"driver"`

	// Buffer is the number of entries queued ahead of the sink.
	Buffer int `yaml:"buffer"`

	WriteTimeout time.Duration `yaml:"write_timeout"`

	NATS  NATSConfig  `yaml:"nats"`
	Kafka KafkaConfig `yaml:"kafka"`
	Redis RedisConfig `yaml:"redis"`
}

func DefaultConfig() Config {
	return Config{
		Driver:       DriverLog,
		Buffer:       256,
		WriteTimeout: 5 * time.Second,
		NATS:         DefaultNATSConfig(),
		Kafka:        DefaultKafkaConfig(),
		Redis:        DefaultRedisConfig(),
	}
}

// Open connects the configured sink. It returns a nil Sink when the journal
// is disabled.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(cfg.Driver) {
	case "", DriverNone:
		return nil, nil
	case DriverLog:
		return NewLogSink(logger), nil
	case DriverNATS:
		s, err := NewNATSSink(ctx, cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverKafka:
		s, err := NewKafkaSink(ctx, cfg.Kafka, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverRedis:
		s, err := NewRedisSink(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown journal driver %q", cfg.Driver)
	}
}
