package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrNotTailable is returned by OpenTailer for drivers that keep no stream.
var ErrNotTailable = errors.New("journal driver cannot be tailed")

// Handler receives tailed entries. Returning an error stops the tail and
// Tail returns that error.
type Handler func(Entry) error

// Tailer reads journal entries back from a stream for inspection. Entries
// are never used to restore a session.
type Tailer interface {
	// Tail delivers entries until ctx is done or fn returns an error. With
	// fromStart unset only entries written after the call are delivered.
	Tail(ctx context.Context, fromStart bool, fn Handler) error
	Close() error
}

// OpenTailer connects a reader for the configured driver.
func OpenTailer(ctx context.Context, cfg Config, logger *slog.Logger) (Tailer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(cfg.Driver) {
	case DriverNATS:
		s, err := NewNATSSink(ctx, cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverKafka:
		t, err := NewKafkaTailer(cfg.Kafka, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	case DriverRedis:
		s, err := NewRedisSink(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotTailable, cfg.Driver)
	}
}

// Tail reads the journal stream through an ordered consumer. Ordered
// consumers are ephemeral and need no acks.
func (s *NATSSink) Tail(ctx context.Context, fromStart bool, fn Handler) error {
	policy := jetstream.DeliverNewPolicy
	if fromStart {
		policy = jetstream.DeliverAllPolicy
	}

	cons, err := s.js.OrderedConsumer(ctx, s.cfg.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{s.cfg.SubjectPrefix + ".>"},
		DeliverPolicy:  policy,
	})
	if err != nil {
		return fmt.Errorf("create ordered consumer: %w", err)
	}

	it, err := cons.Messages()
	if err != nil {
		return fmt.Errorf("open message iterator: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		it.Stop()
	}()

	for {
		msg, err := it.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			return fmt.Errorf("next message: %w", err)
		}

		var e Entry
		if err := json.Unmarshal(msg.Data(), &e); err != nil {
			s.logger.Warn("skipping undecodable journal message", "subject", msg.Subject(), "error", err)
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// KafkaTailer consumes the journal topic. Entries are ordered per identity,
// not across the topic.
type KafkaTailer struct {
	brokers []string
	cfg     KafkaConfig
	logger  *slog.Logger
}

func NewKafkaTailer(cfg KafkaConfig, logger *slog.Logger) (*KafkaTailer, error) {
	brokers := seedBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka journal: no brokers configured")
	}
	return &KafkaTailer{
		brokers: brokers,
		cfg:     cfg,
		logger:  logger.With("component", "journal-kafka-tail"),
	}, nil
}

func (t *KafkaTailer) Tail(ctx context.Context, fromStart bool, fn Handler) error {
	offset := kgo.NewOffset().AtEnd()
	if fromStart {
		offset = kgo.NewOffset().AtStart()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(t.brokers...),
		kgo.ConsumeTopics(t.cfg.Topic),
		kgo.ConsumeResetOffset(offset),
	)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	defer client.Close()

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetches.IsClientClosed() {
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			t.logger.Warn("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()

			var e Entry
			if err := json.Unmarshal(rec.Value, &e); err != nil {
				t.logger.Warn("skipping undecodable journal record",
					"partition", rec.Partition,
					"offset", rec.Offset,
					"error", err,
				)
				continue
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
}

func (t *KafkaTailer) Close() error { return nil }

// redisTailBlock bounds each XREAD so cancellation is noticed.
const redisTailBlock = time.Second

// Tail reads the journal stream with blocking XREAD calls.
func (s *RedisSink) Tail(ctx context.Context, fromStart bool, fn Handler) error {
	last := "0"
	if !fromStart {
		// Resolve "$" once so entries written between reads are not lost.
		latest, err := s.client.XRevRangeN(ctx, s.cfg.Stream, "+", "-", 1).Result()
		if err != nil {
			return fmt.Errorf("xrevrange %s: %w", s.cfg.Stream, err)
		}
		if len(latest) > 0 {
			last = latest[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.cfg.Stream, last},
			Count:   100,
			Block:   redisTailBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread %s: %w", s.cfg.Stream, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				last = msg.ID

				e, err := decodeRedisEntry(msg.Values)
				if err != nil {
					s.logger.Warn("skipping undecodable journal entry", "id", msg.ID, "error", err)
					continue
				}
				if err := fn(e); err != nil {
					return err
				}
			}
		}
	}
}

func decodeRedisEntry(values map[string]interface{}) (Entry, error) {
	var e Entry
	raw, ok := values["entry"].(string)
	if !ok {
		return e, errors.New("missing entry field")
	}
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return e, fmt.Errorf("unmarshal entry: %w", err)
	}
	return e, nil
}
