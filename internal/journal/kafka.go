package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaConfig struct {
	Brokers           []string      `yaml:"brokers"`
	Topic             string        `yaml:"topic"`
	Partitions        int32         `yaml:"partitions"`
	ReplicationFactor int16         `yaml:"replication_factor"`
	Retention         time.Duration `yaml:"retention"`
}

func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:           []string{"localhost:9092"},
		Topic:             "counter-session-journal",
		Partitions:        3,
		ReplicationFactor: 1,
		Retention:         7 * 24 * time.Hour,
	}
}

// KafkaSink produces entries to a Kafka or Redpanda topic keyed by address,
// so each identity's entries stay ordered within one partition.
type KafkaSink struct {
	client *kgo.Client
	cfg    KafkaConfig
	logger *slog.Logger
}

// NewKafkaSink creates the producer and makes sure the topic exists.
func NewKafkaSink(ctx context.Context, cfg KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	logger = logger.With("component", "journal-kafka")

	brokers := seedBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka journal: no brokers configured")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	s := &KafkaSink{client: client, cfg: cfg, logger: logger}
	if err := s.ensureTopic(ctx); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("connected to message broker", "brokers", brokers, "topic", cfg.Topic)
	return s, nil
}

func seedBrokers(in []string) []string {
	brokers := make([]string, 0, len(in))
	for _, b := range in {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (s *KafkaSink) ensureTopic(ctx context.Context) error {
	admin := kadm.NewClient(s.client)

	existing, err := admin.ListTopics(ctx, s.cfg.Topic)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	if existing.Has(s.cfg.Topic) {
		return nil
	}

	retention := strconv.FormatInt(s.cfg.Retention.Milliseconds(), 10)
	cleanup := "delete"
	resp, err := admin.CreateTopics(ctx, s.cfg.Partitions, s.cfg.ReplicationFactor,
		map[string]*string{
			"retention.ms":   &retention,
			"cleanup.policy": &cleanup,
		},
		s.cfg.Topic,
	)
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}

	s.logger.Info("created journal topic", "topic", s.cfg.Topic, "partitions", s.cfg.Partitions)
	return nil
}

func (s *KafkaSink) Write(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	record := &kgo.Record{
		Topic: s.cfg.Topic,
		Key:   []byte(e.Key()),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "cause", Value: []byte(e.Cause)},
			{Key: "seq", Value: []byte(strconv.FormatUint(e.Seq, 10))},
		},
	}

	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	return nil
}

// Client exposes the underlying client for consumers such as tests.
func (s *KafkaSink) Client() *kgo.Client {
	return s.client
}

func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}
