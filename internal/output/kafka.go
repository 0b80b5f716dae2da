package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// KafkaConfig contains Kafka-specific configuration
type KafkaConfig struct {
	BaseConfig `yaml:",inline"`

	// Brokers is the list of Kafka broker addresses
	Brokers []string `yaml:"brokers"`

	Topic string `yaml:"topic"`

	// RequiredAcks specifies the number of acknowledgments required (0, 1, -1)
	RequiredAcks int16 `yaml:"required_acks,omitempty"`

	// CompressionCodec specifies the compression codec (none, gzip, snappy, lz4, zstd)
	CompressionCodec string `yaml:"compression_codec,omitempty"`

	MaxMessageBytes  int  `yaml:"max_message_bytes,omitempty"`
	IdempotentWrites bool `yaml:"idempotent_writes,omitempty"`
	EnableTLS        bool `yaml:"enable_tls,omitempty"`

	SASLEnabled   bool   `yaml:"sasl_enabled,omitempty"`
	SASLMechanism string `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername  string `yaml:"sasl_username,omitempty"`
	SASLPassword  string `yaml:"sasl_password,omitempty"`

	ClientID string `yaml:"client_id,omitempty"`

	// Version is the Kafka protocol version
	Version string `yaml:"version,omitempty"`
}

// DefaultKafkaConfig returns default Kafka configuration
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		BaseConfig:       DefaultBaseConfig(),
		Brokers:          []string{"localhost:9092"},
		Topic:            "windows-events",
		RequiredAcks:     1,
		CompressionCodec: "none",
		MaxMessageBytes:  1000000,
		ClientID:         "eventpoller",
		Version:          "3.0.0",
	}
}

// KafkaOutput sends payloads to a Kafka topic. Messages are keyed by
// aggregation key so one source's events keep their order on a partition.
type KafkaOutput struct {
	config   KafkaConfig
	producer sarama.SyncProducer
	batcher  *Batcher
	stats    stats
	closed   atomic.Bool
}

func (c KafkaConfig) saramaConfig() (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.RequiredAcks(c.RequiredAcks)
	sc.Producer.Idempotent = c.IdempotentWrites
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}
	if c.IdempotentWrites {
		sc.Net.MaxOpenRequests = 1
	}

	switch c.CompressionCodec {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	if c.MaxMessageBytes > 0 {
		sc.Producer.MaxMessageBytes = c.MaxMessageBytes
	}

	if c.Version != "" {
		version, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		sc.Version = version
	}

	if c.SASLEnabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = c.SASLUsername
		sc.Net.SASL.Password = c.SASLPassword

		switch c.SASLMechanism {
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if c.EnableTLS {
		sc.Net.TLS.Enable = true
	}

	return sc, nil
}

// NewKafkaOutput creates a sync producer for the configured brokers
func NewKafkaOutput(config KafkaConfig) (*KafkaOutput, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("no topic specified")
	}

	sc, err := config.saramaConfig()
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(config.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return newKafkaOutput(config, producer), nil
}

func newKafkaOutput(config KafkaConfig, producer sarama.SyncProducer) *KafkaOutput {
	k := &KafkaOutput{
		config:   config,
		producer: producer,
	}

	if config.BatchSize > 1 {
		logger := logging.Global().WithComponent("kafka-output")
		k.batcher = NewBatcher(BatcherConfig{
			MaxBatchSize:  config.BatchSize,
			FlushInterval: config.FlushInterval,
			OnError: func(err error, dropped int) {
				logger.Error().Err(err).Int("payloads", dropped).Msg("Background flush failed")
			},
		}, k.sendBatch)
	}

	return k
}

// Send produces one payload, or buffers it when batching is enabled
func (k *KafkaOutput) Send(ctx context.Context, payload *types.EventPayload) error {
	if k.closed.Load() {
		return fmt.Errorf("kafka output is closed")
	}
	if k.batcher != nil {
		return k.batcher.Add(ctx, payload)
	}
	return k.sendBatch(ctx, []*types.EventPayload{payload})
}

// SendBatch produces payloads in order
func (k *KafkaOutput) SendBatch(ctx context.Context, payloads []*types.EventPayload) error {
	if k.closed.Load() {
		return fmt.Errorf("kafka output is closed")
	}
	return k.sendBatch(ctx, payloads)
}

func (k *KafkaOutput) sendBatch(ctx context.Context, payloads []*types.EventPayload) error {
	if len(payloads) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	msgs := make([]*sarama.ProducerMessage, 0, len(payloads))
	bytes := 0
	for _, p := range payloads {
		msg, size, err := k.buildMessage(p)
		if err != nil {
			k.stats.failed(1, err)
			continue
		}
		msgs = append(msgs, msg)
		bytes += size
	}

	if len(msgs) == 0 {
		return fmt.Errorf("no payload could be encoded")
	}

	var err error
	if len(msgs) == 1 {
		_, _, err = k.producer.SendMessage(msgs[0])
	} else {
		err = k.producer.SendMessages(msgs)
	}

	if err != nil {
		failed := len(msgs)
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) {
			failed = len(perrs)
		}
		k.stats.failed(failed, err)
		if sent := len(msgs) - failed; sent > 0 {
			k.stats.sent(sent, 0, time.Since(start))
		}
		return fmt.Errorf("failed to send %d of %d messages to Kafka: %w", failed, len(msgs), err)
	}

	k.stats.sent(len(msgs), bytes, time.Since(start))
	if len(msgs) > 1 {
		k.stats.batch()
	}
	if len(msgs) < len(payloads) {
		return fmt.Errorf("%d out of %d payloads failed to encode", len(payloads)-len(msgs), len(payloads))
	}
	return nil
}

func (k *KafkaOutput) buildMessage(p *types.EventPayload) (*sarama.ProducerMessage, int, error) {
	value, err := json.Marshal(p)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     k.config.Topic,
		Value:     sarama.ByteEncoder(value),
		Timestamp: p.Time(),
		Headers: []sarama.RecordHeader{
			{Key: []byte("alert_type"), Value: []byte(p.AlertType)},
		},
	}
	if p.AggregationKey != "" {
		msg.Key = sarama.StringEncoder(p.AggregationKey)
	}
	return msg, len(value), nil
}

// Close flushes buffered payloads and closes the producer
func (k *KafkaOutput) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}

	if k.batcher != nil {
		if err := k.batcher.Stop(); err != nil {
			return err
		}
	}

	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}

// Name returns the output name
func (k *KafkaOutput) Name() string {
	if k.config.Name != "" {
		return k.config.Name
	}
	return "kafka"
}

// Metrics returns the current metrics
func (k *KafkaOutput) Metrics() *OutputMetrics {
	return k.stats.snapshot()
}
