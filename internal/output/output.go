// Package output delivers event payloads to external sinks.
package output

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// Output defines the interface for all output plugins
type Output interface {
	// Send delivers a single payload
	Send(ctx context.Context, payload *types.EventPayload) error

	// SendBatch delivers payloads in order
	SendBatch(ctx context.Context, payloads []*types.EventPayload) error

	// Close flushes pending payloads and releases resources
	Close() error

	Name() string

	Metrics() *OutputMetrics
}

// OutputMetrics tracks performance and health metrics for an output
type OutputMetrics struct {
	EventsSent    int64         `json:"events_sent"`
	EventsFailed  int64         `json:"events_failed"`
	BytesSent     int64         `json:"bytes_sent"`
	BatchesSent   int64         `json:"batches_sent"`
	LastSendTime  time.Time     `json:"last_send_time"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorTime time.Time     `json:"last_error_time,omitempty"`
	AvgBatchSize  float64       `json:"avg_batch_size"`
	AvgLatency    time.Duration `json:"avg_latency"`
}

// stats guards an OutputMetrics shared by a sender and its readers
type stats struct {
	mu sync.Mutex
	m  OutputMetrics
}

func (s *stats) sent(events int, bytes int, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m.EventsSent += int64(events)
	s.m.BytesSent += int64(bytes)
	s.m.LastSendTime = time.Now()
	if s.m.AvgLatency == 0 {
		s.m.AvgLatency = latency
	} else {
		s.m.AvgLatency = (s.m.AvgLatency + latency) / 2
	}
}

func (s *stats) batch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m.BatchesSent++
	s.m.AvgBatchSize = float64(s.m.EventsSent) / float64(s.m.BatchesSent)
}

func (s *stats) failed(events int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m.EventsFailed += int64(events)
	if err != nil {
		s.m.LastError = err.Error()
		s.m.LastErrorTime = time.Now()
	}
}

func (s *stats) snapshot() *OutputMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.m
	return &m
}

// CompressionType defines the compression algorithm to use
type CompressionType string

const (
	CompressionNone   CompressionType = "none"
	CompressionGzip   CompressionType = "gzip"
	CompressionSnappy CompressionType = "snappy"
)

// BaseConfig contains common configuration for all outputs
type BaseConfig struct {
	// Name is a unique identifier for this output instance
	Name string `yaml:"name,omitempty"`

	// BatchSize above 1 buffers payloads and sends them in batches
	BatchSize int `yaml:"batch_size,omitempty"`

	// FlushInterval bounds how long a partial batch waits
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`

	Compression CompressionType `yaml:"compression,omitempty"`

	// Timeout bounds a single send operation
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DefaultBaseConfig returns a base config with sensible defaults
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		BatchSize:     1,
		FlushInterval: time.Second,
		Compression:   CompressionNone,
		Timeout:       30 * time.Second,
	}
}

// Config selects and configures one output
type Config struct {
	Type          string               `yaml:"type"`
	Stream        *StreamConfig        `yaml:"stream,omitempty"`
	Kafka         *KafkaConfig         `yaml:"kafka,omitempty"`
	Elasticsearch *ElasticsearchConfig `yaml:"elasticsearch,omitempty"`
	S3            *S3Config            `yaml:"s3,omitempty"`
	NATS          *NATSConfig          `yaml:"nats,omitempty"`
}

// Validate checks that the section for Type is usable
func (c Config) Validate() error {
	switch c.Type {
	case "stdout", "stream", "file":
		return nil
	case "kafka":
		if c.Kafka == nil || len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return fmt.Errorf("kafka output requires brokers and topic")
		}
	case "elasticsearch":
		if c.Elasticsearch == nil || (len(c.Elasticsearch.Addresses) == 0 && c.Elasticsearch.CloudID == "") {
			return fmt.Errorf("elasticsearch output requires addresses or cloud_id")
		}
	case "s3":
		if c.S3 == nil || c.S3.Bucket == "" {
			return fmt.Errorf("s3 output requires a bucket")
		}
	case "nats":
		if c.NATS == nil || c.NATS.URL == "" {
			return fmt.Errorf("nats output requires a url")
		}
	default:
		return fmt.Errorf("unknown output type: %q", c.Type)
	}
	return nil
}

// New builds the output described by cfg. Unset sections start from
// the type's defaults.
func New(ctx context.Context, cfg Config) (Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "stdout", "stream", "file":
		sc := DefaultStreamConfig()
		if cfg.Stream != nil {
			sc = *cfg.Stream
		}
		if cfg.Type == "stdout" {
			sc.Path = ""
		}
		return NewStreamOutput(sc)
	case "kafka":
		return NewKafkaOutput(*cfg.Kafka)
	case "elasticsearch":
		return NewElasticsearchOutput(ctx, *cfg.Elasticsearch)
	case "s3":
		return NewS3Output(ctx, *cfg.S3)
	case "nats":
		return NewNATSOutput(*cfg.NATS)
	}
	return nil, fmt.Errorf("unknown output type: %q", cfg.Type)
}
