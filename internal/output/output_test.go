package output

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultBaseConfig(t *testing.T) {
	config := DefaultBaseConfig()

	if config.BatchSize != 1 {
		t.Errorf("expected batch size 1, got %d", config.BatchSize)
	}
	if config.Compression != CompressionNone {
		t.Errorf("expected compression none, got %v", config.Compression)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("expected timeout 30s, got %v", config.Timeout)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"stdout", Config{Type: "stdout"}, false},
		{"file", Config{Type: "file", Stream: &StreamConfig{Path: "/tmp/x"}}, false},
		{"kafka ok", Config{Type: "kafka", Kafka: &KafkaConfig{Brokers: []string{"b:9092"}, Topic: "t"}}, false},
		{"kafka no topic", Config{Type: "kafka", Kafka: &KafkaConfig{Brokers: []string{"b:9092"}}}, true},
		{"kafka missing", Config{Type: "kafka"}, true},
		{"es ok", Config{Type: "elasticsearch", Elasticsearch: &ElasticsearchConfig{Addresses: []string{"http://es:9200"}}}, false},
		{"es missing", Config{Type: "elasticsearch", Elasticsearch: &ElasticsearchConfig{}}, true},
		{"s3 no bucket", Config{Type: "s3", S3: &S3Config{}}, true},
		{"nats ok", Config{Type: "nats", NATS: &NATSConfig{URL: "nats://localhost:4222"}}, false},
		{"nats missing", Config{Type: "nats"}, true},
		{"unknown", Config{Type: "syslog"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewStreamFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	out, err := New(context.Background(), Config{Type: "file", Stream: &StreamConfig{Path: path}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer out.Close()

	if out.Name() != "file" {
		t.Errorf("Name() = %q, want file", out.Name())
	}

	stdout, err := New(context.Background(), Config{Type: "stdout", Stream: &StreamConfig{Path: path}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if stdout.Name() != "stdout" {
		t.Errorf("stdout output should ignore path, Name() = %q", stdout.Name())
	}
}

func TestStatsTracking(t *testing.T) {
	var s stats

	s.sent(3, 300, 10*time.Millisecond)
	s.batch()
	s.failed(1, errors.New("timeout"))

	m := s.snapshot()
	if m.EventsSent != 3 || m.BytesSent != 300 || m.BatchesSent != 1 {
		t.Errorf("unexpected counters: %+v", m)
	}
	if m.EventsFailed != 1 || m.LastError != "timeout" {
		t.Errorf("unexpected failure state: %+v", m)
	}
	if m.AvgBatchSize != 3 {
		t.Errorf("AvgBatchSize = %v, want 3", m.AvgBatchSize)
	}
	if m.AvgLatency != 10*time.Millisecond {
		t.Errorf("AvgLatency = %v", m.AvgLatency)
	}

	// snapshot is a copy
	m.EventsSent = 100
	if s.snapshot().EventsSent != 3 {
		t.Error("snapshot shares state with stats")
	}
}
