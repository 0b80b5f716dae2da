package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

func expectKeyed(key string) mocks.MessageChecker {
	return func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "windows-events" {
			return fmt.Errorf("topic = %q", msg.Topic)
		}
		if msg.Key == nil {
			return errors.New("message has no key")
		}
		got, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(got) != key {
			return fmt.Errorf("key = %q, want %q", got, key)
		}

		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var p types.EventPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("value is not a payload: %w", err)
		}
		if p.EventType != types.EventType {
			return fmt.Errorf("event_type = %q", p.EventType)
		}
		return nil
	}
}

func TestKafkaOutput_SendKeysByAggregationKey(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectKeyed("MSSQLSERVER"))

	k := newKafkaOutput(KafkaConfig{Topic: "windows-events"}, producer)
	defer k.Close()

	if err := k.Send(context.Background(), testPayload(1)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	m := k.Metrics()
	if m.EventsSent != 1 || m.EventsFailed != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestKafkaOutput_SendBatch(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectKeyed("MSSQLSERVER"))
	}

	k := newKafkaOutput(KafkaConfig{Topic: "windows-events"}, producer)
	defer k.Close()

	batch := []*types.EventPayload{testPayload(1), testPayload(2), testPayload(3)}
	if err := k.SendBatch(context.Background(), batch); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}

	m := k.Metrics()
	if m.EventsSent != 3 || m.BatchesSent != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestKafkaOutput_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	k := newKafkaOutput(KafkaConfig{Topic: "windows-events"}, producer)
	defer k.Close()

	err := k.Send(context.Background(), testPayload(1))
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("Send() error = %v, want ErrOutOfBrokers", err)
	}
	if m := k.Metrics(); m.EventsFailed != 1 || m.LastError == "" {
		t.Errorf("metrics = %+v", m)
	}
}

func TestKafkaOutput_BatchingFlushesOnClose(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()

	cfg := KafkaConfig{Topic: "windows-events"}
	cfg.BatchSize = 10
	k := newKafkaOutput(cfg, producer)

	k.Send(context.Background(), testPayload(1))
	k.Send(context.Background(), testPayload(2))

	if err := k.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if m := k.Metrics(); m.EventsSent != 2 {
		t.Errorf("EventsSent = %d, want 2", m.EventsSent)
	}
	if err := k.Send(context.Background(), testPayload(3)); err == nil {
		t.Error("expected error after close")
	}
}

func TestKafkaConfig_Sarama(t *testing.T) {
	cfg := DefaultKafkaConfig()
	cfg.CompressionCodec = "snappy"
	cfg.SASLEnabled = true
	cfg.SASLMechanism = "SCRAM-SHA-512"

	sc, err := cfg.saramaConfig()
	if err != nil {
		t.Fatalf("saramaConfig() error = %v", err)
	}
	if sc.Producer.Compression != sarama.CompressionSnappy {
		t.Errorf("compression = %v", sc.Producer.Compression)
	}
	if sc.Net.SASL.Mechanism != sarama.SASLTypeSCRAMSHA512 {
		t.Errorf("mechanism = %v", sc.Net.SASL.Mechanism)
	}
	if !sc.Producer.Return.Successes {
		t.Error("sync producer requires Return.Successes")
	}

	cfg.Version = "not-a-version"
	if _, err := cfg.saramaConfig(); err == nil {
		t.Error("expected error for invalid version")
	}
}

func TestNewKafkaOutput_Validation(t *testing.T) {
	if _, err := NewKafkaOutput(KafkaConfig{Topic: "t"}); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaOutput(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("expected error without topic")
	}
}
