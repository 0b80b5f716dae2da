package output

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// NATSConfig configures the NATS output
type NATSConfig struct {
	BaseConfig `yaml:",inline"`

	URL string `yaml:"url"`

	// SubjectPrefix is followed by the payload's alert type,
	// e.g. events.error
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`

	ClientName    string        `yaml:"client_name,omitempty"`
	MaxReconnects int           `yaml:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `yaml:"reconnect_wait,omitempty"`
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	Token         string        `yaml:"token,omitempty"`
}

// DefaultNATSConfig returns default NATS configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		BaseConfig:    DefaultBaseConfig(),
		URL:           nats.DefaultURL,
		SubjectPrefix: "events",
		ClientName:    "eventpoller",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// natsPublisher is the part of *nats.Conn the output uses
type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSOutput publishes each payload as a JSON message
type NATSOutput struct {
	config NATSConfig
	conn   natsPublisher
	stats  stats
	closed atomic.Bool
}

// NewNATSOutput connects to the configured server
func NewNATSOutput(config NATSConfig) (*NATSOutput, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("no url specified")
	}
	def := DefaultNATSConfig()
	if config.ClientName == "" {
		config.ClientName = def.ClientName
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = def.ReconnectWait
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	logger := logging.Global().WithComponent("nats-output")
	opts := []nats.Option{
		nats.Name(config.ClientName),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(config.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	}
	if config.Username != "" && config.Password != "" {
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}
	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return newNATSOutput(config, conn), nil
}

func newNATSOutput(config NATSConfig, conn natsPublisher) *NATSOutput {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "events"
	}
	return &NATSOutput{config: config, conn: conn}
}

// Subject returns the subject a payload is published on
func (n *NATSOutput) Subject(payload *types.EventPayload) string {
	alert := payload.AlertType
	if alert == "" {
		alert = string(types.SeverityInfo)
	}
	return n.config.SubjectPrefix + "." + alert
}

func (n *NATSOutput) buildMsg(payload *types.EventPayload) (*nats.Msg, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	msg := nats.NewMsg(n.Subject(payload))
	msg.Data = data
	msg.Header.Set("Aggregation-Key", payload.AggregationKey)
	msg.Header.Set("Event-Timestamp", strconv.FormatInt(payload.Timestamp, 10))
	return msg, nil
}

// Send publishes one payload and waits for the server to acknowledge
// the flush
func (n *NATSOutput) Send(ctx context.Context, payload *types.EventPayload) error {
	return n.SendBatch(ctx, []*types.EventPayload{payload})
}

// SendBatch publishes payloads in order and flushes once
func (n *NATSOutput) SendBatch(ctx context.Context, payloads []*types.EventPayload) error {
	if n.closed.Load() {
		return fmt.Errorf("nats output is closed")
	}
	if len(payloads) == 0 {
		return nil
	}

	start := time.Now()
	published := 0
	bytes := 0
	for _, p := range payloads {
		msg, err := n.buildMsg(p)
		if err != nil {
			n.stats.failed(1, err)
			continue
		}
		if err := n.conn.PublishMsg(msg); err != nil {
			n.stats.failed(len(payloads)-published, err)
			return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
		}
		published++
		bytes += len(msg.Data)
	}

	if n.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.config.Timeout)
		defer cancel()
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		n.stats.failed(published, err)
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}

	n.stats.sent(published, bytes, time.Since(start))
	if len(payloads) > 1 {
		n.stats.batch()
	}
	if published < len(payloads) {
		return fmt.Errorf("%d out of %d payloads failed to encode", len(payloads)-published, len(payloads))
	}
	return nil
}

// Close drains the connection
func (n *NATSOutput) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	return n.conn.Drain()
}

// Name returns the output name
func (n *NATSOutput) Name() string {
	if n.config.Name != "" {
		return n.config.Name
	}
	return "nats"
}

// Metrics returns the current metrics
func (n *NATSOutput) Metrics() *OutputMetrics {
	return n.stats.snapshot()
}
