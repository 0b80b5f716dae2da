package output

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// StreamConfig configures a JSON-lines stream output
type StreamConfig struct {
	BaseConfig `yaml:",inline"`

	// Path of a file to append to; empty writes to stdout
	Path string `yaml:"path,omitempty"`

	// Pretty indents each payload, for interactive use
	Pretty bool `yaml:"pretty,omitempty"`
}

// DefaultStreamConfig writes compact JSON lines to stdout
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{BaseConfig: DefaultBaseConfig()}
}

// StreamOutput writes one JSON document per payload
type StreamOutput struct {
	config StreamConfig
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	stats  stats
	closed atomic.Bool
}

// NewStreamOutput opens the configured file in append mode, or stdout
func NewStreamOutput(config StreamConfig) (*StreamOutput, error) {
	if config.Path == "" {
		return NewStreamOutputWriter(config, os.Stdout), nil
	}

	f, err := os.OpenFile(config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	out := NewStreamOutputWriter(config, f)
	out.closer = f
	return out, nil
}

// NewStreamOutputWriter writes to w, which the output does not close
func NewStreamOutputWriter(config StreamConfig, w io.Writer) *StreamOutput {
	return &StreamOutput{
		config: config,
		w:      bufio.NewWriter(w),
	}
}

// Send writes and flushes one payload
func (s *StreamOutput) Send(ctx context.Context, payload *types.EventPayload) error {
	return s.SendBatch(ctx, []*types.EventPayload{payload})
}

// SendBatch writes payloads in order and flushes once
func (s *StreamOutput) SendBatch(ctx context.Context, payloads []*types.EventPayload) error {
	if s.closed.Load() {
		return fmt.Errorf("stream output is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(s.w)
	if s.config.Pretty {
		enc.SetIndent("", "  ")
	}

	written := 0
	bytes := 0
	for _, p := range payloads {
		if err := enc.Encode(p); err != nil {
			s.stats.failed(len(payloads)-written, err)
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		written++
		bytes += p.Size()
	}

	if err := s.w.Flush(); err != nil {
		s.stats.failed(len(payloads), err)
		return fmt.Errorf("failed to flush output: %w", err)
	}

	s.stats.sent(written, bytes, time.Since(start))
	if len(payloads) > 1 {
		s.stats.batch()
	}
	return nil
}

// Close flushes and closes the underlying file
func (s *StreamOutput) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Name returns the output name
func (s *StreamOutput) Name() string {
	if s.config.Name != "" {
		return s.config.Name
	}
	if s.config.Path != "" {
		return "file"
	}
	return "stdout"
}

// Metrics returns the current metrics
func (s *StreamOutput) Metrics() *OutputMetrics {
	return s.stats.snapshot()
}
