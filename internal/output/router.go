package output

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/metrics"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/tracing"
	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// Failure strategies
const (
	// FailureContinue delivers to every output and fails only when none
	// accepted the payload
	FailureContinue = "continue"

	// FailureStop stops at the first failing output
	FailureStop = "stop"
)

// ErrRouterClosed is returned by a closed router
var ErrRouterClosed = errors.New("router is closed")

// RouterConfig contains configuration for the multi-output router
type RouterConfig struct {
	FailureStrategy string `yaml:"failure_strategy,omitempty"`

	// Parallel sends to all outputs concurrently. Ignored with the stop
	// strategy.
	Parallel bool `yaml:"parallel,omitempty"`
}

// DefaultRouterConfig returns default router configuration
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		FailureStrategy: FailureContinue,
		Parallel:        true,
	}
}

// Router fans payloads out to multiple outputs
type Router struct {
	config    RouterConfig
	outputs   []Output
	mu        sync.RWMutex
	closed    atomic.Bool
	collector *metrics.Collector
	tracer    trace.Tracer
	logger    *logging.Logger
}

// RouterOption configures optional router collaborators
type RouterOption func(*Router)

// WithCollector records per-output Prometheus metrics
func WithCollector(c *metrics.Collector) RouterOption {
	return func(r *Router) { r.collector = c }
}

// WithTracer creates a span per output send
func WithTracer(t trace.Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

// WithRouterLogger sets the router logger
func WithRouterLogger(l *logging.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router over outputs
func NewRouter(config RouterConfig, outputs []Output, opts ...RouterOption) (*Router, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("no outputs configured")
	}
	switch config.FailureStrategy {
	case "":
		config.FailureStrategy = FailureContinue
	case FailureContinue, FailureStop:
	default:
		return nil, fmt.Errorf("unknown failure strategy: %q", config.FailureStrategy)
	}

	r := &Router{
		config:  config,
		outputs: append([]Output(nil), outputs...),
		logger:  logging.Global(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("router")

	return r, nil
}

// AddOutput adds an output to the router
func (r *Router) AddOutput(output Output) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, output)
}

// Send delivers one payload to the outputs
func (r *Router) Send(ctx context.Context, payload *types.EventPayload) error {
	return r.dispatch(ctx, []*types.EventPayload{payload}, func(ctx context.Context, out Output) error {
		return out.Send(ctx, payload)
	})
}

// SendBatch delivers payloads to the outputs
func (r *Router) SendBatch(ctx context.Context, payloads []*types.EventPayload) error {
	if len(payloads) == 0 {
		return nil
	}
	return r.dispatch(ctx, payloads, func(ctx context.Context, out Output) error {
		return out.SendBatch(ctx, payloads)
	})
}

func (r *Router) dispatch(ctx context.Context, payloads []*types.EventPayload, send func(context.Context, Output) error) error {
	if r.closed.Load() {
		return ErrRouterClosed
	}

	r.mu.RLock()
	outputs := r.outputs
	r.mu.RUnlock()

	if r.config.FailureStrategy == FailureStop {
		for _, out := range outputs {
			if err := r.sendOne(ctx, out, payloads, send); err != nil {
				return fmt.Errorf("%s: %w", out.Name(), err)
			}
		}
		return nil
	}

	errs := make([]error, len(outputs))
	if r.config.Parallel && len(outputs) > 1 {
		var wg sync.WaitGroup
		for i, out := range outputs {
			wg.Add(1)
			go func(i int, out Output) {
				defer wg.Done()
				errs[i] = r.sendOne(ctx, out, payloads, send)
			}(i, out)
		}
		wg.Wait()
	} else {
		for i, out := range outputs {
			errs[i] = r.sendOne(ctx, out, payloads, send)
		}
	}

	failed := 0
	var joined []error
	for i, err := range errs {
		if err != nil {
			failed++
			joined = append(joined, fmt.Errorf("%s: %w", outputs[i].Name(), err))
		}
	}

	if failed == len(outputs) {
		return errors.Join(joined...)
	}
	return nil
}

func (r *Router) sendOne(ctx context.Context, out Output, payloads []*types.EventPayload, send func(context.Context, Output) error) error {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = tracing.TraceOutput(ctx, r.tracer, out.Name(), len(payloads))
		defer span.End()
	}

	start := time.Now()
	err := send(ctx, out)
	elapsed := time.Since(start)

	kind := outputKind(out)
	if err != nil {
		if r.tracer != nil {
			tracing.Fail(ctx, err)
		}
		r.logger.Warn().
			Err(err).
			Str("output", out.Name()).
			Int("payloads", len(payloads)).
			Msg("Output send failed")
		if r.collector != nil {
			r.collector.OutputEventsFailed.WithLabelValues(out.Name(), kind, failureReason(err)).Add(float64(len(payloads)))
		}
		return err
	}

	if r.collector != nil {
		bytes := 0
		for _, p := range payloads {
			bytes += p.Size()
		}
		r.collector.OutputEventsSent.WithLabelValues(out.Name(), kind).Add(float64(len(payloads)))
		r.collector.OutputBytesSent.WithLabelValues(out.Name(), kind).Add(float64(bytes))
		r.collector.OutputDuration.WithLabelValues(out.Name(), kind).Observe(elapsed.Seconds())
		r.collector.OutputBatchSize.WithLabelValues(out.Name(), kind).Observe(float64(len(payloads)))
	}
	return nil
}

func outputKind(out Output) string {
	switch out.(type) {
	case *StreamOutput:
		return "stream"
	case *KafkaOutput:
		return "kafka"
	case *ElasticsearchOutput:
		return "elasticsearch"
	case *S3Output:
		return "s3"
	case *NATSOutput:
		return "nats"
	default:
		return "other"
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// Close closes all outputs
func (r *Router) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.RLock()
	outputs := r.outputs
	r.mu.RUnlock()

	var errs []error
	for _, out := range outputs {
		if err := out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", out.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Name returns the router name
func (r *Router) Name() string {
	return "router"
}

// Metrics aggregates the metrics of all outputs
func (r *Router) Metrics() *OutputMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agg := &OutputMetrics{}
	var totalLatency time.Duration
	var totalBatchSize float64

	for _, out := range r.outputs {
		m := out.Metrics()
		agg.EventsSent += m.EventsSent
		agg.EventsFailed += m.EventsFailed
		agg.BytesSent += m.BytesSent
		agg.BatchesSent += m.BatchesSent
		totalLatency += m.AvgLatency
		totalBatchSize += m.AvgBatchSize

		if m.LastSendTime.After(agg.LastSendTime) {
			agg.LastSendTime = m.LastSendTime
		}
		if m.LastErrorTime.After(agg.LastErrorTime) {
			agg.LastErrorTime = m.LastErrorTime
			agg.LastError = m.LastError
		}
	}

	if n := len(r.outputs); n > 0 {
		agg.AvgLatency = totalLatency / time.Duration(n)
		agg.AvgBatchSize = totalBatchSize / float64(n)
	}
	return agg
}

// Outputs returns all configured outputs
func (r *Router) Outputs() []Output {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Output(nil), r.outputs...)
}
