// Package poller runs incremental polls of event log targets: it keeps
// each target's cursor, queries for new records, normalizes them and
// hands the resulting events to a sink.
package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/cursor"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/eventlog"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/metrics"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/tracing"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/wmi"
	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// ErrQueryFailure is returned when the query collaborator fails. The
// target's cursor is left untouched so the next poll retries.
var ErrQueryFailure = errors.New("query failure")

// Sink receives emitted payloads
type Sink interface {
	Send(ctx context.Context, payload *types.EventPayload) error
}

// DeadLetters stores what the poller could not process
type DeadLetters interface {
	EnqueueRecord(target string, rec types.RawRecord, cause error) error
	EnqueuePayload(target string, payload *types.EventPayload, cause error) error
}

// Config holds poller-wide settings
type Config struct {
	APIKey          string
	Hostname        string
	TagEventID      bool
	FailOnMalformed bool
	QueryTimeout    time.Duration

	// EventsPerSecond limits emission across all targets; zero disables
	EventsPerSecond float64
	Burst           int
}

// Result summarizes one poll
type Result struct {
	Baseline   bool      `json:"baseline"`
	Received   int       `json:"received"`
	Emitted    int       `json:"emitted"`
	Stale      int       `json:"stale"`
	Malformed  int       `json:"malformed"`
	EmitFailed int       `json:"emit_failed"`
	LastSeen   time.Time `json:"last_seen"`
}

// Poller polls targets. Polls of one target are serialized; different
// targets may be polled concurrently.
type Poller struct {
	cfg     Config
	querier wmi.Querier
	tracker *cursor.Tracker
	sink    Sink

	dlq     DeadLetters
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *logging.Logger
	limiter *rate.Limiter
	now     func() time.Time

	status *statusBook
}

// Option configures optional collaborators
type Option func(*Poller)

// WithDeadLetters routes malformed records and rejected payloads to d
func WithDeadLetters(d DeadLetters) Option {
	return func(p *Poller) { p.dlq = d }
}

// WithMetrics records poll metrics in c
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Poller) { p.metrics = c }
}

// WithTracer creates a span per poll
func WithTracer(t trace.Tracer) Option {
	return func(p *Poller) { p.tracer = t }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// New creates a poller
func New(cfg Config, querier wmi.Querier, tracker *cursor.Tracker, sink Sink, opts ...Option) (*Poller, error) {
	if querier == nil {
		return nil, fmt.Errorf("querier is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("cursor tracker is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}

	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}

	p := &Poller{
		cfg:     cfg,
		querier: querier,
		tracker: tracker,
		sink:    sink,
		tracer:  noop.NewTracerProvider().Tracer("eventpoller"),
		logger:  logging.Global(),
		now:     time.Now,
		status:  newStatusBook(),
	}

	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithComponent("poller")

	if cfg.EventsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.EventsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), burst)
	}

	return p, nil
}

// Poll runs one poll of target. The first poll of a target only records
// the baseline cursor and emits nothing.
func (p *Poller) Poll(ctx context.Context, target *Target) (Result, error) {
	key := target.Key()

	unlock := p.tracker.Lock(key)
	defer unlock()

	ctx, span := tracing.TracePoll(ctx, p.tracer, key, target.Host)
	defer span.End()

	if p.metrics != nil {
		timer := time.Now()
		p.metrics.PollsInFlight.Inc()
		defer p.metrics.PollsInFlight.Dec()
		defer func() {
			p.metrics.PollDuration.WithLabelValues(key).Observe(time.Since(timer).Seconds())
		}()
	}

	// captured before the query so records landing mid-query are seen next time
	started := p.now()

	res, err := p.poll(ctx, target, key, started)

	p.status.record(key, target.Host, started, res, err)
	p.observe(key, res, err)

	if err != nil {
		tracing.Fail(ctx, err)
		return res, err
	}

	span.SetAttributes(
		attribute.Bool("poll.baseline", res.Baseline),
		attribute.Int("poll.received", res.Received),
		attribute.Int("poll.emitted", res.Emitted),
		attribute.Int("poll.stale", res.Stale),
		attribute.Int("poll.malformed", res.Malformed),
	)
	return res, nil
}

func (p *Poller) poll(ctx context.Context, target *Target, key string, now time.Time) (Result, error) {
	logger := p.logger.WithTarget(key)

	lastSeen, first, err := p.tracker.GetOrInit(ctx, key, now)
	if err != nil {
		return Result{}, err
	}
	if first {
		logger.Info().
			Time("last_seen", lastSeen).
			Msg("Baseline established, skipping historical events")
		return Result{Baseline: true, LastSeen: lastSeen}, nil
	}

	if p.metrics != nil {
		p.metrics.CursorLag.WithLabelValues(key).Set(now.Sub(lastSeen).Seconds())
	}

	records, err := p.query(ctx, target, key, lastSeen)
	if err != nil {
		return Result{LastSeen: lastSeen}, err
	}

	res := Result{Received: len(records), LastSeen: lastSeen}
	events, err := p.normalize(ctx, target, key, records, lastSeen, &res, logger)
	if err != nil {
		return res, err
	}

	if err := p.emit(ctx, key, events, &res, logger); err != nil {
		return res, err
	}

	// the cursor write must land even if the caller is shutting down
	advanced, err := p.tracker.Advance(context.WithoutCancel(ctx), key, now)
	if err != nil {
		return res, err
	}
	res.LastSeen = advanced

	logger.Debug().
		Int("received", res.Received).
		Int("emitted", res.Emitted).
		Int("stale", res.Stale).
		Int("malformed", res.Malformed).
		Time("last_seen", advanced).
		Msg("Poll complete")

	return res, nil
}

func (p *Poller) query(ctx context.Context, target *Target, key string, lastSeen time.Time) ([]types.RawRecord, error) {
	req := wmi.Request{
		TargetKey:  key,
		Class:      target.Class,
		Properties: eventlog.Properties,
		Filter:     eventlog.BuildFilter(lastSeen, target.Criteria),
		Conn:       target.Conn(),
	}
	if req.Class == "" {
		req.Class = eventlog.Class
	}

	if p.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.QueryTimeout)
		defer cancel()
	}

	ctx, span := tracing.TraceQuery(ctx, p.tracer, p.querier.Name(), req.Class)
	defer span.End()

	records, err := p.querier.Query(ctx, req)
	if err != nil {
		tracing.Fail(ctx, err)
		return nil, fmt.Errorf("%w: %s: %w", ErrQueryFailure, key, err)
	}
	if p.metrics != nil {
		p.metrics.RecordsReceived.WithLabelValues(key).Add(float64(len(records)))
	}
	return records, nil
}

// normalize converts records and drops those preceding the cursor. The
// query filter only compares dates, so this is where time is enforced.
func (p *Poller) normalize(ctx context.Context, target *Target, key string, records []types.RawRecord, lastSeen time.Time, res *Result, logger *logging.Logger) ([]types.Event, error) {
	n := eventlog.Normalizer{
		Tags:       target.Tags,
		Notify:     target.Notify,
		TagEventID: p.cfg.TagEventID,
	}
	cutoff := lastSeen.Unix()

	events := make([]types.Event, 0, len(records))
	for _, rec := range records {
		ev, err := n.Normalize(rec)
		if err != nil {
			res.Malformed++
			if p.cfg.FailOnMalformed {
				return nil, err
			}
			logger.Warn().Err(err).Msg("Skipping malformed record")
			tracing.SkipRecord(ctx, tracing.SkipMalformed, 0, err)
			if p.dlq != nil {
				if dlqErr := p.dlq.EnqueueRecord(key, rec, err); dlqErr != nil {
					logger.Error().Err(dlqErr).Msg("Failed to write malformed record to DLQ")
				}
			}
			continue
		}

		if ev.Timestamp < cutoff {
			res.Stale++
			logger.Debug().
				Time("last_seen", lastSeen).
				Int64("ts", ev.Timestamp).
				Msg("Skipping event before cursor")
			tracing.SkipRecord(ctx, tracing.SkipStale, ev.Timestamp, nil)
			continue
		}

		events = append(events, ev)
	}
	return events, nil
}

func (p *Poller) emit(ctx context.Context, key string, events []types.Event, res *Result, logger *logging.Logger) error {
	for _, ev := range events {
		if p.limiter != nil {
			if !p.limiter.Allow() {
				if p.metrics != nil {
					p.metrics.EmitRateLimited.WithLabelValues(key).Inc()
				}
				// waiting is cancelled only by shutdown; the cursor then
				// stays put so the rest is re-polled
				if err := p.limiter.Wait(ctx); err != nil {
					return fmt.Errorf("emission interrupted: %w", err)
				}
			}
		}

		payload := types.NewEventPayload(ev, p.cfg.APIKey, p.cfg.Hostname)
		if err := p.sink.Send(ctx, payload); err != nil {
			res.EmitFailed++
			logger.Error().
				Err(err).
				Str("title", payload.MsgTitle).
				Int64("ts", payload.Timestamp).
				Msg("Failed to emit event")
			if p.dlq != nil {
				if dlqErr := p.dlq.EnqueuePayload(key, payload, err); dlqErr != nil {
					logger.Error().Err(dlqErr).Msg("Failed to write payload to DLQ")
				}
			}
			continue
		}

		res.Emitted++
		if p.metrics != nil {
			p.metrics.EventsEmitted.WithLabelValues(key, payload.AlertType).Inc()
		}
	}
	return nil
}

func (p *Poller) observe(key string, res Result, err error) {
	if p.metrics == nil {
		return
	}

	outcome := "success"
	switch {
	case err != nil:
		outcome = "failure"
	case res.Baseline:
		outcome = "baseline"
	}
	p.metrics.PollsTotal.WithLabelValues(key, outcome).Inc()

	if res.Stale > 0 {
		p.metrics.EventsStale.WithLabelValues(key).Add(float64(res.Stale))
	}
	if res.Malformed > 0 {
		p.metrics.RecordsMalformed.WithLabelValues(key).Add(float64(res.Malformed))
	}
	if res.EmitFailed > 0 {
		p.metrics.EmitFailures.WithLabelValues(key).Add(float64(res.EmitFailed))
	}
}

// Statuses returns the last known state of every polled target
func (p *Poller) Statuses() []Status {
	return p.status.snapshot()
}

// Forget drops the status of a target that is no longer configured.
// Its cursor stays in the store.
func (p *Poller) Forget(target *Target) {
	p.status.forget(target.Key())
}
