// Package runner schedules polls of every configured target on a fixed
// interval.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/metrics"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/poller"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/worker"
)

// Poller polls one target
type Poller interface {
	Poll(ctx context.Context, target *poller.Target) (poller.Result, error)
	Forget(target *poller.Target)
}

// Submitter runs jobs in the background
type Submitter interface {
	TrySubmit(fn worker.Job, onDone func(error)) error
}

// Runner dispatches one poll per target per tick. A target whose
// previous poll has not finished is skipped for that tick.
type Runner struct {
	poller    Poller
	pool      Submitter
	interval  time.Duration
	logger    *logging.Logger
	collector *metrics.Collector

	mu       sync.Mutex
	targets  map[string]*poller.Target
	order    []string
	inflight map[string]bool
	wg       sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Runner
type Option func(*Runner)

// WithLogger sets the runner logger
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics records skipped ticks in c
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) { r.collector = c }
}

// New creates a runner ticking every interval
func New(p Poller, pool Submitter, interval time.Duration, opts ...Option) *Runner {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	r := &Runner{
		poller:   p,
		pool:     pool,
		interval: interval,
		logger:   logging.Global(),
		targets:  make(map[string]*poller.Target),
		inflight: make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("runner")
	return r
}

// SetTargets replaces the target set. Targets no longer present are
// forgotten by the poller; their persisted cursors are kept.
func (r *Runner) SetTargets(targets []*poller.Target) {
	next := make(map[string]*poller.Target, len(targets))
	order := make([]string, 0, len(targets))
	for _, t := range targets {
		key := t.Key()
		if _, dup := next[key]; dup {
			r.logger.Warn().Str(logging.FieldTarget, key).Msg("Duplicate target ignored")
			continue
		}
		next[key] = t
		order = append(order, key)
	}

	r.mu.Lock()
	var removed []*poller.Target
	for key, t := range r.targets {
		if _, ok := next[key]; !ok {
			removed = append(removed, t)
		}
	}
	r.targets = next
	r.order = order
	r.mu.Unlock()

	for _, t := range removed {
		r.poller.Forget(t)
		r.logger.Info().Str(logging.FieldTarget, t.Key()).Msg("Target removed")
	}
	r.logger.Info().Int("targets", len(order)).Msg("Targets updated")
}

// Targets returns the current target keys in configuration order
func (r *Runner) Targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Run ticks until ctx is cancelled or Stop is called. The first tick
// happens immediately.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("Runner started")
	r.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick dispatches a poll for every target that is not already running
// and returns the number dispatched.
func (r *Runner) Tick(ctx context.Context) int {
	r.mu.Lock()
	targets := make([]*poller.Target, 0, len(r.order))
	for _, key := range r.order {
		targets = append(targets, r.targets[key])
	}
	r.mu.Unlock()

	dispatched := 0
	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		if r.dispatch(t) {
			dispatched++
		}
	}
	return dispatched
}

func (r *Runner) dispatch(t *poller.Target) bool {
	key := t.Key()

	r.mu.Lock()
	if r.inflight[key] {
		r.mu.Unlock()
		r.logger.Debug().Str(logging.FieldTarget, key).Msg("Previous poll still running, skipping tick")
		if r.collector != nil {
			r.collector.PollsSkipped.WithLabelValues(key).Inc()
		}
		return false
	}
	r.inflight[key] = true
	r.wg.Add(1)
	r.mu.Unlock()

	job := func(ctx context.Context) error {
		_, err := r.poller.Poll(ctx, t)
		return err
	}
	done := func(err error) {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
		r.wg.Done()

		if errors.Is(err, worker.ErrPoolClosed) {
			r.logger.Debug().Str(logging.FieldTarget, key).Msg("Poll cancelled by pool shutdown")
		}
	}

	if err := r.pool.TrySubmit(job, done); err != nil {
		r.logger.Warn().Err(err).Str(logging.FieldTarget, key).Msg("Failed to dispatch poll")
		done(nil)
		return false
	}
	return true
}

// Stop ends the tick loop and waits for dispatched polls to finish or
// ctx to expire.
func (r *Runner) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })

	waited := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns
func (r *Runner) Done() <-chan struct{} {
	return r.doneCh
}

// Name identifies the runner for shutdown logging
func (r *Runner) Name() string {
	return "runner"
}
