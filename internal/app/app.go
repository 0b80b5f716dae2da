// Package app assembles the poller and its supporting components from
// configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/config"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/cursor"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/dlq"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/health"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/metrics"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/output"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/poller"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/reliability"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/runner"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/server"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/tracing"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/wmi"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/worker"
)

// App holds every long-lived component of a running poller
type App struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *metrics.Collector
	Tracing *tracing.Provider
	Store   cursor.Store
	Querier *wmi.ResilientQuerier
	DLQ     *dlq.DeadLetterQueue
	Router  *output.Router
	Poller  *poller.Poller
	Pool    *worker.WorkerPool
	Runner  *runner.Runner
	Health  *health.Checker
	Server  *server.Server

	// steps release components in reverse order of creation
	steps []step
}

type step struct {
	name string
	fn   shutdown.ShutdownFunc
}

// Options adjust assembly for callers that need less than a daemon
type Options struct {
	// NoServer skips the HTTP server even when enabled in config
	NoServer bool

	// Querier replaces the configured query collaborator
	Querier wmi.Querier
}

// New builds every component. On error, whatever was already built is
// released.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts Options) (a *App, err error) {
	if logger == nil {
		logger = logging.Global()
	}
	a = &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewCollector(),
	}
	defer func() {
		if err != nil {
			a.Close(context.Background())
			a = nil
		}
	}()

	a.Metrics.Start()
	a.onClose("metrics", func(context.Context) error {
		a.Metrics.Stop()
		return nil
	})

	if err = a.buildTracing(ctx); err != nil {
		return a, err
	}
	if err = a.buildStore(ctx); err != nil {
		return a, err
	}
	if err = a.buildQuerier(opts.Querier); err != nil {
		return a, err
	}
	if err = a.buildDLQ(); err != nil {
		return a, err
	}
	if err = a.buildRouter(ctx); err != nil {
		return a, err
	}
	if err = a.buildPoller(); err != nil {
		return a, err
	}
	a.buildRunner()
	a.buildHealth()
	if !opts.NoServer {
		a.buildServer()
	}

	return a, nil
}

func (a *App) onClose(name string, fn shutdown.ShutdownFunc) {
	a.steps = append(a.steps, step{name: name, fn: fn})
}

func (a *App) buildTracing(ctx context.Context) error {
	tc := tracing.Config{Hostname: a.Config.InitConfig.Hostname}
	if t := a.Config.Tracing; t != nil {
		tc.Enabled = t.Enabled
		tc.Endpoint = t.Endpoint
		tc.SampleRate = t.SampleRate
		tc.Insecure = t.Insecure
	}

	provider, err := tracing.NewProvider(ctx, tc)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.Tracing = provider
	a.onClose("tracing", provider.Shutdown)
	return nil
}

func (a *App) buildStore(ctx context.Context) error {
	cc := a.Config.Cursor

	var store cursor.Store
	var err error
	switch cc.Store {
	case "file":
		store, err = cursor.NewFileStore(cc.Dir, cc.SaveInterval, a.Logger)
	case "redis":
		store, err = cursor.NewRedisStore(ctx, cursor.RedisConfig{
			Addr:     cc.Redis.Addr,
			Password: cc.Redis.Password,
			DB:       cc.Redis.DB,
			Prefix:   cc.Redis.Prefix,
		})
	default:
		store = cursor.NewMemoryStore()
	}
	if err != nil {
		return fmt.Errorf("failed to open %s cursor store: %w", cc.Store, err)
	}

	a.Store = store
	a.onClose("cursor-store", func(context.Context) error { return store.Close() })
	a.Logger.Info().Str("store", store.Name()).Msg("Cursor store ready")
	return nil
}

func (a *App) buildQuerier(override wmi.Querier) error {
	next := override
	if next == nil {
		var err error
		switch a.Config.Query.Querier {
		case "replay":
			next, err = wmi.NewReplayQuerier(a.Config.Query.ReplayPath, a.Logger)
		default:
			next, err = wmi.NewNativeQuerier(a.Logger)
		}
		if err != nil {
			return fmt.Errorf("failed to create %s querier: %w", a.Config.Query.Querier, err)
		}
	}

	rc := a.Config.Reliability.Retry
	cbc := a.Config.Reliability.CircuitBreaker
	threshold := cbc.FailureThreshold

	retry := reliability.RetryConfig{
		MaxRetries:     rc.MaxRetries,
		InitialBackoff: rc.InitialBackoff,
		MaxBackoff:     rc.MaxBackoff,
		Multiplier:     rc.Multiplier,
		Jitter:         rc.Jitter,
		OnRetry: func(int, time.Duration, error) {
			a.Metrics.QueryRetries.WithLabelValues(next.Name()).Inc()
		},
	}
	breaker := reliability.CircuitBreakerConfig{
		MaxRequests: cbc.MaxRequests,
		Interval:    cbc.Interval,
		Timeout:     cbc.Timeout,
		ReadyToTrip: func(c reliability.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to reliability.State) {
			a.Metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			a.Logger.Warn().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Query circuit breaker changed state")
		},
	}

	a.Querier = wmi.NewResilientQuerier(next, retry, breaker, a.Logger)
	return nil
}

func (a *App) buildDLQ() error {
	dc := a.Config.DeadLetter
	if dc == nil || !dc.Enabled {
		return nil
	}

	q, err := dlq.NewDeadLetterQueue(dlq.DLQConfig{
		Dir:           dc.Dir,
		MaxSize:       dc.MaxSize,
		MaxAge:        dc.MaxAge,
		FlushInterval: dc.FlushInterval,
		OnEnqueue: func(kind dlq.Kind) {
			a.Metrics.DLQEntriesWritten.WithLabelValues(string(kind)).Inc()
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open dead letter queue: %w", err)
	}

	a.DLQ = q
	a.onClose("dlq", func(context.Context) error { return q.Close() })
	return nil
}

func (a *App) buildRouter(ctx context.Context) error {
	outputs := make([]output.Output, 0, len(a.Config.Outputs))
	for i, oc := range a.Config.Outputs {
		out, err := output.New(ctx, oc)
		if err != nil {
			for _, o := range outputs {
				o.Close()
			}
			return fmt.Errorf("failed to create output %d (%s): %w", i, oc.Type, err)
		}
		outputs = append(outputs, out)
		a.Logger.Info().Str("output", out.Name()).Msg("Output initialized")
	}

	router, err := output.NewRouter(*a.Config.Router, outputs,
		output.WithCollector(a.Metrics),
		output.WithTracer(a.Tracing.Tracer()),
		output.WithRouterLogger(a.Logger),
	)
	if err != nil {
		for _, o := range outputs {
			o.Close()
		}
		return fmt.Errorf("failed to create output router: %w", err)
	}

	a.Router = router
	a.onClose("outputs", func(context.Context) error { return router.Close() })
	return nil
}

func (a *App) buildPoller() error {
	opts := []poller.Option{
		poller.WithMetrics(a.Metrics),
		poller.WithTracer(a.Tracing.Tracer()),
		poller.WithLogger(a.Logger),
	}
	if a.DLQ != nil {
		opts = append(opts, poller.WithDeadLetters(a.DLQ))
	}

	p, err := poller.New(a.Config.PollerConfig(), a.Querier, cursor.NewTracker(a.Store), a.Router, opts...)
	if err != nil {
		return fmt.Errorf("failed to create poller: %w", err)
	}
	a.Poller = p
	return nil
}

func (a *App) buildRunner() {
	wc := a.Config.WorkerPool
	a.Pool = worker.NewWorkerPool(worker.PoolConfig{
		Name:       "poll",
		NumWorkers: wc.NumWorkers,
		QueueSize:  wc.QueueSize,
		JobTimeout: wc.JobTimeout,
	})
	a.Pool.SetCollector(a.Metrics)
	a.Pool.Start()
	a.onClose("worker-pool", func(context.Context) error { return a.Pool.Stop() })

	a.Runner = runner.New(a.Poller, a.Pool, a.Config.InitConfig.MinCollectionInterval.Duration(),
		runner.WithLogger(a.Logger),
		runner.WithMetrics(a.Metrics),
	)
	a.Runner.SetTargets(a.Config.Targets())
	a.onClose("runner", a.Runner.Stop)
}
