// Package shutdown coordinates graceful process shutdown.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
)

// Manager runs registered cleanup steps once, in reverse registration
// order, so that components stop before the things they depend on
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration

	mu    sync.Mutex
	steps []step

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	done         chan struct{}
	err          error
}

type step struct {
	name string
	fn   ShutdownFunc
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  cfg.Logger.WithComponent("shutdown"),
		timeout: cfg.Timeout,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// RegisterFunc registers a named cleanup step
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("step", name).Msg("Registered shutdown step")
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Component represents a component that can be gracefully shut down
type Component interface {
	Stop(context.Context) error
	Name() string
}

// RegisterComponent registers a component for graceful shutdown
func (m *Manager) RegisterComponent(component Component) {
	m.RegisterFunc(component.Name(), component.Stop)
}

// Context is cancelled when shutdown begins. Long-running loops
// should select on it.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// WaitForSignal blocks until a signal arrives or Shutdown is called
// elsewhere, then shuts down
func (m *Manager) WaitForSignal(signals ...os.Signal) error {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-m.ctx.Done():
	}

	return m.Shutdown()
}

// Shutdown runs every step once and returns their joined errors. Later
// calls wait for the first to finish and return the same result.
func (m *Manager) Shutdown() error {
	m.shutdownOnce.Do(func() {
		m.cancel()
		m.err = m.run()
		close(m.done)
	})
	<-m.done
	return m.err
}

func (m *Manager) run() error {
	m.mu.Lock()
	steps := append([]step(nil), m.steps...)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("steps", len(steps)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: skipped: %w", s.name, ctx.Err()))
			continue
		}

		start := time.Now()
		if err := s.fn(ctx); err != nil {
			m.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		m.logger.Debug().
			Str("step", s.name).
			Dur("took", time.Since(start)).
			Msg("Shutdown step completed")
	}

	err := errors.Join(errs...)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		m.logger.Warn().Dur("timeout", m.timeout).Msg("Graceful shutdown timed out")
	case err != nil:
		m.logger.Warn().Int("errors", len(errs)).Msg("Graceful shutdown completed with errors")
	default:
		m.logger.Info().Msg("Graceful shutdown completed")
	}
	return err
}

// Done is closed when shutdown has finished
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// HandlePanic recovers from a panic, shuts down, and re-panics
func (m *Manager) HandlePanic() {
	if r := recover(); r != nil {
		m.logger.Error().Interface("panic", r).Msg("Panic recovered, initiating shutdown")
		m.Shutdown()
		panic(r)
	}
}
