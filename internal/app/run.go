package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/config"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/wmi"
)

// Start brings up the HTTP server, if any, and registers every
// component with m so that shutdown releases them in reverse order
func (a *App) Start(m *shutdown.Manager) error {
	if a.Server != nil {
		if err := a.Server.Start(); err != nil {
			return fmt.Errorf("failed to start http server: %w", err)
		}
		a.onClose("http-server", a.Server.Stop)
	}

	for _, s := range a.steps {
		m.RegisterFunc(s.name, s.fn)
	}
	a.steps = nil
	return nil
}

// Run polls until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	a.Logger.Info().
		Int("targets", len(a.Config.Instances)).
		Dur("interval", a.Config.InitConfig.MinCollectionInterval.Duration()).
		Msg("Polling started")

	err := a.Runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Reload applies a new target set. Other settings need a restart.
func (a *App) Reload(cfg *config.Config) {
	targets := cfg.Targets()
	a.Runner.SetTargets(targets)

	conns := make([]wmi.ConnectionParams, len(targets))
	for i, t := range targets {
		conns[i] = t.Conn()
	}
	for _, host := range a.Querier.PruneHosts(conns) {
		a.Metrics.CircuitBreakerState.DeleteLabelValues(host)
	}
}

// Close releases everything New created, newest first. Used when the
// app was never handed to a shutdown manager.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.steps) - 1; i >= 0; i-- {
		if err := a.steps[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.steps[i].name, err))
		}
	}
	a.steps = nil
	return errors.Join(errs...)
}
