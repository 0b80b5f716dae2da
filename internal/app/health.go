package app

import (
	"context"
	"time"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/health"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/server"
)

// healthKey is read from the cursor store to check that it answers
const healthKey = "eventpoller:health-probe"

func (a *App) buildHealth() {
	timeout := 5 * time.Second
	maxFailures := 0
	if hc := a.Config.Health; hc != nil {
		timeout = hc.Timeout
		maxFailures = hc.MaxConsecutiveFailures
	}

	checker := health.NewChecker(timeout)
	checker.SetObserver(func(name string, result health.ComponentHealth) {
		a.Metrics.HealthStatus.WithLabelValues(name).Set(statusValue(result.Status))
	})

	checker.Register("poller", a.Poller.HealthCheck(maxFailures))
	checker.Register("query", health.BreakerCheck(func() map[string]string {
		states := a.Querier.BreakerStates()
		out := make(map[string]string, len(states))
		for host, s := range states {
			out[host] = s.String()
		}
		return out
	}))
	checker.Register("cursor_store", health.PingCheck(func(ctx context.Context) error {
		_, _, err := a.Store.Get(ctx, healthKey)
		return err
	}))
	if a.DLQ != nil {
		checker.Register("dlq", health.ThresholdCheck(func() float64 {
			m := a.DLQ.Metrics()
			a.Metrics.DLQSize.Set(float64(m.CurrentSize))
			return m.Utilization()
		}, 80, 95))
	}

	a.Health = checker
}

func statusValue(s health.Status) float64 {
	switch s {
	case health.StatusHealthy:
		return 1
	case health.StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

func (a *App) buildServer() {
	mc, hc := a.Config.Metrics, a.Config.Health
	sc := server.Config{
		MetricsRegistry: a.Metrics.Registry(),
		HealthChecker:   a.Health,
		Status:          func() any { return a.Poller.Statuses() },
		Logger:          a.Logger,
	}
	if mc != nil && mc.Enabled {
		sc.MetricsAddress = mc.Address
		sc.MetricsPath = mc.Path
	}
	if hc != nil && hc.Enabled {
		sc.HealthAddress = hc.Address
		sc.LivenessPath = hc.LivenessPath
		sc.ReadinessPath = hc.ReadinessPath
	}
	if sc.MetricsAddress == "" && sc.HealthAddress == "" {
		return
	}
	a.Server = server.New(sc)
}
