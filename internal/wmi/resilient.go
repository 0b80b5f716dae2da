package wmi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/reliability"
	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// ResilientQuerier retries failed queries with backoff and keeps one
// circuit breaker per host.
type ResilientQuerier struct {
	next     Querier
	retry    reliability.RetryConfig
	breakers *reliability.HostBreakers
	logger   *logging.Logger
}

// NewResilientQuerier wraps next. A rejected query is never retried
// and does not count against the host's breaker.
func NewResilientQuerier(next Querier, retry reliability.RetryConfig, breaker reliability.CircuitBreakerConfig, logger *logging.Logger) *ResilientQuerier {
	if logger == nil {
		logger = logging.Global()
	}

	isSuccessful := breaker.IsSuccessful
	breaker.IsSuccessful = func(err error) bool {
		if errors.Is(err, ErrInvalidQuery) || errors.Is(err, context.Canceled) {
			return true
		}
		if isSuccessful != nil {
			return isSuccessful(err)
		}
		return err == nil
	}

	r := &ResilientQuerier{
		next:     next,
		breakers: reliability.NewHostBreakers(breaker),
		logger:   logger.WithComponent("wmi-resilient"),
	}

	onRetry := retry.OnRetry
	retry.OnRetry = func(attempt int, backoff time.Duration, err error) {
		r.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Str("querier", next.Name()).
			Msg("Retrying WMI query")
		if onRetry != nil {
			onRetry(attempt, backoff, err)
		}
	}
	r.retry = retry

	return r
}

// Query runs the request through the retry loop and the host's breaker
func (r *ResilientQuerier) Query(ctx context.Context, req Request) ([]types.RawRecord, error) {
	var records []types.RawRecord

	err := reliability.Retry(ctx, r.retry, func(ctx context.Context) error {
		return r.breakers.Execute(ctx, breakerKey(req.Conn), func() error {
			recs, err := r.next.Query(ctx, req)
			if err != nil {
				if errors.Is(err, ErrInvalidQuery) || errors.Is(err, ErrUnsupportedPlatform) {
					return reliability.Permanent(err)
				}
				return err
			}
			records = recs
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// Name returns the wrapped querier's name
func (r *ResilientQuerier) Name() string {
	return r.next.Name()
}

// PruneHosts forgets the breakers of hosts no longer queried by any of
// conns and returns the hosts dropped.
func (r *ResilientQuerier) PruneHosts(conns []ConnectionParams) []string {
	keep := make([]string, 0, len(conns))
	for _, c := range conns {
		keep = append(keep, breakerKey(c))
	}
	removed := r.breakers.Prune(keep)
	for _, host := range removed {
		r.logger.WithHost(host).Info().Msg("Dropped circuit breaker for removed host")
	}
	return removed
}

// BreakerStates reports the breaker state per host
func (r *ResilientQuerier) BreakerStates() map[string]reliability.State {
	return r.breakers.States()
}

func breakerKey(c ConnectionParams) string {
	if c.IsLocal() {
		return "localhost"
	}
	return strings.ToLower(c.Host)
}
