package poller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/health"
)

// Status is the last known state of a target
type Status struct {
	Key                 string    `json:"key"`
	Host                string    `json:"host"`
	LastPoll            time.Time `json:"last_poll"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastResult          Result    `json:"last_result"`
}

type statusBook struct {
	mu       sync.RWMutex
	statuses map[string]*Status
}

func newStatusBook() *statusBook {
	return &statusBook{statuses: make(map[string]*Status)}
}

func (b *statusBook) record(key, host string, at time.Time, res Result, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.statuses[key]
	if !ok {
		s = &Status{Key: key, Host: host}
		b.statuses[key] = s
	}

	s.LastPoll = at
	s.LastResult = res
	if err != nil {
		s.ConsecutiveFailures++
		s.LastError = err.Error()
		return
	}
	s.LastSuccess = at
	s.ConsecutiveFailures = 0
	s.LastError = ""
}

func (b *statusBook) forget(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.statuses, key)
}

func (b *statusBook) snapshot() []Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Status, 0, len(b.statuses))
	for _, s := range b.statuses {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// HealthCheck reports unhealthy when every polled target is failing and
// degraded when some are. A target counts as failing after
// maxFailures consecutive failed polls.
func (p *Poller) HealthCheck(maxFailures int) health.HealthCheck {
	if maxFailures <= 0 {
		maxFailures = 3
	}

	return func(ctx context.Context) health.ComponentHealth {
		statuses := p.Statuses()

		failing := 0
		meta := make(map[string]interface{}, len(statuses))
		for _, s := range statuses {
			if s.ConsecutiveFailures >= maxFailures {
				failing++
				meta[s.Key] = s.LastError
			}
		}

		switch {
		case len(statuses) == 0:
			return health.ComponentHealth{Status: health.StatusHealthy, Message: "no polls yet"}
		case failing == 0:
			return health.ComponentHealth{
				Status:  health.StatusHealthy,
				Message: fmt.Sprintf("%d targets polling", len(statuses)),
			}
		case failing == len(statuses):
			return health.ComponentHealth{
				Status:   health.StatusUnhealthy,
				Message:  "all targets failing",
				Metadata: meta,
			}
		default:
			return health.ComponentHealth{
				Status:   health.StatusDegraded,
				Message:  fmt.Sprintf("%d of %d targets failing", failing, len(statuses)),
				Metadata: meta,
			}
		}
	}
}
