package reliability

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	Name string
	// MaxRequests is the number of calls allowed while half-open, and
	// the number of successes needed to close again.
	MaxRequests uint32
	// Interval clears the closed-state counts periodically. Zero keeps them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before letting calls through again.
	Timeout       time.Duration
	ReadyToTrip   func(counts Counts) bool
	OnStateChange func(name string, from State, to State)
	IsSuccessful  func(err error) bool

	now func() time.Time
}

// Counts holds the circuit breaker statistics for the current window
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker stops calls to a host after repeated failures and
// lets a few trial calls through once Timeout has passed.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu     sync.Mutex
	state  State
	counts Counts
	since  time.Time // start of the current state or counting window
	window uint64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	if cfg.IsSuccessful == nil {
		cfg.IsSuccessful = func(err error) bool { return err == nil }
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	return &CircuitBreaker{cfg: cfg, since: cfg.now()}
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Execute runs fn unless the breaker rejects the call
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	window, err := cb.admit()
	if err != nil {
		return err
	}

	ok := false
	defer func() { cb.record(window, ok) }()

	err = fn()
	ok = cb.cfg.IsSuccessful(err)
	return err
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.cfg.now())
	return cb.state
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.cfg.now())
	switch {
	case cb.state == StateOpen:
		return 0, ErrCircuitOpen
	case cb.state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests:
		return 0, ErrTooManyRequests
	}
	cb.counts.Requests++
	return cb.window, nil
}

// record drops results that belong to an earlier window
func (cb *CircuitBreaker) record(window uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.now()
	cb.advance(now)
	if window != cb.window {
		return
	}

	if ok {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	if cb.state == StateHalfOpen || cb.cfg.ReadyToTrip(cb.counts) {
		cb.transition(StateOpen, now)
	}
}

// advance applies time-driven changes. mu must be held.
func (cb *CircuitBreaker) advance(now time.Time) {
	elapsed := now.Sub(cb.since)
	switch cb.state {
	case StateOpen:
		if elapsed >= cb.cfg.Timeout {
			cb.transition(StateHalfOpen, now)
		}
	case StateClosed:
		if cb.cfg.Interval > 0 && elapsed >= cb.cfg.Interval {
			cb.reset(now)
		}
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	cb.state = to
	cb.reset(now)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

func (cb *CircuitBreaker) reset(now time.Time) {
	cb.counts = Counts{}
	cb.since = now
	cb.window++
}

// HostBreakers keeps one circuit breaker per host, so one unreachable
// machine does not stop queries against the others.
type HostBreakers struct {
	cfg CircuitBreakerConfig

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewHostBreakers creates an empty set. Every breaker it creates uses
// cfg with Name set to its host.
func NewHostBreakers(cfg CircuitBreakerConfig) *HostBreakers {
	return &HostBreakers{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for host, creating it on first use
func (h *HostBreakers) Get(host string) *CircuitBreaker {
	h.mu.RLock()
	cb, ok := h.breakers[host]
	h.mu.RUnlock()
	if ok {
		return cb
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok = h.breakers[host]; ok {
		return cb
	}
	cfg := h.cfg
	cfg.Name = host
	cb = NewCircuitBreaker(cfg)
	h.breakers[host] = cb
	return cb
}

// Execute runs fn through the breaker for host
func (h *HostBreakers) Execute(ctx context.Context, host string, fn func() error) error {
	return h.Get(host).Execute(ctx, fn)
}

// Prune drops the breakers of hosts not in keep and returns them sorted
func (h *HostBreakers) Prune(keep []string) []string {
	wanted := make(map[string]struct{}, len(keep))
	for _, host := range keep {
		wanted[host] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var removed []string
	for host := range h.breakers {
		if _, ok := wanted[host]; !ok {
			delete(h.breakers, host)
			removed = append(removed, host)
		}
	}
	sort.Strings(removed)
	return removed
}

// States returns the state of every known host's breaker
func (h *HostBreakers) States() map[string]State {
	h.mu.RLock()
	defer h.mu.RUnlock()

	states := make(map[string]State, len(h.breakers))
	for host, cb := range h.breakers {
		states[host] = cb.State()
	}
	return states
}
