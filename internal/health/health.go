package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheck represents a health check function
type HealthCheck func(ctx context.Context) ComponentHealth

// Checker manages health checks for all components
type Checker struct {
	mu         sync.RWMutex
	components map[string]HealthCheck
	timeout    time.Duration
	observer   func(name string, result ComponentHealth)
}

// NewChecker creates a new health checker
func NewChecker(timeout time.Duration) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Checker{
		components: make(map[string]HealthCheck),
		timeout:    timeout,
	}
}

// Register registers a health check for a component
func (c *Checker) Register(name string, check HealthCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = check
}

// SetObserver installs a callback invoked after every component check,
// e.g. to export the result as a metric
func (c *Checker) SetObserver(fn func(name string, result ComponentHealth)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

// Check runs all health checks and returns the overall status
func (c *Checker) Check(ctx context.Context) map[string]ComponentHealth {
	c.mu.RLock()
	components := make(map[string]HealthCheck)
	for k, v := range c.components {
		components[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(components))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for name, check := range components {
		wg.Add(1)
		go func(n string, chk HealthCheck) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			result := chk(checkCtx)
			result.LastChecked = time.Now()

			c.record(n, result)

			resultsMu.Lock()
			results[n] = result
			resultsMu.Unlock()
		}(name, check)
	}

	wg.Wait()
	return results
}

// CheckComponent runs a single component's health check
func (c *Checker) CheckComponent(ctx context.Context, name string) (ComponentHealth, bool) {
	c.mu.RLock()
	check, exists := c.components[name]
	c.mu.RUnlock()

	if !exists {
		return ComponentHealth{}, false
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := check(checkCtx)
	result.LastChecked = time.Now()
	c.record(name, result)

	return result, true
}

func (c *Checker) record(name string, result ComponentHealth) {
	c.mu.RLock()
	observer := c.observer
	c.mu.RUnlock()

	if observer != nil {
		observer(name, result)
	}
}

// OverallStatus returns the overall health status
func (c *Checker) OverallStatus(ctx context.Context) Status {
	return Aggregate(c.Check(ctx))
}

// Aggregate folds component results into one status: any unhealthy
// component makes the whole unhealthy, any degraded one degrades it
func Aggregate(results map[string]ComponentHealth) Status {
	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// HealthResponse represents the HTTP response for health checks
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HTTPHandler returns an HTTP handler for health checks
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		results := c.Check(ctx)
		overall := Aggregate(results)

		response := HealthResponse{
			Status:     overall,
			Components: results,
			Timestamp:  time.Now(),
		}

		// degraded still serves 200
		statusCode := http.StatusOK
		if overall == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(response)
	}
}

// LivenessHandler returns a simple liveness probe handler
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns a readiness probe handler
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		status := c.OverallStatus(ctx)

		response := map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
		}

		statusCode := http.StatusOK
		if status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(response)
	}
}

// ComponentHandler serves a single component's check. The component
// name is read from the {name} path wildcard.
func (c *Checker) ComponentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		result, ok := c.CheckComponent(r.Context(), name)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown component %q", name), http.StatusNotFound)
			return
		}

		statusCode := http.StatusOK
		if result.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(result)
	}
}

// BreakerCheck reports degraded while any circuit breaker is open and
// unhealthy when all of them are. states maps breaker name to state.
func BreakerCheck(states func() map[string]string) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		all := states()
		open := make(map[string]interface{})
		for name, state := range all {
			if state != "closed" {
				open[name] = state
			}
		}

		switch {
		case len(open) == 0:
			return ComponentHealth{Status: StatusHealthy, Message: "all circuits closed"}
		case len(open) == len(all):
			return ComponentHealth{Status: StatusUnhealthy, Message: "all circuits open", Metadata: open}
		default:
			return ComponentHealth{Status: StatusDegraded, Message: "some circuits open", Metadata: open}
		}
	}
}

// ThresholdCheck reports degraded once value reaches degraded and
// unhealthy once it reaches unhealthy
func ThresholdCheck(value func() float64, degraded, unhealthy float64) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		v := value()
		meta := map[string]interface{}{"value": v}
		switch {
		case v >= unhealthy:
			return ComponentHealth{Status: StatusUnhealthy, Message: "threshold exceeded", Metadata: meta}
		case v >= degraded:
			return ComponentHealth{Status: StatusDegraded, Message: "approaching threshold", Metadata: meta}
		default:
			return ComponentHealth{Status: StatusHealthy, Metadata: meta}
		}
	}
}

// PingCheck wraps a connectivity probe such as a cursor store ping
func PingCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}
