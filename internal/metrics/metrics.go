package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "eventpoller"

// Collector provides a central place for all application metrics
type Collector struct {
	// Poll metrics
	PollsTotal      *prometheus.CounterVec
	PollDuration    *prometheus.HistogramVec
	PollsInFlight   prometheus.Gauge
	PollsSkipped    *prometheus.CounterVec
	CursorLag       *prometheus.GaugeVec
	QueryRetries    *prometheus.CounterVec
	RecordsReceived *prometheus.CounterVec

	// Event metrics
	EventsEmitted    *prometheus.CounterVec
	EventsStale      *prometheus.CounterVec
	RecordsMalformed *prometheus.CounterVec
	EmitFailures     *prometheus.CounterVec
	EmitRateLimited  *prometheus.CounterVec

	// Output metrics
	OutputEventsSent   *prometheus.CounterVec
	OutputEventsFailed *prometheus.CounterVec
	OutputBytesSent    *prometheus.CounterVec
	OutputDuration     *prometheus.HistogramVec
	OutputBatchSize    *prometheus.HistogramVec

	// Worker pool metrics
	WorkerPoolSize    *prometheus.GaugeVec
	WorkerPoolJobs    *prometheus.CounterVec
	WorkerJobDuration *prometheus.HistogramVec

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge
	SystemGCPauses   prometheus.Histogram

	// Dead letter queue metrics
	DLQEntriesWritten *prometheus.CounterVec
	DLQSize           prometheus.Gauge

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerConsecutive *prometheus.GaugeVec

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initPollMetrics()
	c.initEventMetrics()
	c.initOutputMetrics()
	c.initWorkerPoolMetrics()
	c.initSystemMetrics()
	c.initDLQMetrics()
	c.initCircuitBreakerMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initPollMetrics() {
	c.PollsTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "total",
			Help:      "Total number of polls by outcome (baseline, success, failure)",
		},
		[]string{"target", "outcome"},
	)

	c.PollDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "duration_seconds",
			Help:      "Time taken by one poll of one target",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"target"},
	)

	c.PollsInFlight = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "in_flight",
			Help:      "Number of polls currently running",
		},
	)

	c.PollsSkipped = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "skipped_total",
			Help:      "Ticks skipped because the previous poll of the target was still running",
		},
		[]string{"target"},
	)

	c.CursorLag = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "cursor_lag_seconds",
			Help:      "Seconds between now and the target's cursor at poll start",
		},
		[]string{"target"},
	)

	c.QueryRetries = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "retries_total",
			Help:      "Total number of retried WMI queries",
		},
		[]string{"querier"},
	)

	c.RecordsReceived = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "records_received_total",
			Help:      "Total number of raw records returned by queries",
		},
		[]string{"target"},
	)
}

func (c *Collector) initEventMetrics() {
	c.EventsEmitted = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Total number of events emitted",
		},
		[]string{"target", "alert_type"},
	)

	c.EventsStale = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "stale_total",
			Help:      "Total number of events dropped for preceding the cursor",
		},
		[]string{"target"},
	)

	c.RecordsMalformed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "malformed_total",
			Help:      "Total number of records that could not be normalized",
		},
		[]string{"target"},
	)

	c.EmitFailures = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emit_failures_total",
			Help:      "Total number of events the sink rejected",
		},
		[]string{"target"},
	)

	c.EmitRateLimited = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "rate_limited_total",
			Help:      "Total number of emissions delayed by the rate limiter",
		},
		[]string{"target"},
	)
}

func (c *Collector) initOutputMetrics() {
	c.OutputEventsSent = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "events_sent_total",
			Help:      "Total number of events successfully sent to output",
		},
		[]string{"output_name", "output_type"},
	)

	c.OutputEventsFailed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "events_failed_total",
			Help:      "Total number of events that failed to send",
		},
		[]string{"output_name", "output_type", "reason"},
	)

	c.OutputBytesSent = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to output",
		},
		[]string{"output_name", "output_type"},
	)

	c.OutputDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "duration_seconds",
			Help:      "Time taken to send events to output",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"output_name", "output_type"},
	)

	c.OutputBatchSize = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "batch_size",
			Help:      "Number of events in each batch sent to output",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1 to 4096
		},
		[]string{"output_name", "output_type"},
	)
}

func (c *Collector) initWorkerPoolMetrics() {
	c.WorkerPoolSize = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker_pool",
			Name:      "workers_total",
			Help:      "Current number of workers in the pool",
		},
		[]string{"pool_name"},
	)

	c.WorkerPoolJobs = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker_pool",
			Name:      "jobs_total",
			Help:      "Total number of jobs processed",
		},
		[]string{"pool_name", "status"},
	)

	c.WorkerJobDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker_pool",
			Name:      "job_duration_seconds",
			Help:      "Time taken to process a job",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"pool_name"},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_allocated_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	c.SystemGCPauses = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "GC pause duration",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
	)
}

func (c *Collector) initDLQMetrics() {
	c.DLQEntriesWritten = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "entries_written_total",
			Help:      "Total number of entries written to the dead letter queue",
		},
		[]string{"kind"},
	)

	c.DLQSize = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "entries",
			Help:      "Current number of entries in the dead letter queue",
		},
	)
}

func (c *Collector) initCircuitBreakerMetrics() {
	c.CircuitBreakerState = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	c.CircuitBreakerConsecutive = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "consecutive_failures",
			Help:      "Current number of consecutive failures",
		},
		[]string{"name"},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0.5=degraded, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		return
	}

	stopCh := make(chan struct{})
	c.stopCh = stopCh

	// Collect system metrics every 15 seconds
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		c.collectSystemMetrics()
		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))

	// Record GC pause time
	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Global metrics collector
var (
	globalCollector *Collector
	once            sync.Once
)

// GetGlobalCollector returns the global metrics collector
func GetGlobalCollector() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
		globalCollector.Start()
	})
	return globalCollector
}
