// Package worker runs jobs on a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/metrics"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrQueueFull  = errors.New("job queue full")
	ErrJobTimeout = errors.New("job execution timeout")
)

// Job is a unit of work. The context carries the pool's job timeout.
type Job func(ctx context.Context) error

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	Name       string
	NumWorkers int
	QueueSize  int
	JobTimeout time.Duration
}

// WorkerPool is a fixed pool of workers fed from one queue
type WorkerPool struct {
	config   PoolConfig
	jobQueue chan *job
	workers  []*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	collector *metrics.Collector

	jobsProcessed uint64
	jobsFailed    uint64
	jobsTimeout   uint64
	workersActive int64
}

type worker struct {
	id   int
	pool *WorkerPool

	jobsProcessed uint64
	jobsFailed    uint64
	mu            sync.RWMutex
	lastActive    time.Time
}

type job struct {
	fn       Job
	resultCh chan error
	onDone   func(error)
}

// NewWorkerPool creates a pool. Call Start before submitting.
func NewWorkerPool(config PoolConfig) *WorkerPool {
	if config.Name == "" {
		config.Name = "default"
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &WorkerPool{
		config:   config,
		jobQueue: make(chan *job, config.QueueSize),
		workers:  make([]*worker, config.NumWorkers),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := range p.workers {
		p.workers[i] = &worker{id: i, pool: p}
	}
	return p
}

// SetCollector records pool metrics in c
func (p *WorkerPool) SetCollector(c *metrics.Collector) {
	p.collector = c
}

// Start starts all workers
func (p *WorkerPool) Start() {
	if p.collector != nil {
		p.collector.WorkerPoolSize.WithLabelValues(p.config.Name).Set(float64(len(p.workers)))
	}
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
}

// Submit queues fn and waits for its result
func (p *WorkerPool) Submit(ctx context.Context, fn Job) error {
	if p.ctx.Err() != nil {
		return ErrPoolClosed
	}

	j := &job{fn: fn, resultCh: make(chan error, 1)}

	select {
	case p.jobQueue <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}

	select {
	case err := <-j.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		// the job may still report; prefer its result when it does
		select {
		case err := <-j.resultCh:
			return err
		case <-time.After(100 * time.Millisecond):
			return ErrPoolClosed
		}
	}
}

// TrySubmit queues fn without blocking. onDone, if set, receives the
// job's result on the worker goroutine.
func (p *WorkerPool) TrySubmit(fn Job, onDone func(error)) error {
	if p.ctx.Err() != nil {
		return ErrPoolClosed
	}

	select {
	case p.jobQueue <- &job{fn: fn, onDone: onDone}:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	default:
		return ErrQueueFull
	}
}

// Stop cancels running jobs and waits for workers to exit. Queued jobs
// that were not started are completed with ErrPoolClosed.
func (p *WorkerPool) Stop() error {
	p.cancel()
	p.wg.Wait()

	for {
		select {
		case j := <-p.jobQueue:
			j.finish(ErrPoolClosed)
		default:
			if p.collector != nil {
				p.collector.WorkerPoolSize.WithLabelValues(p.config.Name).Set(0)
			}
			return nil
		}
	}
}

// Metrics returns worker pool statistics
func (p *WorkerPool) Metrics() PoolMetrics {
	workerMetrics := make([]WorkerMetrics, len(p.workers))
	for i, w := range p.workers {
		workerMetrics[i] = w.metrics()
	}

	return PoolMetrics{
		NumWorkers:    len(p.workers),
		JobsProcessed: atomic.LoadUint64(&p.jobsProcessed),
		JobsFailed:    atomic.LoadUint64(&p.jobsFailed),
		JobsTimeout:   atomic.LoadUint64(&p.jobsTimeout),
		WorkersActive: atomic.LoadInt64(&p.workersActive),
		QueueSize:     len(p.jobQueue),
		QueueCapacity: cap(p.jobQueue),
		WorkerMetrics: workerMetrics,
	}
}

func (w *worker) run() {
	defer w.pool.wg.Done()

	for {
		select {
		case <-w.pool.ctx.Done():
			return
		case j := <-w.pool.jobQueue:
			w.process(j)
		}
	}
}

func (w *worker) process(j *job) {
	p := w.pool
	atomic.AddInt64(&p.workersActive, 1)
	defer atomic.AddInt64(&p.workersActive, -1)

	w.mu.Lock()
	w.lastActive = time.Now()
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, p.config.JobTimeout)
	defer cancel()

	start := time.Now()
	err := j.fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		atomic.AddUint64(&p.jobsTimeout, 1)
		err = errors.Join(ErrJobTimeout, err)
	}

	atomic.AddUint64(&w.jobsProcessed, 1)
	atomic.AddUint64(&p.jobsProcessed, 1)
	status := "success"
	if err != nil {
		status = "failure"
		atomic.AddUint64(&w.jobsFailed, 1)
		atomic.AddUint64(&p.jobsFailed, 1)
	}

	if p.collector != nil {
		p.collector.WorkerPoolJobs.WithLabelValues(p.config.Name, status).Inc()
		p.collector.WorkerJobDuration.WithLabelValues(p.config.Name).Observe(time.Since(start).Seconds())
	}

	j.finish(err)
}

func (j *job) finish(err error) {
	if j.resultCh != nil {
		j.resultCh <- err
	}
	if j.onDone != nil {
		j.onDone(err)
	}
}

func (w *worker) metrics() WorkerMetrics {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return WorkerMetrics{
		ID:            w.id,
		JobsProcessed: atomic.LoadUint64(&w.jobsProcessed),
		JobsFailed:    atomic.LoadUint64(&w.jobsFailed),
		LastActive:    w.lastActive,
	}
}

// PoolMetrics holds worker pool statistics
type PoolMetrics struct {
	NumWorkers    int
	JobsProcessed uint64
	JobsFailed    uint64
	JobsTimeout   uint64
	WorkersActive int64
	QueueSize     int
	QueueCapacity int
	WorkerMetrics []WorkerMetrics
}

// WorkerMetrics holds individual worker statistics
type WorkerMetrics struct {
	ID            int
	JobsProcessed uint64
	JobsFailed    uint64
	LastActive    time.Time
}

// Utilization returns the queue utilization percentage (0-100)
func (m PoolMetrics) Utilization() float64 {
	if m.QueueCapacity == 0 {
		return 0
	}
	return (float64(m.QueueSize) / float64(m.QueueCapacity)) * 100.0
}

// SuccessRate returns the job success rate percentage (0-100)
func (m PoolMetrics) SuccessRate() float64 {
	total := m.JobsProcessed
	if total == 0 {
		return 100.0
	}
	return (float64(total-m.JobsFailed) / float64(total)) * 100.0
}
