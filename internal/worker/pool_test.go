package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/metrics"
)

func TestNewWorkerPool_Defaults(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{})
	if len(pool.workers) != 4 {
		t.Errorf("expected 4 workers, got %d", len(pool.workers))
	}
	if cap(pool.jobQueue) != 100 {
		t.Errorf("expected queue capacity 100, got %d", cap(pool.jobQueue))
	}
	if pool.config.JobTimeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", pool.config.JobTimeout)
	}
}

func TestWorkerPool_Submit(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 2, QueueSize: 10, JobTimeout: time.Second})
	pool.Start()
	defer pool.Stop()

	var ran bool
	err := pool.Submit(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !ran {
		t.Error("job did not run before Submit returned")
	}
}

func TestWorkerPool_SubmitReturnsJobError(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 1})
	pool.Start()
	defer pool.Stop()

	want := errors.New("access denied")
	err := pool.Submit(context.Background(), func(ctx context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Errorf("Submit() error = %v, want %v", err, want)
	}

	m := pool.Metrics()
	if m.JobsProcessed != 1 || m.JobsFailed != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.SuccessRate() != 0 {
		t.Errorf("SuccessRate() = %v, want 0", m.SuccessRate())
	}
}

func TestWorkerPool_Timeout(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 1, JobTimeout: 50 * time.Millisecond})
	pool.Start()
	defer pool.Stop()

	err := pool.Submit(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrJobTimeout) {
		t.Errorf("Submit() error = %v, want ErrJobTimeout", err)
	}
	if pool.Metrics().JobsTimeout != 1 {
		t.Errorf("JobsTimeout = %d, want 1", pool.Metrics().JobsTimeout)
	}
}

func TestWorkerPool_TrySubmit(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 2, QueueSize: 20})
	pool.Start()
	defer pool.Stop()

	var wg sync.WaitGroup
	var done int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := pool.TrySubmit(func(ctx context.Context) error {
			return nil
		}, func(err error) {
			if err == nil {
				atomic.AddInt64(&done, 1)
			}
			wg.Done()
		})
		if err != nil {
			t.Fatalf("TrySubmit() error = %v", err)
		}
	}
	wg.Wait()

	if done != 10 {
		t.Errorf("expected 10 completions, got %d", done)
	}
}

func TestWorkerPool_TrySubmitQueueFull(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 1, QueueSize: 1})

	// not started: the first job fills the queue
	noop := func(ctx context.Context) error { return nil }
	if err := pool.TrySubmit(noop, nil); err != nil {
		t.Fatalf("TrySubmit() error = %v", err)
	}
	if err := pool.TrySubmit(noop, nil); !errors.Is(err, ErrQueueFull) {
		t.Errorf("TrySubmit() error = %v, want ErrQueueFull", err)
	}
	pool.Stop()
}

func TestWorkerPool_StopFailsQueuedJobs(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 1, QueueSize: 5})

	var got error
	done := make(chan struct{})
	pool.TrySubmit(func(ctx context.Context) error { return nil }, func(err error) {
		got = err
		close(done)
	})

	pool.Stop()
	<-done

	if !errors.Is(got, ErrPoolClosed) {
		t.Errorf("queued job result = %v, want ErrPoolClosed", got)
	}
	if err := pool.TrySubmit(func(ctx context.Context) error { return nil }, nil); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("TrySubmit() after Stop = %v, want ErrPoolClosed", err)
	}
	if err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil }); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit() after Stop = %v, want ErrPoolClosed", err)
	}
}

func TestWorkerPool_ConcurrentSubmit(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 4, QueueSize: 8})
	pool.Start()
	defer pool.Stop()

	var processed int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.Submit(context.Background(), func(ctx context.Context) error {
				atomic.AddInt64(&processed, 1)
				return nil
			})
			if err != nil {
				t.Errorf("Submit() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if processed != 50 {
		t.Errorf("expected 50 processed, got %d", processed)
	}
}

func TestWorkerPool_Collector(t *testing.T) {
	c := metrics.NewCollector()
	pool := NewWorkerPool(PoolConfig{Name: "polls", NumWorkers: 3})
	pool.SetCollector(c)
	pool.Start()

	pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	pool.Submit(context.Background(), func(ctx context.Context) error { return errors.New("x") })

	m := &dto.Metric{}
	c.WorkerPoolSize.WithLabelValues("polls").(prometheus.Gauge).Write(m)
	if m.Gauge.GetValue() != 3 {
		t.Errorf("pool size gauge = %v, want 3", m.Gauge.GetValue())
	}

	for status, want := range map[string]float64{"success": 1, "failure": 1} {
		m := &dto.Metric{}
		c.WorkerPoolJobs.WithLabelValues("polls", status).(prometheus.Counter).Write(m)
		if m.Counter.GetValue() != want {
			t.Errorf("jobs{%s} = %v, want %v", status, m.Counter.GetValue(), want)
		}
	}

	pool.Stop()
}
