package output

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

func testPayload(i int) *types.EventPayload {
	return &types.EventPayload{
		Timestamp:      1450944000 + int64(i),
		EventType:      types.EventType,
		MsgTitle:       "Application/MSSQLSERVER",
		MsgText:        fmt.Sprintf("event %d", i),
		AggregationKey: "MSSQLSERVER",
		AlertType:      "error",
		SourceTypeName: types.SourceTypeName,
		Host:           "agent-host",
		Tags:           []string{"env:test"},
	}
}

func TestBatcherFlushOnSize(t *testing.T) {
	var batches [][]*types.EventPayload
	var mu sync.Mutex

	b := NewBatcher(BatcherConfig{MaxBatchSize: 5, FlushInterval: 10 * time.Second},
		func(ctx context.Context, payloads []*types.EventPayload) error {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, payloads)
			return nil
		})
	defer b.Stop()

	for i := 0; i < 12; i++ {
		if err := b.Add(context.Background(), testPayload(i)); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	mu.Lock()
	if len(batches) != 2 {
		t.Fatalf("expected 2 full batches, got %d", len(batches))
	}
	for _, batch := range batches {
		if len(batch) != 5 {
			t.Errorf("expected batch size 5, got %d", len(batch))
		}
	}
	if batches[1][0].MsgText != "event 5" {
		t.Errorf("payload order lost: %q", batches[1][0].MsgText)
	}
	mu.Unlock()

	if b.Size() != 2 {
		t.Errorf("expected 2 buffered, got %d", b.Size())
	}
}

func TestBatcherFlushOnBytes(t *testing.T) {
	var flushed int64
	b := NewBatcher(BatcherConfig{MaxBatchSize: 1000, MaxBatchBytes: 1, FlushInterval: 10 * time.Second},
		func(ctx context.Context, payloads []*types.EventPayload) error {
			atomic.AddInt64(&flushed, int64(len(payloads)))
			return nil
		})
	defer b.Stop()

	if err := b.Add(context.Background(), testPayload(0)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if got := atomic.LoadInt64(&flushed); got != 1 {
		t.Errorf("expected immediate flush on byte limit, got %d", got)
	}
}

func TestBatcherFlushOnInterval(t *testing.T) {
	var flushed int64
	b := NewBatcher(BatcherConfig{MaxBatchSize: 100, FlushInterval: 50 * time.Millisecond},
		func(ctx context.Context, payloads []*types.EventPayload) error {
			atomic.AddInt64(&flushed, int64(len(payloads)))
			return nil
		})
	defer b.Stop()

	for i := 0; i < 3; i++ {
		b.Add(context.Background(), testPayload(i))
	}

	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt64(&flushed); got != 3 {
		t.Errorf("expected 3 payloads flushed, got %d", got)
	}
}

func TestBatcherStopFlushesRemainder(t *testing.T) {
	var flushed int64
	b := NewBatcher(BatcherConfig{MaxBatchSize: 100, FlushInterval: 10 * time.Second},
		func(ctx context.Context, payloads []*types.EventPayload) error {
			atomic.AddInt64(&flushed, int64(len(payloads)))
			return nil
		})

	for i := 0; i < 7; i++ {
		b.Add(context.Background(), testPayload(i))
	}
	if b.Size() != 7 {
		t.Errorf("expected size 7, got %d", b.Size())
	}

	b.Stop()
	b.Stop()

	if got := atomic.LoadInt64(&flushed); got != 7 {
		t.Errorf("expected 7 payloads flushed on stop, got %d", got)
	}
}

func TestBatcherReportsBackgroundErrors(t *testing.T) {
	var dropped int64
	b := NewBatcher(BatcherConfig{
		MaxBatchSize:  100,
		FlushInterval: 10 * time.Second,
		OnError: func(err error, n int) {
			atomic.AddInt64(&dropped, int64(n))
		},
	}, func(ctx context.Context, payloads []*types.EventPayload) error {
		return errors.New("broker unavailable")
	})

	b.Add(context.Background(), testPayload(0))
	b.Add(context.Background(), testPayload(1))
	b.Stop()

	if got := atomic.LoadInt64(&dropped); got != 2 {
		t.Errorf("OnError saw %d payloads, want 2", got)
	}
}

func TestBatcherManualFlushReturnsError(t *testing.T) {
	b := NewBatcher(BatcherConfig{MaxBatchSize: 100, FlushInterval: 10 * time.Second},
		func(ctx context.Context, payloads []*types.EventPayload) error {
			return errors.New("boom")
		})
	defer b.Stop()

	if err := b.Flush(context.Background()); err != nil {
		t.Errorf("empty flush should not call flushFn, got %v", err)
	}

	b.Add(context.Background(), testPayload(0))
	if err := b.Flush(context.Background()); err == nil {
		t.Error("expected flush error")
	}
}
