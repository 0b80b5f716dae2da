package output

import (
	"context"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// BatcherConfig configures the batching behavior
type BatcherConfig struct {
	MaxBatchSize  int
	MaxBatchBytes int
	FlushInterval time.Duration

	// OnError receives errors from background flushes, which have no
	// caller to return them to
	OnError func(err error, dropped int)
}

// Batcher accumulates payloads and flushes them in batches
type Batcher struct {
	config   BatcherConfig
	payloads []*types.EventPayload
	size     int
	mu       sync.Mutex
	flushFn  func(ctx context.Context, payloads []*types.EventPayload) error
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewBatcher creates a new batcher and starts its flush ticker
func NewBatcher(config BatcherConfig, flushFn func(ctx context.Context, payloads []*types.EventPayload) error) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}

	b := &Batcher{
		config:   config,
		payloads: make([]*types.EventPayload, 0, config.MaxBatchSize),
		flushFn:  flushFn,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go b.flushLoop()

	return b
}

// Add appends a payload, flushing when the batch is full
func (b *Batcher) Add(ctx context.Context, payload *types.EventPayload) error {
	b.mu.Lock()
	b.payloads = append(b.payloads, payload)
	b.size += payload.Size()

	full := len(b.payloads) >= b.config.MaxBatchSize ||
		(b.config.MaxBatchBytes > 0 && b.size >= b.config.MaxBatchBytes)
	if !full {
		b.mu.Unlock()
		return nil
	}

	batch := b.takeLocked()
	b.mu.Unlock()

	return b.flushFn(ctx, batch)
}

// Flush forces a flush of the current batch
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return b.flushFn(ctx, batch)
}

func (b *Batcher) takeLocked() []*types.EventPayload {
	if len(b.payloads) == 0 {
		return nil
	}
	batch := make([]*types.EventPayload, len(b.payloads))
	copy(batch, b.payloads)
	b.payloads = b.payloads[:0]
	b.size = 0
	return batch
}

func (b *Batcher) backgroundFlush() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := b.flushFn(context.Background(), batch); err != nil && b.config.OnError != nil {
		b.config.OnError(err, len(batch))
	}
}

func (b *Batcher) flushLoop() {
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()
	defer close(b.doneCh)

	for {
		select {
		case <-ticker.C:
			b.backgroundFlush()
		case <-b.stopCh:
			b.backgroundFlush()
			return
		}
	}
}

// Stop stops the ticker after a final flush. Safe to call twice.
func (b *Batcher) Stop() error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
	return nil
}

// Size returns the number of buffered payloads
func (b *Batcher) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads)
}
