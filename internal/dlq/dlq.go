package dlq

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

var (
	ErrDLQClosed = errors.New("DLQ is closed")
	ErrDLQFull   = errors.New("DLQ is full")
)

// Kind classifies a dead letter entry
type Kind string

const (
	// KindMalformedRecord is a raw row that could not be normalized
	KindMalformedRecord Kind = "malformed_record"
	// KindUndeliverable is a payload every sink rejected
	KindUndeliverable Kind = "undeliverable"
)

// DLQConfig holds configuration for the Dead Letter Queue
type DLQConfig struct {
	Dir           string
	MaxSize       int64 // Maximum number of entries
	MaxAge        time.Duration
	FlushInterval time.Duration

	// OnEnqueue is called after an entry is accepted
	OnEnqueue func(kind Kind)
}

// DeadLetterQueue keeps records and payloads the poller could not
// handle so they can be inspected or re-sent.
type DeadLetterQueue struct {
	config DLQConfig

	mu      sync.RWMutex
	entries []*DLQEntry
	closed  bool
	closeCh chan struct{}

	// Metrics
	enqueued uint64
	dequeued uint64
	dropped  uint64
}

// DLQEntry is one dead letter
type DLQEntry struct {
	ID        string              `json:"id"`
	Kind      Kind                `json:"kind"`
	Target    string              `json:"target"`
	Record    types.RawRecord     `json:"record,omitempty"`
	Payload   *types.EventPayload `json:"payload,omitempty"`
	Error     string              `json:"error"`
	Timestamp time.Time           `json:"timestamp"`
	Retries   int                 `json:"retries"`
	Metadata  map[string]string   `json:"metadata,omitempty"`
}

// NewDeadLetterQueue creates a new dead letter queue
func NewDeadLetterQueue(config DLQConfig) (*DeadLetterQueue, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("DLQ directory is required")
	}

	if config.MaxSize == 0 {
		config.MaxSize = 10000
	}

	if config.MaxAge == 0 {
		config.MaxAge = 24 * time.Hour
	}

	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}

	dlq := &DeadLetterQueue{
		config:  config,
		entries: make([]*DLQEntry, 0),
		closeCh: make(chan struct{}),
	}

	if err := dlq.load(); err != nil {
		return nil, fmt.Errorf("failed to load DLQ: %w", err)
	}

	go dlq.flushLoop()
	go dlq.cleanupLoop()

	return dlq, nil
}

// EnqueueRecord stores a row that failed normalization
func (dlq *DeadLetterQueue) EnqueueRecord(target string, rec types.RawRecord, cause error) error {
	return dlq.Enqueue(&DLQEntry{
		Kind:   KindMalformedRecord,
		Target: target,
		Record: rec,
		Error:  errString(cause),
	})
}

// EnqueuePayload stores a payload the sinks rejected
func (dlq *DeadLetterQueue) EnqueuePayload(target string, payload *types.EventPayload, cause error) error {
	return dlq.Enqueue(&DLQEntry{
		Kind:    KindUndeliverable,
		Target:  target,
		Payload: payload,
		Error:   errString(cause),
	})
}

// Enqueue adds an entry, assigning its ID and timestamp when unset
func (dlq *DeadLetterQueue) Enqueue(entry *DLQEntry) error {
	dlq.mu.Lock()

	if dlq.closed {
		dlq.mu.Unlock()
		return ErrDLQClosed
	}

	if int64(len(dlq.entries)) >= dlq.config.MaxSize {
		atomic.AddUint64(&dlq.dropped, 1)
		dlq.mu.Unlock()
		return ErrDLQFull
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	dlq.entries = append(dlq.entries, entry)
	atomic.AddUint64(&dlq.enqueued, 1)
	dlq.mu.Unlock()

	if dlq.config.OnEnqueue != nil {
		dlq.config.OnEnqueue(entry.Kind)
	}
	return nil
}

// Dequeue removes and returns the oldest entry, or nil when empty
func (dlq *DeadLetterQueue) Dequeue() (*DLQEntry, error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return nil, ErrDLQClosed
	}

	if len(dlq.entries) == 0 {
		return nil, nil
	}

	entry := dlq.entries[0]
	dlq.entries = dlq.entries[1:]
	atomic.AddUint64(&dlq.dequeued, 1)

	return entry, nil
}

// GetAll returns a copy of all entries
func (dlq *DeadLetterQueue) GetAll() ([]*DLQEntry, error) {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	if dlq.closed {
		return nil, ErrDLQClosed
	}

	entries := make([]*DLQEntry, len(dlq.entries))
	copy(entries, dlq.entries)

	return entries, nil
}

// Size returns the number of entries in the DLQ
func (dlq *DeadLetterQueue) Size() int {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	return len(dlq.entries)
}

// Purge removes the entries of one kind, or every entry when kind is
// empty, and returns how many were removed
func (dlq *DeadLetterQueue) Purge(kind Kind) (int, error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return 0, ErrDLQClosed
	}

	kept := dlq.entries[:0:0]
	for _, e := range dlq.entries {
		if kind != "" && e.Kind != kind {
			kept = append(kept, e)
		}
	}
	removed := len(dlq.entries) - len(kept)
	dlq.entries = kept
	return removed, dlq.flush()
}

// Flush persists all entries to disk
func (dlq *DeadLetterQueue) Flush() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	return dlq.flush()
}

// Close closes the DLQ and flushes remaining entries
func (dlq *DeadLetterQueue) Close() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	dlq.closed = true
	close(dlq.closeCh)

	return dlq.flush()
}

// Retry increments the retry count for an entry and re-enqueues it
func (dlq *DeadLetterQueue) Retry(entry *DLQEntry, cause error) error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	entry.Retries++
	entry.Timestamp = time.Now().UTC()
	if cause != nil {
		entry.Error = cause.Error()
	}

	dlq.entries = append(dlq.entries, entry)
	return nil
}

// Metrics returns DLQ statistics
func (dlq *DeadLetterQueue) Metrics() DLQMetrics {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	return DLQMetrics{
		Enqueued:    atomic.LoadUint64(&dlq.enqueued),
		Dequeued:    atomic.LoadUint64(&dlq.dequeued),
		Dropped:     atomic.LoadUint64(&dlq.dropped),
		CurrentSize: len(dlq.entries),
		MaxSize:     dlq.config.MaxSize,
	}
}

// flush persists entries to disk (must be called with lock held)
func (dlq *DeadLetterQueue) flush() error {
	filename := filepath.Join(dlq.config.Dir, "dlq.jsonl")

	tempFile := filename + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	encoder := json.NewEncoder(file)
	for _, entry := range dlq.entries {
		if err := encoder.Encode(entry); err != nil {
			file.Close()
			os.Remove(tempFile)
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	file.Close()

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func (dlq *DeadLetterQueue) load() error {
	filename := filepath.Join(dlq.config.Dir, "dlq.jsonl")

	file, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open DLQ file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var entry DLQEntry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode entry: %w", err)
		}
		dlq.entries = append(dlq.entries, &entry)
	}

	return nil
}

func (dlq *DeadLetterQueue) flushLoop() {
	ticker := time.NewTicker(dlq.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dlq.mu.Lock()
			if !dlq.closed {
				_ = dlq.flush()
			}
			dlq.mu.Unlock()
		case <-dlq.closeCh:
			return
		}
	}
}

func (dlq *DeadLetterQueue) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dlq.cleanup()
		case <-dlq.closeCh:
			return
		}
	}
}

// cleanup removes entries older than MaxAge
func (dlq *DeadLetterQueue) cleanup() {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return
	}

	cutoff := time.Now().Add(-dlq.config.MaxAge)
	remaining := make([]*DLQEntry, 0, len(dlq.entries))

	for _, entry := range dlq.entries {
		if entry.Timestamp.After(cutoff) {
			remaining = append(remaining, entry)
		}
	}

	dlq.entries = remaining
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// DLQMetrics holds DLQ statistics
type DLQMetrics struct {
	Enqueued    uint64
	Dequeued    uint64
	Dropped     uint64
	CurrentSize int
	MaxSize     int64
}

// Utilization returns the DLQ utilization percentage (0-100)
func (m DLQMetrics) Utilization() float64 {
	if m.MaxSize == 0 {
		return 0
	}
	return (float64(m.CurrentSize) / float64(m.MaxSize)) * 100.0
}
