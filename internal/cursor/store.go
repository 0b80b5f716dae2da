// Package cursor tracks the last-seen timestamp of every polled target.
package cursor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStoreClosed is returned by stores used after Close
var ErrStoreClosed = errors.New("cursor store is closed")

// Store persists one timestamp per target key
type Store interface {
	Get(ctx context.Context, key string) (time.Time, bool, error)
	Set(ctx context.Context, key string, t time.Time) error
	Close() error
	Name() string
}

// MemoryStore keeps cursors for the life of the process. A restart
// starts every target from a fresh baseline.
type MemoryStore struct {
	mu      sync.RWMutex
	cursors map[string]time.Time
	closed  bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]time.Time)}
}

// Get returns the cursor for key
func (s *MemoryStore) Get(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return time.Time{}, false, ErrStoreClosed
	}
	t, ok := s.cursors[key]
	return t, ok, nil
}

// Set stores the cursor for key
func (s *MemoryStore) Set(ctx context.Context, key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.cursors[key] = t.UTC()
	return nil
}

// Close marks the store closed
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Name returns the store name
func (s *MemoryStore) Name() string {
	return "memory"
}
