package cursor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Tracker implements the poll cursor contract on top of a Store
type Tracker struct {
	store Store

	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock lives in the map only while held or awaited
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewTracker creates a tracker over store
func NewTracker(store Store) *Tracker {
	return &Tracker{
		store: store,
		locks: make(map[string]*keyLock),
	}
}

// Store returns the underlying store
func (t *Tracker) Store() Store {
	return t.store
}

// Lock serializes work on one key. Different keys never block each other.
func (t *Tracker) Lock(key string) (unlock func()) {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}

// GetOrInit returns the cursor for key. An unseen key is initialized
// to now and reported with first set; the caller emits nothing on that
// poll.
func (t *Tracker) GetOrInit(ctx context.Context, key string, now time.Time) (lastSeen time.Time, first bool, err error) {
	lastSeen, ok, err := t.store.Get(ctx, key)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get cursor %s: %w", key, err)
	}
	if ok {
		return lastSeen, false, nil
	}

	now = now.UTC()
	if err := t.store.Set(ctx, key, now); err != nil {
		return time.Time{}, false, fmt.Errorf("init cursor %s: %w", key, err)
	}
	return now, true, nil
}

// Advance moves the cursor for key to now. A now earlier than the
// stored value keeps the stored value, so cursors never move backwards
// when the clock steps back.
func (t *Tracker) Advance(ctx context.Context, key string, now time.Time) (time.Time, error) {
	now = now.UTC()

	current, ok, err := t.store.Get(ctx, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("get cursor %s: %w", key, err)
	}
	if ok && now.Before(current) {
		return current, nil
	}

	if err := t.store.Set(ctx, key, now); err != nil {
		return time.Time{}, fmt.Errorf("advance cursor %s: %w", key, err)
	}
	return now, nil
}
