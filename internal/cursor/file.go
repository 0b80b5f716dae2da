package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

const cursorFile = "cursors.json"

// FileStore keeps cursors in memory and persists them as JSON. Changes
// trigger an asynchronous save, a ticker saves periodically and Close
// performs a final save.
type FileStore struct {
	mu       sync.RWMutex
	saveMu   sync.Mutex
	dir      string
	cursors  map[string]*types.Cursor
	interval time.Duration
	logger   *logging.Logger

	stopCh    chan struct{}
	saveCh    chan struct{}
	done      chan struct{}
	closed    bool
	closeOnce sync.Once
}

// NewFileStore creates a store under dir, loads any existing cursors
// and starts the save loop.
func NewFileStore(dir string, interval time.Duration, logger *logging.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cursor directory: %w", err)
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Global()
	}

	s := &FileStore{
		dir:      dir,
		cursors:  make(map[string]*types.Cursor),
		interval: interval,
		logger:   logger.WithComponent("cursor-file"),
		stopCh:   make(chan struct{}),
		saveCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	go s.saveLoop()
	return s, nil
}

// Get returns the cursor for key
func (s *FileStore) Get(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return time.Time{}, false, ErrStoreClosed
	}
	c, ok := s.cursors[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return c.LastSeen, true, nil
}

// Set stores the cursor for key and schedules a save
func (s *FileStore) Set(ctx context.Context, key string, t time.Time) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.cursors[key] = &types.Cursor{Key: key, LastSeen: t.UTC()}
	s.mu.Unlock()

	select {
	case s.saveCh <- struct{}{}:
	default:
	}
	return nil
}

// Save writes all cursors to disk
func (s *FileStore) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	data, err := json.MarshalIndent(s.cursors, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal cursors: %w", err)
	}

	path := filepath.Join(s.dir, cursorFile)

	// Write to temporary file first, then rename for atomicity
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write cursor file: %w", err)
	}

	if err := os.Rename(tmpFile, path); err != nil {
		return fmt.Errorf("failed to rename cursor file: %w", err)
	}

	return nil
}

// Close stops the save loop and saves one last time
func (s *FileStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.done

		err = s.Save()

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	return err
}

// Name returns the store name
func (s *FileStore) Name() string {
	return "file"
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(filepath.Join(s.dir, cursorFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cursor file: %w", err)
	}

	var cursors map[string]*types.Cursor
	if err := json.Unmarshal(data, &cursors); err != nil {
		return fmt.Errorf("failed to unmarshal cursor data: %w", err)
	}

	for key, c := range cursors {
		if c == nil {
			continue
		}
		c.Key = key
		s.cursors[key] = c
	}

	s.logger.Info().
		Int("cursors", len(s.cursors)).
		Str("dir", s.dir).
		Msg("Loaded cursors")
	return nil
}

func (s *FileStore) saveLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Save(); err != nil {
				s.logger.Error().Err(err).Msg("Failed to save cursors")
			}
		case <-s.saveCh:
			if err := s.Save(); err != nil {
				s.logger.Error().Err(err).Msg("Failed to save cursors")
			}
		case <-s.stopCh:
			return
		}
	}
}
