package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
)

// reloadDebounce coalesces the burst of events a single save produces
var reloadDebounce = 250 * time.Millisecond

// Watcher reloads the configuration file when it changes. Invalid
// revisions are logged and ignored.
type Watcher struct {
	path     string
	onChange func(*Config)
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *logging.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWatcher watches path's directory, so editors that replace the
// file by rename are still seen.
func NewWatcher(path string, onChange func(*Config), logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.Global()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		onChange: onChange,
		debounce: reloadDebounce,
		watcher:  fw,
		logger:   logger.WithComponent("config-watcher"),
		stopCh:   make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Ignoring invalid configuration change")
		return
	}
	w.logger.Info().Str("path", w.path).Int("instances", len(cfg.Instances)).Msg("Configuration reloaded")
	w.onChange(cfg)
}

// Close stops watching
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
