package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ChangeFunc receives the previous and the newly loaded config together with
// their differences.
type ChangeFunc func(old, new *Config, diff ConfigDiff)

// Watcher polls a config file and reports valid changes. Invalid edits are
// logged and ignored; the last valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	modTime time.Time
	sum     [sha256.Size]byte

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger for reload messages.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path and starts polling it in the background. The initial
// load must succeed.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, sum, mod, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.sum, w.modTime = cfg, sum, mod

	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-progress callback to return.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) run() {
	defer close(w.done)
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-tick.C:
			w.check()
		}
	}
}

// check reloads the file when its modification time moved and its content
// hash changed.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.modTime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, sum, mod, err := w.read()
	if err != nil {
		w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.modTime = mod
	if sum == w.sum {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	diff := Diff(old, cfg)
	w.log.Info("config watcher: configuration reloaded",
		"path", w.path,
		"characters_changed", len(diff.Characters),
		"restart_required", diff.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, cfg, diff)
	}
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var sum [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, sum, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, sum, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, sum, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
