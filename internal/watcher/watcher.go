// Package watcher reloads the server's YAML config file when it changes on disk and hands the result to a
// reload callback, typically Engine.Reconfigure.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-lora/internal/config"
	"github.com/danielpatrickdp/adaptive-lora/internal/engine"
)

const defaultDebounce = 200 * time.Millisecond

// ReloadFunc applies a freshly loaded config file. A returned error keeps the previous configuration live.
type ReloadFunc func(*config.FileConfig) error

// Watcher watches one config file. It watches the parent directory so editors that replace the file by rename
// are still seen.
type Watcher struct {
	path     string
	onReload ReloadFunc
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	timer    *time.Timer
	done     chan struct{}
	started  bool
	stopOnce sync.Once

	reloads  atomic.Uint64
	failures atomic.Uint64
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a logger for reload results and watcher errors.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long the file must be quiet before it is reloaded.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New creates a watcher for the config file at path.
func New(path string, onReload ReloadFunc, opts ...Option) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		onReload: onReload,
		debounce: defaultDebounce,
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ReconfigureEngine returns a ReloadFunc that swaps e's tunables for the file's engine section.
func ReconfigureEngine(e *engine.Engine) ReloadFunc {
	return func(fc *config.FileConfig) error {
		return e.Reconfigure(fc.Engine)
	}
}

// Start starts watching. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw
	w.started = true
	w.logger.Info("watching config file", zap.String("path", w.path))
	go w.run(ctx, fw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

// reload loads the file and applies it. Failures are logged and counted, never fatal.
func (w *Watcher) reload() {
	fc, err := config.Load(w.path)
	if err == nil {
		err = w.onReload(fc)
	}
	if err != nil {
		w.failures.Add(1)
		w.logger.Warn("config reload rejected, keeping previous config", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.reloads.Add(1)
	w.logger.Info("config reloaded", zap.String("path", w.path))
}

// Reloads returns the number of applied reloads.
func (w *Watcher) Reloads() uint64 { return w.reloads.Load() }

// Failures returns the number of rejected reloads.
func (w *Watcher) Failures() uint64 { return w.failures.Load() }

// Stop stops watching. Pending reloads are cancelled.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
