package rules

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher reloads a custom-rules file into a registry whenever the file changes on disk
type Watcher struct {
	path     string
	registry *Registry
	watcher  *fsnotify.Watcher
	logger   *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// NewWatcher watches the directory holding path so that editor rename-and-replace saves are seen
func NewWatcher(path string, registry *Registry, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to resolve rules path: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch rules directory: %w", err)
	}
	return &Watcher{
		path:     abs,
		registry: registry,
		watcher:  fw,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Run processes file events until Close is called
func (w *Watcher) Run() {
	w.logger.Info("Watching custom rules file", zap.String("path", w.path))
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Rules file watcher error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	f, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("Failed to reload custom rules", zap.String("path", w.path), zap.Error(err))
		return
	}
	if err := w.registry.Apply(f); err != nil {
		w.logger.Warn("Custom rules reloaded with errors", zap.Error(err))
	}
	w.logger.Info("Custom rules reloaded",
		zap.String("path", w.path),
		zap.Int("records", len(f.Rules)),
		zap.Int("active_rules", w.registry.Snapshot().Len()),
	)
}

// Close stops the watcher
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	close(w.done)
	return w.watcher.Close()
}
