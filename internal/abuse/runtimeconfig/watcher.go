package runtimeconfig

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"sigs.k8s.io/yaml"
)

const defaultDebounce = 250 * time.Millisecond

// FileWatcher applies a YAML or JSON config file to a Store whenever it
// changes. The directory is watched rather than the file so that editors
// and ConfigMap mounts that replace the file by rename are seen.
type FileWatcher struct {
	store    *Store
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

type WatcherOption func(*FileWatcher)

func WithDebounce(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func NewFileWatcher(store *Store, path string, opts ...WatcherOption) *FileWatcher {
	w := &FileWatcher{
		store:    store,
		path:     filepath.Clean(path),
		debounce: defaultDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run applies the file once, then on every change until ctx is done.
func (w *FileWatcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer fsWatcher.Close()

	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	w.Load(ctx)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return fmt.Errorf("config watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return fmt.Errorf("config watcher errors channel closed")
			}
			w.logger.WarnContext(ctx, "config watcher error", "error", err)
		}
	}
}

func (w *FileWatcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.Load(ctx) })
}

// Load reads the file and applies it. A missing or rejected file leaves the
// current config in force.
func (w *FileWatcher) Load(ctx context.Context) *UpdateResult {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.WarnContext(ctx, "read runtime config file", "path", w.path, "error", err)
		}
		return nil
	}
	doc, err := yaml.YAMLToJSON(data)
	if err != nil {
		w.logger.WarnContext(ctx, "parse runtime config file", "path", w.path, "error", err)
		return nil
	}
	res := w.store.Update(ctx, doc)
	if !res.Success {
		w.logger.WarnContext(ctx, "runtime config file rejected",
			"path", w.path,
			"errors", res.Errors,
		)
	}
	return res
}
