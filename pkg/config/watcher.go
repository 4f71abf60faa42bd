package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/linkval/pkg/engine"
)

// DefaultDebounce is how long the watcher waits after the last change
// before reloading.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc receives a schema reloaded from path.
type ReloadFunc func(ctx context.Context, path string, schema *engine.Schema) error

// Watcher reloads schema files when they change on disk. A file that fails
// to load is logged and the previously loaded schema stays in effect.
type Watcher struct {
	loader   *SchemaLoader
	reload   ReloadFunc
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	files   map[string]struct{}
	dirs    map[string]struct{}
	pending map[string]struct{}
	timer   *time.Timer
	stop    sync.Once
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates a watcher that parses changed files with loader and
// hands the result to reload.
func NewWatcher(loader *SchemaLoader, reload ReloadFunc, logger zerolog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		loader:   loader,
		reload:   reload,
		logger:   logger.With().Str("component", "schema-watcher").Logger(),
		debounce: DefaultDebounce,
		files:    make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch starts watching paths. A file path watches that file; a directory
// watches every schema file in it. Watching stops when ctx is done or Stop
// is called.
func (w *Watcher) Watch(ctx context.Context, paths ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	watched := 0
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("Failed to resolve path for watching")
			continue
		}
		info, err := os.Stat(abs)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}

		// Editors often replace files by rename, so the parent directory
		// is watched rather than the file itself.
		dir := abs
		if info.IsDir() {
			w.dirs[abs] = struct{}{}
		} else {
			dir = filepath.Dir(abs)
			w.files[abs] = struct{}{}
		}
		if err := watcher.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch directory")
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = watcher.Close()
		return fmt.Errorf("none of %d paths could be watched", len(paths))
	}

	go w.processEvents(ctx, watcher)

	w.logger.Info().
		Int("paths", watched).
		Dur("debounce", w.debounce).
		Msg("Started watching schema paths")

	return nil
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stop.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.timer != nil {
			w.timer.Stop()
		}
		if w.watcher != nil {
			err = w.watcher.Close()
		}
	})
	return err
}

func (w *Watcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !w.tracks(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Schema file changed")

			w.mu.Lock()
			w.pending[filepath.Clean(event.Name)] = struct{}{}
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, func() { w.flush(ctx) })
			w.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) tracks(name string) bool {
	name = filepath.Clean(name)
	if _, ok := w.files[name]; ok {
		return true
	}
	if _, ok := w.dirs[filepath.Dir(name)]; ok {
		return isSchemaFile(name)
	}
	return false
}

func isSchemaFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// flush reloads every file changed since the last flush.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()
	sort.Strings(paths)

	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}
		if err := w.triggerReload(ctx, path); err != nil {
			w.logger.Error().Err(err).Str("file", path).Msg("Failed to reload schema")
		}
	}
}

func (w *Watcher) triggerReload(ctx context.Context, path string) error {
	schema, err := w.loader.LoadFile(path)
	if err != nil {
		return err
	}
	if err := w.reload(ctx, path, schema); err != nil {
		return fmt.Errorf("failed to apply reloaded schema: %w", err)
	}

	w.logger.Info().
		Str("file", path).
		Str("schema_id", schema.ID).
		Int("classes", len(schema.Classes)).
		Msg("Schema reloaded")
	return nil
}
