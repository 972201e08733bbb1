// Package changesource is the filesystem change source (§6 "Change
// source") that feeds the IngestionPipeline: it watches one or more
// root directories with fsnotify and translates write/create/remove
// events into types.ChangeEvent values, debounced per path so rapid
// successive writes coalesce into one event.
package changesource

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codegraph/ingestsub/internal/types"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Ingestor is the subset of internal/ingestion.Pipeline this package
// drives; declared narrowly here so changesource doesn't import the
// whole ingestion package just to call one method.
type Ingestor interface {
	IngestChangeEvent(event *types.ChangeEvent) error
}

// Options tunes a Watcher.
type Options struct {
	// DebounceDelay coalesces rapid successive writes to the same path
	// into a single ChangeEvent. Zero disables debouncing.
	DebounceDelay time.Duration
	// IgnoreDirs names base directory components skipped entirely
	// (not added to the watch set, and never turned into events).
	IgnoreDirs []string
	Logger     *log.Logger
}

// Watcher is the fsnotify-backed change source.
type Watcher struct {
	fsw     *fsnotify.Watcher
	sink    Ingestor
	opts    Options
	logger  *log.Logger
	ignored map[string]bool

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]types.EventType
}

// New builds a Watcher over sink. Roots are added via AddRoot; New does
// not touch the filesystem itself.
func New(sink Ingestor, opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ignored := make(map[string]bool, len(opts.IgnoreDirs))
	for _, d := range opts.IgnoreDirs {
		ignored[d] = true
	}
	return &Watcher{
		fsw:     fsw,
		sink:    sink,
		opts:    opts,
		logger:  logger,
		ignored: ignored,
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]types.EventType),
	}, nil
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// AddRoot registers root and every subdirectory beneath it (fsnotify
// itself is not recursive) with the watcher. Call before Run, or while
// Run is already looping in another goroutine — fsnotify.Watcher is
// safe for concurrent Add calls.
func (w *Watcher) AddRoot(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored[d.Name()] {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// Run processes fsnotify events until ctx is cancelled or the watcher
// is closed. It returns nil on clean shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.cancelAllTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				w.logger.Printf("changesource: watcher error: %v", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if w.ignored[filepath.Base(filepath.Dir(event.Name))] {
		return
	}

	var eventType types.EventType
	switch {
	case event.Has(fsnotify.Create):
		eventType = types.EventCreated
		// A newly created directory needs its own watch registered so
		// nested files are seen too.
		if isDir(event.Name) {
			_ = w.fsw.Add(event.Name)
			return
		}
	case event.Has(fsnotify.Write):
		eventType = types.EventModified
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		eventType = types.EventDeleted
	default:
		return
	}

	if w.opts.DebounceDelay <= 0 {
		w.emit(ctx, event.Name, eventType)
		return
	}
	w.debounce(ctx, event.Name, eventType)
}

func (w *Watcher) debounce(ctx context.Context, path string, eventType types.EventType) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = eventType
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.opts.DebounceDelay, func() {
		w.mu.Lock()
		et, ok := w.pending[path]
		delete(w.pending, path)
		delete(w.timers, path)
		w.mu.Unlock()
		if ok {
			w.emit(ctx, path, et)
		}
	})
}

func (w *Watcher) cancelAllTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.pending = make(map[string]types.EventType)
}

func (w *Watcher) emit(ctx context.Context, path string, eventType types.EventType) {
	if ctx.Err() != nil {
		return
	}
	var size int64
	if eventType != types.EventDeleted {
		if info, err := statSize(path); err == nil {
			size = info
		}
	}
	event := &types.ChangeEvent{
		ID:        uuid.NewString(),
		FilePath:  path,
		EventType: eventType,
		Timestamp: time.Now(),
		Size:      size,
	}
	if err := w.sink.IngestChangeEvent(event); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Printf("changesource: ingesting %s: %v", path, err)
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func statSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
