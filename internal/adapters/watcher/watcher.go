// Package watcher reloads datasets when files in the dataset directories
// change.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jobrunner/vicinus/internal/domain"
)

// DefaultDebounce is the quiet period after the last event on a file
// before the handler runs.
const DefaultDebounce = 500 * time.Millisecond

// Event represents a settled change to a dataset file.
type Event struct {
	Path      string
	Operation Operation
}

// Operation represents the type of file operation.
type Operation int

// File operation types.
const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Handler is called once per settled file change. Calls for the same path
// never overlap.
type Handler func(ctx context.Context, event Event) error

// pending is a debounced change waiting for its timer.
type pending struct {
	op    Operation
	timer *time.Timer
}

// Watcher watches directories for dataset file changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	handler   Handler
	logger    *slog.Logger
	paths     []string
	debounce  time.Duration

	mu      sync.Mutex
	ctx     context.Context
	pending map[string]*pending
	running map[string]*sync.Mutex
	wg      sync.WaitGroup
}

// Config holds watcher configuration.
type Config struct {
	Paths    []string
	Debounce time.Duration
}

// New creates a new file watcher.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		handler:   handler,
		logger:    logger,
		paths:     cfg.Paths,
		debounce:  cfg.Debounce,
		ctx:       context.Background(),
		pending:   make(map[string]*pending),
		running:   make(map[string]*sync.Mutex),
	}, nil
}

// Start watches the configured paths until ctx is cancelled or Stop is
// called. Paths that cannot be watched are logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	for _, path := range w.paths {
		if err := w.AddPath(path); err != nil {
			w.logger.Warn("failed to watch path", "path", path, "error", err)
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.eventLoop(ctx)
	}()
	return nil
}

// Stop stops the watcher, drops changes that have not settled yet and
// waits for running handlers.
func (w *Watcher) Stop() error {
	err := w.fsWatcher.Close()

	w.mu.Lock()
	for path, p := range w.pending {
		if p.timer.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.wg.Wait()
	return err
}

func (w *Watcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// handleFsEvent records an event and (re)arms the path's debounce timer.
func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if !isDatasetFile(event.Name) {
		return
	}

	op := fsnotifyOpToOperation(event.Op)
	w.logger.Debug("file event", "path", event.Name, "op", event.Op.String())

	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[event.Name]; ok && p.timer.Stop() {
		p.op = mergeOps(p.op, op)
		p.timer.Reset(w.debounce)
		return
	}

	// Either nothing is pending or the timer has fired and its handler
	// owns the earlier change.
	path := event.Name
	p := &pending{op: op}
	w.wg.Add(1)
	p.timer = time.AfterFunc(w.debounce, func() { w.fire(path, p) })
	w.pending[path] = p
}

// fire runs the handler for a settled change.
func (w *Watcher) fire(path string, p *pending) {
	defer w.wg.Done()

	w.mu.Lock()
	if w.pending[path] == p {
		delete(w.pending, path)
	}
	op := p.op
	ctx := w.ctx
	lock, exists := w.running[path]
	if !exists {
		lock = &sync.Mutex{}
		w.running[path] = lock
	}
	w.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	lock.Lock()
	defer lock.Unlock()

	w.logger.Info("processing file event", "path", path, "operation", op.String())
	if err := w.handler(ctx, Event{Path: path, Operation: op}); err != nil {
		w.logger.Error("handler error",
			"path", path,
			"operation", op.String(),
			"error", err,
		)
	}
}

// mergeOps folds a new operation into a pending one. Deletes win, except
// that a recreated file is loaded as new.
func mergeOps(existing, next Operation) Operation {
	switch {
	case existing == OpDelete && next != OpDelete:
		return OpCreate
	case next == OpDelete:
		return OpDelete
	default:
		return existing
	}
}

// fsnotifyOpToOperation converts fsnotify.Op to our Operation type.
func fsnotifyOpToOperation(op fsnotify.Op) Operation {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		// A renamed file is gone from its original location.
		return OpDelete
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		return OpModify
	}
}

// isDatasetFile reports whether path is a dataset. Hidden files, such as
// in-flight downloads, are ignored.
func isDatasetFile(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && domain.IsDatasetFile(base)
}

// AddPath adds a directory to watch.
func (w *Watcher) AddPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.fsWatcher.Add(absPath); err != nil {
		return err
	}

	w.logger.Info("watching directory", "path", absPath)
	return nil
}

// RemovePath stops watching a directory.
func (w *Watcher) RemovePath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.fsWatcher.Remove(absPath); err != nil {
		return err
	}

	w.logger.Info("removed watch path", "path", absPath)
	return nil
}

// DatasetLoader is the part of the dataset registry the watcher drives.
type DatasetLoader interface {
	LoadDataset(ctx context.Context, path string) error
	UnloadDataset(ctx context.Context, datasetID string) error
}

// DatasetHandler returns a handler that loads created and modified files
// and unloads deleted ones. idOf maps a path to its dataset ID.
func DatasetHandler(loader DatasetLoader, idOf func(path string) string) Handler {
	return func(ctx context.Context, event Event) error {
		if event.Operation == OpDelete {
			err := loader.UnloadDataset(ctx, idOf(event.Path))
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		return loader.LoadDataset(ctx, event.Path)
	}
}
