package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of change observed on a capture file.
type Op int

const (
	OpCreate Op = iota
	OpWrite
)

// String returns a human-readable name for the operation.
func (o Op) String() string {
	switch o {
	case OpCreate:
		return "Create"
	case OpWrite:
		return "Write"
	default:
		return "Unknown"
	}
}

// Event is one observed change to a capture file.
type Event struct {
	Path string
	Op   Op
}

// ErrorCallback is called when an error occurs during watching.
type ErrorCallback func(err error)

// SkippedPath records a path that could not be scanned at startup,
// usually a permission problem worth surfacing.
type SkippedPath struct {
	Path string
	Err  error
}

var (
	// ErrRootNotExist is returned when the watch root does not exist.
	ErrRootNotExist = errors.New("capture: watch root does not exist")

	// ErrRootNotDirectory is returned when the watch root is not a directory.
	ErrRootNotDirectory = errors.New("capture: watch root is not a directory")
)

// DefaultExcludes are directory names never descended into. Scanner
// staging trees occasionally live inside synced or versioned folders.
var DefaultExcludes = []string{
	".git",
	".cache",
	".tmp",
}

// Watcher monitors a directory tree for capture file drops. Only
// creations and writes of *.capture.json files are emitted; outcome
// files the agent writes back never re-enter the event stream.
type Watcher struct {
	root     string
	events   chan<- Event
	fsw      *fsnotify.Watcher
	excludes []string
	mu       sync.RWMutex // protects excludes and skippedPaths

	onError      ErrorCallback
	droppedCount atomic.Int64
	skippedPaths []SkippedPath

	done chan struct{}
}

// NewWatcher creates a watcher rooted at the given directory. The root
// and its subdirectories are registered immediately; directories
// created later are picked up as they appear.
func NewWatcher(root string, events chan<- Event) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRootNotExist, root)
		}
		return nil, fmt.Errorf("capture: cannot access watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRootNotDirectory, root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:         root,
		events:       events,
		fsw:          fsw,
		excludes:     append([]string(nil), DefaultExcludes...),
		done:         make(chan struct{}),
		skippedPaths: make([]SkippedPath, 0),
	}

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			w.mu.Lock()
			w.skippedPaths = append(w.skippedPaths, SkippedPath{Path: path, Err: err})
			w.mu.Unlock()
			return nil
		}
		if info.IsDir() {
			if w.shouldExclude(path) {
				return filepath.SkipDir
			}
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// SetExcludes replaces the directory names skipped while watching.
// Safe to call concurrently with Start.
func (w *Watcher) SetExcludes(excludes []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.excludes = append([]string(nil), excludes...)
}

// SetErrorCallback sets a callback invoked on watch errors.
func (w *Watcher) SetErrorCallback(cb ErrorCallback) {
	w.onError = cb
}

// DroppedEventCount returns how many events were discarded because the
// event channel was full.
func (w *Watcher) DroppedEventCount() int64 {
	return w.droppedCount.Load()
}

// SkippedPaths returns paths skipped during the initial scan.
func (w *Watcher) SkippedPaths() []SkippedPath {
	w.mu.RLock()
	defer w.mu.RUnlock()
	result := make([]SkippedPath, len(w.skippedPaths))
	copy(result, w.skippedPaths)
	return result
}

// shouldExclude matches the base name exactly, so ".git" does not
// swallow "scanner.git_export".
func (w *Watcher) shouldExclude(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	base := filepath.Base(path)
	for _, exc := range w.excludes {
		if base == exc {
			return true
		}
	}
	return false
}

// Start blocks delivering events until the context is cancelled or
// Close is called.
func (w *Watcher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			if w.shouldExclude(event.Name) {
				continue
			}

			var op Op
			switch {
			case event.Op&fsnotify.Create != 0:
				op = OpCreate
				// New directories join the watch set.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.fsw.Add(event.Name)
					continue
				}
			case event.Op&fsnotify.Write != 0:
				op = OpWrite
			default:
				continue
			}

			if !IsCaptureFile(event.Name) {
				continue
			}

			// Non-blocking send; a full channel drops the event
			// rather than stalling the notify loop.
			select {
			case w.events <- Event{Path: event.Name, Op: op}:
			default:
				w.droppedCount.Add(1)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// Close stops the watcher and signals Start to return.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.fsw.Close()
}
