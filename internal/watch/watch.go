// Package watch wraps fsnotify into a lazy, per-directory stream of
// new-file events, in the style of the pack's fsnotify consumers
// (kylesnowschwartz/tail-claude's sessionWatcher): a single goroutine
// selects over the kernel's event channel and a signal channel, suspending
// entirely between events.
package watch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchSetupFailed is returned when the watched directory is missing or
// unreadable.
type WatchSetupFailed struct {
	Dir string
	Err error
}

func (e *WatchSetupFailed) Error() string {
	return fmt.Sprintf("watch setup failed for %s: %v", e.Dir, e.Err)
}

func (e *WatchSetupFailed) Unwrap() error { return e.Err }

// Event is a single new-file notification.
type Event struct {
	Path string
	// Rescan is true when this event was synthesized by the startup scan
	// rather than observed live from the kernel.
	Rescan bool
}

// FileWatcher emits Events for files matching Pattern that are created
// under Dir, including a one-shot startup rescan of pre-existing files so
// work is recovered across restarts.
type FileWatcher struct {
	dir     string
	pattern string

	events chan Event
	errs   chan error
	done   chan struct{}
}

// New opens a FileWatcher over dir. pattern is a filepath.Match pattern
// applied to the base name (e.g. "*.json").
func New(dir, pattern string) (*FileWatcher, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", dir)
		}
		return nil, &WatchSetupFailed{Dir: dir, Err: err}
	}

	w := &FileWatcher{
		dir:     dir,
		pattern: pattern,
		events:  make(chan Event, 64),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	return w, nil
}

// Events returns the channel of new-file events. Closed when Stop is
// called or an unrecoverable error occurs.
func (w *FileWatcher) Events() <-chan Event { return w.events }

// Errors returns the channel of watcher-lifetime errors. It buffers one
// error; a kernel-watcher error that arrives while the buffer is full is
// dropped. Closed when Run returns.
func (w *FileWatcher) Errors() <-chan error { return w.errs }

// Run starts the watch loop. It blocks until Stop is called or the kernel
// watcher fails, so callers invoke it in its own goroutine.
func (w *FileWatcher) Run() {
	defer close(w.events)
	defer close(w.errs)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.errs <- &WatchSetupFailed{Dir: w.dir, Err: err}
		return
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		w.errs <- &WatchSetupFailed{Dir: w.dir, Err: err}
		return
	}

	w.rescan()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			w.emit(ev.Name, false)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

// Stop halts the watch loop. Safe to call once.
func (w *FileWatcher) Stop() {
	close(w.done)
}

func (w *FileWatcher) emit(path string, rescan bool) {
	base := filepath.Base(path)
	matched, err := filepath.Match(w.pattern, base)
	if err != nil || !matched {
		return
	}
	select {
	case w.events <- Event{Path: path, Rescan: rescan}:
	case <-w.done:
	}
}

// rescan performs the one-shot startup scan for pre-existing unprocessed
// files, per spec.md §4.3.
func (w *FileWatcher) rescan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.emit(filepath.Join(w.dir, e.Name()), true)
	}
}
