// Package filewatch observes file contents through fsnotify.
// The key is a file path and every change delivers the file's bytes.
package filewatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"keyflow/internal/flow"
)

// ErrClosed is returned by Register after Close
var ErrClosed = errors.New("file watcher closed")

var _ flow.ObservationSource = (*Watcher)(nil)

type registration struct {
	id   uint64
	path string
	cb   flow.Callback

	// last is the hash of the contents last delivered
	last    uint64
	hasLast bool
}

// Watcher watches the parent directories of registered files so that
// editors replacing a file by rename keep being observed.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger zerolog.Logger

	mu     sync.Mutex
	regs   map[uint64]*registration
	dirs   map[string]int
	nextID uint64
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New starts a Watcher
func New(logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fsw:    fsw,
		logger: logger.With().Str("component", "filewatch").Logger(),
		regs:   make(map[uint64]*registration),
		dirs:   make(map[string]int),
		done:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Register implements flow.ObservationSource. A missing file is an error.
func (w *Watcher) Register(key string, onChange flow.Callback, initial bool) (flow.Handle, error) {
	path, err := filepath.Abs(key)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", key, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	dir := filepath.Dir(path)
	if w.dirs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			w.mu.Unlock()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.dirs[dir]++
	w.nextID++
	r := &registration{id: w.nextID, path: path, cb: onChange}
	if initial {
		r.last, r.hasLast = xxh3.Hash(data), true
	}
	w.regs[r.id] = r
	w.mu.Unlock()

	w.logger.Debug().Str("path", path).Uint64("registration", r.id).Msg("file registered")

	if initial {
		onChange(data)
	}
	return r.id, nil
}

// Unregister implements flow.ObservationSource
func (w *Watcher) Unregister(h flow.Handle) {
	id, ok := h.(uint64)
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.regs[id]
	if !ok {
		return
	}
	delete(w.regs, id)
	w.releaseDir(filepath.Dir(r.path))
}

// releaseDir drops one reference on dir. Caller holds mu.
func (w *Watcher) releaseDir(dir string) {
	w.dirs[dir]--
	if w.dirs[dir] > 0 {
		return
	}
	delete(w.dirs, dir)
	if w.closed {
		return
	}
	if err := w.fsw.Remove(dir); err != nil {
		w.logger.Debug().Err(err).Str("dir", dir).Msg("failed to remove watch")
	}
}

// Close stops watching and ends every registration with ErrClosed
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()

	w.mu.Lock()
	ended := make([]*registration, 0, len(w.regs))
	for _, r := range w.regs {
		ended = append(ended, r)
	}
	w.regs = make(map[uint64]*registration)
	w.dirs = make(map[string]int)
	w.mu.Unlock()

	for _, r := range ended {
		r.cb(flow.EndOfStream{Err: ErrClosed})
	}
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.mu.Lock()
		var gone []*registration
		for id, r := range w.regs {
			if r.path == path {
				gone = append(gone, r)
				delete(w.regs, id)
				w.releaseDir(filepath.Dir(path))
			}
		}
		w.mu.Unlock()
		for _, r := range gone {
			w.logger.Debug().Str("path", path).Uint64("registration", r.id).Msg("file removed")
			r.cb(flow.EndOfStream{})
		}

	case ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create):
		data, err := os.ReadFile(path)
		if err != nil {
			// removed again before we got to read it; the Remove event follows
			return
		}
		sum := xxh3.Hash(data)

		w.mu.Lock()
		var due []*registration
		for _, r := range w.regs {
			if r.path != path || (r.hasLast && r.last == sum) {
				continue
			}
			r.last, r.hasLast = sum, true
			due = append(due, r)
		}
		w.mu.Unlock()
		for _, r := range due {
			r.cb(data)
		}
	}
}
