package filewatch

import (
	"errors"
	"fmt"
	"path/filepath"

	"keyflow/internal/flow"
)

// ErrOutsideRoot is returned for keys that do not name a path below the root
var ErrOutsideRoot = errors.New("key escapes watch root")

// Rooted returns a source that resolves slash-separated keys below root.
// Keys that are absolute or climb out of root are rejected.
func (w *Watcher) Rooted(root string) flow.ObservationSource {
	return &rooted{w: w, root: root}
}

type rooted struct {
	w    *Watcher
	root string
}

func (r *rooted) Register(key string, onChange flow.Callback, initial bool) (flow.Handle, error) {
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("%w: %q", ErrOutsideRoot, key)
	}
	return r.w.Register(filepath.Join(r.root, rel), onChange, initial)
}

func (r *rooted) Unregister(h flow.Handle) {
	r.w.Unregister(h)
}
