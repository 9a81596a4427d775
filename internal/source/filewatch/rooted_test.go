package filewatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRooted(t *testing.T) {
	w := newWatcher(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "plant"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "plant", "tank.json"), []byte(`7`), 0o644))

	src := w.Rooted(root)
	s := &sink{}
	h, err := src.Register("plant/tank.json", s.cb, true)
	require.NoError(t, err)
	assert.Equal(t, []byte(`7`), s.last())
	src.Unregister(h)

	for _, key := range []string{"../etc/passwd", "/etc/passwd", "plant/../../x", ""} {
		_, err := src.Register(key, s.cb, true)
		assert.ErrorIs(t, err, ErrOutsideRoot, key)
	}
}
