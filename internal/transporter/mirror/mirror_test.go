package mirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/conveyor/internal/transporter"
)

func TestMirrorCopy(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/img/a.png", []byte("png"), 0o644))

	m, err := New(fs, map[string]string{"location": "/mirror", "url": "https://cdn.example.com/"})
	require.NoError(t, err)

	url, err := m.Sync(context.Background(), "/src/img/a.png", "static/img/a.png", transporter.AddModify)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/static/img/a.png", url)

	data, err := afero.ReadFile(fs, "/mirror/static/img/a.png")
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	url, err = m.Sync(context.Background(), "/src/img/a.png", "static/img/a.png", transporter.Delete)
	require.NoError(t, err)
	assert.Empty(t, url)

	ok, err := afero.Exists(fs, "/mirror/static/img/a.png")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is not an error.
	_, err = m.Sync(context.Background(), "/src/img/a.png", "static/img/a.png", transporter.Delete)
	require.NoError(t, err)
}

func TestMirrorSymlink(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	m, err := New(afero.NewOsFs(), map[string]string{
		"location": filepath.Join(dir, "mirror"),
		"symlink":  "true",
	})
	require.NoError(t, err)

	_, err = m.Sync(context.Background(), src, "a.txt", transporter.AddModify)
	require.NoError(t, err)

	// Syncing twice replaces the link.
	_, err = m.Sync(context.Background(), src, "a.txt", transporter.AddModify)
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(dir, "mirror", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, src, target)
}

func TestMirrorSettings(t *testing.T) {
	_, err := New(afero.NewMemMapFs(), map[string]string{})
	require.ErrorIs(t, err, transporter.ErrMissingSetting)

	_, err = New(afero.NewMemMapFs(), map[string]string{"location": "/m", "symlink": "maybe"})
	require.Error(t, err)

	assert.True(t, transporter.Default.IsRegistered(Name))
}
