package driver

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

func newMemFilesystem() *Filesystem {
	return NewFilesystem(afero.NewMemMapFs(), zerolog.Nop())
}

func TestFilesystemStoreLoad(t *testing.T) {
	ctx := context.Background()
	d := newMemFilesystem()
	p := "ab/cd/abcdef"

	require.NoError(t, d.Store(ctx, p, strings.NewReader("hello"), 5))

	rc, err := d.Load(ctx, p)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(data))

	ok, err := d.Exists(ctx, p)
	require.NoError(t, err)
	assert.True(t, ok)

	size, err := d.Size(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestFilesystemOverwriteIsAtomic(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	d := NewFilesystem(afero.NewBasePathFs(afero.NewOsFs(), root), zerolog.Nop())

	require.NoError(t, d.Store(ctx, "a/b/obj", strings.NewReader("first"), -1))
	require.NoError(t, d.Store(ctx, "a/b/obj", strings.NewReader("second"), -1))

	data, err := os.ReadFile(filepath.Join(root, "a", "b", "obj"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Join(root, "a", "b"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFilesystemLoadMissing(t *testing.T) {
	d := newMemFilesystem()
	_, err := d.Load(context.Background(), "no/such/file")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = d.Size(context.Background(), "no/such/file")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ok, err := d.Exists(context.Background(), "no/such/file")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilesystemDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	d := newMemFilesystem()
	require.NoError(t, d.Store(ctx, "x/y/z", strings.NewReader("data"), 4))

	require.NoError(t, d.Delete(ctx, "x/y/z"))
	require.NoError(t, d.Delete(ctx, "x/y/z"))

	ok, err := d.Exists(ctx, "x/y/z")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilesystemAppend(t *testing.T) {
	ctx := context.Background()
	d := newMemFilesystem()

	n, err := d.Append(ctx, "logs/build.log", strings.NewReader("line1\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	n, err = d.Append(ctx, "logs/build.log", strings.NewReader("line2\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	data, err := LoadAll(ctx, d, "logs/build.log")
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", string(data))
}

func TestFilesystemPathsStayInsideRoot(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d := NewFilesystem(fs, zerolog.Nop())

	require.NoError(t, d.Store(ctx, "../../etc/passwd", bytes.NewReader([]byte("x")), 1))
	ok, err := afero.Exists(fs, "etc/passwd")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, d.Store(ctx, "", bytes.NewReader(nil), 0))
}

func TestFilesystemStoreHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := newMemFilesystem()
	err := d.Store(ctx, "c/d/e", strings.NewReader("data"), 4)
	assert.ErrorIs(t, err, context.Canceled)

	ok, _ := d.Exists(context.Background(), "c/d/e")
	assert.False(t, ok)
}
