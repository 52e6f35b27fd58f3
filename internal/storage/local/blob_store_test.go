package local

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := New(Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "out", "data")
		_, err := New(Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := New(Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := New(Config{BaseDir: file})
		assert.Error(t, err)
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		dir := t.TempDir()
		// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
		require.NoError(t, os.Chmod(dir, 0o500))
		t.Cleanup(func() {
			// #nosec G302 -- restore permissions so cleanup succeeds.
			_ = os.Chmod(dir, 0o700) //nolint:errcheck // cleanup
		})
		_, err := New(Config{BaseDir: dir})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("ValidPut", func(t *testing.T) {
		uri, err := store.PutObject(ctx, "index.json", "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(dir, "index.json"), uri)

		data, err := store.GetObject(ctx, "index.json")
		require.NoError(t, err)
		assert.Equal(t, "{}", string(data))
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := store.PutObject(ctx, "a/b.txt", "text/plain", strings.NewReader("first"))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "a/b.txt", "text/plain", strings.NewReader("second"))
		require.NoError(t, err)
		data, err := store.GetObject(ctx, "a/b.txt")
		require.NoError(t, err)
		assert.Equal(t, "second", string(data))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, " ", "text/plain", bytes.NewReader(nil))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.txt", "text/plain", bytes.NewReader(nil))
		assert.ErrorContains(t, err, "traversal")
	})

	t.Run("CanceledContext", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.PutObject(canceled, "late.txt", "text/plain", bytes.NewReader(nil))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestGetObjectMissing(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	_, err = store.GetObject(context.Background(), "nope.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Not parallel: swaps the package-level rename hook.
func TestPutObjectFailedRenameKeepsPreviousContent(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.PutObject(ctx, "index.json", "application/json", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)

	renameFunc = func(string, string) error { return errors.New("power cut") }
	t.Cleanup(func() { renameFunc = os.Rename })

	_, err = store.PutObject(ctx, "index.json", "application/json", strings.NewReader(`{"a":1,"b":2}`))
	require.ErrorContains(t, err, "power cut")

	data, err := store.GetObject(ctx, "index.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file should be removed")
}
