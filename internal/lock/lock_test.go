package lock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireExclusive(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "data")
	first, err := Acquire(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), first.Path())

	_, err = Acquire(dir)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Release())

	again, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}
