package memory

import (
	"bytes"
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	payload := []byte("content")
	uri, err := store.PutObject(ctx, "run/jobs.csv", "text/csv", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://run/jobs.csv", uri)

	payload[0] = 'C'
	got, err := store.GetObject(ctx, "run/jobs.csv")
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))
	assert.Equal(t, "text/csv", store.ContentType("run/jobs.csv"))

	got[0] = 'X'
	again, err := store.GetObject(ctx, "run/jobs.csv")
	require.NoError(t, err)
	assert.Equal(t, "content", string(again))
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b", "a", "c"} {
		_, err := store.PutObject(context.Background(), p, "", strings.NewReader(p))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, store.Paths())

	_, err := store.GetObject(context.Background(), "missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
