package filestore

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFileStore(t *testing.T) {
	store, err := NewLocalFileStore(t.TempDir())
	require.NoError(t, err)

	hash, size, err := store.Put(strings.NewReader("boarding pass"))
	require.NoError(t, err)
	assert.Equal(t, int64(13), size)
	assert.Len(t, hash, 64)

	again, _, err := store.Put(strings.NewReader("boarding pass"))
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	rc, err := store.Get(hash)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "boarding pass", string(data))

	_, err = store.Get("missing")
	assert.Error(t, err)
}
