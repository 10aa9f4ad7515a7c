package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreIdentityRoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state"))

	_, err := store.LoadIdentity()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveIdentity([]byte("identity-blob")))
	got, err := store.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, []byte("identity-blob"), got)
}

func TestFileStoreSessionRoundTripAndList(t *testing.T) {
	store := NewFileStore(t.TempDir())

	require.NoError(t, store.SaveSession("peer-1", []byte("session-1")))
	require.NoError(t, store.SaveSession("peer-2", []byte("session-2")))

	got, err := store.LoadSession("peer-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("session-1"), got)

	peers, err := store.ListSessions()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"peer-1", "peer-2"}, peers)
}

func TestFileStoreListSessionsOnMissingDir(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "does-not-exist"))
	peers, err := store.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, peers)
}
