package cache

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	s := openTempStore(t)

	s.Save("doc-1", []byte("snapshot-a"))
	s.Save("doc-2", []byte("snapshot-b"))
	s.Flush()

	got, err := s.Load("doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot-a"), got)

	got, err = s.Load("doc-2")
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot-b"), got)
}

func TestLoadUnknownRoom(t *testing.T) {
	s := openTempStore(t)
	_, err := s.Load("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSavesCoalesceToNewest(t *testing.T) {
	s := openTempStore(t)
	for i := 0; i < 100; i++ {
		s.Save("doc-1", []byte{byte(i)})
	}
	s.Save("doc-1", []byte("final"))
	s.Flush()

	got, err := s.Load("doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("final"), got)
}

func TestSnapshotsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.db")
	s, err := Open(path)
	require.NoError(t, err)
	s.Save("doc-1", []byte("persisted"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load("doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := openTempStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestSaveAfterCloseIsIgnored(t *testing.T) {
	s := openTempStore(t)
	require.NoError(t, s.Close())
	s.Save("doc-1", []byte("late")) // must not panic or block
}
