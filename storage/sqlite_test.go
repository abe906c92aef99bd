package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSQLiteStorage(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "tkey.db"), nil)
	require.NoError(t, err)
	defer s.Close()
	testBackend(t, s)
}

func TestSQLiteStoragePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tkey.db")
	priv, pubHex := newIdentityKey(t)
	id := Identity(pubHex, "")

	s, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.SetMetadataStream(ctx, []Item{signedItem(t, priv, id, []byte("persisted"))}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetMetadata(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "persisted", string(got))
}

func TestSQLiteStorageLockExpiry(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "tkey.db"), nil)
	require.NoError(t, err)
	defer s.Close()
	s.SetLockTTL(time.Millisecond)

	_, err = s.AcquireWriteLock(ctx, "id", 0)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = s.AcquireWriteLock(ctx, "id", 0)
	require.NoError(t, err)
}
