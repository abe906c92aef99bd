package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/require"
)

func newIdentityKey(t *testing.T) (*btcec.PrivateKey, string) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv, hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

func signedItem(t *testing.T, priv *btcec.PrivateKey, identity string, data []byte) Item {
	t.Helper()
	digest := sha256.Sum256(data)
	sig, err := schnorr.Sign(priv, digest[:])
	require.NoError(t, err)
	return Item{Identity: identity, Data: data, Signature: sig.Serialize()}
}

// testBackend runs the storage contract against one backend.
func testBackend(t *testing.T, s Storage) {
	ctx := context.Background()
	priv, pubHex := newIdentityKey(t)
	id := Identity(pubHex, "")
	scoped := Identity(pubHex, "share")

	t.Run("missing document", func(t *testing.T) {
		_, err := s.GetMetadata(ctx, id)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("stream write and read", func(t *testing.T) {
		err := s.SetMetadataStream(ctx, []Item{
			signedItem(t, priv, id, []byte(`{"n":1}`)),
			signedItem(t, priv, scoped, []byte(`{"n":2}`)),
		})
		require.NoError(t, err)

		got, err := s.GetMetadata(ctx, id)
		require.NoError(t, err)
		require.Equal(t, `{"n":1}`, string(got))

		got, err = s.GetMetadata(ctx, scoped)
		require.NoError(t, err)
		require.Equal(t, `{"n":2}`, string(got))

		require.NoError(t, s.SetMetadataStream(ctx, []Item{signedItem(t, priv, id, []byte(`{"n":3}`))}))
		got, err = s.GetMetadata(ctx, id)
		require.NoError(t, err)
		require.Equal(t, `{"n":3}`, string(got))
	})

	t.Run("rejects bad signature", func(t *testing.T) {
		other, _ := newIdentityKey(t)
		err := s.SetMetadataStream(ctx, []Item{signedItem(t, other, id, []byte(`{"n":4}`))})
		require.ErrorIs(t, err, ErrInvalidSignature)

		got, err := s.GetMetadata(ctx, id)
		require.NoError(t, err)
		require.Equal(t, `{"n":3}`, string(got))
	})

	t.Run("write lock is exclusive", func(t *testing.T) {
		token, err := s.AcquireWriteLock(ctx, id, 3)
		require.NoError(t, err)

		_, err = s.AcquireWriteLock(ctx, id, 3)
		require.ErrorIs(t, err, ErrLockContention)

		require.ErrorIs(t, s.ReleaseWriteLock(ctx, id, "not-the-token"), ErrLockNotHeld)
		require.NoError(t, s.ReleaseWriteLock(ctx, id, token))

		token, err = s.AcquireWriteLock(ctx, id, 4)
		require.NoError(t, err)
		require.NoError(t, s.ReleaseWriteLock(ctx, id, token))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteMetadata(ctx, scoped))
		_, err := s.GetMetadata(ctx, scoped)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStorage(t *testing.T) {
	testBackend(t, NewMemoryStorage(nil))
}

func TestMemoryStorageSharedByName(t *testing.T) {
	a := OpenMemory(t.Name(), nil)
	b := OpenMemory(t.Name(), nil)
	require.Same(t, a, b)
	require.NotSame(t, a, OpenMemory(t.Name()+"-other", nil))
}

func TestMemoryStorageLockExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(nil)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	s.SetLockTTL(time.Second)

	_, err := s.AcquireWriteLock(ctx, "id", 0)
	require.NoError(t, err)
	_, err = s.AcquireWriteLock(ctx, "id", 0)
	require.ErrorIs(t, err, ErrLockContention)
	require.EqualValues(t, 1, s.LockContentions())

	now = now.Add(2 * time.Second)
	_, err = s.AcquireWriteLock(ctx, "id", 0)
	require.NoError(t, err, "an expired lock must not block other writers")
}

func TestIdentity(t *testing.T) {
	priv, pubHex := newIdentityKey(t)

	pub, scope, err := ParseIdentity(Identity(pubHex, "share"))
	require.NoError(t, err)
	require.Equal(t, "share", scope)
	require.True(t, pub.IsEqual(priv.PubKey()))

	pub, scope, err = ParseIdentity(Identity(pubHex, ""))
	require.NoError(t, err)
	require.Empty(t, scope)
	require.True(t, pub.IsEqual(priv.PubKey()))

	_, _, err = ParseIdentity("zz")
	require.Error(t, err)
}

func TestVerifyItem(t *testing.T) {
	priv, pubHex := newIdentityKey(t)
	item := signedItem(t, priv, Identity(pubHex, "share"), []byte("doc"))
	require.NoError(t, VerifyItem(item))

	item.Data = []byte("tampered")
	err := VerifyItem(item)
	require.True(t, errors.Is(err, ErrInvalidSignature))
}
