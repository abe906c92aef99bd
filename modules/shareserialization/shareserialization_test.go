package shareserialization

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/canopy-network/canopy/lib/tkey"
	"github.com/canopy-network/canopy/lib/tkey/storage"
)

type env struct {
	sp    *tkey.BaseServiceProvider
	store storage.Storage
}

func newEnv(t *testing.T) *env {
	t.Helper()
	key, err := tkey.NewSecp256k1Curve().ScalarRandom()
	require.NoError(t, err)
	sp, err := tkey.NewBaseServiceProvider("", key, nil)
	require.NoError(t, err)
	return &env{sp: sp, store: storage.NewMemoryStorage(nil)}
}

func (e *env) key(t *testing.T) (*tkey.ThresholdKey, *Module) {
	t.Helper()
	tk, err := tkey.New(tkey.Options{ServiceProvider: e.sp, Storage: e.store})
	require.NoError(t, err)
	m := New()
	require.NoError(t, tk.RegisterModule(m))
	_, err = tk.Initialize(context.Background(), tkey.InitializeOptions{})
	require.NoError(t, err)
	return tk, m
}

func deviceIndex(t *testing.T, tk *tkey.ThresholdKey) tkey.Scalar {
	t.Helper()
	md, err := tk.Metadata()
	require.NoError(t, err)
	for _, idxHex := range md.GetShareIndexesForPolynomial(md.LatestPolyID()) {
		idx, err := tkey.ScalarFromHex(tk.Curve(), idxHex)
		require.NoError(t, err)
		if !idx.Equal(tk.Curve().ScalarOne()) {
			return idx
		}
	}
	t.Fatal("no device share")
	return nil
}

func TestSerializeShare(t *testing.T) {
	curve := tkey.NewSecp256k1Curve()
	value, err := curve.ScalarRandom()
	require.NoError(t, err)

	mnemonic, err := SerializeShare(value)
	require.NoError(t, err)
	require.Len(t, strings.Fields(mnemonic), 24)

	back, err := DeserializeShare(curve, mnemonic)
	require.NoError(t, err)
	require.True(t, back.Equal(value))

	words := strings.Fields(mnemonic)
	words[0] = "notaword"
	_, err = DeserializeShare(curve, strings.Join(words, " "))
	require.ErrorIs(t, err, tkey.ErrInvalidFormat)
	_, err = DeserializeShare(curve, "not a mnemonic")
	require.ErrorIs(t, err, tkey.ErrInvalidFormat)
}

func TestExportImportShare(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tk, m := e.key(t)

	mnemonic, err := m.ExportShare(deviceIndex(t, tk))
	require.NoError(t, err)

	other, om := e.key(t)
	_, err = other.ReconstructKey(ctx, false)
	require.ErrorIs(t, err, tkey.ErrInsufficientShares)

	store, err := om.ImportShare(ctx, mnemonic)
	require.NoError(t, err)
	require.True(t, store.Share.Index.Equal(deviceIndex(t, tk)))

	rk, err := other.ReconstructKey(ctx, false)
	require.NoError(t, err)
	want, err := tk.PrivKey()
	require.NoError(t, err)
	require.True(t, rk.PrivKey.Equal(want))
}

func TestImportUnknownShare(t *testing.T) {
	e := newEnv(t)
	_, m := e.key(t)

	value, err := tkey.NewSecp256k1Curve().ScalarRandom()
	require.NoError(t, err)
	mnemonic, err := SerializeShare(value)
	require.NoError(t, err)
	_, err = m.ImportShare(context.Background(), mnemonic)
	require.ErrorIs(t, err, tkey.ErrShareNotFound)
}
