package tkey

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/canopy-network/canopy/lib/tkey/storage"
)

// testEnv is one user: a service provider, a shared store and a TSS server
// set. Every key built from it talks to the same remote state.
type testEnv struct {
	sp      *BaseServiceProvider
	store   storage.Storage
	servers *MemoryTSSServers
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	servers, err := NewMemoryTSSServers(3, 2)
	require.NoError(t, err)
	key, err := NewSecp256k1Curve().ScalarRandom()
	require.NoError(t, err)
	sp, err := NewBaseServiceProvider("", key, servers)
	require.NoError(t, err)
	return &testEnv{sp: sp, store: storage.NewMemoryStorage(nil), servers: servers}
}

func (e *testEnv) options() Options {
	return Options{ServiceProvider: e.sp, Storage: e.store, TSSServers: e.servers}
}

func (e *testEnv) newKey(t *testing.T, modify ...func(*Options)) *ThresholdKey {
	t.Helper()
	opts := e.options()
	for _, m := range modify {
		m(&opts)
	}
	tk, err := New(opts)
	require.NoError(t, err)
	return tk
}

func manual(o *Options) { o.ManualSync = true }

func newFactorKey(t *testing.T) (Scalar, Point) {
	t.Helper()
	curve := NewSecp256k1Curve()
	k, err := curve.ScalarRandom()
	require.NoError(t, err)
	return k, curve.BasePoint().Mul(k)
}

// deviceShare returns a share of the latest polynomial other than the
// service provider's.
func deviceShare(t *testing.T, tk *ThresholdKey) *ShareStore {
	t.Helper()
	md, err := tk.Metadata()
	require.NoError(t, err)
	one := tk.Curve().ScalarOne().String()
	for _, idxHex := range md.GetShareIndexesForPolynomial(md.LatestPolyID()) {
		if idxHex == one {
			continue
		}
		idx, err := ScalarFromHex(tk.Curve(), idxHex)
		require.NoError(t, err)
		store, err := tk.OutputShareStore(idx, "")
		if err == nil {
			return store
		}
	}
	t.Fatal("no device share held locally")
	return nil
}

func initialize(t *testing.T, tk *ThresholdKey, opts InitializeOptions) *KeyDetails {
	t.Helper()
	details, err := tk.Initialize(context.Background(), opts)
	require.NoError(t, err)
	return details
}
