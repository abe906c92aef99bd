package tkey

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingModule struct {
	name       string
	attachErr  error
	attached   *ThresholdKey
	contribute Scalar
	committed  *ShareStore
	refreshes  int
	lastOld    map[string]*ShareStore
	lastNew    map[string]*ShareStore
	extraKeys  []Scalar
}

func (m *recordingModule) Name() string { return m.name }

func (m *recordingModule) Attach(tk *ThresholdKey) error {
	if m.attachErr != nil {
		return m.attachErr
	}
	m.attached = tk
	return nil
}

func (m *recordingModule) ContributeShare(_ context.Context, _ Scalar) (Scalar, error) {
	return m.contribute, nil
}

func (m *recordingModule) ShareCommitted(_ context.Context, store *ShareStore) error {
	m.committed = store
	return nil
}

func (m *recordingModule) RefreshShares(_ context.Context, oldShares, newShares map[string]*ShareStore) error {
	m.refreshes++
	m.lastOld, m.lastNew = oldShares, newShares
	return nil
}

func (m *recordingModule) ReconstructKeys(context.Context) ([]Scalar, error) {
	return m.extraKeys, nil
}

func TestModuleRegistry(t *testing.T) {
	r := NewModuleRegistry()
	require.NoError(t, r.Register(&recordingModule{name: "b"}))
	require.NoError(t, r.Register(&recordingModule{name: "a"}))
	require.ErrorIs(t, r.Register(&recordingModule{name: "a"}), ErrModuleAlreadyRegistered)
	require.Equal(t, []string{"a", "b"}, r.Names())

	m, err := r.Get("b")
	require.NoError(t, err)
	require.Equal(t, "b", m.Name())
	_, err = r.Get("c")
	require.ErrorIs(t, err, ErrModuleNotFound)
}

func TestRegisterModuleAttachFailure(t *testing.T) {
	env := newTestEnv(t)
	tk := env.newKey(t)

	boom := errors.New("boom")
	require.ErrorIs(t, tk.RegisterModule(&recordingModule{name: "m", attachErr: boom}), boom)
	_, err := tk.Module("m")
	require.ErrorIs(t, err, ErrModuleNotFound, "a module that fails to attach is not registered")

	m := &recordingModule{name: "m"}
	require.NoError(t, tk.RegisterModule(m))
	require.Same(t, tk, m.attached)
	got, err := tk.Module("m")
	require.NoError(t, err)
	require.Same(t, m, got)
}

func TestModuleHooks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tk := env.newKey(t)
	curve := tk.Curve()

	value, err := curve.ScalarRandom()
	require.NoError(t, err)
	extra, err := curve.ScalarRandom()
	require.NoError(t, err)
	m := &recordingModule{name: "recorder", contribute: value, extraKeys: []Scalar{extra}}
	require.NoError(t, tk.RegisterModule(m))

	details := initialize(t, tk, InitializeOptions{})
	require.Equal(t, 3, details.TotalShares, "service provider, device and contributed share")
	require.NotNil(t, m.committed)
	require.True(t, m.committed.Share.Value.Equal(value))

	// The contributed share alone with the service provider share recovers the key.
	fresh := env.newKey(t)
	initialize(t, fresh, InitializeOptions{WithShare: m.committed})
	rk, err := fresh.ReconstructKey(ctx, false)
	require.NoError(t, err)
	require.True(t, curve.BasePoint().Mul(rk.PrivKey).Equal(details.PubKey))

	_, err = tk.GenerateNewShare(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, m.refreshes)
	require.Contains(t, m.lastOld, m.committed.IndexHex())
	require.Contains(t, m.lastNew, m.committed.IndexHex())
	require.Len(t, m.lastNew, 4)

	rk, err = tk.ReconstructKey(ctx, false)
	require.NoError(t, err)
	require.Len(t, rk.AllKeys, 2)
	require.True(t, rk.AllKeys[1].Equal(extra))
}
