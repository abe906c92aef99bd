package securityquestions

import (
	"context"
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

func (e *env) key(t *testing.T, m *Module) *tkey.ThresholdKey {
	t.Helper()
	tk, err := tkey.New(tkey.Options{ServiceProvider: e.sp, Storage: e.store})
	require.NoError(t, err)
	require.NoError(t, tk.RegisterModule(m))
	_, err = tk.Initialize(context.Background(), tkey.InitializeOptions{})
	require.NoError(t, err)
	return tk
}

// recover loads the key on a fresh instance holding only the service
// provider share and the answer.
func (e *env) recover(t *testing.T, answer string) (*tkey.ThresholdKey, error) {
	t.Helper()
	m := New()
	tk := e.key(t, m)
	if err := m.InputShareFromSecurityQuestions(context.Background(), answer); err != nil {
		return nil, err
	}
	return tk, nil
}

func requireSameKey(t *testing.T, want, got *tkey.ThresholdKey) {
	t.Helper()
	rk, err := got.ReconstructKey(context.Background(), false)
	require.NoError(t, err)
	priv, err := want.PrivKey()
	require.NoError(t, err)
	require.True(t, rk.PrivKey.Equal(priv))
}

func TestSecurityQuestionShare(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m := New()
	tk := e.key(t, m)

	_, err := m.GetSecurityQuestions()
	require.ErrorIs(t, err, ErrNotSet)

	res, err := m.GenerateNewShareWithSecurityQuestions(ctx, "first pet?", "rex")
	require.NoError(t, err)
	require.NotNil(t, res.NewShareIndex)
	_, err = m.GenerateNewShareWithSecurityQuestions(ctx, "first pet?", "rex")
	require.ErrorIs(t, err, ErrAlreadySet)

	questions, err := m.GetSecurityQuestions()
	require.NoError(t, err)
	require.Equal(t, "first pet?", questions)

	_, err = e.recover(t, "fido")
	require.ErrorIs(t, err, ErrIncorrectAnswer)

	recovered, err := e.recover(t, "rex")
	require.NoError(t, err)
	requireSameKey(t, tk, recovered)
}

func TestSecurityQuestionShareFollowsRefresh(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m := New()
	tk := e.key(t, m)

	res, err := m.GenerateNewShareWithSecurityQuestions(ctx, "city?", "paris")
	require.NoError(t, err)

	// Moving the key to a new polynomial rewrites the stored nonce.
	_, err = tk.GenerateNewShare(ctx, nil)
	require.NoError(t, err)
	recovered, err := e.recover(t, "paris")
	require.NoError(t, err)
	requireSameKey(t, tk, recovered)

	require.NoError(t, m.ChangeSecurityQuestionAndAnswer(ctx, "town?", "lyon"))
	_, err = e.recover(t, "paris")
	require.ErrorIs(t, err, ErrIncorrectAnswer)
	recovered, err = e.recover(t, "lyon")
	require.NoError(t, err)
	requireSameKey(t, tk, recovered)

	// Deleting the share drops the record.
	require.NoError(t, tk.DeleteShare(ctx, res.NewShareIndex, nil))
	_, err = m.GetSecurityQuestions()
	require.ErrorIs(t, err, ErrNotSet)
	_, err = e.recover(t, "lyon")
	require.ErrorIs(t, err, ErrNotSet)
}

func TestInitialAnswerContributesShare(t *testing.T) {
	e := newEnv(t)
	m := NewWithInitialAnswer("colour?", "blue")
	tk := e.key(t, m)

	details, err := tk.GetKeyDetails()
	require.NoError(t, err)
	require.Equal(t, 3, details.TotalShares)
	questions, err := m.GetSecurityQuestions()
	require.NoError(t, err)
	require.Equal(t, "colour?", questions)

	recovered, err := e.recover(t, "blue")
	require.NoError(t, err)
	requireSameKey(t, tk, recovered)
}
