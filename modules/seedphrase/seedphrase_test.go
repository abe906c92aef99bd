package seedphrase

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/canopy-network/canopy/lib/tkey"
	"github.com/canopy-network/canopy/lib/tkey/storage"
)

const (
	phraseA = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	phraseB = "legal winner thank year wave sausage worth useful legal winner thank yellow"
)

func newKey(t *testing.T) (*tkey.ThresholdKey, *Module, *tkey.BaseServiceProvider, storage.Storage) {
	t.Helper()
	key, err := tkey.NewSecp256k1Curve().ScalarRandom()
	require.NoError(t, err)
	sp, err := tkey.NewBaseServiceProvider("", key, nil)
	require.NoError(t, err)
	store := storage.NewMemoryStorage(nil)
	tk, err := tkey.New(tkey.Options{ServiceProvider: sp, Storage: store})
	require.NoError(t, err)
	m := New()
	require.NoError(t, tk.RegisterModule(m))
	_, err = tk.Initialize(context.Background(), tkey.InitializeOptions{})
	require.NoError(t, err)
	return tk, m, sp, store
}

func TestSeedPhraseLifecycle(t *testing.T) {
	ctx := context.Background()
	_, m, _, _ := newKey(t)

	stored, err := m.SetSeedPhrase(ctx, FormatHDKeyTree, "  "+strings.ReplaceAll(phraseA, " ", "   ")+"\n")
	require.NoError(t, err)
	require.Equal(t, phraseA, stored)

	_, err = m.SetSeedPhrase(ctx, FormatHDKeyTree, phraseA)
	require.ErrorIs(t, err, ErrPhraseExists)
	_, err = m.SetSeedPhrase(ctx, "Electrum", phraseB)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = m.SetSeedPhrase(ctx, FormatHDKeyTree, "abandon abandon abandon")
	require.ErrorIs(t, err, ErrInvalidMnemonic)

	generated, err := m.SetSeedPhrase(ctx, FormatHDKeyTree, "")
	require.NoError(t, err)
	require.Len(t, strings.Fields(generated), 24)

	phrases, err := m.GetSeedPhrases()
	require.NoError(t, err)
	require.Equal(t, []SeedPhrase{{Type: FormatHDKeyTree, Phrase: phraseA}, {Type: FormatHDKeyTree, Phrase: generated}}, phrases)

	require.NoError(t, m.ChangeSeedPhrase(ctx, phraseA, phraseB))
	require.ErrorIs(t, m.ChangeSeedPhrase(ctx, phraseA, phraseB), ErrPhraseNotFound)
	require.ErrorIs(t, m.ChangeSeedPhrase(ctx, phraseB, "not valid"), ErrInvalidMnemonic)

	require.NoError(t, m.DeleteSeedPhrase(ctx, generated))
	require.ErrorIs(t, m.DeleteSeedPhrase(ctx, generated), ErrPhraseNotFound)

	phrases, err = m.GetSeedPhrases()
	require.NoError(t, err)
	require.Equal(t, []SeedPhrase{{Type: FormatHDKeyTree, Phrase: phraseB}}, phrases)
}

func TestSeedPhrasesRequireKey(t *testing.T) {
	ctx := context.Background()
	_, m, sp, store := newKey(t)
	_, err := m.SetSeedPhrase(ctx, FormatHDKeyTree, phraseA)
	require.NoError(t, err)

	other, err := tkey.New(tkey.Options{ServiceProvider: sp, Storage: store})
	require.NoError(t, err)
	om := New()
	require.NoError(t, other.RegisterModule(om))
	_, err = other.Initialize(ctx, tkey.InitializeOptions{})
	require.NoError(t, err)

	_, err = om.GetSeedPhrases()
	require.ErrorIs(t, err, tkey.ErrPrivateKeyUnavailable)
}

func TestDeriveAccounts(t *testing.T) {
	curve := tkey.NewSecp256k1Curve()
	keys, err := DeriveAccounts(curve, phraseA, 3)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	require.False(t, keys[0].Equal(keys[1]))
	require.False(t, keys[1].Equal(keys[2]))

	again, err := DeriveAccounts(curve, " "+phraseA+" ", 1)
	require.NoError(t, err)
	require.True(t, again[0].Equal(keys[0]))

	other, err := DeriveAccounts(curve, phraseB, 1)
	require.NoError(t, err)
	require.False(t, other[0].Equal(keys[0]))

	_, err = DeriveAccounts(curve, "nope", 1)
	require.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestReconstructIncludesAccounts(t *testing.T) {
	ctx := context.Background()
	tk, m, _, _ := newKey(t)
	_, err := m.SetSeedPhrase(ctx, FormatHDKeyTree, phraseA)
	require.NoError(t, err)
	_, err = m.SetSeedPhrase(ctx, FormatHDKeyTree, phraseB)
	require.NoError(t, err)

	rk, err := tk.ReconstructKey(ctx, false)
	require.NoError(t, err)
	require.Len(t, rk.AllKeys, 3)

	accounts, err := m.GetAccounts(1)
	require.NoError(t, err)
	require.True(t, rk.AllKeys[1].Equal(accounts[0]))
	require.True(t, rk.AllKeys[2].Equal(accounts[1]))
}
