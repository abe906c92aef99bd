// Package seedphrase stores BIP39 seed phrases alongside a key, encrypted to
// the main key, and derives secp256k1 account keys from them.
package seedphrase

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"github.com/canopy-network/canopy/lib/tkey"
)

// ModuleName is the registry name and general-store domain of the module.
const ModuleName = "seedPhraseModule"

// FormatHDKeyTree is the only supported phrase format.
const FormatHDKeyTree = "HD Key Tree"

var (
	ErrInvalidMnemonic = tkey.NewTKeyError(
		tkey.ErrorCategoryModule, tkey.ErrorSeverityLow, 1721,
		"invalid seed phrase")

	ErrUnsupportedFormat = tkey.NewTKeyError(
		tkey.ErrorCategoryModule, tkey.ErrorSeverityLow, 1722,
		"unsupported seed phrase format")

	ErrPhraseNotFound = tkey.NewTKeyError(
		tkey.ErrorCategoryModule, tkey.ErrorSeverityLow, 1723,
		"seed phrase not found")

	ErrPhraseExists = tkey.NewTKeyError(
		tkey.ErrorCategoryModule, tkey.ErrorSeverityLow, 1724,
		"seed phrase already stored")
)

type entry struct {
	Type string                 `json:"type"`
	Enc  *tkey.EncryptedMessage `json:"enc"`
}

// SeedPhrase is a decrypted phrase.
type SeedPhrase struct {
	Type   string
	Phrase string
}

// Module implements the seed-phrase store. It is a KeyReconstructor: the
// first account of every phrase is returned by ReconstructKey.
type Module struct {
	tk *tkey.ThresholdKey
}

func New() *Module { return &Module{} }

func (m *Module) Name() string { return ModuleName }

func (m *Module) Attach(tk *tkey.ThresholdKey) error {
	m.tk = tk
	return nil
}

func normalize(phrase string) string {
	return strings.Join(strings.Fields(phrase), " ")
}

func (m *Module) entries() ([]entry, error) {
	var out []entry
	if _, err := m.tk.GetGeneralStoreDomain(ModuleName, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSeedPhrases decrypts every stored phrase. The main key must be
// reconstructed.
func (m *Module) GetSeedPhrases() ([]SeedPhrase, error) {
	entries, err := m.entries()
	if err != nil {
		return nil, err
	}
	out := make([]SeedPhrase, 0, len(entries))
	for _, e := range entries {
		plain, err := m.tk.DecryptWithKey(e.Enc)
		if err != nil {
			return nil, err
		}
		out = append(out, SeedPhrase{Type: e.Type, Phrase: string(plain)})
	}
	return out, nil
}

func (m *Module) indexOf(entries []entry, phrase string) (int, error) {
	for i, e := range entries {
		plain, err := m.tk.DecryptWithKey(e.Enc)
		if err != nil {
			return -1, err
		}
		if string(plain) == phrase {
			return i, nil
		}
	}
	return -1, nil
}

// SetSeedPhrase stores phrase, or a freshly generated 24-word phrase when
// phrase is empty, and returns what was stored.
func (m *Module) SetSeedPhrase(ctx context.Context, format, phrase string) (string, error) {
	if format != FormatHDKeyTree {
		return "", ErrUnsupportedFormat.WithContext("format", format)
	}
	if phrase == "" {
		entropy, err := bip39.NewEntropy(256)
		if err != nil {
			return "", tkey.ErrRandomGeneration.WithCause(err)
		}
		if phrase, err = bip39.NewMnemonic(entropy); err != nil {
			return "", tkey.ErrRandomGeneration.WithCause(err)
		}
	}
	phrase = normalize(phrase)
	if !bip39.IsMnemonicValid(phrase) {
		return "", ErrInvalidMnemonic
	}

	entries, err := m.entries()
	if err != nil {
		return "", err
	}
	i, err := m.indexOf(entries, phrase)
	if err != nil {
		return "", err
	}
	if i >= 0 {
		return "", ErrPhraseExists
	}
	enc, err := m.tk.EncryptForKey([]byte(phrase))
	if err != nil {
		return "", err
	}
	entries = append(entries, entry{Type: format, Enc: enc})
	if err := m.tk.SetGeneralStoreDomain(ModuleName, entries); err != nil {
		return "", err
	}
	return phrase, m.tk.CommitMetadata(ctx)
}

// ChangeSeedPhrase replaces oldPhrase with newPhrase.
func (m *Module) ChangeSeedPhrase(ctx context.Context, oldPhrase, newPhrase string) error {
	newPhrase = normalize(newPhrase)
	if !bip39.IsMnemonicValid(newPhrase) {
		return ErrInvalidMnemonic
	}
	entries, err := m.entries()
	if err != nil {
		return err
	}
	i, err := m.indexOf(entries, normalize(oldPhrase))
	if err != nil {
		return err
	}
	if i < 0 {
		return ErrPhraseNotFound
	}
	enc, err := m.tk.EncryptForKey([]byte(newPhrase))
	if err != nil {
		return err
	}
	entries[i].Enc = enc
	if err := m.tk.SetGeneralStoreDomain(ModuleName, entries); err != nil {
		return err
	}
	return m.tk.CommitMetadata(ctx)
}

// DeleteSeedPhrase removes phrase.
func (m *Module) DeleteSeedPhrase(ctx context.Context, phrase string) error {
	entries, err := m.entries()
	if err != nil {
		return err
	}
	i, err := m.indexOf(entries, normalize(phrase))
	if err != nil {
		return err
	}
	if i < 0 {
		return ErrPhraseNotFound
	}
	entries = append(entries[:i], entries[i+1:]...)
	if err := m.tk.SetGeneralStoreDomain(ModuleName, entries); err != nil {
		return err
	}
	return m.tk.CommitMetadata(ctx)
}

// DeriveAccounts derives count secp256k1 keys from phrase with HKDF-SHA256
// over the BIP39 seed.
func DeriveAccounts(curve tkey.Curve, phrase string, count int) ([]tkey.Scalar, error) {
	phrase = normalize(phrase)
	if !bip39.IsMnemonicValid(phrase) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(phrase, "")
	defer tkey.ZeroizeBytes(seed)

	out := make([]tkey.Scalar, 0, count)
	for i := 0; i < count; i++ {
		r := hkdf.New(sha256.New, seed, nil, []byte(fmt.Sprintf("tkey-seed-account-%d", i)))
		buf := make([]byte, 32)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		k, err := curve.ScalarFromBytes(buf)
		tkey.ZeroizeBytes(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// GetAccounts derives count keys from every stored phrase.
func (m *Module) GetAccounts(count int) ([]tkey.Scalar, error) {
	phrases, err := m.GetSeedPhrases()
	if err != nil {
		return nil, err
	}
	var out []tkey.Scalar
	for _, p := range phrases {
		keys, err := DeriveAccounts(m.tk.Curve(), p.Phrase, count)
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
	}
	return out, nil
}

// ReconstructKeys returns the first account of every stored phrase.
func (m *Module) ReconstructKeys(ctx context.Context) ([]tkey.Scalar, error) {
	return m.GetAccounts(1)
}
