// Package privatekeys stores extra private keys alongside a key, encrypted
// to the main key, in secp256k1 or ed25519 format.
package privatekeys

import (
	"context"
	"crypto/sha512"
	"encoding/hex"

	"filippo.io/edwards25519"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/canopy-network/canopy/lib/tkey"
)

// ModuleName is the registry name and general-store domain of the module.
const ModuleName = "privateKeyModule"

var (
	ErrUnsupportedFormat = tkey.NewTKeyError(
		tkey.ErrorCategoryModule, tkey.ErrorSeverityLow, 1731,
		"unsupported private key format")

	ErrInvalidPrivateKey = tkey.NewTKeyError(
		tkey.ErrorCategoryModule, tkey.ErrorSeverityLow, 1732,
		"invalid private key")

	ErrKeyNotFound = tkey.NewTKeyError(
		tkey.ErrorCategoryModule, tkey.ErrorSeverityLow, 1733,
		"private key not found")
)

// Format validates keys of one type and names their account.
type Format interface {
	Type() string
	Validate(key []byte) error
	// Account is the public identifier of key: an Ethereum address for
	// secp256k1, the base58 public key for ed25519.
	Account(key []byte) (string, error)
}

// SECP256K1Format handles 32-byte secp256k1 keys.
type SECP256K1Format struct{}

func (SECP256K1Format) Type() string { return "secp256k1n" }

func (SECP256K1Format) Validate(key []byte) error {
	if len(key) != 32 {
		return ErrInvalidPrivateKey.WithDetails("secp256k1 key must be 32 bytes, got %d", len(key))
	}
	s, err := tkey.NewSecp256k1Curve().ScalarFromBytes(key)
	if err != nil {
		return ErrInvalidPrivateKey.WithCause(err)
	}
	if s.IsZero() || !tkey.SecureCompare(s.Bytes(), key) {
		return ErrInvalidPrivateKey.WithDetails("secp256k1 key out of range")
	}
	return nil
}

func (f SECP256K1Format) Account(key []byte) (string, error) {
	curve := tkey.NewSecp256k1Curve()
	s, err := curve.ScalarFromBytes(key)
	if err != nil {
		return "", ErrInvalidPrivateKey.WithCause(err)
	}
	addr, err := tkey.PointToAddress(curve.BasePoint().Mul(s))
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

// ED25519Format handles 32-byte ed25519 seeds and 64-byte seed||pub keys.
type ED25519Format struct{}

func (ED25519Format) Type() string { return "ed25519" }

func (ED25519Format) Validate(key []byte) error {
	switch len(key) {
	case 32:
		return nil
	case 64:
		pub, err := ed25519Public(key[:32])
		if err != nil {
			return err
		}
		if !tkey.SecureCompare(pub, key[32:]) {
			return ErrInvalidPrivateKey.WithDetails("ed25519 public half does not match seed")
		}
		return nil
	default:
		return ErrInvalidPrivateKey.WithDetails("ed25519 key must be 32 or 64 bytes, got %d", len(key))
	}
}

func (ED25519Format) Account(key []byte) (string, error) {
	pub, err := ed25519Public(key[:32])
	if err != nil {
		return "", err
	}
	return base58.Encode(pub), nil
}

// ed25519Public derives the RFC 8032 public key of a seed.
func ed25519Public(seed []byte) ([]byte, error) {
	h := sha512.Sum512(seed)
	s, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, ErrInvalidPrivateKey.WithCause(err)
	}
	return new(edwards25519.Point).ScalarBaseMult(s).Bytes(), nil
}

// KeyStore is one stored private key.
type KeyStore struct {
	ID         string
	Type       string
	PrivateKey []byte
}

// Base58 returns the key in base58.
func (k *KeyStore) Base58() string { return base58.Encode(k.PrivateKey) }

// Hex returns the key in hex.
func (k *KeyStore) Hex() string { return hex.EncodeToString(k.PrivateKey) }

type entry struct {
	ID   string                 `json:"id"`
	Type string                 `json:"type"`
	Enc  *tkey.EncryptedMessage `json:"enc"`
}

// Module implements the private-key store. It is a KeyReconstructor: the
// stored secp256k1 keys are returned by ReconstructKey.
type Module struct {
	tk      *tkey.ThresholdKey
	formats map[string]Format
}

// New creates the module with the given formats, both built-in formats when
// none are given.
func New(formats ...Format) *Module {
	if len(formats) == 0 {
		formats = []Format{SECP256K1Format{}, ED25519Format{}}
	}
	m := &Module{formats: map[string]Format{}}
	for _, f := range formats {
		m.formats[f.Type()] = f
	}
	return m
}

func (m *Module) Name() string { return ModuleName }

func (m *Module) Attach(tk *tkey.ThresholdKey) error {
	m.tk = tk
	return nil
}

func (m *Module) entries() ([]entry, error) {
	var out []entry
	if _, err := m.tk.GetGeneralStoreDomain(ModuleName, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Module) format(keyType string) (Format, error) {
	f, ok := m.formats[keyType]
	if !ok {
		return nil, ErrUnsupportedFormat.WithContext("type", keyType)
	}
	return f, nil
}

// SetPrivateKey validates and stores key of keyType.
func (m *Module) SetPrivateKey(ctx context.Context, keyType string, key []byte) (*KeyStore, error) {
	f, err := m.format(keyType)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(key); err != nil {
		return nil, err
	}
	entries, err := m.entries()
	if err != nil {
		return nil, err
	}
	enc, err := m.tk.EncryptForKey(key)
	if err != nil {
		return nil, err
	}
	ks := &KeyStore{ID: uuid.NewString(), Type: keyType, PrivateKey: append([]byte(nil), key...)}
	entries = append(entries, entry{ID: ks.ID, Type: keyType, Enc: enc})
	if err := m.tk.SetGeneralStoreDomain(ModuleName, entries); err != nil {
		return nil, err
	}
	return ks, m.tk.CommitMetadata(ctx)
}

// SetPrivateKeyBase58 stores a base58-encoded key.
func (m *Module) SetPrivateKeyBase58(ctx context.Context, keyType, encoded string) (*KeyStore, error) {
	key, err := base58.Decode(encoded)
	if err != nil {
		return nil, tkey.ErrInvalidFormat.WithCause(err).WithDetails("base58 private key")
	}
	return m.SetPrivateKey(ctx, keyType, key)
}

// SetPrivateKeyHex stores a hex-encoded key.
func (m *Module) SetPrivateKeyHex(ctx context.Context, keyType, encoded string) (*KeyStore, error) {
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, tkey.ErrInvalidFormat.WithCause(err).WithDetails("hex private key")
	}
	return m.SetPrivateKey(ctx, keyType, key)
}

// GetPrivateKeys decrypts every stored key. The main key must be
// reconstructed.
func (m *Module) GetPrivateKeys() ([]*KeyStore, error) {
	entries, err := m.entries()
	if err != nil {
		return nil, err
	}
	out := make([]*KeyStore, 0, len(entries))
	for _, e := range entries {
		key, err := m.tk.DecryptWithKey(e.Enc)
		if err != nil {
			return nil, err
		}
		out = append(out, &KeyStore{ID: e.ID, Type: e.Type, PrivateKey: key})
	}
	return out, nil
}

// GetAccounts returns the account of every stored key.
func (m *Module) GetAccounts() ([]string, error) {
	keys, err := m.GetPrivateKeys()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		f, err := m.format(k.Type)
		if err != nil {
			return nil, err
		}
		acct, err := f.Account(k.PrivateKey)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, nil
}

// RemovePrivateKey deletes the key with id.
func (m *Module) RemovePrivateKey(ctx context.Context, id string) error {
	entries, err := m.entries()
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.ID != id {
			continue
		}
		entries = append(entries[:i], entries[i+1:]...)
		if err := m.tk.SetGeneralStoreDomain(ModuleName, entries); err != nil {
			return err
		}
		return m.tk.CommitMetadata(ctx)
	}
	return ErrKeyNotFound.WithContext("id", id)
}

// ReconstructKeys returns the stored secp256k1 keys as scalars.
func (m *Module) ReconstructKeys(ctx context.Context) ([]tkey.Scalar, error) {
	keys, err := m.GetPrivateKeys()
	if err != nil {
		return nil, err
	}
	curve := m.tk.Curve()
	var out []tkey.Scalar
	for _, k := range keys {
		if k.Type != (SECP256K1Format{}).Type() {
			continue
		}
		s, err := curve.ScalarFromBytes(k.PrivateKey)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
