package tkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var eciesInfo = []byte("tkey-ecies-v1")

// EncryptedMessage is an ECIES ciphertext on secp256k1. Mac holds the AEAD tag.
type EncryptedMessage struct {
	Ciphertext     string `json:"ciphertext"`
	EphemPublicKey string `json:"ephemPublicKey"`
	IV             string `json:"iv"`
	Mac            string `json:"mac"`
}

// Encrypt encrypts msg to a secp256k1 public key: ECDH with a fresh ephemeral
// key, HKDF-SHA256 key derivation, then chacha20poly1305.
func Encrypt(pub Point, msg []byte) (*EncryptedMessage, error) {
	recipient, ok := pub.(*Secp256k1Point)
	if !ok || recipient.inner == nil {
		return nil, fmt.Errorf("%w: encryption requires a secp256k1 public key", ErrInvalidPoint)
	}

	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, ErrRandomGeneration.WithCause(err)
	}
	defer ephemeral.Zero()

	ephemPub := ephemeral.PubKey().SerializeUncompressed()
	key, err := deriveKey(btcec.GenerateSharedSecret(ephemeral, recipient.inner), ephemPub)
	if err != nil {
		return nil, err
	}
	defer ZeroizeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce, err := SecureRandom(aead.NonceSize())
	if err != nil {
		return nil, ErrRandomGeneration.WithCause(err)
	}
	sealed := aead.Seal(nil, nonce, msg, ephemPub)
	tagStart := len(sealed) - aead.Overhead()

	return &EncryptedMessage{
		Ciphertext:     hex.EncodeToString(sealed[:tagStart]),
		EphemPublicKey: hex.EncodeToString(ephemPub),
		IV:             hex.EncodeToString(nonce),
		Mac:            hex.EncodeToString(sealed[tagStart:]),
	}, nil
}

// Decrypt opens an EncryptedMessage with the recipient's secp256k1 private key.
func Decrypt(priv Scalar, enc *EncryptedMessage) ([]byte, error) {
	if enc == nil {
		return nil, ErrDecryptionFailed.WithDetails("nil message")
	}
	ciphertext, err1 := hex.DecodeString(enc.Ciphertext)
	ephemPub, err2 := hex.DecodeString(enc.EphemPublicKey)
	nonce, err3 := hex.DecodeString(enc.IV)
	mac, err4 := hex.DecodeString(enc.Mac)
	for _, err := range []error{err1, err2, err3, err4} {
		if err != nil {
			return nil, ErrDecryptionFailed.WithCause(err)
		}
	}

	ephemKey, err := btcec.ParsePubKey(ephemPub)
	if err != nil {
		return nil, ErrDecryptionFailed.WithCause(err)
	}
	privKey, _ := btcec.PrivKeyFromBytes(priv.Bytes())
	defer privKey.Zero()

	key, err := deriveKey(btcec.GenerateSharedSecret(privKey, ephemKey), ephemPub)
	if err != nil {
		return nil, err
	}
	defer ZeroizeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrDecryptionFailed.WithDetails("bad iv length %d", len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, append(ciphertext, mac...), ephemPub)
	if err != nil {
		return nil, ErrDecryptionFailed.WithCause(err)
	}
	return plaintext, nil
}

func deriveKey(shared, salt []byte) ([]byte, error) {
	defer ZeroizeBytes(shared)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, eciesInfo), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// SignMessage produces a BIP-340 schnorr signature over sha256(msg).
func SignMessage(priv Scalar, msg []byte) ([]byte, error) {
	privKey, _ := btcec.PrivKeyFromBytes(priv.Bytes())
	defer privKey.Zero()
	digest := sha256.Sum256(msg)
	sig, err := schnorr.Sign(privKey, digest[:])
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// VerifyMessage checks a signature produced by SignMessage.
func VerifyMessage(pub Point, msg, sig []byte) bool {
	p, ok := pub.(*Secp256k1Point)
	if !ok || p.inner == nil {
		return false
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return parsed.Verify(digest[:], p.inner)
}
