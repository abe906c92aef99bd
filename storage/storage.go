// Package storage implements the remote metadata store consumed by the key
// core: an atomic, versioned key-value document store addressed by a
// public-key identity, with a per-identity write lock.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var (
	// ErrNotFound is returned when no document exists for an identity.
	ErrNotFound = errors.New("metadata not found")
	// ErrLockContention is returned when another writer holds the lock.
	ErrLockContention = errors.New("write lock held by another writer")
	// ErrLockNotHeld is returned when releasing a lock with a stale token.
	ErrLockNotHeld = errors.New("write lock not held")
	// ErrInvalidSignature is returned when an item's signature does not verify
	// against its identity.
	ErrInvalidSignature = errors.New("invalid item signature")
	// ErrUnsupportedScheme is returned by Open for unknown URI schemes.
	ErrUnsupportedScheme = errors.New("unsupported storage scheme")
)

// DefaultLockTTL bounds how long an abandoned lock blocks other writers.
const DefaultLockTTL = 30 * time.Second

// Item is one document write. Signature is a BIP-340 signature over
// sha256(Data) by the key named in Identity.
type Item struct {
	Identity  string
	Data      []byte
	Signature []byte
}

// Storage is the storage-layer contract.
type Storage interface {
	// GetMetadata returns the document for identity or ErrNotFound.
	GetMetadata(ctx context.Context, identity string) ([]byte, error)
	// SetMetadataStream writes all items atomically where the backend allows.
	SetMetadataStream(ctx context.Context, items []Item) error
	// AcquireWriteLock takes the write lock for identity at nonce, returning
	// a release token or ErrLockContention.
	AcquireWriteLock(ctx context.Context, identity string, nonce int) (string, error)
	// ReleaseWriteLock releases a lock taken with AcquireWriteLock.
	ReleaseWriteLock(ctx context.Context, identity, token string) error
	// DeleteMetadata removes the document for identity.
	DeleteMetadata(ctx context.Context, identity string) error
	// Close releases backend resources.
	Close() error
}

// Identity builds a storage identity from a compressed public key and an
// optional scope.
func Identity(pubKeyHex string, scope string) string {
	if scope == "" {
		return pubKeyHex
	}
	return pubKeyHex + "/" + scope
}

// ParseIdentity splits an identity into its public key and scope.
func ParseIdentity(identity string) (*btcec.PublicKey, string, error) {
	keyHex, scope, _ := strings.Cut(identity, "/")
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, "", fmt.Errorf("identity %q: %w", identity, err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, "", fmt.Errorf("identity %q: %w", identity, err)
	}
	return pub, scope, nil
}

// VerifyItem checks the item signature against the identity's public key.
func VerifyItem(item Item) error {
	pub, _, err := ParseIdentity(item.Identity)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig, err := schnorr.ParseSignature(item.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	digest := sha256.Sum256(item.Data)
	if !sig.Verify(digest[:], pub) {
		return fmt.Errorf("%w: identity %s", ErrInvalidSignature, item.Identity)
	}
	return nil
}

func verifyItems(items []Item) error {
	for _, item := range items {
		if err := VerifyItem(item); err != nil {
			return err
		}
	}
	return nil
}
