package tkey

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/canopy-network/canopy/lib/tkey/storage"
)

// TransitionKind names what a buffered write carries.
type TransitionKind string

const (
	// TransitionMetadata is a full metadata snapshot at a new nonce.
	TransitionMetadata TransitionKind = "metadata"
	// TransitionShare links a superseded share to its successor, or marks it
	// deleted.
	TransitionShare TransitionKind = "share"
	// TransitionSPShare is the service provider's copy of share index 1.
	TransitionSPShare TransitionKind = "sp_share"
	// TransitionGeneric is a module document written by SetGenericMetadata.
	TransitionGeneric TransitionKind = "generic"
)

// spShareScope is the identity scope holding the service provider share.
const spShareScope = "share"

// document is what the storage layer holds for an identity: either a
// ciphertext or a marker.
type document struct {
	Marker string            `json:"marker,omitempty"`
	Enc    *EncryptedMessage `json:"enc,omitempty"`
}

// LocalTransition is one write buffered until the next sync. Data is sealed
// and signed when the transition is created, so the log can be serialized
// without holding any secret.
type LocalTransition struct {
	Kind      TransitionKind  `json:"kind"`
	Identity  string          `json:"identity"`
	Nonce     int             `json:"nonce"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

func newTransition(kind TransitionKind, identity string, nonce int, doc document, signer Scalar) (*LocalTransition, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	sig, err := SignMessage(signer, data)
	if err != nil {
		return nil, fmt.Errorf("sign %s transition: %w", kind, err)
	}
	return &LocalTransition{
		Kind:      kind,
		Identity:  identity,
		Nonce:     nonce,
		Data:      data,
		Signature: hex.EncodeToString(sig),
	}, nil
}

func (t *LocalTransition) item() (storage.Item, error) {
	sig, err := hex.DecodeString(t.Signature)
	if err != nil {
		return storage.Item{}, ErrInvalidFormat.WithCause(err).WithDetails("transition signature")
	}
	return storage.Item{Identity: t.Identity, Data: t.Data, Signature: sig}, nil
}

func decodeDocument(data []byte) (*document, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, ErrInvalidFormat.WithCause(err).WithDetails("stored document")
	}
	return &doc, nil
}

// LocalTransitions returns the buffered, not yet synced writes in order.
func (tk *ThresholdKey) LocalTransitions() []*LocalTransition {
	out := make([]*LocalTransition, len(tk.transitions))
	copy(out, tk.transitions)
	return out
}

func (tk *ThresholdKey) metadataIdentity() string {
	return PointHex(tk.sp.PostboxPub())
}

func (tk *ThresholdKey) spShareIdentity() string {
	return storage.Identity(tk.metadataIdentity(), spShareScope)
}

// enqueueMetadata bumps the working nonce and buffers a sealed snapshot.
func (tk *ThresholdKey) enqueueMetadata() error {
	if tk.metadata == nil {
		return ErrMetadataUnavailable
	}
	tk.metadata.Nonce++
	plain, err := json.Marshal(tk.metadata)
	if err != nil {
		tk.metadata.Nonce--
		return fmt.Errorf("encode metadata: %w", err)
	}
	enc, err := tk.sp.Encrypt(plain)
	if err != nil {
		tk.metadata.Nonce--
		return err
	}
	t, err := newTransition(TransitionMetadata, tk.metadataIdentity(), tk.metadata.Nonce, document{Enc: enc}, tk.sp.PostboxKey())
	if err != nil {
		tk.metadata.Nonce--
		return err
	}
	tk.transitions = append(tk.transitions, t)
	tk.log.Debug("Buffered metadata transition", slog.Int("nonce", t.Nonce), slog.Int("pending", len(tk.transitions)))
	return nil
}

// enqueueShareRecord links old to its successor, or marks old deleted when
// next is nil. The record lives under old's public key and is signed by it.
func (tk *ThresholdKey) enqueueShareRecord(old *Share, next *ShareStore) error {
	oldPub := old.Public(tk.curve)
	doc := document{Marker: ShareDeleted}
	if next != nil {
		plain, err := json.Marshal(next)
		if err != nil {
			return err
		}
		enc, err := Encrypt(oldPub, plain)
		if err != nil {
			return err
		}
		doc = document{Enc: enc}
	}
	t, err := newTransition(TransitionShare, PointHex(oldPub), 0, doc, old.Value)
	if err != nil {
		return err
	}
	tk.transitions = append(tk.transitions, t)
	return nil
}

func (tk *ThresholdKey) enqueueSPShare(store *ShareStore) error {
	plain, err := json.Marshal(store)
	if err != nil {
		return err
	}
	enc, err := tk.sp.Encrypt(plain)
	if err != nil {
		return err
	}
	t, err := newTransition(TransitionSPShare, tk.spShareIdentity(), 0, document{Enc: enc}, tk.sp.PostboxKey())
	if err != nil {
		return err
	}
	tk.transitions = append(tk.transitions, t)
	return nil
}

// lookupDocument resolves identity against the local log first, newest
// entry wins, and falls back to the storage layer. found is false when
// neither has a document.
func (tk *ThresholdKey) lookupDocument(ctx context.Context, identity string) (doc *document, found bool, err error) {
	for i := len(tk.transitions) - 1; i >= 0; i-- {
		if tk.transitions[i].Identity == identity {
			doc, err := decodeDocument(tk.transitions[i].Data)
			return doc, err == nil, err
		}
	}

	raw, err := tk.store.GetMetadata(ctx, identity)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		tk.log.Error("Failed to fetch document", slog.String("identity", identity), "err", err)
		return nil, false, ErrMetadataFetchFailed.WithCause(err)
	}
	doc, err = decodeDocument(raw)
	if err != nil {
		return nil, false, err
	}
	if doc.Marker == KeyNotFound {
		return nil, false, nil
	}
	return doc, true, nil
}

// GetGenericMetadataWithTransitionStates returns the plaintext that identity
// would hold after the pending transitions sync, decrypted with key. A
// deleted-share marker yields ErrShareAlreadyDeleted.
func (tk *ThresholdKey) GetGenericMetadataWithTransitionStates(ctx context.Context, identity string, key Scalar) ([]byte, error) {
	doc, found, err := tk.lookupDocument(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrMetadataUnavailable.WithContext("identity", identity)
	}
	if doc.Marker == ShareDeleted {
		return nil, ErrShareAlreadyDeleted.WithContext("identity", identity)
	}
	if doc.Enc == nil {
		return nil, ErrInvalidFormat.WithDetails("document for %s has neither marker nor ciphertext", identity)
	}
	return Decrypt(key, doc.Enc)
}

// SetGenericMetadata writes plain, encrypted to key's public key and signed
// with key, under that public key's identity. The write goes straight to the
// storage layer under the identity's write lock, outside the transition log.
func (tk *ThresholdKey) SetGenericMetadata(ctx context.Context, key Scalar, plain []byte) error {
	pub := tk.curve.BasePoint().Mul(key)
	enc, err := Encrypt(pub, plain)
	if err != nil {
		return err
	}
	identity := PointHex(pub)
	t, err := newTransition(TransitionGeneric, identity, 0, document{Enc: enc}, key)
	if err != nil {
		return err
	}
	item, err := t.item()
	if err != nil {
		return err
	}

	token, err := tk.store.AcquireWriteLock(ctx, identity, 0)
	if errors.Is(err, storage.ErrLockContention) {
		tk.metrics.observeLockContention()
		return ErrLockContention.WithContext("identity", identity)
	}
	if err != nil {
		return ErrMetadataCommitFailed.WithCause(err)
	}
	defer func() {
		if rerr := tk.store.ReleaseWriteLock(ctx, identity, token); rerr != nil {
			tk.log.Error("Failed to release write lock", slog.String("identity", identity), "err", rerr)
		}
	}()
	if err := tk.store.SetMetadataStream(ctx, []storage.Item{item}); err != nil {
		return ErrMetadataCommitFailed.WithCause(err)
	}
	tk.log.Debug("Stored generic metadata", slog.String("identity", identity))
	return nil
}
