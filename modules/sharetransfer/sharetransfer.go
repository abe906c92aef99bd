// Package sharetransfer moves a share from a device that holds it to a new
// device of the same key. The new device posts a request carrying a fresh
// encryption key to a transfer store; an existing device answers it with a
// share encrypted to that key.
//
// The transfer store lives under its own storage identity, the pointer. The
// pointer's private key is kept in the key's general store, so only devices
// that can read the metadata can find and write the transfer store.
package sharetransfer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/canopy-network/canopy/lib/tkey"
)

// ModuleName is the registry name and general-store domain of the module.
const ModuleName = "shareTransfer"

// DefaultPollInterval is how often StartRequestStatusCheck reads the store.
const DefaultPollInterval = time.Second

var (
	ErrNotInitialized = tkey.NewTKeyError(
		tkey.ErrorCategoryModule, tkey.ErrorSeverityLow, 1741,
		"share transfer store not initialized")

	ErrRequestNotFound = tkey.NewTKeyError(
		tkey.ErrorCategoryModule, tkey.ErrorSeverityLow, 1742,
		"share transfer request not found")

	ErrNoShareToTransfer = tkey.NewTKeyError(
		tkey.ErrorCategoryModule, tkey.ErrorSeverityLow, 1743,
		"no local share the requester is missing")
)

// pointer is the module's general-store record.
type pointer struct {
	Pointer string `json:"pointer"`
}

// Request is one entry of the transfer store, keyed by EncPubKey.
type Request struct {
	EncPubKey             string                 `json:"encPubKey"`
	EncShareInTransit     *tkey.EncryptedMessage `json:"encShareInTransit,omitempty"`
	AvailableShareIndexes []string               `json:"availableShareIndexes"`
	UserAgent             string                 `json:"userAgent"`
	Timestamp             int64                  `json:"timestamp"`
}

// Approved reports whether a share has been posted for the request.
func (r *Request) Approved() bool { return r.EncShareInTransit != nil }

// Module implements share transfer. It is a ShareRefresher: deleting a share
// moves the transfer store to a new pointer, so a removed device loses
// access to it.
type Module struct {
	tk       *tkey.ThresholdKey
	interval time.Duration
	// pending holds the decryption keys of requests made by this device.
	pending map[string]tkey.Scalar
}

// New creates the module.
func New() *Module {
	return &Module{interval: DefaultPollInterval, pending: map[string]tkey.Scalar{}}
}

// SetPollInterval overrides DefaultPollInterval.
func (m *Module) SetPollInterval(d time.Duration) {
	if d > 0 {
		m.interval = d
	}
}

func (m *Module) Name() string { return ModuleName }

func (m *Module) Attach(tk *tkey.ThresholdKey) error {
	m.tk = tk
	return nil
}

// Initialize creates the transfer store pointer when the key has none. It
// needs the reconstructed key when a pointer has to be created.
func (m *Module) Initialize(ctx context.Context) error {
	if _, err := m.pointerKey(); !errors.Is(err, ErrNotInitialized) {
		return err
	}
	if _, err := m.tk.PrivKey(); err != nil {
		return err
	}
	if err := m.rotatePointer(); err != nil {
		return err
	}
	return m.tk.CommitMetadata(ctx)
}

// Pointer returns the storage identity of the transfer store.
func (m *Module) Pointer() (string, error) {
	key, err := m.pointerKey()
	if err != nil {
		return "", err
	}
	return tkey.PointHex(m.tk.Curve().BasePoint().Mul(key)), nil
}

func (m *Module) pointerKey() (tkey.Scalar, error) {
	var p pointer
	found, err := m.tk.GetGeneralStoreDomain(ModuleName, &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotInitialized
	}
	return tkey.ScalarFromHex(m.tk.Curve(), p.Pointer)
}

func (m *Module) rotatePointer() error {
	key, err := m.tk.Curve().ScalarRandom()
	if err != nil {
		return tkey.ErrRandomGeneration.WithCause(err)
	}
	return m.tk.SetGeneralStoreDomain(ModuleName, &pointer{Pointer: key.String()})
}

// GetShareTransferStore returns the open requests keyed by encryption key.
func (m *Module) GetShareTransferStore(ctx context.Context) (map[string]*Request, error) {
	key, err := m.pointerKey()
	if err != nil {
		return nil, err
	}
	return m.load(ctx, key)
}

func (m *Module) load(ctx context.Context, key tkey.Scalar) (map[string]*Request, error) {
	identity := tkey.PointHex(m.tk.Curve().BasePoint().Mul(key))
	plain, err := m.tk.GetGenericMetadataWithTransitionStates(ctx, identity, key)
	if errors.Is(err, tkey.ErrMetadataUnavailable) {
		return map[string]*Request{}, nil
	}
	if err != nil {
		return nil, err
	}
	store := map[string]*Request{}
	if err := json.Unmarshal(plain, &store); err != nil {
		return nil, tkey.ErrInvalidFormat.WithCause(err).WithDetails("share transfer store")
	}
	return store, nil
}

func (m *Module) save(ctx context.Context, key tkey.Scalar, store map[string]*Request) error {
	plain, err := json.Marshal(store)
	if err != nil {
		return err
	}
	return m.tk.SetGenericMetadata(ctx, key, plain)
}

// update applies fn to the transfer store and writes it back.
func (m *Module) update(ctx context.Context, fn func(map[string]*Request) error) error {
	key, err := m.pointerKey()
	if err != nil {
		return err
	}
	store, err := m.load(ctx, key)
	if err != nil {
		return err
	}
	if err := fn(store); err != nil {
		return err
	}
	return m.save(ctx, key, store)
}

// RequestNewShare posts a request for a share this device is missing.
// available lists the share indexes the device already holds, so the
// approving device picks a different one. It returns the request key to
// pass to StartRequestStatusCheck.
func (m *Module) RequestNewShare(ctx context.Context, userAgent string, available []string) (string, error) {
	curve := m.tk.Curve()
	temp, err := curve.ScalarRandom()
	if err != nil {
		return "", tkey.ErrRandomGeneration.WithCause(err)
	}
	encPub := tkey.PointHex(curve.BasePoint().Mul(temp))
	err = m.update(ctx, func(store map[string]*Request) error {
		store[encPub] = &Request{
			EncPubKey:             encPub,
			AvailableShareIndexes: append([]string(nil), available...),
			UserAgent:             userAgent,
			Timestamp:             time.Now().Unix(),
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	m.pending[encPub] = temp
	m.tk.Logger().DebugContext(ctx, "Requested share transfer", slog.String("request", encPub))
	return encPub, nil
}

// ApproveRequest answers the request with share, encrypted to the request
// key. With a nil share the first local share of the latest polynomial the
// requester does not already hold is sent.
func (m *Module) ApproveRequest(ctx context.Context, encPub string, share *tkey.ShareStore) error {
	recipient, err := tkey.PointFromHex(m.tk.Curve(), encPub)
	if err != nil {
		return ErrRequestNotFound.WithCause(err)
	}
	return m.update(ctx, func(store map[string]*Request) error {
		req, ok := store[encPub]
		if !ok {
			return ErrRequestNotFound.WithContext("request", encPub)
		}
		if share == nil {
			picked, err := m.pickShare(req.AvailableShareIndexes)
			if err != nil {
				return err
			}
			share = picked
		}
		plain, err := json.Marshal(share)
		if err != nil {
			return err
		}
		enc, err := tkey.Encrypt(recipient, plain)
		tkey.ZeroizeBytes(plain)
		if err != nil {
			return err
		}
		req.EncShareInTransit = enc
		m.tk.Logger().DebugContext(ctx, "Approved share transfer",
			slog.String("request", encPub),
			slog.String("index", share.IndexHex()))
		return nil
	})
}

func (m *Module) pickShare(available []string) (*tkey.ShareStore, error) {
	indexes, err := m.tk.GetCurrentShareIndexes()
	if err != nil {
		return nil, err
	}
	for _, idxHex := range indexes {
		if slices.Contains(available, idxHex) {
			continue
		}
		idx, err := tkey.ScalarFromHex(m.tk.Curve(), idxHex)
		if err != nil {
			return nil, err
		}
		return m.tk.OutputShareStore(idx, "")
	}
	return nil, ErrNoShareToTransfer
}

// StartRequestStatusCheck polls the transfer store until the request made by
// RequestNewShare is approved, then inputs the transferred share. With
// deleteAfter the request is removed from the store afterwards. It returns
// when ctx is done or the request disappears from the store.
func (m *Module) StartRequestStatusCheck(ctx context.Context, encPub string, deleteAfter bool) (*tkey.ShareStore, error) {
	temp, ok := m.pending[encPub]
	if !ok {
		return nil, ErrRequestNotFound.WithDetails("request %s was not made by this device", encPub)
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		store, err := m.GetShareTransferStore(ctx)
		if err != nil {
			return nil, err
		}
		req, ok := store[encPub]
		if !ok {
			delete(m.pending, encPub)
			return nil, ErrRequestNotFound.WithContext("request", encPub)
		}
		if req.Approved() {
			return m.complete(ctx, encPub, temp, req, deleteAfter)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Module) complete(ctx context.Context, encPub string, temp tkey.Scalar, req *Request, deleteAfter bool) (*tkey.ShareStore, error) {
	plain, err := tkey.Decrypt(temp, req.EncShareInTransit)
	if err != nil {
		return nil, err
	}
	defer tkey.ZeroizeBytes(plain)
	share, err := tkey.ShareStoreFromJSON(plain)
	if err != nil {
		return nil, err
	}
	if err := m.tk.InputShareStoreSafe(ctx, share, false); err != nil {
		return nil, err
	}
	delete(m.pending, encPub)
	if deleteAfter {
		if err := m.DeleteShareTransferStore(ctx, encPub); err != nil {
			return nil, err
		}
	}
	m.tk.Logger().DebugContext(ctx, "Received transferred share", slog.String("index", share.IndexHex()))
	return share, nil
}

// DeleteShareTransferStore removes one request.
func (m *Module) DeleteShareTransferStore(ctx context.Context, encPub string) error {
	return m.update(ctx, func(store map[string]*Request) error {
		delete(store, encPub)
		return nil
	})
}

// ResetShareTransferStore removes every request.
func (m *Module) ResetShareTransferStore(ctx context.Context) error {
	key, err := m.pointerKey()
	if err != nil {
		return err
	}
	return m.save(ctx, key, map[string]*Request{})
}

// RefreshShares moves the transfer store to a new pointer when a share index
// is dropped. Open requests stay behind under the old pointer.
func (m *Module) RefreshShares(ctx context.Context, oldShares, newShares map[string]*tkey.ShareStore) error {
	if _, err := m.pointerKey(); errors.Is(err, ErrNotInitialized) {
		return nil
	} else if err != nil {
		return err
	}
	for idxHex := range oldShares {
		if _, kept := newShares[idxHex]; !kept {
			m.tk.Logger().DebugContext(ctx, "Rotating share transfer pointer", slog.String("deleted_index", idxHex))
			return m.rotatePointer()
		}
	}
	return nil
}
