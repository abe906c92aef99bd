package tkey

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/canopy-network/canopy/lib/tkey/storage"
)

// SyncLocalMetadataTransitions commits the local transition log under the
// write lock for the last synced nonce. Losing the lock, or finding that the
// remote nonce moved, returns ErrLockContention and leaves the log intact.
func (tk *ThresholdKey) SyncLocalMetadataTransitions(ctx context.Context) (err error) {
	if len(tk.transitions) == 0 {
		return nil
	}
	start := time.Now()
	identity := tk.metadataIdentity()
	pending := len(tk.transitions)
	contention := false
	defer func() {
		tk.metrics.observeSync(start, err)
		reason := ReasonAutoSync
		if tk.manualSync {
			reason = ReasonManualSync
		}
		b := NewAuditEventBuilder(AuditEventSync, reason).WithNonce(tk.syncedNonce)
		if tk.metadata != nil {
			b = b.WithKey(tk.metadata.PubKey, tk.metadata.LatestPolyID())
		}
		if err != nil {
			b = b.WithError(err)
		}
		tk.audit.OnSync(b.BuildSync(pending, contention))
	}()

	token, err := tk.store.AcquireWriteLock(ctx, identity, tk.syncedNonce)
	if errors.Is(err, storage.ErrLockContention) {
		contention = true
		tk.metrics.observeLockContention()
		tk.log.Debug("Lost write lock", slog.String("identity", identity), slog.Int("nonce", tk.syncedNonce))
		return ErrLockContention.WithContext("nonce", tk.syncedNonce)
	}
	if err != nil {
		return ErrMetadataCommitFailed.WithCause(err)
	}
	defer func() {
		if rerr := tk.store.ReleaseWriteLock(ctx, identity, token); rerr != nil {
			tk.log.Error("Failed to release write lock", slog.String("identity", identity), "err", rerr)
		}
	}()

	remote, err := tk.fetchRemoteNonce(ctx)
	if err != nil {
		return err
	}
	if remote != tk.syncedNonce {
		contention = true
		tk.metrics.observeLockContention()
		tk.log.Debug("Remote nonce moved",
			slog.String("identity", identity),
			slog.Int("expected", tk.syncedNonce),
			slog.Int("remote", remote))
		return ErrLockContention.WithDetails("remote nonce %d, expected %d", remote, tk.syncedNonce)
	}

	items := make([]storage.Item, 0, pending)
	lastNonce := tk.syncedNonce
	for _, t := range tk.transitions {
		item, err := t.item()
		if err != nil {
			return err
		}
		items = append(items, item)
		if t.Kind == TransitionMetadata {
			lastNonce = t.Nonce
		}
	}
	if err := tk.store.SetMetadataStream(ctx, items); err != nil {
		tk.log.Error("Failed to commit transitions", slog.String("identity", identity), "err", err)
		return ErrMetadataCommitFailed.WithCause(err)
	}

	tk.syncedNonce = lastNonce
	tk.transitions = nil
	tk.log.Debug("Synced local transitions", slog.Int("items", pending), slog.Int("nonce", lastNonce))
	return nil
}

// commit flushes the log unless the key is in manual sync mode.
func (tk *ThresholdKey) commit(ctx context.Context) error {
	if tk.manualSync {
		return nil
	}
	return tk.SyncLocalMetadataTransitions(ctx)
}

// fetchMetadata reads and decrypts the remote document. A missing document
// yields ErrMetadataUnavailable.
func (tk *ThresholdKey) fetchMetadata(ctx context.Context) (*Metadata, error) {
	identity := tk.metadataIdentity()
	raw, err := tk.store.GetMetadata(ctx, identity)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrMetadataUnavailable.WithContext("identity", identity)
	}
	if err != nil {
		tk.log.Error("Failed to fetch metadata", slog.String("identity", identity), "err", err)
		return nil, ErrMetadataFetchFailed.WithCause(err)
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	if doc.Marker == KeyNotFound || doc.Enc == nil {
		return nil, ErrMetadataUnavailable.WithContext("identity", identity)
	}
	plain, err := tk.sp.Decrypt(doc.Enc)
	if err != nil {
		return nil, ErrMetadataFetchFailed.WithCause(err)
	}
	return MetadataFromJSON(tk.curve, plain)
}

func (tk *ThresholdKey) fetchRemoteNonce(ctx context.Context) (int, error) {
	md, err := tk.fetchMetadata(ctx)
	if errors.Is(err, ErrMetadataUnavailable) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return md.Nonce, nil
}

// fetchSPShare reads the service provider's copy of share index 1.
func (tk *ThresholdKey) fetchSPShare(ctx context.Context) (*ShareStore, error) {
	plain, err := tk.GetGenericMetadataWithTransitionStates(ctx, tk.spShareIdentity(), tk.sp.PostboxKey())
	if err != nil {
		return nil, err
	}
	var store ShareStore
	if err := json.Unmarshal(plain, &store); err != nil {
		return nil, err
	}
	return &store, nil
}
