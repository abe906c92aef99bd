package tkey

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/canopy-network/canopy/lib/tkey/storage"
)

// TSSFactorOptions asks a share operation to also reshare the active TSS tag.
// FactorKey decrypts the caller's current TSS share and authorizes the refresh.
type TSSFactorOptions struct {
	FactorKey Scalar
	// FactorPub is the factor added by GenerateNewShare or removed by DeleteShare.
	FactorPub Point
	// TSSIndex is the device index for an added factor, 2 when zero.
	TSSIndex int
}

// GenerateShareResult is returned by GenerateNewShare.
type GenerateShareResult struct {
	NewShareIndex  Scalar
	NewShareStores map[string]*ShareStore
}

func (tk *ThresholdKey) requirePrivKey() error {
	if tk.metadata == nil {
		return ErrMetadataUnavailable
	}
	if tk.privKey == nil {
		return ErrPrivateKeyUnavailable
	}
	return nil
}

// snapshot captures the working state so a failed multi-step mutation can be
// undone before anything reaches the storage layer.
func (tk *ThresholdKey) snapshot() (restore func()) {
	saved, err := tk.metadata.Clone()
	n := len(tk.transitions)
	shares := make(map[string]map[string]*ShareStore, len(tk.shares))
	for polyID, stores := range tk.shares {
		shares[polyID] = stores
	}
	return func() {
		if err == nil {
			tk.metadata = saved
		}
		tk.transitions = tk.transitions[:n]
		tk.shares = shares
	}
}

// refreshShares moves the key to a new random polynomial of the given
// threshold with the same secret, evaluated at newIndexes. Every share of the
// old polynomial gets a chain record pointing to its successor or marking it
// deleted.
func (tk *ThresholdKey) refreshShares(ctx context.Context, threshold int, newIndexes []Scalar) (map[string]*ShareStore, error) {
	md := tk.metadata
	oldPP, err := md.GetLatestPublicPolynomial()
	if err != nil {
		return nil, err
	}
	oldThreshold := oldPP.Threshold()
	local := tk.liveShares()
	if len(local) < oldThreshold {
		return nil, ErrInsufficientShares.WithDetails("have %d of %d shares", len(local), oldThreshold)
	}
	if result := ValidateShareIndexes(newIndexes); !result.Valid {
		return nil, ErrInvalidFormat.WithDetails("%s", result.Errors[0])
	}
	if result := NewDefaultThresholdValidator().ValidateThresholdParameters(len(newIndexes), threshold); !result.Valid {
		return nil, ErrInsufficientShares.WithDetails("%s", result.Errors[0])
	}

	oldPoly, err := InterpolatePolynomial(tk.curve, local[:oldThreshold])
	if err != nil {
		return nil, err
	}
	newPoly, err := NewRandomPolynomial(tk.curve, threshold-1, tk.privKey)
	if err != nil {
		return nil, err
	}
	newPP := newPoly.PublicPolynomial()
	md.AddPublicPolynomial(newPP)

	newStores := map[string]*ShareStore{}
	for key, share := range newPoly.GenerateShares(newIndexes) {
		if err := md.AddPublicShare(newPP.ID(), share.Index, share.Public(tk.curve)); err != nil {
			return nil, err
		}
		newStores[key] = NewShareStore(share, newPP.ID())
	}

	oldStores := map[string]*ShareStore{}
	for _, idxHex := range md.GetShareIndexesForPolynomial(oldPP.ID()) {
		idx, err := ScalarFromHex(tk.curve, idxHex)
		if err != nil {
			return nil, err
		}
		old := NewShare(idx, oldPoly.Evaluate(idx))
		oldStores[idxHex] = NewShareStore(old, oldPP.ID())
		if err := tk.enqueueShareRecord(old, newStores[idxHex]); err != nil {
			return nil, err
		}
	}
	if sp, ok := newStores[tk.curve.ScalarOne().String()]; ok {
		if err := tk.enqueueSPShare(sp); err != nil {
			return nil, err
		}
	}

	for _, m := range tk.modules.ordered() {
		if r, ok := m.(ShareRefresher); ok {
			if err := r.RefreshShares(ctx, oldStores, newStores); err != nil {
				return nil, err
			}
		}
	}

	tk.shares[newPP.ID()] = newStores
	tk.log.Debug("Refreshed shares",
		slog.String("old_polynomial", oldPP.ID()),
		slog.String("new_polynomial", newPP.ID()),
		slog.Int("shares", len(newStores)))
	return newStores, nil
}

// GenerateNewShare adds a share at a fresh index, moving the key to a new
// polynomial. With tssOpts the active TSS tag is reshared to include
// tssOpts.FactorPub in the same metadata transition.
func (tk *ThresholdKey) GenerateNewShare(ctx context.Context, tssOpts *TSSFactorOptions) (*GenerateShareResult, error) {
	if err := tk.requirePrivKey(); err != nil {
		return nil, err
	}
	start := time.Now()

	historic, err := tk.metadata.AllShareIndexes()
	if err != nil {
		return nil, err
	}
	newIdx, err := RandomScalarExcluding(tk.curve, append(historic, tk.curve.ScalarZero()))
	if err != nil {
		return nil, err
	}
	indexes, err := tk.latestIndexes()
	if err != nil {
		return nil, err
	}
	indexes = append(indexes, newIdx)
	pp, err := tk.metadata.GetLatestPublicPolynomial()
	if err != nil {
		return nil, err
	}

	restore := tk.snapshot()
	stores, err := tk.refreshShares(ctx, pp.Threshold(), indexes)
	if err == nil && tssOpts != nil {
		err = tk.addFactorPub(ctx, tssOpts)
	}
	if err == nil {
		err = tk.enqueueMetadata()
	}
	if err != nil {
		restore()
		return nil, err
	}

	tk.metrics.observeShareGenerated()
	tk.audit.OnShareLifecycle(NewAuditEventBuilder(AuditEventShareGenerated, ReasonUserRequest).
		WithKey(tk.metadata.PubKey, tk.metadata.LatestPolyID()).
		WithNonce(tk.metadata.Nonce).
		BuildShareLifecycle([]string{newIdx.String()}, pp.Threshold(), time.Since(start)))

	if err := tk.commit(ctx); err != nil {
		return nil, err
	}
	return &GenerateShareResult{NewShareIndex: newIdx, NewShareStores: stores}, nil
}

// DeleteShare removes index from the key by moving to a new polynomial
// without it. The removed share's chain record marks it deleted, so it can
// never be used again. With tssOpts the active TSS tag is reshared without
// tssOpts.FactorPub.
func (tk *ThresholdKey) DeleteShare(ctx context.Context, index Scalar, tssOpts *TSSFactorOptions) error {
	if err := tk.requirePrivKey(); err != nil {
		return err
	}
	start := time.Now()
	idxHex := index.String()
	latest := tk.metadata.LatestPolyID()

	if _, live := tk.metadata.PublicShares[latest][idxHex]; !live {
		if tk.metadata.HistoricIndex(idxHex) {
			return ErrShareAlreadyDeleted.WithContext("index", idxHex)
		}
		return ErrShareNotFound.WithContext("index", idxHex)
	}
	if index.Equal(tk.curve.ScalarOne()) {
		return ErrInvalidFormat.WithDetails("the service provider share cannot be deleted")
	}

	current, err := tk.latestIndexes()
	if err != nil {
		return err
	}
	remaining := make([]Scalar, 0, len(current)-1)
	for _, idx := range current {
		if !idx.Equal(index) {
			remaining = append(remaining, idx)
		}
	}
	threshold := tk.metadata.PublicPolynomials[latest].Threshold()
	if len(remaining) < threshold {
		return ErrInsufficientShares.WithDetails("deleting share %s leaves %d of %d shares", idxHex, len(remaining), threshold)
	}

	restore := tk.snapshot()
	_, err = tk.refreshShares(ctx, threshold, remaining)
	if err == nil && tssOpts != nil {
		err = tk.deleteFactorPub(ctx, tssOpts.FactorKey, tssOpts.FactorPub)
	}
	if err == nil {
		delete(tk.metadata.ShareDescriptions, idxHex)
		err = tk.enqueueMetadata()
	}
	if err != nil {
		restore()
		return err
	}

	tk.metrics.observeShareDeleted()
	tk.audit.OnShareLifecycle(NewAuditEventBuilder(AuditEventShareDeleted, ReasonUserRequest).
		WithKey(tk.metadata.PubKey, tk.metadata.LatestPolyID()).
		WithNonce(tk.metadata.Nonce).
		BuildShareLifecycle([]string{idxHex}, threshold, time.Since(start)))
	return tk.commit(ctx)
}

// RefreshShares moves the key to a new polynomial of threshold evaluated at
// indexes, keeping the same secret. Indexes of the current polynomial that are
// left out are deleted as by DeleteShare. Index 1, the service provider
// share, must be kept and a removed index cannot come back.
func (tk *ThresholdKey) RefreshShares(ctx context.Context, threshold int, indexes []Scalar) (map[string]*ShareStore, error) {
	if err := tk.requirePrivKey(); err != nil {
		return nil, err
	}
	if threshold < 1 {
		return nil, ErrInvalidThreshold.WithDetails("threshold %d", threshold)
	}
	if len(indexes) < threshold {
		return nil, ErrInvalidThreshold.WithDetails("%d indexes for threshold %d", len(indexes), threshold)
	}
	start := time.Now()
	latest := tk.metadata.LatestPolyID()
	keepsSP := false
	for _, idx := range indexes {
		idxHex := idx.String()
		if idx.Equal(tk.curve.ScalarOne()) {
			keepsSP = true
		}
		if _, live := tk.metadata.PublicShares[latest][idxHex]; !live && tk.metadata.HistoricIndex(idxHex) {
			return nil, ErrShareAlreadyDeleted.WithContext("index", idxHex)
		}
	}
	if !keepsSP {
		return nil, ErrInvalidFormat.WithDetails("the service provider share cannot be deleted")
	}

	restore := tk.snapshot()
	stores, err := tk.refreshShares(ctx, threshold, indexes)
	if err == nil {
		for _, idxHex := range tk.metadata.GetShareIndexesForPolynomial(latest) {
			if _, kept := stores[idxHex]; !kept {
				delete(tk.metadata.ShareDescriptions, idxHex)
			}
		}
		err = tk.enqueueMetadata()
	}
	if err != nil {
		restore()
		return nil, err
	}

	tk.audit.OnShareLifecycle(NewAuditEventBuilder(AuditEventSharesRefreshed, ReasonUserRequest).
		WithKey(tk.metadata.PubKey, tk.metadata.LatestPolyID()).
		WithNonce(tk.metadata.Nonce).
		BuildShareLifecycle(sortedKeys(stores), threshold, time.Since(start)))
	if err := tk.commit(ctx); err != nil {
		return nil, err
	}
	return stores, nil
}

func (tk *ThresholdKey) latestIndexes() ([]Scalar, error) {
	var out []Scalar
	for _, idxHex := range tk.metadata.GetShareIndexesForPolynomial(tk.metadata.LatestPolyID()) {
		idx, err := ScalarFromHex(tk.curve, idxHex)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

// InputShareStore stores a share locally without any check. Shares of older
// polynomials are caught up during ReconstructKey.
func (tk *ThresholdKey) InputShareStore(store *ShareStore) {
	if tk.shares[store.PolynomialID] == nil {
		tk.shares[store.PolynomialID] = map[string]*ShareStore{}
	}
	tk.shares[store.PolynomialID][store.IndexHex()] = store
}

// InputShareStoreSafe accepts store if it is a valid share of a polynomial
// of this key. A share of an older polynomial is caught up first and its
// latest successor is what gets stored. A share whose index was removed from
// the key is rejected with ErrShareAlreadyDeleted; any other unreachable
// share with ErrShareNotFound. With doNotSave the share is only checked.
func (tk *ThresholdKey) InputShareStoreSafe(ctx context.Context, store *ShareStore, doNotSave bool) error {
	if tk.state == StateWiped {
		return ErrShareAlreadyDeleted.WithDetails("key was deleted")
	}
	if tk.metadata == nil {
		return ErrMetadataUnavailable
	}
	if store == nil || store.Share == nil {
		return ErrInvalidFormat.WithDetails("empty share store")
	}
	idxHex := store.IndexHex()

	pp, known := tk.metadata.PublicPolynomials[store.PolynomialID]
	if !known {
		return ErrShareNotFound.WithContext("polynomial", store.PolynomialID)
	}
	if ok, err := pp.VerifyShare(store.Share); err != nil || !ok {
		tk.audit.OnValidationFailure(NewAuditEventBuilder(AuditEventValidationFailure, ReasonValidationError).
			WithKey(tk.metadata.PubKey, store.PolynomialID).
			BuildValidationFailure("share", "share does not match its polynomial commitments",
				map[string]interface{}{"index": idxHex}))
		return ErrShareNotFound.WithDetails("share %s does not match polynomial %s", idxHex, store.PolynomialID)
	}

	latest := tk.metadata.LatestPolyID()
	if store.PolynomialID != latest {
		caught, err := tk.CatchupToLatestShare(ctx, store)
		if err != nil {
			return err
		}
		pp = tk.metadata.PublicPolynomials[latest]
		if ok, err := pp.VerifyShare(caught.Share); err != nil || !ok || caught.IndexHex() != idxHex {
			return ErrShareNotFound.WithDetails("share %s does not catch up to polynomial %s", idxHex, latest)
		}
		store = caught
	}
	if _, live := tk.metadata.PublicShares[latest][idxHex]; !live {
		return ErrShareAlreadyDeleted.WithContext("index", idxHex)
	}

	if !doNotSave {
		tk.InputShareStore(store)
		tk.audit.OnShareLifecycle(NewAuditEventBuilder(AuditEventShareInput, ReasonUserRequest).
			WithKey(tk.metadata.PubKey, latest).
			BuildShareLifecycle([]string{idxHex}, pp.Threshold(), 0))
	}
	return nil
}

// GetCurrentShareIndexes returns the indexes of the latest polynomial whose
// shares are held locally.
func (tk *ThresholdKey) GetCurrentShareIndexes() ([]string, error) {
	if tk.metadata == nil {
		return nil, ErrMetadataUnavailable
	}
	shares := tk.liveShares()
	out := make([]string, 0, len(shares))
	for _, s := range shares {
		out = append(out, s.Index.String())
	}
	return out, nil
}

// OutputShareStore returns the local share at index of polyID, the latest
// polynomial when polyID is empty.
func (tk *ThresholdKey) OutputShareStore(index Scalar, polyID string) (*ShareStore, error) {
	if tk.metadata == nil {
		return nil, ErrMetadataUnavailable
	}
	if polyID == "" {
		polyID = tk.metadata.LatestPolyID()
	}
	store, ok := tk.shares[polyID][index.String()]
	if !ok {
		return nil, ErrShareNotFound.WithContext("index", index.String()).WithContext("polynomial", polyID)
	}
	return store, nil
}

// CatchupToLatestShare follows the share chain from store to the latest
// polynomial. Without metadata it follows the chain as far as it goes.
func (tk *ThresholdKey) CatchupToLatestShare(ctx context.Context, store *ShareStore) (*ShareStore, error) {
	steps := 64
	if tk.metadata != nil {
		steps = len(tk.metadata.PolyIDList) + 1
	}
	current := store
	for i := 0; i < steps; i++ {
		if tk.metadata != nil && current.PolynomialID == tk.metadata.LatestPolyID() {
			return current, nil
		}
		identity := PointHex(current.Share.Public(tk.curve))
		plain, err := tk.GetGenericMetadataWithTransitionStates(ctx, identity, current.Share.Value)
		if errors.Is(err, ErrMetadataUnavailable) {
			if tk.metadata == nil {
				return current, nil
			}
			return nil, ErrShareNotFound.WithContext("index", current.IndexHex()).WithContext("polynomial", current.PolynomialID)
		}
		if err != nil {
			return nil, err
		}
		next, err := ShareStoreFromJSON(plain)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return nil, ErrShareNotFound.WithDetails("share chain longer than polynomial history")
}

// CRITICAL_DeleteTKey irreversibly deletes the key: every share of the latest
// polynomial is marked deleted and the metadata and service provider share
// are removed from the storage layer. The instance is reset, so a following
// Initialize creates a new key.
func (tk *ThresholdKey) CRITICAL_DeleteTKey(ctx context.Context) error {
	if tk.metadata == nil {
		return ErrMetadataUnavailable
	}
	pp, err := tk.metadata.GetLatestPublicPolynomial()
	if err != nil {
		return err
	}

	shares := tk.liveShares()
	if len(shares) >= pp.Threshold() {
		poly, err := InterpolatePolynomial(tk.curve, shares[:pp.Threshold()])
		if err != nil {
			return err
		}
		indexes, err := tk.latestIndexes()
		if err != nil {
			return err
		}
		shares = nil
		for _, idx := range indexes {
			shares = append(shares, NewShare(idx, poly.Evaluate(idx)))
		}
	}
	items := make([]storage.Item, 0, len(shares))
	for _, s := range shares {
		t, err := newTransition(TransitionShare, PointHex(s.Public(tk.curve)), 0, document{Marker: ShareDeleted}, s.Value)
		if err != nil {
			return err
		}
		item, err := t.item()
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	identity := tk.metadataIdentity()
	token, err := tk.store.AcquireWriteLock(ctx, identity, tk.syncedNonce)
	if errors.Is(err, storage.ErrLockContention) {
		tk.metrics.observeLockContention()
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

	if err := tk.store.SetMetadataStream(ctx, items); err != nil {
		return ErrMetadataCommitFailed.WithCause(err)
	}
	for _, id := range []string{identity, tk.spShareIdentity()} {
		if err := tk.store.DeleteMetadata(ctx, id); err != nil {
			return ErrMetadataCommitFailed.WithCause(err)
		}
	}

	tk.audit.OnShareLifecycle(NewAuditEventBuilder(AuditEventKeyDeleted, ReasonUserRequest).
		WithKey(tk.metadata.PubKey, pp.ID()).
		WithNonce(tk.metadata.Nonce).
		BuildShareLifecycle(tk.metadata.GetShareIndexesForPolynomial(pp.ID()), pp.Threshold(), 0))
	tk.log.Warn("Deleted key", slog.String("pub_key", PointHex(tk.metadata.PubKey)))

	tk.metadata = nil
	tk.privKey = nil
	tk.shares = map[string]map[string]*ShareStore{}
	tk.transitions = nil
	tk.syncedNonce = 0
	tk.state = StateWiped
	return nil
}

// AddShareDescription attaches a free-form description to a share index.
func (tk *ThresholdKey) AddShareDescription(ctx context.Context, indexHex, description string) error {
	if tk.metadata == nil {
		return ErrMetadataUnavailable
	}
	tk.metadata.AddShareDescription(indexHex, description)
	return tk.commitMutation(ctx)
}

// UpdateShareDescription replaces one description of a share index.
func (tk *ThresholdKey) UpdateShareDescription(ctx context.Context, indexHex, oldDescription, newDescription string) error {
	if tk.metadata == nil {
		return ErrMetadataUnavailable
	}
	if err := tk.metadata.UpdateShareDescription(indexHex, oldDescription, newDescription); err != nil {
		return err
	}
	return tk.commitMutation(ctx)
}

// DeleteShareDescription removes one description of a share index.
func (tk *ThresholdKey) DeleteShareDescription(ctx context.Context, indexHex, description string) error {
	if tk.metadata == nil {
		return ErrMetadataUnavailable
	}
	if err := tk.metadata.DeleteShareDescription(indexHex, description); err != nil {
		return err
	}
	return tk.commitMutation(ctx)
}

// SetGeneralStoreDomain sets a module's general-store value in the working
// metadata. It is recorded by the next metadata transition; call
// CommitMetadata to record it on its own.
func (tk *ThresholdKey) SetGeneralStoreDomain(name string, value interface{}) error {
	if tk.metadata == nil {
		return ErrMetadataUnavailable
	}
	return tk.metadata.SetGeneralStore(name, value)
}

// GetGeneralStoreDomain decodes a module's general-store value into out.
func (tk *ThresholdKey) GetGeneralStoreDomain(name string, out interface{}) (bool, error) {
	if tk.metadata == nil {
		return false, ErrMetadataUnavailable
	}
	return tk.metadata.GetGeneralStore(name, out)
}

// DeleteGeneralStoreDomain removes a module's general-store value.
func (tk *ThresholdKey) DeleteGeneralStoreDomain(name string) error {
	if tk.metadata == nil {
		return ErrMetadataUnavailable
	}
	tk.metadata.DeleteGeneralStore(name)
	return nil
}

// CommitMetadata buffers the working metadata as a new transition and syncs
// it unless the key is in manual sync mode.
func (tk *ThresholdKey) CommitMetadata(ctx context.Context) error {
	if tk.metadata == nil {
		return ErrMetadataUnavailable
	}
	return tk.commitMutation(ctx)
}

func (tk *ThresholdKey) commitMutation(ctx context.Context) error {
	if err := tk.enqueueMetadata(); err != nil {
		return err
	}
	return tk.commit(ctx)
}

// EncryptForKey encrypts msg to the main public key.
func (tk *ThresholdKey) EncryptForKey(msg []byte) (*EncryptedMessage, error) {
	if tk.metadata == nil {
		return nil, ErrMetadataUnavailable
	}
	return Encrypt(tk.metadata.PubKey, msg)
}

// DecryptWithKey decrypts a message encrypted with EncryptForKey.
func (tk *ThresholdKey) DecryptWithKey(enc *EncryptedMessage) ([]byte, error) {
	if tk.privKey == nil {
		return nil, ErrPrivateKeyUnavailable
	}
	return Decrypt(tk.privKey, enc)
}
