// Package tkey is a threshold key-management core. A secp256k1 private key is
// split into Shamir shares held by a service provider and by devices, and
// reconstructed from any threshold of them. A versioned metadata document
// describes the sharing, buffered locally and committed to a storage layer
// under an optimistic write lock. Alongside the main key each key may carry
// TSS tags: independently shared signing keys whose device shares are
// encrypted to factor keys.
package tkey

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/canopy-network/canopy/lib/tkey/storage"
)

// KeyState tracks where a ThresholdKey is in its lifecycle.
type KeyState int

const (
	StateUninitialized KeyState = iota
	StateInitializing
	StateReady
	StateWiped
)

func (s KeyState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateWiped:
		return "wiped"
	default:
		return "unknown"
	}
}

// Options configures New.
type Options struct {
	ServiceProvider ServiceProvider
	// Storage is used as is when set; otherwise StorageURI is opened.
	Storage    storage.Storage
	StorageURI string
	// TSSServers is required only for TSS operations.
	TSSServers TSSServers
	Modules    []Module
	ManualSync bool
	TSSTag     string
	// Threshold for new keys, 2 when zero.
	Threshold int
	Log       *slog.Logger
	Audit     AuditEventHandler
	Metrics   *Metrics
}

// ThresholdKey orchestrates one key: its metadata, the shares held locally,
// the transition log and the TSS tags. It is not safe for concurrent use;
// separate instances coordinate through the storage layer's write lock.
type ThresholdKey struct {
	curve      Curve
	sp         ServiceProvider
	store      storage.Storage
	storageURI string
	tssServers TSSServers
	modules    *ModuleRegistry
	manualSync bool
	threshold  int
	log        *slog.Logger
	audit      AuditEventHandler
	metrics    *Metrics

	state       KeyState
	metadata    *Metadata
	syncedNonce int
	transitions []*LocalTransition
	privKey     Scalar
	// shares maps polynomial ID and share index hex to the shares held locally.
	shares map[string]map[string]*ShareStore
	tssTag string
}

// New creates an uninitialized ThresholdKey.
func New(opts Options) (*ThresholdKey, error) {
	if opts.ServiceProvider == nil {
		return nil, ErrInvalidConfiguration.WithDetails("service provider is required")
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Storage == nil {
		if opts.StorageURI == "" {
			return nil, ErrInvalidConfiguration.WithDetails("storage or storage URI is required")
		}
		store, err := storage.Open(opts.StorageURI, opts.Log)
		if err != nil {
			return nil, ErrInvalidConfiguration.WithCause(err)
		}
		opts.Storage = store
	}
	if opts.Audit == nil {
		opts.Audit = &NullAuditHandler{}
	}
	if opts.TSSTag == "" {
		opts.TSSTag = DefaultTSSTag
	}
	if opts.Threshold == 0 {
		opts.Threshold = 2
	}

	tk := &ThresholdKey{
		curve:      NewSecp256k1Curve(),
		sp:         opts.ServiceProvider,
		store:      opts.Storage,
		storageURI: opts.StorageURI,
		tssServers: opts.TSSServers,
		modules:    NewModuleRegistry(),
		manualSync: opts.ManualSync,
		threshold:  opts.Threshold,
		log:        opts.Log,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		state:      StateUninitialized,
		shares:     map[string]map[string]*ShareStore{},
		tssTag:     opts.TSSTag,
	}
	for _, m := range opts.Modules {
		if err := tk.RegisterModule(m); err != nil {
			return nil, err
		}
	}
	return tk, nil
}

// InitializeOptions controls Initialize.
type InitializeOptions struct {
	// UseTSS creates the active TSS tag when it does not exist yet.
	UseTSS bool
	// FactorPub receives the device TSS share of a new tag.
	FactorPub Point
	// DeviceTSSShare fixes the device TSS share; random when nil.
	DeviceTSSShare Scalar
	// DeviceTSSIndex is the device's TSS index, 2 when zero.
	DeviceTSSIndex int
	// WithShare is a device share to load alongside the service provider share.
	WithShare *ShareStore
	// ImportedKey becomes the main secret of a new key instead of a random one.
	ImportedKey Scalar
	// DeterminedShares force the new polynomial through these points.
	DeterminedShares []*Share
	// NeverInitializeNewKey fails with ErrMetadataUnavailable instead of
	// creating a key when none exists.
	NeverInitializeNewKey bool
	// Threshold for a new key; the key's default when zero.
	Threshold int
}

// KeyDetails summarizes the key.
type KeyDetails struct {
	PubKey            Point
	Threshold         int
	TotalShares       int
	RequiredShares    int
	ShareDescriptions map[string][]string
	Security          *SecurityAssessment
}

// ReconstructedKey is the result of ReconstructKey.
type ReconstructedKey struct {
	PrivKey Scalar
	// AllKeys holds PrivKey followed by any keys modules derived from it.
	AllKeys []Scalar
}

// Initialize loads the key from the storage layer, creating a new one when
// none exists unless NeverInitializeNewKey is set.
func (tk *ThresholdKey) Initialize(ctx context.Context, opts InitializeOptions) (*KeyDetails, error) {
	prev := tk.state
	tk.state = StateInitializing

	md, err := tk.fetchMetadata(ctx)
	switch {
	case errors.Is(err, ErrMetadataUnavailable):
		if opts.NeverInitializeNewKey {
			tk.state = prev
			return nil, err
		}
		if err := tk.initializeNewKey(ctx, opts); err != nil {
			tk.state = prev
			return nil, err
		}
	case err != nil:
		tk.state = prev
		return nil, err
	default:
		if err := tk.loadExistingKey(ctx, md, opts); err != nil {
			tk.state = prev
			return nil, err
		}
	}

	tk.state = StateReady
	return tk.GetKeyDetails()
}

func (tk *ThresholdKey) loadExistingKey(ctx context.Context, md *Metadata, opts InitializeOptions) error {
	tk.metadata = md
	tk.syncedNonce = md.Nonce
	tk.transitions = nil
	tk.privKey = nil
	tk.shares = map[string]map[string]*ShareStore{}

	spShare, err := tk.fetchSPShare(ctx)
	switch {
	case errors.Is(err, ErrMetadataUnavailable):
		tk.log.Warn("No service provider share stored", slog.String("identity", tk.spShareIdentity()))
	case err != nil:
		return err
	default:
		tk.InputShareStore(spShare)
	}

	if opts.WithShare != nil {
		latest, err := tk.CatchupToLatestShare(ctx, opts.WithShare)
		if err != nil {
			return err
		}
		tk.InputShareStore(latest)
	}

	if opts.UseTSS {
		if _, ok := tk.metadata.TSSData[tk.tssTag]; !ok {
			if err := tk.initializeTSS(ctx, tk.tssTag, opts); err != nil {
				return err
			}
			if err := tk.enqueueMetadata(); err != nil {
				return err
			}
			return tk.commit(ctx)
		}
	}
	tk.log.Debug("Loaded key",
		slog.String("pub_key", PointHex(md.PubKey)),
		slog.Int("nonce", md.Nonce))
	return nil
}

func (tk *ThresholdKey) initializeNewKey(ctx context.Context, opts InitializeOptions) error {
	start := time.Now()
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = tk.threshold
	}
	if threshold < 1 {
		return ErrInvalidThreshold.WithDetails("threshold %d", threshold)
	}

	secret := opts.ImportedKey
	if secret == nil {
		var err error
		if secret, err = tk.curve.ScalarRandom(); err != nil {
			return ErrRandomGeneration.WithCause(err)
		}
	}

	one := tk.curve.ScalarOne()
	presets := append([]*Share(nil), opts.DeterminedShares...)
	used := []Scalar{one}
	for _, s := range presets {
		used = append(used, s.Index)
	}
	contributed := map[string]ShareContributor{}
	for _, m := range tk.modules.ordered() {
		c, ok := m.(ShareContributor)
		if !ok {
			continue
		}
		idx, err := RandomScalarExcluding(tk.curve, append(used, tk.curve.ScalarZero()))
		if err != nil {
			return err
		}
		value, err := c.ContributeShare(ctx, idx)
		if err != nil {
			return err
		}
		if value == nil {
			continue
		}
		presets = append(presets, NewShare(idx, value))
		used = append(used, idx)
		contributed[idx.String()] = c
	}
	if result := ValidateShareIndexes(used); !result.Valid {
		return ErrInvalidFormat.WithDetails("%s", result.Errors[0])
	}

	poly, err := GeneratePolynomial(tk.curve, threshold, secret, presets, used)
	if err != nil {
		return err
	}

	indexes := []Scalar{one}
	devices := threshold - 1 - len(presets)
	if devices < 1 {
		devices = 1
	}
	for i := 0; i < devices; i++ {
		idx, err := RandomScalarExcluding(tk.curve, append(used, tk.curve.ScalarZero()))
		if err != nil {
			return err
		}
		indexes = append(indexes, idx)
		used = append(used, idx)
	}
	for _, s := range presets {
		indexes = append(indexes, s.Index)
	}

	pp := poly.PublicPolynomial()
	md := NewMetadata(tk.curve, pp.PublicKey())
	md.AddPublicPolynomial(pp)
	stores := map[string]*ShareStore{}
	for key, share := range poly.GenerateShares(indexes) {
		if err := md.AddPublicShare(pp.ID(), share.Index, share.Public(tk.curve)); err != nil {
			return err
		}
		stores[key] = NewShareStore(share, pp.ID())
	}

	tk.metadata = md
	tk.syncedNonce = 0
	tk.transitions = nil
	tk.privKey = secret
	tk.shares = map[string]map[string]*ShareStore{pp.ID(): stores}

	if err := tk.enqueueSPShare(stores[one.String()]); err != nil {
		return err
	}
	if opts.UseTSS {
		if err := tk.initializeTSS(ctx, tk.tssTag, opts); err != nil {
			return err
		}
	}
	for idx, c := range contributed {
		if err := c.ShareCommitted(ctx, stores[idx]); err != nil {
			return err
		}
	}
	if err := tk.enqueueMetadata(); err != nil {
		return err
	}

	tk.audit.OnShareLifecycle(NewAuditEventBuilder(AuditEventKeyCreated, ReasonInitialization).
		WithKey(md.PubKey, pp.ID()).
		WithNonce(md.Nonce).
		BuildShareLifecycle(sortedKeys(stores), threshold, time.Since(start)))
	tk.log.Info("Created new key",
		slog.String("pub_key", PointHex(md.PubKey)),
		slog.Int("threshold", threshold),
		slog.Int("shares", len(stores)))

	return tk.commit(ctx)
}

// ReconstructKey interpolates the main key from the shares held locally.
// With fetchExtraShares, shares of older polynomials are first followed to
// the latest polynomial through the share chain.
func (tk *ThresholdKey) ReconstructKey(ctx context.Context, fetchExtraShares bool) (rk *ReconstructedKey, err error) {
	defer func() {
		tk.metrics.observeReconstruct(err)
		if err != nil {
			tk.audit.OnError(NewAuditEventBuilder(AuditEventKeyReconstructed, ReasonRecovery).WithError(err).Build())
		}
	}()

	if tk.metadata == nil {
		return nil, ErrMetadataUnavailable
	}
	pp, err := tk.metadata.GetLatestPublicPolynomial()
	if err != nil {
		return nil, err
	}
	latest := pp.ID()

	sawDeleted := false
	if fetchExtraShares {
		for _, polyID := range sortedKeys(tk.shares) {
			if polyID == latest {
				continue
			}
			for _, idx := range sortedKeys(tk.shares[polyID]) {
				if _, have := tk.shares[latest][idx]; have {
					continue
				}
				caught, err := tk.CatchupToLatestShare(ctx, tk.shares[polyID][idx])
				if errors.Is(err, ErrShareAlreadyDeleted) {
					sawDeleted = true
					continue
				}
				if err != nil {
					tk.log.Debug("Could not catch up share", slog.String("index", idx), "err", err)
					continue
				}
				tk.InputShareStore(caught)
			}
		}
	}

	shares := tk.liveShares()
	if len(shares) < pp.Threshold() {
		if sawDeleted {
			return nil, ErrShareAlreadyDeleted.WithDetails("have %d of %d shares", len(shares), pp.Threshold())
		}
		return nil, ErrInsufficientShares.WithDetails("have %d of %d shares", len(shares), pp.Threshold())
	}

	secret, err := ReconstructSecret(tk.curve, shares, pp.Threshold())
	if err != nil {
		return nil, err
	}
	if !tk.curve.BasePoint().Mul(secret).Equal(tk.metadata.PubKey) {
		return nil, ErrInsufficientShares.WithDetails("shares do not interpolate to the public key")
	}
	tk.privKey = secret

	allKeys := []Scalar{secret}
	for _, m := range tk.modules.ordered() {
		kr, ok := m.(KeyReconstructor)
		if !ok {
			continue
		}
		keys, err := kr.ReconstructKeys(ctx)
		if err != nil {
			return nil, err
		}
		allKeys = append(allKeys, keys...)
	}

	tk.audit.OnShareLifecycle(NewAuditEventBuilder(AuditEventKeyReconstructed, ReasonRecovery).
		WithKey(tk.metadata.PubKey, latest).
		WithNonce(tk.metadata.Nonce).
		BuildShareLifecycle(nil, pp.Threshold(), 0))
	return &ReconstructedKey{PrivKey: secret, AllKeys: allKeys}, nil
}

// liveShares returns the verified local shares of the latest polynomial,
// ordered by index.
func (tk *ThresholdKey) liveShares() []*Share {
	pp, err := tk.metadata.GetLatestPublicPolynomial()
	if err != nil {
		return nil
	}
	live := tk.metadata.PublicShares[pp.ID()]
	var out []*Share
	for _, idx := range sortedKeys(tk.shares[pp.ID()]) {
		if _, ok := live[idx]; !ok {
			continue
		}
		share := tk.shares[pp.ID()][idx].Share
		if ok, _ := pp.VerifyShare(share); !ok {
			tk.log.Warn("Ignoring share that does not match its polynomial", slog.String("index", idx))
			continue
		}
		out = append(out, share)
	}
	return out
}

// GetKeyDetails summarizes the key and how many more shares reconstruction needs.
func (tk *ThresholdKey) GetKeyDetails() (*KeyDetails, error) {
	if tk.metadata == nil {
		return nil, ErrMetadataUnavailable
	}
	pp, err := tk.metadata.GetLatestPublicPolynomial()
	if err != nil {
		return nil, err
	}
	required := pp.Threshold() - len(tk.liveShares())
	if required < 0 {
		required = 0
	}
	descs := make(map[string][]string, len(tk.metadata.ShareDescriptions))
	for k, v := range tk.metadata.ShareDescriptions {
		descs[k] = append([]string(nil), v...)
	}
	total := len(tk.metadata.PublicShares[pp.ID()])
	return &KeyDetails{
		PubKey:            tk.metadata.PubKey,
		Threshold:         pp.Threshold(),
		TotalShares:       total,
		RequiredShares:    required,
		ShareDescriptions: descs,
		Security:          AssessSecurity(total, pp.Threshold()),
	}, nil
}

// PrivKey returns the reconstructed main key.
func (tk *ThresholdKey) PrivKey() (Scalar, error) {
	if tk.privKey == nil {
		return nil, ErrPrivateKeyUnavailable
	}
	return tk.privKey, nil
}

// Metadata returns the working metadata document. Callers must not modify it.
func (tk *ThresholdKey) Metadata() (*Metadata, error) {
	if tk.metadata == nil {
		return nil, ErrMetadataUnavailable
	}
	return tk.metadata, nil
}

func (tk *ThresholdKey) State() KeyState                  { return tk.state }
func (tk *ThresholdKey) Curve() Curve                     { return tk.curve }
func (tk *ThresholdKey) ServiceProvider() ServiceProvider { return tk.sp }
func (tk *ThresholdKey) Storage() storage.Storage         { return tk.store }
func (tk *ThresholdKey) ManualSync() bool                 { return tk.manualSync }
func (tk *ThresholdKey) SyncedNonce() int                 { return tk.syncedNonce }
func (tk *ThresholdKey) Logger() *slog.Logger             { return tk.log }

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
