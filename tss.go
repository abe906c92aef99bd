package tkey

import (
	"context"
	"log/slog"
)

// TSSThreshold is the number of parties needed to reconstruct a TSS secret:
// the server set and one device.
const TSSThreshold = 2

// DefaultTSSDeviceIndex is the TSS index of a device share when none is given.
const DefaultTSSDeviceIndex = 2

// ImportTSSKeyOptions controls ImportTSSKey.
type ImportTSSKeyOptions struct {
	Tag       string
	ImportKey Scalar
	// FactorPubs receive the device shares, at the matching NewTSSIndexes.
	FactorPubs    []Point
	NewTSSIndexes []int
}

func (tk *ThresholdKey) requireTSSServers() error {
	if tk.tssServers == nil {
		return ErrTSSUnavailable.WithDetails("no TSS server set configured")
	}
	return nil
}

func (tk *ThresholdKey) tssData(tag string) (*TSSData, error) {
	if tk.metadata == nil {
		return nil, ErrMetadataUnavailable
	}
	data, ok := tk.metadata.TSSData[tag]
	if !ok || len(data.PolyCommits) != TSSThreshold {
		return nil, ErrTSSUnavailable.WithContext("tag", tag)
	}
	return data, nil
}

// tssAuthSigs authorizes a server share request for (tag, nonce).
func (tk *ThresholdKey) tssAuthSigs(tag string, nonce int) ([][]byte, error) {
	sig, err := tk.sp.Sign(TSSAuthMessage(tk.metadataIdentity(), tag, nonce))
	if err != nil {
		return nil, ErrTSSAuthFailed.WithCause(err)
	}
	return [][]byte{sig}, nil
}

func (tk *ThresholdKey) serverShare(ctx context.Context, tag string, nonce int) (Scalar, error) {
	sigs, err := tk.tssAuthSigs(tag, nonce)
	if err != nil {
		return nil, err
	}
	return tk.tssServers.ServerShare(ctx, tk.metadataIdentity(), tag, nonce, sigs)
}

// tssCommitment returns f(index)·G for the degree-1 TSS polynomial commits.
func (tk *ThresholdKey) tssCommitment(commits []Point, index int) Point {
	return commits[0].Add(commits[1].Mul(tk.curve.ScalarFromInt(uint64(index))))
}

// initializeTSS creates tag at nonce 0. The polynomial runs through the
// server's share at index 1 and the device share at the device index, so only
// the public half of the server share is needed.
func (tk *ThresholdKey) initializeTSS(ctx context.Context, tag string, opts InitializeOptions) error {
	if err := tk.requireTSSServers(); err != nil {
		return err
	}
	if opts.FactorPub == nil {
		return ErrFactorNotFound.WithDetails("a factor key is required to create TSS tag %s", tag)
	}
	deviceIndex := opts.DeviceTSSIndex
	if deviceIndex == 0 {
		deviceIndex = DefaultTSSDeviceIndex
	}
	if result := ValidateTSSTargets([]int{deviceIndex}, []Point{opts.FactorPub}); !result.Valid {
		return ErrInvalidFormat.WithDetails("%s", result.Errors[0])
	}

	device := opts.DeviceTSSShare
	if device == nil {
		var err error
		if device, err = tk.curve.ScalarRandom(); err != nil {
			return ErrRandomGeneration.WithCause(err)
		}
	}

	serverPub, err := tk.tssServers.ServerPubKey(ctx, tk.metadataIdentity(), tag, 0)
	if err != nil {
		return ErrTSSUnavailable.WithCause(err)
	}
	coeffs, err := LagrangeCoefficients(tk.curve, []Scalar{
		tk.curve.ScalarFromInt(TSSServerIndex),
		tk.curve.ScalarFromInt(uint64(deviceIndex)),
	})
	if err != nil {
		return err
	}
	a0 := serverPub.Mul(coeffs[0]).Add(tk.curve.BasePoint().Mul(device.Mul(coeffs[1])))
	a1 := serverPub.Sub(a0)

	enc, err := Encrypt(opts.FactorPub, device.Bytes())
	if err != nil {
		return err
	}
	tk.metadata.AddTSSData(TSSDataUpdate{
		Tag:         tag,
		Nonce:       0,
		PolyCommits: []Point{a0, a1},
		FactorPubs:  []Point{opts.FactorPub},
		FactorEncs: map[string]*FactorEnc{
			PointHex(opts.FactorPub): {TSSIndex: deviceIndex, Type: FactorEncTypeDirect, UserEnc: enc},
		},
		ReplaceFactorEncs: true,
	})

	tk.audit.OnTSSLifecycle(NewAuditEventBuilder(AuditEventTSSInitialized, ReasonInitialization).
		WithKey(tk.metadata.PubKey, tk.metadata.LatestPolyID()).
		BuildTSSLifecycle(tag, 0, 1))
	tk.log.Info("Created TSS tag", slog.String("tag", tag), slog.Int("device_index", deviceIndex))
	return nil
}

// GetTSSShare decrypts the active tag's share for factorKey and checks it
// against the tag's commitments.
func (tk *ThresholdKey) GetTSSShare(factorKey Scalar) (int, Scalar, error) {
	data, err := tk.tssData(tk.tssTag)
	if err != nil {
		return 0, nil, err
	}
	factorPub := tk.curve.BasePoint().Mul(factorKey)
	enc, ok := data.FactorEncs[PointHex(factorPub)]
	if !ok || enc.UserEnc == nil {
		return 0, nil, ErrFactorNotFound.WithContext("tag", tk.tssTag).WithContext("factor", PointHex(factorPub))
	}
	plain, err := Decrypt(factorKey, enc.UserEnc)
	if err != nil {
		return 0, nil, err
	}
	share, err := tk.curve.ScalarFromBytes(plain)
	ZeroizeBytes(plain)
	if err != nil {
		return 0, nil, ErrTSSShareInvalid.WithCause(err)
	}
	if !tk.curve.BasePoint().Mul(share).Equal(tk.tssCommitment(data.PolyCommits, enc.TSSIndex)) {
		return 0, nil, ErrTSSShareInvalid.WithContext("tag", tk.tssTag).WithContext("tss_index", enc.TSSIndex)
	}
	return enc.TSSIndex, share, nil
}

// GetTSSCommits returns the active tag's polynomial commitments.
func (tk *ThresholdKey) GetTSSCommits() ([]Point, error) {
	data, err := tk.tssData(tk.tssTag)
	if err != nil {
		return nil, err
	}
	return append([]Point(nil), data.PolyCommits...), nil
}

// GetTSSPub returns the active tag's public key.
func (tk *ThresholdKey) GetTSSPub() (Point, error) {
	data, err := tk.tssData(tk.tssTag)
	if err != nil {
		return nil, err
	}
	return data.PublicKey(), nil
}

// GetTSSNonce returns the active tag's epoch.
func (tk *ThresholdKey) GetTSSNonce() (int, error) {
	data, err := tk.tssData(tk.tssTag)
	if err != nil {
		return 0, err
	}
	return data.Nonce, nil
}

// GetFactorPubs returns the factor keys holding the active tag's shares.
func (tk *ThresholdKey) GetFactorPubs() ([]Point, error) {
	data, err := tk.tssData(tk.tssTag)
	if err != nil {
		return nil, err
	}
	return append([]Point(nil), data.FactorPubs...), nil
}

// TSSTag returns the active tag.
func (tk *ThresholdKey) TSSTag() string { return tk.tssTag }

// SetTSSTag switches the active tag. It is a local change only.
func (tk *ThresholdKey) SetTSSTag(tag string) error {
	if !tssTagPattern.MatchString(tag) {
		return ErrInvalidFormat.WithDetails("invalid TSS tag %q", tag)
	}
	tk.tssTag = tag
	return nil
}

// dealTSS evaluates a degree-1 polynomial through (0, secret) and
// (1, serverShare) at each target and encrypts the results to the factors.
func (tk *ThresholdKey) dealTSS(secret, serverShare Scalar, indexes []int, factorPubs []Point) ([]Point, map[string]*FactorEnc, error) {
	poly := NewPolynomial(tk.curve, []Scalar{secret.Add(tk.curve.ScalarZero()), serverShare.Sub(secret)})
	defer poly.Zeroize()

	encs := make(map[string]*FactorEnc, len(factorPubs))
	for i, pub := range factorPubs {
		share := poly.Evaluate(tk.curve.ScalarFromInt(uint64(indexes[i])))
		enc, err := Encrypt(pub, share.Bytes())
		share.Zeroize()
		if err != nil {
			return nil, nil, err
		}
		encs[PointHex(pub)] = &FactorEnc{TSSIndex: indexes[i], Type: FactorEncTypeDirect, UserEnc: enc}
	}
	return poly.Commitments(), encs, nil
}

// refreshTSS reshares the active tag to newIndexes / newFactorPubs at the
// next nonce, keeping the secret. It only changes the working metadata.
func (tk *ThresholdKey) refreshTSS(ctx context.Context, factorKey Scalar, newIndexes []int, newFactorPubs []Point) error {
	if err := tk.requireTSSServers(); err != nil {
		return err
	}
	if result := ValidateTSSTargets(newIndexes, newFactorPubs); !result.Valid {
		return ErrInvalidFormat.WithDetails("%s", result.Errors[0])
	}
	tag := tk.tssTag
	data, err := tk.tssData(tag)
	if err != nil {
		return err
	}
	index, share, err := tk.GetTSSShare(factorKey)
	if err != nil {
		return err
	}
	defer share.Zeroize()

	nonce := data.Nonce
	s1, err := tk.serverShare(ctx, tag, nonce)
	if err != nil {
		return err
	}
	if !tk.curve.BasePoint().Mul(s1).Equal(tk.tssCommitment(data.PolyCommits, TSSServerIndex)) {
		return ErrTSSShareInvalid.WithDetails("server share does not match tag %s nonce %d", tag, nonce)
	}
	secret, err := ReconstructSecret(tk.curve, []*Share{
		NewShare(tk.curve.ScalarFromInt(TSSServerIndex), s1),
		NewShare(tk.curve.ScalarFromInt(uint64(index)), share),
	}, TSSThreshold)
	if err != nil {
		return err
	}
	next, err := tk.serverShare(ctx, tag, nonce+1)
	if err != nil {
		return err
	}

	commits, encs, err := tk.dealTSS(secret, next, newIndexes, newFactorPubs)
	if err != nil {
		return err
	}
	tk.metadata.AddTSSData(TSSDataUpdate{
		Tag:               tag,
		Nonce:             nonce + 1,
		PolyCommits:       commits,
		FactorPubs:        append([]Point(nil), newFactorPubs...),
		FactorEncs:        encs,
		ReplaceFactorEncs: true,
	})

	tk.metrics.observeTSSRefresh()
	tk.audit.OnTSSLifecycle(NewAuditEventBuilder(AuditEventTSSRefreshed, ReasonFactorChange).
		WithKey(tk.metadata.PubKey, tk.metadata.LatestPolyID()).
		WithNonce(tk.metadata.Nonce).
		BuildTSSLifecycle(tag, nonce+1, len(newFactorPubs)))
	tk.log.Debug("Refreshed TSS shares", slog.String("tag", tag), slog.Int("tss_nonce", nonce+1))
	return nil
}

// RefreshTSSShares reshares the active tag to a new set of device indexes and
// factor keys. factorKey must decrypt a share of the current nonce. Shares of
// the previous nonce cannot be combined with the new ones.
func (tk *ThresholdKey) RefreshTSSShares(ctx context.Context, factorKey Scalar, newIndexes []int, newFactorPubs []Point) error {
	if tk.metadata == nil {
		return ErrMetadataUnavailable
	}
	restore := tk.snapshot()
	if err := tk.refreshTSS(ctx, factorKey, newIndexes, newFactorPubs); err != nil {
		restore()
		return err
	}
	if err := tk.enqueueMetadata(); err != nil {
		restore()
		return err
	}
	return tk.commit(ctx)
}

// currentTargets returns the device indexes and factor keys of a tag.
func (tk *ThresholdKey) currentTargets(data *TSSData) ([]int, []Point) {
	indexes := make([]int, 0, len(data.FactorPubs))
	pubs := make([]Point, 0, len(data.FactorPubs))
	for _, pub := range data.FactorPubs {
		enc, ok := data.FactorEncs[PointHex(pub)]
		if !ok {
			continue
		}
		indexes = append(indexes, enc.TSSIndex)
		pubs = append(pubs, pub)
	}
	return indexes, pubs
}

func (tk *ThresholdKey) addFactorPub(ctx context.Context, opts *TSSFactorOptions) error {
	if opts.FactorKey == nil || opts.FactorPub == nil {
		return ErrFactorNotFound.WithDetails("factor key and new factor pub are required")
	}
	data, err := tk.tssData(tk.tssTag)
	if err != nil {
		return err
	}
	index := opts.TSSIndex
	if index == 0 {
		index = DefaultTSSDeviceIndex
	}
	indexes, pubs := tk.currentTargets(data)
	return tk.refreshTSS(ctx, opts.FactorKey, append(indexes, index), append(pubs, opts.FactorPub))
}

func (tk *ThresholdKey) deleteFactorPub(ctx context.Context, factorKey Scalar, deletePub Point) error {
	if factorKey == nil || deletePub == nil {
		return ErrFactorNotFound.WithDetails("factor key and factor pub to delete are required")
	}
	data, err := tk.tssData(tk.tssTag)
	if err != nil {
		return err
	}
	indexes, pubs := tk.currentTargets(data)
	var keepIdx []int
	var keepPubs []Point
	for i, pub := range pubs {
		if pub.Equal(deletePub) {
			continue
		}
		keepIdx = append(keepIdx, indexes[i])
		keepPubs = append(keepPubs, pub)
	}
	if len(keepPubs) == len(pubs) {
		return ErrFactorNotFound.WithContext("factor", PointHex(deletePub))
	}
	if len(keepPubs) == 0 {
		return ErrInvalidFormat.WithDetails("cannot delete the last factor key of tag %s", tk.tssTag)
	}
	return tk.refreshTSS(ctx, factorKey, keepIdx, keepPubs)
}

// AddFactorPub reshares the active tag to also include newFactorPub at
// tssIndex.
func (tk *ThresholdKey) AddFactorPub(ctx context.Context, factorKey Scalar, newFactorPub Point, tssIndex int) error {
	if tk.metadata == nil {
		return ErrMetadataUnavailable
	}
	restore := tk.snapshot()
	err := tk.addFactorPub(ctx, &TSSFactorOptions{FactorKey: factorKey, FactorPub: newFactorPub, TSSIndex: tssIndex})
	if err == nil {
		err = tk.enqueueMetadata()
	}
	if err != nil {
		restore()
		return err
	}
	return tk.commit(ctx)
}

// DeleteFactorPub reshares the active tag without deletePub.
func (tk *ThresholdKey) DeleteFactorPub(ctx context.Context, factorKey Scalar, deletePub Point) error {
	if tk.metadata == nil {
		return ErrMetadataUnavailable
	}
	restore := tk.snapshot()
	err := tk.deleteFactorPub(ctx, factorKey, deletePub)
	if err == nil {
		err = tk.enqueueMetadata()
	}
	if err != nil {
		restore()
		return err
	}
	return tk.commit(ctx)
}

// ImportTSSKey shares an externally supplied secret under opts.Tag and makes
// it the active tag. A new tag starts at nonce 0; an existing tag moves to
// its next nonce. The main key must be reconstructed. The tag is active once
// the transition is buffered, even when the following sync fails.
func (tk *ThresholdKey) ImportTSSKey(ctx context.Context, opts ImportTSSKeyOptions) error {
	if err := tk.requirePrivKey(); err != nil {
		return err
	}
	if err := tk.requireTSSServers(); err != nil {
		return err
	}
	if !tssTagPattern.MatchString(opts.Tag) {
		return ErrInvalidFormat.WithDetails("invalid TSS tag %q", opts.Tag)
	}
	if opts.ImportKey == nil || opts.ImportKey.IsZero() {
		return ErrInvalidFormat.WithDetails("import key is required")
	}
	if result := ValidateTSSTargets(opts.NewTSSIndexes, opts.FactorPubs); !result.Valid {
		return ErrInvalidFormat.WithDetails("%s", result.Errors[0])
	}

	nonce := 0
	if existing, ok := tk.metadata.TSSData[opts.Tag]; ok {
		nonce = existing.Nonce + 1
	}
	s1, err := tk.serverShare(ctx, opts.Tag, nonce)
	if err != nil {
		return err
	}
	commits, encs, err := tk.dealTSS(opts.ImportKey, s1, opts.NewTSSIndexes, opts.FactorPubs)
	if err != nil {
		return err
	}

	restore := tk.snapshot()
	tk.metadata.AddTSSData(TSSDataUpdate{
		Tag:               opts.Tag,
		Nonce:             nonce,
		PolyCommits:       commits,
		FactorPubs:        append([]Point(nil), opts.FactorPubs...),
		FactorEncs:        encs,
		ReplaceFactorEncs: true,
	})
	if err := tk.enqueueMetadata(); err != nil {
		restore()
		return err
	}
	tk.audit.OnTSSLifecycle(NewAuditEventBuilder(AuditEventTSSImported, ReasonImport).
		WithKey(tk.metadata.PubKey, tk.metadata.LatestPolyID()).
		WithNonce(tk.metadata.Nonce).
		BuildTSSLifecycle(opts.Tag, nonce, len(opts.FactorPubs)))
	// The buffered metadata holds the tag from here on.
	tk.tssTag = opts.Tag
	return tk.commit(ctx)
}

// UnsafeExportTSSKey reconstructs the active tag's secret from the caller's
// share and the server share. Whoever holds the result no longer needs the
// server set, so use it only to migrate a key out.
func (tk *ThresholdKey) UnsafeExportTSSKey(ctx context.Context, factorKey Scalar) (Scalar, error) {
	if err := tk.requireTSSServers(); err != nil {
		return nil, err
	}
	data, err := tk.tssData(tk.tssTag)
	if err != nil {
		return nil, err
	}
	index, share, err := tk.GetTSSShare(factorKey)
	if err != nil {
		return nil, err
	}
	defer share.Zeroize()
	s1, err := tk.serverShare(ctx, tk.tssTag, data.Nonce)
	if err != nil {
		return nil, err
	}
	secret, err := ReconstructSecret(tk.curve, []*Share{
		NewShare(tk.curve.ScalarFromInt(TSSServerIndex), s1),
		NewShare(tk.curve.ScalarFromInt(uint64(index)), share),
	}, TSSThreshold)
	if err != nil {
		return nil, err
	}
	if !tk.curve.BasePoint().Mul(secret).Equal(data.PublicKey()) {
		return nil, ErrTSSShareInvalid.WithDetails("reconstructed secret does not match tag %s", tk.tssTag)
	}

	tk.log.Warn("Exported TSS secret", slog.String("tag", tk.tssTag), slog.Int("tss_nonce", data.Nonce))
	tk.audit.OnTSSLifecycle(NewAuditEventBuilder(AuditEventTSSExported, ReasonUserRequest).
		WithKey(tk.metadata.PubKey, tk.metadata.LatestPolyID()).
		WithNonce(tk.metadata.Nonce).
		BuildTSSLifecycle(tk.tssTag, data.Nonce, len(data.FactorPubs)))
	return secret, nil
}
