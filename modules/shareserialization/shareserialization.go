// Package shareserialization converts share values to and from 24-word
// BIP39 mnemonics so a share can be written down and typed back in.
package shareserialization

import (
	"context"
	"log/slog"

	"github.com/tyler-smith/go-bip39"

	"github.com/canopy-network/canopy/lib/tkey"
)

// ModuleName is the registry name of the module.
const ModuleName = "shareSerialization"

// SerializeShare encodes a 32-byte share value as a mnemonic.
func SerializeShare(value tkey.Scalar) (string, error) {
	mnemonic, err := bip39.NewMnemonic(value.Bytes())
	if err != nil {
		return "", tkey.ErrInvalidFormat.WithCause(err).WithDetails("share value")
	}
	return mnemonic, nil
}

// DeserializeShare decodes a mnemonic written by SerializeShare. A wrong
// word or checksum yields tkey.ErrInvalidFormat.
func DeserializeShare(curve tkey.Curve, mnemonic string) (tkey.Scalar, error) {
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, tkey.ErrInvalidFormat.WithCause(err).WithDetails("share mnemonic")
	}
	defer tkey.ZeroizeBytes(entropy)
	value, err := curve.ScalarFromBytes(entropy)
	if err != nil {
		return nil, tkey.ErrInvalidFormat.WithCause(err).WithDetails("share mnemonic")
	}
	return value, nil
}

// Module exports local shares as mnemonics and imports them back.
type Module struct {
	tk *tkey.ThresholdKey
}

// New creates the module.
func New() *Module {
	return &Module{}
}

func (m *Module) Name() string { return ModuleName }

func (m *Module) Attach(tk *tkey.ThresholdKey) error {
	m.tk = tk
	return nil
}

// ExportShare returns the mnemonic of the local share at index of the
// latest polynomial.
func (m *Module) ExportShare(index tkey.Scalar) (string, error) {
	store, err := m.tk.OutputShareStore(index, "")
	if err != nil {
		return "", err
	}
	return SerializeShare(store.Share.Value)
}

// ImportShare decodes mnemonic, finds the share index of the latest
// polynomial it belongs to and inputs it.
func (m *Module) ImportShare(ctx context.Context, mnemonic string) (*tkey.ShareStore, error) {
	md, err := m.tk.Metadata()
	if err != nil {
		return nil, err
	}
	curve := m.tk.Curve()
	value, err := DeserializeShare(curve, mnemonic)
	if err != nil {
		return nil, err
	}
	pub := curve.BasePoint().Mul(value)
	polyID := md.LatestPolyID()
	for _, idxHex := range md.GetShareIndexesForPolynomial(polyID) {
		if !md.PublicShares[polyID][idxHex].Equal(pub) {
			continue
		}
		idx, err := tkey.ScalarFromHex(curve, idxHex)
		if err != nil {
			return nil, err
		}
		store := tkey.NewShareStore(tkey.NewShare(idx, value), polyID)
		if err := m.tk.InputShareStoreSafe(ctx, store, false); err != nil {
			return nil, err
		}
		m.tk.Logger().DebugContext(ctx, "Imported share from mnemonic", slog.String("index", idxHex))
		return store, nil
	}
	return nil, tkey.ErrShareNotFound.WithDetails("mnemonic does not match any share of polynomial %s", polyID)
}
