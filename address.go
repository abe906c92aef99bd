package tkey

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PointToAddress returns the Ethereum address of a secp256k1 public key.
func PointToAddress(p Point) (common.Address, error) {
	sp, ok := p.(*Secp256k1Point)
	if !ok || p.IsIdentity() {
		return common.Address{}, ErrInvalidFormat.WithDetails("address needs a secp256k1 public key")
	}
	return crypto.PubkeyToAddress(*sp.PublicKey().ToECDSA()), nil
}

// Address is the Ethereum address of the main key.
func (tk *ThresholdKey) Address() (common.Address, error) {
	if tk.metadata == nil {
		return common.Address{}, ErrMetadataUnavailable
	}
	return PointToAddress(tk.metadata.PubKey)
}

// TSSAddress is the Ethereum address of the active TSS tag.
func (tk *ThresholdKey) TSSAddress() (common.Address, error) {
	pub, err := tk.GetTSSPub()
	if err != nil {
		return common.Address{}, err
	}
	return PointToAddress(pub)
}
