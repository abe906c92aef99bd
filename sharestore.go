package tkey

import (
	"encoding/json"
	"fmt"
)

// ShareStore binds a share to the polynomial that produced it. It is the unit
// that is exported, transferred between devices and imported again.
type ShareStore struct {
	Share        *Share
	PolynomialID string
}

// NewShareStore creates a ShareStore.
func NewShareStore(share *Share, polyID string) *ShareStore {
	return &ShareStore{Share: share, PolynomialID: polyID}
}

// IndexHex is the share index as hex, the key used throughout metadata.
func (s *ShareStore) IndexHex() string {
	return s.Share.Index.String()
}

type shareJSON struct {
	Share      string `json:"share"`
	ShareIndex string `json:"shareIndex"`
}

type shareStoreJSON struct {
	Share        shareJSON `json:"share"`
	PolynomialID string    `json:"polynomialID"`
}

func (s *ShareStore) MarshalJSON() ([]byte, error) {
	if s.Share == nil || s.Share.Index == nil || s.Share.Value == nil {
		return nil, fmt.Errorf("share store has no share")
	}
	return json.Marshal(shareStoreJSON{
		Share: shareJSON{
			Share:      s.Share.Value.String(),
			ShareIndex: s.Share.Index.String(),
		},
		PolynomialID: s.PolynomialID,
	})
}

func (s *ShareStore) UnmarshalJSON(data []byte) error {
	var raw shareStoreJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return ErrInvalidFormat.WithCause(err).WithDetails("share store")
	}
	curve := NewSecp256k1Curve()
	value, err := ScalarFromHex(curve, raw.Share.Share)
	if err != nil {
		return err
	}
	index, err := ScalarFromHex(curve, raw.Share.ShareIndex)
	if err != nil {
		return err
	}
	if index.IsZero() {
		return ErrInvalidFormat.WithDetails("share index cannot be zero")
	}
	s.Share = NewShare(index, value)
	s.PolynomialID = raw.PolynomialID
	return nil
}

// ShareStoreFromJSON decodes a ShareStore.
func ShareStoreFromJSON(data []byte) (*ShareStore, error) {
	s := new(ShareStore)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}
