package tkey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PublicPolynomial is the public commitment to a sharing polynomial: one
// point per coefficient, lowest degree first. Its ID names a sharing epoch.
type PublicPolynomial struct {
	curve       Curve
	commitments []Point
	id          string
}

// NewPublicPolynomial wraps commitments, computing the polynomial ID once.
func NewPublicPolynomial(curve Curve, commitments []Point) *PublicPolynomial {
	h := sha256.New()
	for _, c := range commitments {
		h.Write(c.CompressedBytes())
	}
	return &PublicPolynomial{
		curve:       curve,
		commitments: commitments,
		id:          hex.EncodeToString(h.Sum(nil)),
	}
}

// ID is the sha256 of the compressed commitments.
func (pp *PublicPolynomial) ID() string {
	return pp.id
}

// Threshold returns the number of shares needed to reconstruct.
func (pp *PublicPolynomial) Threshold() int {
	return len(pp.commitments)
}

// PublicKey returns the commitment to the constant term.
func (pp *PublicPolynomial) PublicKey() Point {
	return pp.commitments[0]
}

// Commitments returns a copy of the coefficient commitments.
func (pp *PublicPolynomial) Commitments() []Point {
	out := make([]Point, len(pp.commitments))
	copy(out, pp.commitments)
	return out
}

// ShareCommitment evaluates the polynomial in the exponent: sum C_i·x^i.
func (pp *PublicPolynomial) ShareCommitment(index Scalar) Point {
	expected := pp.curve.PointIdentity()
	xPower := pp.curve.ScalarOne()
	for _, c := range pp.commitments {
		expected = expected.Add(c.Mul(xPower))
		xPower = xPower.Mul(index)
	}
	return expected
}

// VerifyShare checks share.Value·G against the commitment at share.Index.
func (pp *PublicPolynomial) VerifyShare(share *Share) (bool, error) {
	if share == nil || share.Index == nil || share.Value == nil {
		return false, fmt.Errorf("share cannot be nil")
	}
	if len(pp.commitments) == 0 {
		return false, fmt.Errorf("no commitments available")
	}
	if share.Index.IsZero() {
		return false, fmt.Errorf("share index cannot be zero")
	}
	return pp.ShareCommitment(share.Index).Equal(share.Public(pp.curve)), nil
}

type publicPolynomialJSON struct {
	PolynomialCommitments []json.RawMessage `json:"polynomialCommitments"`
}

func (pp *PublicPolynomial) MarshalJSON() ([]byte, error) {
	raw := publicPolynomialJSON{PolynomialCommitments: make([]json.RawMessage, len(pp.commitments))}
	for i, c := range pp.commitments {
		b, err := marshalPoint(c)
		if err != nil {
			return nil, err
		}
		raw.PolynomialCommitments[i] = b
	}
	return json.Marshal(raw)
}

// PublicPolynomialFromJSON decodes a public polynomial on the given curve.
func PublicPolynomialFromJSON(curve Curve, data []byte) (*PublicPolynomial, error) {
	var raw publicPolynomialJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	commitments := make([]Point, len(raw.PolynomialCommitments))
	for i, c := range raw.PolynomialCommitments {
		p, err := unmarshalPoint(curve, c)
		if err != nil {
			return nil, fmt.Errorf("commitment %d: %w", i, err)
		}
		commitments[i] = p
	}
	return NewPublicPolynomial(curve, commitments), nil
}
