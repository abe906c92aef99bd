package tkey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"runtime"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Secp256k1Curve implements the Curve interface for secp256k1
type Secp256k1Curve struct{}

// NewSecp256k1Curve creates a new secp256k1 curve instance
func NewSecp256k1Curve() *Secp256k1Curve {
	return &Secp256k1Curve{}
}

func (c *Secp256k1Curve) Name() string    { return "secp256k1" }
func (c *Secp256k1Curve) ScalarSize() int { return 32 }
func (c *Secp256k1Curve) PointSize() int  { return 65 } // Uncompressed

func (c *Secp256k1Curve) ScalarFromBytes(data []byte) (Scalar, error) {
	if len(data) != 32 {
		return nil, ErrInvalidScalarLength
	}

	scalar := new(btcec.ModNScalar)
	scalar.SetBytes((*[32]byte)(data)) // reduces mod n

	return &Secp256k1Scalar{inner: scalar}, nil
}

func (c *Secp256k1Curve) ScalarFromUniformBytes(data []byte) (Scalar, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("need at least 32 bytes for uniform scalar generation, got %d", len(data))
	}

	scalar := new(btcec.ModNScalar)
	scalar.SetBytes((*[32]byte)(data[:32]))
	return &Secp256k1Scalar{inner: scalar}, nil
}

func (c *Secp256k1Curve) ScalarFromInt(v uint64) Scalar {
	var buf [32]byte
	new(big.Int).SetUint64(v).FillBytes(buf[:])
	scalar := new(btcec.ModNScalar)
	scalar.SetBytes(&buf)
	return &Secp256k1Scalar{inner: scalar}
}

func (c *Secp256k1Curve) ScalarRandom() (Scalar, error) {
	for {
		bytes := make([]byte, 32)
		if _, err := rand.Read(bytes); err != nil {
			return nil, err
		}

		scalar := new(btcec.ModNScalar)
		overflow := scalar.SetBytes((*[32]byte)(bytes))
		if overflow == 0 && !scalar.IsZero() {
			return &Secp256k1Scalar{inner: scalar}, nil
		}
	}
}

func (c *Secp256k1Curve) ScalarZero() Scalar {
	return &Secp256k1Scalar{inner: new(btcec.ModNScalar)}
}

func (c *Secp256k1Curve) ScalarOne() Scalar {
	scalar := new(btcec.ModNScalar)
	scalar.SetInt(1)
	return &Secp256k1Scalar{inner: scalar}
}

func (c *Secp256k1Curve) PointFromBytes(data []byte) (Point, error) {
	if len(data) != 33 && len(data) != 65 {
		return nil, ErrInvalidPointLength
	}

	pubKey, err := btcec.ParsePubKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}

	return &Secp256k1Point{inner: pubKey}, nil
}

func (c *Secp256k1Curve) PointFromCoordinates(x, y *big.Int) (Point, error) {
	if x.Sign() < 0 || y.Sign() < 0 || x.BitLen() > 256 || y.BitLen() > 256 {
		return nil, ErrInvalidPoint
	}
	buf := make([]byte, 65)
	buf[0] = 0x04
	x.FillBytes(buf[1:33])
	y.FillBytes(buf[33:])
	return c.PointFromBytes(buf)
}

func (c *Secp256k1Curve) BasePoint() Point {
	return &Secp256k1Point{inner: btcec.Generator()}
}

func (c *Secp256k1Curve) PointIdentity() Point {
	// Point at infinity
	return &Secp256k1Point{inner: nil}
}

func (c *Secp256k1Curve) ValidateScalar(data []byte) error {
	if len(data) != 32 {
		return ErrInvalidScalarLength
	}

	scalar := new(btcec.ModNScalar)
	overflow := scalar.SetBytes((*[32]byte)(data))
	if overflow != 0 {
		return ErrInvalidScalar
	}

	return nil
}

func (c *Secp256k1Curve) ValidatePoint(data []byte) error {
	_, err := c.PointFromBytes(data)
	return err
}

// Secp256k1Scalar implements the Scalar interface
type Secp256k1Scalar struct {
	inner *btcec.ModNScalar
}

func (s *Secp256k1Scalar) Bytes() []byte {
	var bytes [32]byte
	s.inner.PutBytes(&bytes)
	return bytes[:]
}

func (s *Secp256k1Scalar) String() string {
	return hex.EncodeToString(s.Bytes())
}

func (s *Secp256k1Scalar) Add(other Scalar) Scalar {
	result := new(btcec.ModNScalar)
	result.Add(s.inner).Add(other.(*Secp256k1Scalar).inner)
	return &Secp256k1Scalar{inner: result}
}

func (s *Secp256k1Scalar) Sub(other Scalar) Scalar {
	neg := new(btcec.ModNScalar).Set(other.(*Secp256k1Scalar).inner).Negate()
	result := new(btcec.ModNScalar)
	result.Add(s.inner).Add(neg)
	return &Secp256k1Scalar{inner: result}
}

func (s *Secp256k1Scalar) Mul(other Scalar) Scalar {
	result := new(btcec.ModNScalar)
	result.Set(s.inner).Mul(other.(*Secp256k1Scalar).inner)
	return &Secp256k1Scalar{inner: result}
}

func (s *Secp256k1Scalar) Negate() Scalar {
	result := new(btcec.ModNScalar)
	result.Add(s.inner).Negate()
	return &Secp256k1Scalar{inner: result}
}

func (s *Secp256k1Scalar) Invert() (Scalar, error) {
	if s.IsZero() {
		return nil, ErrScalarZero
	}

	result := new(btcec.ModNScalar)
	// WARNING: btcec/v2 only offers non-constant-time inversion.
	result.Set(s.inner).InverseNonConst()
	return &Secp256k1Scalar{inner: result}, nil
}

func (s *Secp256k1Scalar) Equal(other Scalar) bool {
	o, ok := other.(*Secp256k1Scalar)
	if !ok {
		return false
	}
	return s.inner.Equals(o.inner)
}

func (s *Secp256k1Scalar) IsZero() bool {
	return s.inner.IsZero()
}

func (s *Secp256k1Scalar) Zeroize() {
	s.inner.Zero()
	runtime.KeepAlive(s)
}

// Secp256k1Point implements the Point interface
type Secp256k1Point struct {
	inner *btcec.PublicKey
}

// PublicKey exposes the underlying btcec key for signature verification.
func (p *Secp256k1Point) PublicKey() *btcec.PublicKey {
	return p.inner
}

func (p *Secp256k1Point) Bytes() []byte {
	if p.inner == nil {
		return make([]byte, 65) // Point at infinity
	}
	return p.inner.SerializeUncompressed()
}

func (p *Secp256k1Point) CompressedBytes() []byte {
	if p.inner == nil {
		return make([]byte, 33) // Point at infinity
	}
	return p.inner.SerializeCompressed()
}

func (p *Secp256k1Point) String() string {
	return hex.EncodeToString(p.CompressedBytes())
}

func (p *Secp256k1Point) Coordinates() (*big.Int, *big.Int) {
	if p.inner == nil {
		return new(big.Int), new(big.Int)
	}
	raw := p.inner.SerializeUncompressed()
	return new(big.Int).SetBytes(raw[1:33]), new(big.Int).SetBytes(raw[33:])
}

func (p *Secp256k1Point) MarshalJSON() ([]byte, error) {
	return marshalPoint(p)
}

func (p *Secp256k1Point) UnmarshalJSON(data []byte) error {
	pt, err := unmarshalPoint(NewSecp256k1Curve(), data)
	if err != nil {
		return err
	}
	p.inner = pt.(*Secp256k1Point).inner
	return nil
}

func (p *Secp256k1Point) Add(other Point) Point {
	o := other.(*Secp256k1Point)
	if p.inner == nil {
		return o
	}
	if o.inner == nil {
		return p
	}

	var result, otherJac btcec.JacobianPoint
	p.inner.AsJacobian(&result)
	o.inner.AsJacobian(&otherJac)

	// WARNING: non-constant-time point addition.
	btcec.AddNonConst(&result, &otherJac, &result)
	return jacobianToPoint(&result)
}

func (p *Secp256k1Point) Sub(other Point) Point {
	return p.Add(other.Negate())
}

func (p *Secp256k1Point) Mul(scalar Scalar) Point {
	if p.inner == nil || scalar.IsZero() {
		return &Secp256k1Point{inner: nil}
	}

	var scalarInt btcec.ModNScalar
	scalarInt.SetBytes((*[32]byte)(scalar.Bytes()))

	var pointJac, result btcec.JacobianPoint
	p.inner.AsJacobian(&pointJac)

	// WARNING: non-constant-time scalar multiplication.
	btcec.ScalarMultNonConst(&scalarInt, &pointJac, &result)
	return jacobianToPoint(&result)
}

func (p *Secp256k1Point) Negate() Point {
	if p.inner == nil {
		return p
	}

	var jac btcec.JacobianPoint
	p.inner.AsJacobian(&jac)
	jac.Y.Negate(1)
	jac.Y.Normalize()
	return jacobianToPoint(&jac)
}

func (p *Secp256k1Point) Equal(other Point) bool {
	o, ok := other.(*Secp256k1Point)
	if !ok {
		return false
	}
	if p.inner == nil && o.inner == nil {
		return true
	}
	if p.inner == nil || o.inner == nil {
		return false
	}

	return p.inner.IsEqual(o.inner)
}

func (p *Secp256k1Point) IsIdentity() bool {
	return p.inner == nil
}

func (p *Secp256k1Point) IsOnCurve() bool {
	if p.inner == nil {
		return true
	}
	return p.inner.IsOnCurve()
}

// jacobianToPoint converts to affine, mapping the point at infinity to a nil
// inner key.
func jacobianToPoint(jac *btcec.JacobianPoint) *Secp256k1Point {
	if (jac.X.IsZero() && jac.Y.IsZero()) || jac.Z.IsZero() {
		return &Secp256k1Point{inner: nil}
	}
	jac.ToAffine()
	return &Secp256k1Point{inner: btcec.NewPublicKey(&jac.X, &jac.Y)}
}
