package tkey

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// Curve defines the interface for elliptic curve operations
type Curve interface {
	// Metadata
	Name() string
	ScalarSize() int
	PointSize() int

	// Scalar operations
	ScalarFromBytes([]byte) (Scalar, error)
	ScalarFromUniformBytes([]byte) (Scalar, error)
	ScalarFromInt(uint64) Scalar
	ScalarRandom() (Scalar, error)
	ScalarZero() Scalar
	ScalarOne() Scalar

	// Point operations
	PointFromBytes([]byte) (Point, error)
	PointFromCoordinates(x, y *big.Int) (Point, error)
	BasePoint() Point
	PointIdentity() Point

	// Validation
	ValidateScalar([]byte) error
	ValidatePoint([]byte) error
}

// Scalar represents a scalar value in the curve's field
type Scalar interface {
	// Serialization
	Bytes() []byte
	String() string

	// Arithmetic operations
	Add(Scalar) Scalar
	Sub(Scalar) Scalar
	Mul(Scalar) Scalar
	Negate() Scalar
	Invert() (Scalar, error)

	// Comparison
	Equal(Scalar) bool
	IsZero() bool

	// Security
	Zeroize()
}

// Point represents a point on the elliptic curve.
//
// Coordinates returns the canonical affine (x, y) pair. Serialization must go
// through it rather than through the backing library's internal representation.
type Point interface {
	// Serialization
	Bytes() []byte
	CompressedBytes() []byte
	String() string
	Coordinates() (x, y *big.Int)

	// Arithmetic operations
	Add(Point) Point
	Sub(Point) Point
	Mul(Scalar) Point
	Negate() Point

	// Comparison
	Equal(Point) bool
	IsIdentity() bool

	// Validation
	IsOnCurve() bool
}

// Common errors
var (
	ErrInvalidScalarLength = errors.New("invalid scalar length")
	ErrInvalidPointLength  = errors.New("invalid point length")
	ErrInvalidScalar       = errors.New("invalid scalar value")
	ErrInvalidPoint        = errors.New("invalid point")
	ErrPointNotOnCurve     = errors.New("point not on curve")
	ErrScalarZero          = errors.New("scalar is zero")
)

// SecureRandom generates cryptographically secure random bytes
func SecureRandom(size int) ([]byte, error) {
	bytes := make([]byte, size)
	_, err := rand.Read(bytes)
	return bytes, err
}

// pointJSON is the wire shape of a point: affine coordinates as
// zero-padded hex.
type pointJSON struct {
	X string `json:"x"`
	Y string `json:"y"`
}

func marshalPoint(p Point) ([]byte, error) {
	pj, err := toPointJSON(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(pj)
}

func unmarshalPoint(curve Curve, data []byte) (Point, error) {
	var raw pointJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return fromPointJSON(curve, raw)
}

func fromPointJSON(curve Curve, raw pointJSON) (Point, error) {
	x, okX := new(big.Int).SetString(raw.X, 16)
	y, okY := new(big.Int).SetString(raw.Y, 16)
	if !okX || !okY {
		return nil, fmt.Errorf("%w: bad coordinate hex", ErrInvalidPoint)
	}
	return curve.PointFromCoordinates(x, y)
}

// PointHex returns the compressed hex encoding used as a map key for points.
func PointHex(p Point) string {
	return p.String()
}
