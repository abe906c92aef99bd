package tkey

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/google/uuid"
)

// HashFunction defines the interface for hash functions used for domain hashing
type HashFunction interface {
	hash.Hash
}

// DefaultHashFunction returns SHA-256 as the default hash function
func DefaultHashFunction() HashFunction {
	return sha256.New()
}

// HashToScalar hashes data to a scalar value with a domain separator
func HashToScalar(curve Curve, data ...[]byte) (Scalar, error) {
	hasher := DefaultHashFunction()

	hasher.Write([]byte("TKEY_HASH_TO_SCALAR"))
	hasher.Write([]byte(curve.Name()))

	for _, d := range data {
		hasher.Write(d)
	}

	return curve.ScalarFromUniformBytes(hasher.Sum(nil))
}

// ScalarFromHex parses a hex scalar, tolerating a 0x prefix and short input.
func ScalarFromHex(curve Curve, s string) (Scalar, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	raw, err := hex.DecodeString(leftPadHex(s, curve.ScalarSize()*2))
	if err != nil {
		return nil, ErrInvalidFormat.WithCause(err).WithDetails("scalar hex")
	}
	if len(raw) != curve.ScalarSize() {
		return nil, ErrInvalidFormat.WithDetails("scalar is %d bytes, want %d", len(raw), curve.ScalarSize())
	}
	return curve.ScalarFromBytes(raw)
}

// PointFromHex parses a compressed or uncompressed hex point.
func PointFromHex(curve Curve, s string) (Point, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, ErrInvalidFormat.WithCause(err).WithDetails("point hex")
	}
	return curve.PointFromBytes(raw)
}

func leftPadHex(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// SecureCompare performs constant-time comparison of byte slices
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ZeroizeBytes securely clears a byte slice
func ZeroizeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// ZeroizeScalarSlice securely clears a slice of scalars
func ZeroizeScalarSlice(scalars []Scalar) {
	for _, scalar := range scalars {
		if scalar != nil {
			scalar.Zeroize()
		}
	}
}

// BatchInvert inverts multiple scalars with a single field inversion
// (Montgomery's trick).
func BatchInvert(curve Curve, scalars []Scalar) ([]Scalar, error) {
	n := len(scalars)
	if n == 0 {
		return nil, nil
	}

	for i, scalar := range scalars {
		if scalar.IsZero() {
			return nil, fmt.Errorf("scalar at index %d is zero", i)
		}
	}

	// partials[i] = s_0 * ... * s_i
	partials := make([]Scalar, n)
	partials[0] = scalars[0]
	for i := 1; i < n; i++ {
		partials[i] = partials[i-1].Mul(scalars[i])
	}

	acc, err := partials[n-1].Invert()
	if err != nil {
		return nil, err
	}

	inverses := make([]Scalar, n)
	for i := n - 1; i > 0; i-- {
		inverses[i] = acc.Mul(partials[i-1])
		acc = acc.Mul(scalars[i])
	}
	inverses[0] = acc

	return inverses, nil
}

// newID returns a random identifier for events and lock tokens.
func newID() string {
	return uuid.NewString()
}
