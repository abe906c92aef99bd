package tkey

import (
	"fmt"
)

// Share represents a Shamir secret share
type Share struct {
	Index Scalar // x-coordinate, nonzero
	Value Scalar // y-coordinate
}

// NewShare creates a new share
func NewShare(index, value Scalar) *Share {
	return &Share{
		Index: index,
		Value: value,
	}
}

// Public returns Value·G.
func (s *Share) Public(curve Curve) Point {
	return curve.BasePoint().Mul(s.Value)
}

// LagrangeCoefficient returns the basis coefficient at x=0 for target over
// the index set: prod_{j != target} (0 - x_j) / (target - x_j).
func LagrangeCoefficient(curve Curve, indexes []Scalar, target Scalar) (Scalar, error) {
	if err := checkDistinctScalars(indexes); err != nil {
		return nil, err
	}
	if !containsScalar(indexes, target) {
		return nil, fmt.Errorf("target index %s not in index set", target)
	}

	numerator := curve.ScalarOne()
	denominator := curve.ScalarOne()
	for _, idx := range indexes {
		if idx.Equal(target) {
			continue
		}
		numerator = numerator.Mul(idx.Negate())
		denominator = denominator.Mul(target.Sub(idx))
	}
	inv, err := denominator.Invert()
	if err != nil {
		return nil, ErrDuplicateShareIndex.WithCause(err)
	}
	return numerator.Mul(inv), nil
}

// LagrangeCoefficients computes every basis coefficient at x=0 at once,
// sharing one field inversion across the set.
func LagrangeCoefficients(curve Curve, indexes []Scalar) ([]Scalar, error) {
	if err := checkDistinctScalars(indexes); err != nil {
		return nil, err
	}
	numerators := make([]Scalar, len(indexes))
	denominators := make([]Scalar, len(indexes))
	for i, xi := range indexes {
		num := curve.ScalarOne()
		den := curve.ScalarOne()
		for j, xj := range indexes {
			if i == j {
				continue
			}
			num = num.Mul(xj.Negate())
			den = den.Mul(xi.Sub(xj))
		}
		numerators[i] = num
		denominators[i] = den
	}
	inverses, err := BatchInvert(curve, denominators)
	if err != nil {
		return nil, ErrDuplicateShareIndex.WithCause(err)
	}
	out := make([]Scalar, len(indexes))
	for i := range indexes {
		out[i] = numerators[i].Mul(inverses[i])
	}
	return out, nil
}

// ReconstructSecret interpolates the constant term from the first threshold
// shares. Duplicate indexes anywhere in shares are rejected.
func ReconstructSecret(curve Curve, shares []*Share, threshold int) (Scalar, error) {
	if threshold < 1 {
		return nil, ErrInvalidThreshold.WithDetails("threshold %d", threshold)
	}
	if err := checkDistinctIndexes(shares); err != nil {
		return nil, err
	}
	if len(shares) < threshold {
		return nil, ErrInsufficientShares.WithDetails("need %d, got %d", threshold, len(shares))
	}

	selected := shares[:threshold]
	indexes := make([]Scalar, len(selected))
	for i, s := range selected {
		indexes[i] = s.Index
	}
	coeffs, err := LagrangeCoefficients(curve, indexes)
	if err != nil {
		return nil, err
	}

	secret := curve.ScalarZero()
	for i, s := range selected {
		secret = secret.Add(s.Value.Mul(coeffs[i]))
	}
	return secret, nil
}

func checkDistinctIndexes(shares []*Share) error {
	indexes := make([]Scalar, len(shares))
	for i, s := range shares {
		indexes[i] = s.Index
	}
	return checkDistinctScalars(indexes)
}

func checkDistinctScalars(indexes []Scalar) error {
	seen := make(map[string]struct{}, len(indexes))
	for _, idx := range indexes {
		key := idx.String()
		if _, dup := seen[key]; dup {
			return ErrDuplicateShareIndex.WithContext("index", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}
