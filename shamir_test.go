package tkey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReconstructSecretThresholdSubsets(t *testing.T) {
	curve := NewSecp256k1Curve()
	secret, err := curve.ScalarRandom()
	require.NoError(t, err)
	poly, err := NewRandomPolynomial(curve, 2, secret)
	require.NoError(t, err)
	shares := make([]*Share, 5)
	for i := range shares {
		idx := curve.ScalarFromInt(uint64(i + 1))
		shares[i] = NewShare(idx, poly.Evaluate(idx))
	}

	subsets := [][]int{{0, 1, 2}, {0, 2, 4}, {1, 3, 4}, {4, 3, 2}}
	for _, subset := range subsets {
		picked := make([]*Share, 0, len(subset))
		for _, i := range subset {
			picked = append(picked, shares[i])
		}
		got, err := ReconstructSecret(curve, picked, 3)
		require.NoError(t, err)
		require.True(t, got.Equal(secret), "subset %v", subset)
	}

	got, err := ReconstructSecret(curve, shares[:2], 2)
	require.NoError(t, err)
	require.False(t, got.Equal(secret), "below threshold must not recover the secret")
}

func TestReconstructSecretKnownPolynomial(t *testing.T) {
	curve := NewSecp256k1Curve()
	// f(x) = 7 + 3x, shares at 1, 2, 3.
	poly := NewPolynomial(curve, []Scalar{curve.ScalarFromInt(7), curve.ScalarFromInt(3)})
	var shares []*Share
	for i := uint64(1); i <= 3; i++ {
		idx := curve.ScalarFromInt(i)
		shares = append(shares, NewShare(idx, poly.Evaluate(idx)))
	}
	require.True(t, shares[2].Value.Equal(curve.ScalarFromInt(16)))

	for _, pair := range [][2]int{{0, 1}, {0, 2}, {1, 2}} {
		got, err := ReconstructSecret(curve, []*Share{shares[pair[0]], shares[pair[1]]}, 2)
		require.NoError(t, err)
		require.True(t, got.Equal(curve.ScalarFromInt(7)))
	}
}

func TestReconstructSecretErrors(t *testing.T) {
	curve := NewSecp256k1Curve()
	one := curve.ScalarOne()
	two := curve.ScalarFromInt(2)

	_, err := ReconstructSecret(curve, []*Share{NewShare(one, one), NewShare(one, two)}, 2)
	require.ErrorIs(t, err, ErrDuplicateShareIndex)

	_, err = ReconstructSecret(curve, []*Share{NewShare(one, one)}, 2)
	require.ErrorIs(t, err, ErrInsufficientShares)

	_, err = ReconstructSecret(curve, []*Share{NewShare(one, one)}, 0)
	require.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = LagrangeCoefficient(curve, []Scalar{one, two}, curve.ScalarFromInt(3))
	require.Error(t, err)
}

func TestLagrangeCoefficientsMatchSingle(t *testing.T) {
	curve := NewSecp256k1Curve()
	indexes := []Scalar{curve.ScalarFromInt(1), curve.ScalarFromInt(4), curve.ScalarFromInt(9)}
	all, err := LagrangeCoefficients(curve, indexes)
	require.NoError(t, err)
	sum := curve.ScalarZero()
	for i, idx := range indexes {
		single, err := LagrangeCoefficient(curve, indexes, idx)
		require.NoError(t, err)
		require.True(t, single.Equal(all[i]))
		sum = sum.Add(all[i])
	}
	// The basis polynomials of a constant sum to one.
	require.True(t, sum.Equal(curve.ScalarOne()))
}

func TestInterpolatePolynomial(t *testing.T) {
	curve := NewSecp256k1Curve()
	secret, err := curve.ScalarRandom()
	require.NoError(t, err)
	poly, err := NewRandomPolynomial(curve, 2, secret)
	require.NoError(t, err)

	indexes := []Scalar{curve.ScalarFromInt(2), curve.ScalarFromInt(5), curve.ScalarFromInt(11)}
	var points []*Share
	for _, s := range poly.GenerateShares(indexes) {
		points = append(points, s)
	}
	got, err := InterpolatePolynomial(curve, points)
	require.NoError(t, err)
	require.Equal(t, poly.Threshold(), got.Threshold())
	require.True(t, got.Secret().Equal(secret))
	for i, c := range poly.Commitments() {
		require.True(t, c.Equal(got.Commitments()[i]))
	}

	_, err = InterpolatePolynomial(curve, nil)
	require.ErrorIs(t, err, ErrInsufficientShares)
	_, err = InterpolatePolynomial(curve, []*Share{points[0], points[0]})
	require.ErrorIs(t, err, ErrDuplicateShareIndex)
}

func TestGeneratePolynomialPresets(t *testing.T) {
	curve := NewSecp256k1Curve()
	secret, err := curve.ScalarRandom()
	require.NoError(t, err)
	presetValue, err := curve.ScalarRandom()
	require.NoError(t, err)
	preset := NewShare(curve.ScalarFromInt(42), presetValue)

	poly, err := GeneratePolynomial(curve, 3, secret, []*Share{preset}, []Scalar{curve.ScalarOne()})
	require.NoError(t, err)
	require.Equal(t, 3, poly.Threshold())
	require.True(t, poly.Secret().Equal(secret))
	require.True(t, poly.Evaluate(preset.Index).Equal(presetValue))

	_, err = GeneratePolynomial(curve, 2, secret, []*Share{preset, NewShare(curve.ScalarFromInt(43), presetValue)}, nil)
	require.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = GeneratePolynomial(curve, 0, secret, nil, nil)
	require.ErrorIs(t, err, ErrInvalidThreshold)

	random, err := GeneratePolynomial(curve, 2, nil, nil, nil)
	require.NoError(t, err)
	require.False(t, random.Secret().IsZero())
}

func TestRandomScalarExcluding(t *testing.T) {
	curve := NewSecp256k1Curve()
	exclude := []Scalar{curve.ScalarZero(), curve.ScalarOne()}
	for i := 0; i < 16; i++ {
		s, err := RandomScalarExcluding(curve, exclude)
		require.NoError(t, err)
		require.False(t, containsScalar(exclude, s))
		exclude = append(exclude, s)
	}
}

func TestPublicPolynomialVerifyShare(t *testing.T) {
	curve := NewSecp256k1Curve()
	secret, err := curve.ScalarRandom()
	require.NoError(t, err)
	poly, err := NewRandomPolynomial(curve, 1, secret)
	require.NoError(t, err)
	pp := poly.PublicPolynomial()
	require.True(t, pp.PublicKey().Equal(curve.BasePoint().Mul(secret)))
	require.Equal(t, 2, pp.Threshold())

	idx := curve.ScalarFromInt(3)
	share := NewShare(idx, poly.Evaluate(idx))
	ok, err := pp.VerifyShare(share)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, pp.ShareCommitment(idx).Equal(share.Public(curve)))

	ok, err = pp.VerifyShare(NewShare(idx, share.Value.Add(curve.ScalarOne())))
	require.NoError(t, err)
	require.False(t, ok)

	// The ID is a function of the commitments only.
	again := NewPublicPolynomial(curve, poly.Commitments())
	require.Equal(t, pp.ID(), again.ID())
}

func TestPolynomialZeroize(t *testing.T) {
	curve := NewSecp256k1Curve()
	secret, err := curve.ScalarRandom()
	require.NoError(t, err)
	kept := secret.Add(curve.ScalarZero())
	poly, err := NewRandomPolynomial(curve, 2, secret)
	require.NoError(t, err)
	poly.Zeroize()
	require.Nil(t, poly.coefficients)
	require.True(t, secret.IsZero())
	require.False(t, kept.IsZero())
}
