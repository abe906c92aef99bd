package tkey

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateThresholdParameters(t *testing.T) {
	tv := NewDefaultThresholdValidator()
	tests := []struct {
		name      string
		shares    int
		threshold int
		valid     bool
		level     SecurityLevel
	}{
		{name: "two of three", shares: 3, threshold: 2, valid: true, level: SecurityLevelHigh},
		{name: "two of two", shares: 2, threshold: 2, valid: true, level: SecurityLevelMedium},
		{name: "one of two", shares: 2, threshold: 1, valid: true, level: SecurityLevelLow},
		{name: "above share count", shares: 2, threshold: 3, valid: false, level: SecurityLevelLow},
		{name: "zero threshold", shares: 2, threshold: 0, valid: false, level: SecurityLevelLow},
		{name: "above maximum", shares: 100, threshold: 65, valid: false, level: SecurityLevelLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tv.ValidateThresholdParameters(tt.shares, tt.threshold)
			require.Equal(t, tt.valid, result.Valid, result.Errors)
			require.Equal(t, tt.level, result.SecurityLevel)
		})
	}

	result := tv.ValidateThresholdParameters(2, 2)
	require.Contains(t, result.Recommendations, "generate a backup share")
	result = tv.ValidateThresholdParameters(10, 2)
	require.Contains(t, result.Recommendations, "consider a threshold of at least 5")
}

func TestValidateShareIndexes(t *testing.T) {
	curve := NewSecp256k1Curve()
	require.True(t, ValidateShareIndexes([]Scalar{curve.ScalarOne(), curve.ScalarFromInt(2)}).Valid)
	require.False(t, ValidateShareIndexes(nil).Valid)
	require.False(t, ValidateShareIndexes([]Scalar{curve.ScalarZero()}).Valid)

	result := ValidateShareIndexes([]Scalar{curve.ScalarFromInt(2), curve.ScalarFromInt(2)})
	require.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
}

func TestValidateTSSTargets(t *testing.T) {
	_, a := newFactorKey(t)
	_, b := newFactorKey(t)

	result := ValidateTSSTargets([]int{2, 2}, []Point{a, b})
	require.True(t, result.Valid, "factors may share a device index")
	require.Empty(t, result.Warnings)

	result = ValidateTSSTargets([]int{2}, []Point{a})
	require.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)

	require.False(t, ValidateTSSTargets([]int{2, 3}, []Point{a, a}).Valid)
	require.False(t, ValidateTSSTargets([]int{TSSServerIndex}, []Point{a}).Valid)
	require.False(t, ValidateTSSTargets([]int{2, 3}, []Point{a}).Valid)
	require.False(t, ValidateTSSTargets(nil, nil).Valid)
	require.False(t, ValidateTSSTargets([]int{2}, []Point{NewSecp256k1Curve().PointIdentity()}).Valid)
}

func TestAssessSecurity(t *testing.T) {
	a := AssessSecurity(3, 2)
	require.Equal(t, SecurityLevelHigh, a.OverallRating)
	require.Equal(t, 1, a.FaultTolerance)
	require.Equal(t, 2, a.AttackResistance)
	require.Empty(t, a.SecurityRecommendations)

	a = AssessSecurity(2, 2)
	require.Zero(t, a.FaultTolerance)
	require.Contains(t, a.AvailabilityRisk, "critical")
	require.Len(t, a.SecurityRecommendations, 1)

	a = AssessSecurity(5, 1)
	require.Equal(t, SecurityLevelLow, a.OverallRating)

	a = AssessSecurity(9, 3)
	require.Equal(t, SecurityLevelMedium, a.OverallRating)

	a = AssessSecurity(1, 2)
	require.Equal(t, SecurityLevelLow, a.OverallRating)
	require.Contains(t, a.AvailabilityRisk, "cannot be reconstructed")
}

func TestKeyDetailsSecurity(t *testing.T) {
	env := newTestEnv(t)
	tk := env.newKey(t)
	details := initialize(t, tk, InitializeOptions{})
	require.NotNil(t, details.Security)
	require.Zero(t, details.Security.FaultTolerance)

	_, err := tk.GenerateNewShare(context.Background(), nil)
	require.NoError(t, err)
	details, err = tk.GetKeyDetails()
	require.NoError(t, err)
	require.Equal(t, SecurityLevelHigh, details.Security.OverallRating)
	require.Equal(t, 1, details.Security.FaultTolerance)
}

func TestNewBaseServiceProviderRejectsZeroKey(t *testing.T) {
	_, err := NewBaseServiceProvider("", NewSecp256k1Curve().ScalarZero(), nil)
	require.ErrorIs(t, err, ErrInvalidFormat)
}
