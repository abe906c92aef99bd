package tkey

import (
	"fmt"
	"math"
)

// SecurityLevel represents the security level of threshold parameters
type SecurityLevel string

const (
	SecurityLevelLow    SecurityLevel = "low"
	SecurityLevelMedium SecurityLevel = "medium"
	SecurityLevelHigh   SecurityLevel = "high"
)

// TSSServerIndex is the TSS share index held by the server set. Device shares
// use indexes from 2 upward.
const TSSServerIndex = 1

// ValidationResult contains the result of parameter validation
type ValidationResult struct {
	Valid           bool          `json:"valid"`
	SecurityLevel   SecurityLevel `json:"security_level"`
	Warnings        []string      `json:"warnings,omitempty"`
	Errors          []string      `json:"errors,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

func newValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:           true,
		SecurityLevel:   SecurityLevelMedium,
		Warnings:        []string{},
		Errors:          []string{},
		Recommendations: []string{},
	}
}

func (r *ValidationResult) fail(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// ThresholdValidator provides validation for threshold parameters
type ThresholdValidator struct {
	MinShares           int     `json:"min_shares"`
	MinThreshold        int     `json:"min_threshold"`
	MaxThreshold        int     `json:"max_threshold"`
	RecommendedMinRatio float64 `json:"recommended_min_ratio"` // Minimum recommended threshold ratio
}

// NewDefaultThresholdValidator creates a validator with the key core's limits
func NewDefaultThresholdValidator() *ThresholdValidator {
	return &ThresholdValidator{
		MinShares:           1,
		MinThreshold:        1,
		MaxThreshold:        64,
		RecommendedMinRatio: 0.5,
	}
}

// ValidateThresholdParameters validates a share count against a threshold.
// The share count is the number of live shares on the latest polynomial.
func (tv *ThresholdValidator) ValidateThresholdParameters(shareCount, threshold int) *ValidationResult {
	result := newValidationResult()

	if threshold <= 0 {
		result.fail("threshold must be positive")
	}
	if shareCount <= 0 {
		result.fail("share count must be positive")
	}
	if threshold > shareCount {
		result.fail("threshold %d exceeds share count %d", threshold, shareCount)
	}
	if !result.Valid {
		result.SecurityLevel = SecurityLevelLow
		return result
	}

	if shareCount < tv.MinShares {
		result.fail("minimum %d shares required", tv.MinShares)
	}
	if threshold < tv.MinThreshold {
		result.fail("minimum threshold of %d required", tv.MinThreshold)
	}
	if threshold > tv.MaxThreshold {
		result.fail("threshold exceeds maximum of %d", tv.MaxThreshold)
	}
	if !result.Valid {
		result.SecurityLevel = SecurityLevelLow
		return result
	}

	if threshold == 1 {
		result.SecurityLevel = SecurityLevelLow
		result.Warnings = append(result.Warnings, "threshold of 1 makes every share a full copy of the key")
	}
	if threshold == shareCount {
		result.Warnings = append(result.Warnings, "threshold equals share count - losing any share loses the key")
		result.Recommendations = append(result.Recommendations, "generate a backup share")
	}
	if float64(threshold)/float64(shareCount) < tv.RecommendedMinRatio {
		result.Recommendations = append(result.Recommendations,
			fmt.Sprintf("consider a threshold of at least %d", int(math.Ceil(float64(shareCount)*tv.RecommendedMinRatio))))
	}
	if threshold >= 2 && threshold < shareCount {
		result.SecurityLevel = SecurityLevelHigh
	}
	return result
}

// ValidateShareIndexes checks a share index set for zero and duplicate entries
func ValidateShareIndexes(indexes []Scalar) *ValidationResult {
	result := newValidationResult()
	if len(indexes) == 0 {
		result.fail("share index list cannot be empty")
		return result
	}

	seen := make(map[string]bool, len(indexes))
	for _, idx := range indexes {
		if idx == nil || idx.IsZero() {
			result.fail("share index 0 would reveal the secret")
			continue
		}
		key := idx.String()
		if seen[key] {
			result.fail("duplicate share index %s", key)
		}
		seen[key] = true
	}
	return result
}

// ValidateTSSTargets checks the device indexes and factor keys a TSS share set
// is being dealt to. Several factors may share one device index.
func ValidateTSSTargets(indexes []int, factorPubs []Point) *ValidationResult {
	result := newValidationResult()
	if len(indexes) == 0 {
		result.fail("at least one TSS target is required")
		return result
	}
	if len(indexes) != len(factorPubs) {
		result.fail("%d TSS indexes for %d factor keys", len(indexes), len(factorPubs))
		return result
	}

	seenPub := make(map[string]bool, len(factorPubs))
	for i, idx := range indexes {
		if idx <= TSSServerIndex {
			result.fail("TSS index %d is reserved", idx)
		}
		pub := factorPubs[i]
		if pub == nil || pub.IsIdentity() || !pub.IsOnCurve() {
			result.fail("factor key %d is not a valid point", i)
			continue
		}
		if seenPub[PointHex(pub)] {
			result.fail("duplicate factor key %s", PointHex(pub))
		}
		seenPub[PointHex(pub)] = true
	}
	if len(indexes) == 1 {
		result.Warnings = append(result.Warnings, "a single factor key leaves no device backup for the TSS share")
	}
	return result
}

// SecurityAssessment provides a detailed security assessment
type SecurityAssessment struct {
	OverallRating           SecurityLevel `json:"overall_rating"`
	FaultTolerance          int           `json:"fault_tolerance"`   // Number of shares that can be lost
	AttackResistance        int           `json:"attack_resistance"` // Number of shares needed to steal the key
	AvailabilityRisk        string        `json:"availability_risk"`
	SecurityRecommendations []string      `json:"security_recommendations"`
}

// AssessSecurity rates a share count and threshold
func AssessSecurity(shareCount, threshold int) *SecurityAssessment {
	if shareCount <= 0 || threshold <= 0 || threshold > shareCount {
		return &SecurityAssessment{
			OverallRating:           SecurityLevelLow,
			AvailabilityRisk:        "critical - key cannot be reconstructed",
			SecurityRecommendations: []string{"threshold must be between 1 and the share count"},
		}
	}

	faultTolerance := shareCount - threshold
	assessment := &SecurityAssessment{
		FaultTolerance:          faultTolerance,
		AttackResistance:        threshold,
		SecurityRecommendations: []string{},
	}

	switch {
	case threshold == 1:
		assessment.OverallRating = SecurityLevelLow
	case float64(threshold)/float64(shareCount) >= 0.5:
		assessment.OverallRating = SecurityLevelHigh
	default:
		assessment.OverallRating = SecurityLevelMedium
	}

	switch {
	case faultTolerance == 0:
		assessment.AvailabilityRisk = "critical - no fault tolerance"
	case faultTolerance == 1:
		assessment.AvailabilityRisk = "medium - one share may be lost"
	default:
		assessment.AvailabilityRisk = "low - good fault tolerance"
	}

	if faultTolerance == 0 {
		assessment.SecurityRecommendations = append(assessment.SecurityRecommendations,
			"Generate an additional share so that losing a device does not lose the key")
	}
	if assessment.OverallRating == SecurityLevelLow {
		assessment.SecurityRecommendations = append(assessment.SecurityRecommendations,
			"Raise the threshold so that no single share reveals the key")
	}
	return assessment
}
