package tkey

import (
	"net/url"
	"regexp"
	"strings"
)

var tssTagPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

// ConfigurationValidator provides validation for key core configuration
type ConfigurationValidator struct {
	// Supported storage URI schemes
	supportedSchemes map[string]bool

	thresholds *ThresholdValidator
}

// NewDefaultConfigurationValidator creates a validator with secure defaults
func NewDefaultConfigurationValidator() *ConfigurationValidator {
	return &ConfigurationValidator{
		supportedSchemes: map[string]bool{
			"memory": true,
			"sqlite": true,
			"vault":  true,
		},
		thresholds: NewDefaultThresholdValidator(),
	}
}

// ValidatePostboxKey validates the service provider's identity key
func (cv *ConfigurationValidator) ValidatePostboxKey(postboxKey Scalar) *ValidationResult {
	result := newValidationResult()

	if postboxKey == nil {
		result.fail("postbox key cannot be nil")
		return result
	}
	if postboxKey.IsZero() {
		result.fail("postbox key cannot be zero")
		result.SecurityLevel = SecurityLevelLow
		return result
	}

	result.SecurityLevel = SecurityLevelHigh
	return result
}

// ValidateStorageURI checks that a storage URI names a supported backend
func (cv *ConfigurationValidator) ValidateStorageURI(uri string) *ValidationResult {
	result := newValidationResult()

	u, err := url.Parse(uri)
	if err != nil {
		result.fail("invalid storage URI: %v", err)
		return result
	}
	scheme := strings.ToLower(u.Scheme)
	if !cv.supportedSchemes[scheme] {
		result.fail("unsupported storage scheme %q", u.Scheme)
		return result
	}
	if scheme == "memory" {
		result.Warnings = append(result.Warnings, "memory storage does not survive process restarts")
	}
	if scheme == "vault" && u.Query().Get("tls") == "false" {
		result.SecurityLevel = SecurityLevelLow
		result.Warnings = append(result.Warnings, "vault connection without TLS")
	}
	return result
}

// ValidateConfig validates a complete Config
func (cv *ConfigurationValidator) ValidateConfig(cfg *Config) *ValidationResult {
	result := newValidationResult()
	if cfg == nil {
		result.fail("config cannot be nil")
		return result
	}

	if cfg.Threshold < cv.thresholds.MinThreshold || cfg.Threshold > cv.thresholds.MaxThreshold {
		result.fail("threshold must be between %d and %d", cv.thresholds.MinThreshold, cv.thresholds.MaxThreshold)
	} else if cfg.Threshold == 1 {
		result.Warnings = append(result.Warnings, "threshold of 1 makes every share a full copy of the key")
	}

	if !tssTagPattern.MatchString(cfg.TSSTag) {
		result.fail("tss tag %q must be 1-64 characters of letters, digits, '-' or '_'", cfg.TSSTag)
	}

	if cfg.LockTTL <= 0 {
		result.fail("lock ttl must be positive")
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		result.fail("unknown log level %q", cfg.LogLevel)
	}

	storageResult := cv.ValidateStorageURI(cfg.StorageURI)
	if !storageResult.Valid {
		result.Valid = false
		result.Errors = append(result.Errors, storageResult.Errors...)
	}
	result.Warnings = append(result.Warnings, storageResult.Warnings...)

	if !result.Valid {
		result.SecurityLevel = SecurityLevelLow
	} else {
		result.SecurityLevel = getMinimumSecurityLevel([]SecurityLevel{result.SecurityLevel, storageResult.SecurityLevel})
	}
	return result
}

// getMinimumSecurityLevel returns the minimum security level from a slice
func getMinimumSecurityLevel(levels []SecurityLevel) SecurityLevel {
	if len(levels) == 0 {
		return SecurityLevelMedium
	}

	minLevel := SecurityLevelHigh
	for _, level := range levels {
		switch level {
		case SecurityLevelLow:
			return SecurityLevelLow
		case SecurityLevelMedium:
			minLevel = SecurityLevelMedium
		}
	}
	return minLevel
}
