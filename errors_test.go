package tkey

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTKeyErrorIs(t *testing.T) {
	wrapped := ErrLockContention.WithDetails("remote nonce %d", 4).WithContext("nonce", 3)
	require.ErrorIs(t, wrapped, ErrLockContention)
	require.NotErrorIs(t, wrapped, ErrShareNotFound)
	require.ErrorIs(t, fmt.Errorf("sync: %w", wrapped), ErrLockContention)

	// Copies never mutate the sentinel.
	require.Empty(t, ErrLockContention.Details)
	require.Empty(t, ErrLockContention.Context)
	require.Equal(t, 3, wrapped.Context["nonce"])

	cause := errors.New("disk full")
	err := ErrMetadataCommitFailed.WithCause(cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "[metadata:1103] failed to commit metadata: disk full")
	require.Nil(t, ErrMetadataCommitFailed.Cause)
}

func TestErrorHelpers(t *testing.T) {
	err := fmt.Errorf("outer: %w", ErrTSSAuthFailed.WithDetails("server 2"))
	require.Equal(t, 1604, ErrorCode(err))
	require.True(t, IsErrorCategory(err, ErrorCategoryTSS))
	require.False(t, IsErrorCategory(err, ErrorCategorySync))
	require.True(t, IsRecoverableError(err))

	require.False(t, IsRecoverableError(ErrRandomGeneration))
	require.True(t, IsRecoverableError(errors.New("foreign")))
	require.Zero(t, ErrorCode(errors.New("foreign")))
	require.Zero(t, ErrorCode(nil))

	custom := WrapError(errors.New("io"), ErrorCategoryModule, ErrorSeverityLow, 1799, "module store failed")
	require.Equal(t, 1799, ErrorCode(custom))
	require.True(t, IsErrorCategory(custom, ErrorCategoryModule))
	require.NotErrorIs(t, custom, ErrModuleNotFound)
}

func TestErrorCodesUnique(t *testing.T) {
	all := []*TKeyError{
		ErrMetadataUnavailable, ErrMetadataFetchFailed, ErrMetadataCommitFailed,
		ErrPrivateKeyUnavailable, ErrInsufficientShares, ErrShareNotFound, ErrDuplicateShareIndex, ErrShareAlreadyDeleted,
		ErrLockContention,
		ErrInvalidFormat, ErrInvalidThreshold, ErrRandomGeneration, ErrDecryptionFailed, ErrInvalidConfiguration,
		ErrTSSUnavailable, ErrFactorNotFound, ErrTSSShareInvalid, ErrTSSAuthFailed,
		ErrModuleNotFound, ErrModuleAlreadyRegistered,
		ErrNotInitialized,
	}
	seen := map[int]string{}
	for _, e := range all {
		if prev, ok := seen[e.Code]; ok {
			t.Fatalf("code %d used by %q and %q", e.Code, prev, e.Message)
		}
		seen[e.Code] = e.Message
	}
}
