package apperr

import (
	"errors"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesExistingError(t *testing.T) {
	original := New(CodeTokenExpired, "token expired")
	wrapped := Wrap(original, CodeBadCredentials)
	assert.Same(t, original, wrapped)
}

func TestWrapClassifiesPlainError(t *testing.T) {
	plain := errors.New("boom")
	wrapped := Wrap(plain, CodeCacheUnavailable)
	require.Equal(t, CodeCacheUnavailable, wrapped.Code)
	assert.True(t, errdefs.IsUnavailable(wrapped))
	assert.True(t, IsSoft(wrapped))
}

func TestStatusCodeFallsBackToInternal(t *testing.T) {
	e := New(Code("UNMAPPED"), "mystery")
	assert.Equal(t, 500, e.StatusCode())
}

func TestAsExtractsStructuredError(t *testing.T) {
	wrapped := Wrap(errors.New("bad creds"), CodeBadCredentials)
	var err error = wrapped
	extracted, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, CodeBadCredentials, extracted.Code)
}
