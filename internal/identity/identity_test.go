package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/agentdesk/internal/apperr"
)

func TestRequire(t *testing.T) {
	_, err := Require(context.Background(), "update profile")
	assert.True(t, errors.Is(err, apperr.ErrAuthorizationRequired))

	id, err := Require(WithUser(context.Background(), "u1"), "update profile")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
}

func TestIssuer_RoundTrip(t *testing.T) {
	iss, err := NewIssuer("s3cret", time.Hour)
	require.NoError(t, err)

	tok, err := iss.Issue("u1")
	require.NoError(t, err)

	sub, err := iss.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)
}

func TestIssuer_RejectsWrongSecretAndExpired(t *testing.T) {
	iss, err := NewIssuer("s3cret", time.Minute)
	require.NoError(t, err)
	tok, err := iss.Issue("u1")
	require.NoError(t, err)

	other, err := NewIssuer("different", time.Minute)
	require.NoError(t, err)
	_, err = other.Verify(tok)
	assert.Error(t, err)

	iss.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = iss.Verify(tok)
	assert.Error(t, err)
}

func TestNewIssuer_EmptySecret(t *testing.T) {
	_, err := NewIssuer("", time.Minute)
	assert.Error(t, err)
}
