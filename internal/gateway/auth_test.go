package gateway

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_Disabled(t *testing.T) {
	auth := NewAuthenticator("")
	assert.False(t, auth.Enabled())
	assert.NoError(t, auth.Verify(""))
	assert.NoError(t, auth.Verify("anything"))

	_, err := auth.Issue("subject", time.Minute)
	assert.Error(t, err)
}

func TestAuthenticator_IssueAndVerify(t *testing.T) {
	auth := NewAuthenticator("test-secret")
	require.True(t, auth.Enabled())

	token, err := auth.Issue("client-1", time.Minute)
	require.NoError(t, err)
	assert.NoError(t, auth.Verify(token))

	assert.ErrorIs(t, auth.Verify(""), ErrInvalidToken)
	assert.ErrorIs(t, auth.Verify("garbage"), ErrInvalidToken)

	// A token signed with a different secret is rejected.
	other := NewAuthenticator("other-secret")
	foreign, err := other.Issue("client-1", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, auth.Verify(foreign), ErrInvalidToken)
}

func TestAuthenticator_RejectsExpired(t *testing.T) {
	auth := NewAuthenticator("test-secret")
	token, err := auth.Issue("client-1", -time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, auth.Verify(token), ErrInvalidToken)
}

func TestAuthenticator_RejectsWrongAlgorithm(t *testing.T) {
	auth := NewAuthenticator("test-secret")

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.ErrorIs(t, auth.Verify(signed), ErrInvalidToken)
}
