package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte(strings.Repeat("x", 32))

func TestNewSessionTokens(t *testing.T) {
	_, err := NewSessionTokens([]byte("short"), time.Hour)
	assert.Error(t, err)

	_, err = NewSessionTokens(testSecret, 0)
	assert.Error(t, err)

	tokens, err := NewSessionTokens(testSecret, time.Hour)
	require.NoError(t, err)
	assert.NotNil(t, tokens)
}

func TestIssueAndValidate(t *testing.T) {
	tokens, err := NewSessionTokens(testSecret, time.Hour)
	require.NoError(t, err)

	signed, err := tokens.Issue("corr-1")
	require.NoError(t, err)

	assert.NoError(t, tokens.Validate(signed, "corr-1"))
	assert.ErrorIs(t, tokens.Validate(signed, "corr-2"), ErrTokenMismatch)

	_, err = tokens.Issue("")
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tokens, err := NewSessionTokens(testSecret, time.Minute)
	require.NoError(t, err)

	otherIssuer, err := NewSessionTokens([]byte(strings.Repeat("y", 32)), time.Minute)
	require.NoError(t, err)
	foreign, err := otherIssuer.Issue("corr-1")
	require.NoError(t, err)

	expiredIssuer, err := NewSessionTokens(testSecret, time.Minute)
	require.NoError(t, err)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredIssuer.Issue("corr-1")
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "corr-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", foreign},
		{"expired", expired},
		{"alg none", noneToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tokens.Validate(tt.token, "corr-1"), ErrInvalidToken)
		})
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestValidAPIKey(t *testing.T) {
	assert.True(t, ValidAPIKey("", nil), "no keys configured disables the check")
	assert.True(t, ValidAPIKey("k2", []string{"k1", "k2"}))
	assert.False(t, ValidAPIKey("k3", []string{"k1", "k2"}))
	assert.False(t, ValidAPIKey("", []string{"k1"}))
}
