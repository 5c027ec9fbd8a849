package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "spotify-remote"

var (
	// ErrInvalidToken covers bad signatures, expiry and malformed tokens
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenMismatch means the token was issued for another session
	ErrTokenMismatch = errors.New("token issued for another session")
)

// SessionTokens issues and checks the credential a player process presents
// when posting status events. Each token is bound to one correlation token.
type SessionTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionTokens creates an issuer signing with secret
func NewSessionTokens(secret []byte, ttl time.Duration) (*SessionTokens, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("session secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session token ttl must be positive")
	}

	return &SessionTokens{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue returns a signed token whose subject is correlationToken
func (s *SessionTokens) Issue(correlationToken string) (string, error) {
	if correlationToken == "" {
		return "", fmt.Errorf("correlation token is required")
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   correlationToken,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Validate checks signature and expiry, and that tokenString was issued for
// correlationToken
func (s *SessionTokens) Validate(tokenString, correlationToken string) error {
	if tokenString == "" {
		return fmt.Errorf("%w: missing", ErrInvalidToken)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if subtle.ConstantTimeCompare([]byte(claims.Subject), []byte(correlationToken)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

// GenerateSecret returns a random hex secret for signing session tokens
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidAPIKey reports whether key matches one of allowed. An empty allow
// list accepts everything.
func ValidAPIKey(key string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	if key == "" {
		return false
	}

	for _, allowedKey := range allowed {
		if subtle.ConstantTimeCompare([]byte(key), []byte(allowedKey)) == 1 {
			return true
		}
	}
	return false
}
