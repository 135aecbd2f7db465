package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Authenticator verifies HS256 bearer tokens. With an empty secret the
// gateway runs open and every token check passes.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator from the configured secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether token checks are enforced.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Verify checks the signature and standard claims of a token.
func (a *Authenticator) Verify(token string) error {
	if !a.Enabled() {
		return nil
	}
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidToken)
	}

	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

// Issue mints a token for a subject. Used by operators and tests.
func (a *Authenticator) Issue(subject string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New("auth disabled")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
