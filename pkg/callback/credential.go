// Package callback is the provider side of the callback protocol: the
// request shapes the orchestrator accepts, the service credential providers
// sign their calls with, and a client that reports job progress.
package callback

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential is returned when a service credential cannot be verified.
var ErrInvalidCredential = errors.New("invalid service credential")

// DefaultCredentialTTL is how long a signed credential stays valid.
const DefaultCredentialTTL = 5 * time.Minute

// Sign issues a service credential for providerID, valid until now+ttl.
func Sign(providerID, secret string, now time.Time, ttl time.Duration) (string, error) {
	if providerID == "" || secret == "" {
		return "", errors.New("callback: provider id and secret are required")
	}
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	claims := jwt.RegisteredClaims{
		Subject:   providerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("callback: sign credential: %w", err)
	}
	return token, nil
}

// SecretLookup returns the callback secret registered for a provider.
type SecretLookup func(providerID string) (secret string, ok bool)

// Verify checks a service credential and returns the provider it was issued
// to. The token must be HS256, carry an expiry, and be signed with the secret
// registered for its subject.
func Verify(token string, secrets SecretLookup) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		sub, err := t.Claims.GetSubject()
		if err != nil || sub == "" {
			return nil, errors.New("missing subject")
		}
		secret, ok := secrets(sub)
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", sub)
		}
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	return claims.Subject, nil
}

// LooksLikeCredential reports whether a bearer value has the shape of a
// signed credential rather than an opaque job token.
func LooksLikeCredential(bearer string) bool {
	dots := 0
	for i := 0; i < len(bearer); i++ {
		if bearer[i] == '.' {
			dots++
		}
	}
	return dots == 2
}
