// Package auth mints and verifies the broker's HMAC-signed bearer tokens.
// There is no username/password or session-cookie flow here: every client
// presents the same shared secret-derived token, scoped only by expiry.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Subject is the fixed subject claim carried by every token this package
// issues; the broker has no notion of distinct users.
const Subject = "ccr-client"

// TokenDuration is how long a minted token remains valid.
const TokenDuration = 24 * time.Hour

var (
	// ErrTokenInvalid covers a malformed token or one signed with the wrong
	// secret/algorithm.
	ErrTokenInvalid = errors.New("auth: token invalid")
	// ErrTokenExpired covers a well-formed, validly-signed token past its
	// expiry.
	ErrTokenExpired = errors.New("auth: token expired")
)

// claims is the JWT payload: subject, issued-at, expiry. No custom fields —
// the token carries no authorization scope beyond "is a valid ccr client".
type claims struct {
	jwt.RegisteredClaims
}

// GenerateSecret returns 32 random bytes, hex-encoded, suitable for
// persisting as the server's signing secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateAccessToken signs a new bearer token with secret, expiring after
// TokenDuration.
func CreateAccessToken(secret string) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenDuration)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString([]byte(secret))
}

// VerifyAccessToken checks signature and expiry, returning the subject on
// success. It never panics on malformed input.
func VerifyAccessToken(tokenString, secret string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", ErrTokenInvalid
	}
	return c.Subject, nil
}
