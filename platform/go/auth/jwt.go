// Package auth guards the ops API with HS256 bearer tokens. Only platform
// operators hold tokens; there is no per-tenant identity on this surface.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "viletorder"

var (
	ErrMissingToken = errors.New("auth token not found")
	ErrInvalidToken = errors.New("auth token invalid")
)

// ExtractBearerToken pulls the bearer token from the Authorization header.
func ExtractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	const prefix = "Bearer "
	// Case-insensitive prefix match.
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return "", false
	}

	return strings.TrimSpace(authHeader[len(prefix):]), true
}

// VerifyRequest validates the request's bearer token and returns its subject.
func VerifyRequest(r *http.Request, signingKey []byte) (string, error) {
	raw, found := ExtractBearerToken(r)
	if !found {
		return "", ErrMissingToken
	}

	token, err := jwt.Parse(raw,
		func(t *jwt.Token) (any, error) { return signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// Middleware rejects requests that do not carry a valid operator token.
func Middleware(signingKey []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := VerifyRequest(r, signingKey); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewToken mints an operator token; used by tests and the bootstrap tooling.
func NewToken(signingKey []byte, subject string) (string, error) {
	claims := jwt.MapClaims{
		"iss": issuer,
		"sub": subject,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
}
