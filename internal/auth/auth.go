// Package auth verifies bearer credentials on protected routes. The gateway
// only authenticates; authorization decisions belong to the downstream
// authorization service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingCredential is returned when no Authorization header is present.
	ErrMissingCredential = errors.New("missing Authorization header")
	// ErrMalformedCredential is returned for a header that is not a bearer token.
	ErrMalformedCredential = errors.New("malformed Authorization header")
	// ErrInvalidToken wraps signature, expiry, and claim-shape failures.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the identity fields decoded from a verified token. They live
// for the duration of one request and are never persisted.
type Claims struct {
	Subject   string
	Email     string
	Role      string
	ExpiresAt time.Time
}

// Verifier validates tokens signed with the platform's shared HMAC key.
type Verifier struct {
	key []byte
}

// NewVerifier creates a verifier over the shared signing key.
func NewVerifier(key string) (*Verifier, error) {
	if key == "" {
		return nil, fmt.Errorf("signing key is required")
	}
	return &Verifier{key: []byte(key)}, nil
}

// Verify checks the token's signature and expiry and decodes its claims.
// The identity service issues HS256 tokens with {id, email, role}; any
// other signing method is rejected.
func (v *Verifier) Verify(token string) (*Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	claims := &Claims{
		Subject: stringClaim(mapClaims, "sub"),
		Email:   stringClaim(mapClaims, "email"),
		Role:    stringClaim(mapClaims, "role"),
	}
	if claims.Subject == "" {
		claims.Subject = stringClaim(mapClaims, "id")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if claims.Role == "" {
		return nil, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}

	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}

	return claims, nil
}

// BearerToken extracts the credential from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingCredential
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMalformedCredential
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMalformedCredential
	}
	return token, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		// Numeric user IDs arrive as float64 after JSON decoding.
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

type claimsContextKey struct{}

// ContextWithClaims attaches verified claims to the request context.
func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, c)
}

// ClaimsFromContext retrieves verified claims, if the request passed the
// auth gate.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return c, ok
}
