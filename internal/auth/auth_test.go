package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKey = "test-signing-key"

func signToken(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifier_Verify(t *testing.T) {
	v, err := NewVerifier(testKey)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	exp := time.Now().Add(time.Hour)
	token := signToken(t, testKey, jwt.MapClaims{
		"id":    "user-123",
		"email": "student@example.com",
		"role":  "student",
		"exp":   exp.Unix(),
	})

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-123" {
		t.Errorf("Subject = %q, want user-123", claims.Subject)
	}
	if claims.Email != "student@example.com" {
		t.Errorf("Email = %q, want student@example.com", claims.Email)
	}
	if claims.Role != "student" {
		t.Errorf("Role = %q, want student", claims.Role)
	}
	if claims.ExpiresAt.Unix() != exp.Unix() {
		t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt, exp)
	}
}

func TestVerifier_Verify_SubClaim(t *testing.T) {
	v, _ := NewVerifier(testKey)

	token := signToken(t, testKey, jwt.MapClaims{
		"sub":  "user-456",
		"role": "instructor",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-456" {
		t.Errorf("Subject = %q, want user-456", claims.Subject)
	}
}

func TestVerifier_Verify_NumericID(t *testing.T) {
	v, _ := NewVerifier(testKey)

	token := signToken(t, testKey, jwt.MapClaims{
		"id":   42,
		"role": "student",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "42" {
		t.Errorf("Subject = %q, want 42", claims.Subject)
	}
}

func TestVerifier_Verify_Failures(t *testing.T) {
	v, _ := NewVerifier(testKey)
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
	}{
		{"wrong key", signToken(t, "another-key", jwt.MapClaims{"id": "u1", "role": "student", "exp": future})},
		{"expired", signToken(t, testKey, jwt.MapClaims{"id": "u1", "role": "student", "exp": time.Now().Add(-time.Minute).Unix()})},
		{"missing subject", signToken(t, testKey, jwt.MapClaims{"role": "student", "exp": future})},
		{"missing role", signToken(t, testKey, jwt.MapClaims{"id": "u1", "exp": future})},
		{"garbage", "not.a.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestVerifier_Verify_RejectsNone(t *testing.T) {
	v, _ := NewVerifier(testKey)

	// Unsigned token with alg=none.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"id": "u1", "role": "admin", "exp": time.Now().Add(time.Hour).Unix(),
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify error = %v, want ErrInvalidToken", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{"valid", "Bearer abc.def.ghi", "abc.def.ghi", nil},
		{"case insensitive scheme", "bearer abc", "abc", nil},
		{"missing", "", "", ErrMissingCredential},
		{"no scheme", "abc.def.ghi", "", ErrMalformedCredential},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "", ErrMalformedCredential},
		{"empty token", "Bearer ", "", ErrMalformedCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/users/me", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			got, err := BearerToken(r)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("BearerToken error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("BearerToken = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewVerifier_EmptyKey(t *testing.T) {
	if _, err := NewVerifier(""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestClaimsContextRoundTrip(t *testing.T) {
	claims := &Claims{Subject: "user-123", Role: "student"}
	ctx := ContextWithClaims(t.Context(), claims)

	got, ok := ClaimsFromContext(ctx)
	if !ok || got != claims {
		t.Fatalf("ClaimsFromContext = %v, %v; want original claims", got, ok)
	}

	if _, ok := ClaimsFromContext(t.Context()); ok {
		t.Error("expected no claims in fresh context")
	}
}
