package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestVerify_ValidToken(t *testing.T) {
	v := NewVerifier("test-secret")
	claims := &Claims{
		UserID: "user-1",
		Role:   "driver",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := signToken(t, "test-secret", claims)

	got, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("expected user-1, got %q", got.UserID)
	}
}

func TestVerify_WrongSecretRejected(t *testing.T) {
	v := NewVerifier("test-secret")
	tok := signToken(t, "wrong-secret", &Claims{UserID: "user-1"})

	if _, err := v.Verify(tok); err == nil {
		t.Error("expected error for token signed with wrong secret")
	}
}

func TestVerify_ExpiredTokenRejected(t *testing.T) {
	v := NewVerifier("test-secret")
	claims := &Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	tok := signToken(t, "test-secret", claims)

	if _, err := v.Verify(tok); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestVerifyBearer_MissingHeader(t *testing.T) {
	v := NewVerifier("test-secret")
	if _, err := VerifyBearer(v, ""); err != ErrMissingToken {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
}

func TestVerifyBearer_MalformedHeader(t *testing.T) {
	v := NewVerifier("test-secret")
	if _, err := VerifyBearer(v, "not-a-bearer-token"); err != ErrMissingToken {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
}

func TestVerifyBearer_StripsPrefix(t *testing.T) {
	v := NewVerifier("test-secret")
	tok := signToken(t, "test-secret", &Claims{
		UserID: "user-2",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	got, err := VerifyBearer(v, "Bearer "+tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UserID != "user-2" {
		t.Errorf("expected user-2, got %q", got.UserID)
	}
}
