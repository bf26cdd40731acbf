// Package auth verifies bearer credentials presented to the ingress API
// and the subscription broker's WebSocket upgrade. Credential issuance and
// refresh live in an upstream identity service; this package only checks
// signatures, following the verify half of Hola's JWTManager.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

// Claims mirrors the subset of the upstream identity token this system
// needs: who the caller is, for room-scoping and audit logging.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// VerifyBearer extracts and verifies a token from an Authorization header
// value ("Bearer <token>"). An empty or non-Bearer header returns
// ErrMissingToken, kept distinct from ErrInvalidToken so callers can decide
// whether anonymous access is allowed for the given route.
func VerifyBearer(v *Verifier, authHeader string) (*Claims, error) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, ErrMissingToken
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return nil, ErrMissingToken
	}
	return v.Verify(token)
}

// Verify checks a raw token string's signature and expiry.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
