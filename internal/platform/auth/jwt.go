package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the signed session token payload.
type Claims struct {
	jwt.RegisteredClaims
	OwnerID string `json:"owner_id"`
}

// TokenVerifier validates HMAC-signed session tokens minted by the web
// application. Used when no external session store is configured.
type TokenVerifier struct {
	key []byte
}

// NewTokenVerifier creates a verifier for tokens signed with key.
func NewTokenVerifier(key []byte) *TokenVerifier {
	return &TokenVerifier{key: key}
}

// Verify implements Verifier. Expiry and signature method are enforced;
// the owner ID comes from the owner_id claim, falling back to the subject.
func (v *TokenVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", Errf("missing credential")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.key, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !parsed.Valid {
		return "", Errf("invalid or expired token")
	}

	owner := claims.OwnerID
	if owner == "" {
		owner = claims.Subject
	}
	if owner == "" {
		return "", Errf("token carries no owner")
	}
	return owner, nil
}
