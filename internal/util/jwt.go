package util

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the Supabase access-token claims the API relies on.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

var ErrMissingSubject = errors.New("token has no subject")

func parsePublicKey(pemKey string) (any, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, nil
}

// keyFor derives the only accepted algorithms from keyMaterial. A PEM public
// key allows RS* or ES* to match the key; anything else is an HS* secret.
func keyFor(keyMaterial string) (jwt.Keyfunc, []string, error) {
	if !strings.Contains(keyMaterial, "-----BEGIN") {
		secret := []byte(keyMaterial)
		return func(*jwt.Token) (any, error) { return secret, nil }, []string{"HS256", "HS384", "HS512"}, nil
	}

	pub, err := parsePublicKey(keyMaterial)
	if err != nil {
		return nil, nil, err
	}
	var methods []string
	switch pub.(type) {
	case *rsa.PublicKey:
		methods = []string{"RS256", "RS384", "RS512"}
	case *ecdsa.PublicKey:
		methods = []string{"ES256", "ES384", "ES512"}
	default:
		return nil, nil, fmt.Errorf("unsupported public key type %T", pub)
	}
	return func(*jwt.Token) (any, error) { return pub, nil }, methods, nil
}

// ValidateJWT verifies a Supabase access token and returns its claims.
func ValidateJWT(tokenString, keyMaterial string) (*Claims, error) {
	keyFunc, methods, err := keyFor(keyMaterial)
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc,
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}
