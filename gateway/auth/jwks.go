package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSVerifier validates tokens issued by an external identity provider
// using its published JWKS.
type JWKSVerifier struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSVerifier creates a JWKSVerifier that fetches keys from the
// issuer's well-known JWKS endpoint.
func NewJWKSVerifier(issuer string) (*JWKSVerifier, error) {
	if issuer == "" {
		return nil, fmt.Errorf("jwks issuer URL is required")
	}

	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSVerifier{issuer: issuer, jwks: jwks}, nil
}

// VerifyToken parses an IdP-issued JWT and returns an Identity.
func (v *JWKSVerifier) VerifyToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, v.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}

	role, _ := claims["role"].(string)

	// Build a human-readable display name from available claims.
	name := sub
	switch {
	case claimStr(claims, "username") != "":
		name = claimStr(claims, "username")
	case claimStr(claims, "name") != "":
		name = claimStr(claims, "name")
	case claimStr(claims, "first_name") != "" || claimStr(claims, "last_name") != "":
		name = strings.TrimSpace(claimStr(claims, "first_name") + " " + claimStr(claims, "last_name"))
	case claimStr(claims, "email") != "":
		name = claimStr(claims, "email")
	}

	return &Identity{
		UserID:      sub,
		DisplayName: name,
		Admin:       role == "admin",
	}, nil
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
