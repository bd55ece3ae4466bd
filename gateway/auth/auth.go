// Package auth verifies the bearer tokens presented by connecting clients
// and agent runtimes.
//
// Authentication is fail-open at the connection layer: a missing,
// unverifiable, or expired token degrades the connection to anonymous
// instead of rejecting the handshake. Authorization is enforced
// per-operation by the authz package.
package auth

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/gateway/config"
)

// ErrUnauthorized is returned when a presented token fails verification.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the principal bound to a connection for its lifetime.
// A zero UserID denotes an anonymous connection.
type Identity struct {
	UserID      string
	DisplayName string
	Admin       bool
}

// Anonymous reports whether the identity carries no verified user.
func (id *Identity) Anonymous() bool {
	return id == nil || id.UserID == ""
}

// Verifier validates a bearer token and produces an Identity.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (*Identity, error)
}

// Claims is the JWT claim set minted and accepted by the builtin verifier.
type Claims struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Admin       bool   `json:"isAdmin,omitempty"`
	jwt.RegisteredClaims
}

// HMACVerifier verifies HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier for the given shared secret.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// VerifyToken parses and validates a signed claims token.
func (v *HMACVerifier) VerifyToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, ErrUnauthorized
	}

	return &Identity{
		UserID:      userID,
		DisplayName: claims.DisplayName,
		Admin:       claims.Admin,
	}, nil
}

// Issue mints a signed token for the given identity. Used by the token
// subcommand and by tests.
func (v *HMACVerifier) Issue(id Identity, expiry time.Duration) (string, error) {
	claims := &Claims{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		Admin:       id.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// NewVerifier creates a Verifier from configuration. Returns nil when no
// verification secret is configured, in which case every connection is
// anonymous.
func NewVerifier(cfg config.AuthConfig) (Verifier, error) {
	switch cfg.Provider {
	case "jwks":
		return NewJWKSVerifier(cfg.JWKSIssuer)
	case "builtin", "":
		if cfg.TokenSecret == "" {
			return nil, nil
		}
		return NewHMACVerifier(cfg.TokenSecret), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}

// TokenFromRequest extracts a bearer token from the handshake request,
// trying the auth payload slot, the query parameter, and the
// Authorization header in that priority order. Returns "" if none is
// present.
//
// Browsers cannot set custom headers during the WebSocket handshake, so
// query-parameter transport is expected; configure access logs to exclude
// query strings.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("auth_token"); t != "" {
		return t
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return authHeader[7:]
	}
	return ""
}

// RuntimeAuth validates static agent-runtime tokens from configuration.
type RuntimeAuth struct {
	tokens map[string]string // runtime_id -> token
}

// NewRuntimeAuth builds a RuntimeAuth from configured token entries.
func NewRuntimeAuth(entries []config.RuntimeTokenEntry) *RuntimeAuth {
	tokens := make(map[string]string, len(entries))
	for _, e := range entries {
		tokens[e.RuntimeID] = e.Token
	}
	return &RuntimeAuth{tokens: tokens}
}

// Validate checks a runtime's token in constant time.
func (r *RuntimeAuth) Validate(runtimeID, token string) bool {
	expected, ok := r.tokens[runtimeID]
	if !ok {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(token))
}
