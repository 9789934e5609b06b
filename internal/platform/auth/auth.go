// Package auth verifies bearer tokens and exposes the acting identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin marks back-office staff; every other role is a customer.
const RoleAdmin = "admin"

// ErrInvalidToken indicates a missing, malformed, or expired bearer token.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity describes the authenticated actor for the current request.
type Identity struct {
	ID    string
	Admin bool
}

// Authenticator validates HS256-signed bearer tokens.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an Authenticator from the shared signing secret.
func NewAuthenticator(secret string) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	return &Authenticator{secret: []byte(secret)}, nil
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verify parses and validates a raw token string.
func (a *Authenticator) Verify(tokenString string) (Identity, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{ID: claims.Subject, Admin: claims.Role == RoleAdmin}, nil
}

type contextKey string

const identityKey contextKey = "github.com/maplecart/api/internal/platform/auth/identity"

// WithIdentity stores the authenticated identity on the context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the identity placed by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
