// Package auth implements the admin gate. Privileged operations take an
// explicit capability rather than consulting ambient process state.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lendscope/yieldoracle/internal/app/domain/yield"
)

// RoleAdmin authorizes registration, resizing and manual latching.
const RoleAdmin = "admin"

// Claims are the JWT claims carried by capability tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Capability is a verified caller identity. The zero value carries no
// privileges.
type Capability struct {
	Subject string
	Role    string
}

// Admin reports whether the capability authorizes privileged operations.
func (c Capability) Admin() bool { return c.Role == RoleAdmin }

// Gate verifies HS256 capability tokens.
type Gate struct {
	secret []byte
}

// NewGate creates a gate with the given shared secret.
func NewGate(secret string) (*Gate, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("admin secret required")
	}
	return &Gate{secret: []byte(secret)}, nil
}

// Verify parses a bearer token into a capability.
func (g *Gate) Verify(token string) (Capability, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		return Capability{}, fmt.Errorf("%w: %v", yield.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Capability{}, fmt.Errorf("%w: invalid claims", yield.ErrUnauthorized)
	}
	return Capability{Subject: claims.Subject, Role: claims.Role}, nil
}

// Issue mints a capability token. Used by the operator CLI and tests.
func (g *Gate) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}

// RequireAdmin enforces the admin role on a capability.
func RequireAdmin(caller Capability) error {
	if !caller.Admin() {
		return fmt.Errorf("%w: admin capability required", yield.ErrUnauthorized)
	}
	return nil
}
