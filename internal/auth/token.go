// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package auth authenticates the control-plane API: bcrypt-hashed operator
// passwords and JWT bearer tokens scoped by role.
package auth

import (
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"

	"sentryproxy.dev/sentryproxy/internal/clock"
	"sentryproxy.dev/sentryproxy/internal/errors"
)

// Claims is the JWT payload issued on successful authentication.
type Claims struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.StandardClaims
}

// TokenManager issues and validates bearer tokens for the control-plane API.
type TokenManager struct {
	secret []byte
	expiry time.Duration
	clk    clock.Clock
}

// NewTokenManager builds a manager signing with secret and expiring tokens
// after expiry (0 falls back to 24h, matching the teacher's session TTL).
func NewTokenManager(secret string, expiry time.Duration) *TokenManager {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), expiry: expiry, clk: clock.System{}}
}

// Issue signs a new token for username/role.
func (m *TokenManager) Issue(username string, role Role) (string, error) {
	now := m.clk.Now()
	claims := Claims{
		Username: username,
		Role:     role,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(m.expiry).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Parse validates tokenStr and returns its claims.
func (m *TokenManager) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New(errors.KindPermission, "invalid or expired token")
	}
	return claims, nil
}
