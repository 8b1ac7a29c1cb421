// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package auth

import (
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"sentryproxy.dev/sentryproxy/internal/clock"
	"sentryproxy.dev/sentryproxy/internal/errors"
)

// Role is an operator's permission level on the control-plane API.
type Role string

const (
	RoleAdmin    Role = "admin"    // full access, including operator management
	RoleOperator Role = "operator" // create/modify endpoints, nodes, blacklist
	RoleViewer   Role = "viewer"   // read-only access to status and metrics
)

// CanAccess reports whether r is permitted to perform action.
func (r Role) CanAccess(action string) bool {
	switch action {
	case "view":
		return true
	case "modify":
		return r == RoleAdmin || r == RoleOperator
	case "admin":
		return r == RoleAdmin
	default:
		return false
	}
}

// Operator is a control-plane API account.
type Operator struct {
	Username  string
	Hash      string // bcrypt hash
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store holds operator accounts and issues JWT bearer tokens on successful
// authentication. It is in-memory; operator accounts are provisioned at
// startup from configuration rather than through the API itself.
type Store struct {
	mu        sync.RWMutex
	operators map[string]*Operator
	tokens    *TokenManager
	clk       clock.Clock
}

// NewStore builds an empty operator store issuing tokens via tm.
func NewStore(tm *TokenManager) *Store {
	return &Store{operators: make(map[string]*Operator), tokens: tm, clk: clock.System{}}
}

// CreateOperator adds a new account with a bcrypt-hashed password.
func (s *Store) CreateOperator(username, password string, role Role) error {
	if username == "" || password == "" {
		return errors.New(errors.KindValidation, "username and password required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "hash password", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.operators[username]; exists {
		return errors.New(errors.KindConflict, "operator already exists")
	}

	now := s.clk.Now()
	s.operators[username] = &Operator{
		Username:  username,
		Hash:      string(hash),
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// Authenticate verifies username/password and returns a signed JWT.
func (s *Store) Authenticate(username, password string) (string, error) {
	s.mu.RLock()
	op, exists := s.operators[username]
	s.mu.RUnlock()

	if !exists {
		return "", errors.New(errors.KindPermission, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.Hash), []byte(password)); err != nil {
		return "", errors.New(errors.KindPermission, "invalid credentials")
	}

	return s.tokens.Issue(op.Username, op.Role)
}

// Validate parses a bearer token and resolves it to the operator's current
// role, rejecting tokens for operators that no longer exist.
func (s *Store) Validate(token string) (*Operator, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	op, exists := s.operators[claims.Username]
	if !exists {
		return nil, errors.New(errors.KindPermission, "operator no longer exists")
	}
	return op, nil
}

// UpdatePassword replaces username's password hash.
func (s *Store) UpdatePassword(username, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "hash password", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	op, exists := s.operators[username]
	if !exists {
		return errors.New(errors.KindNotFound, "operator not found")
	}
	op.Hash = string(hash)
	op.UpdatedAt = s.clk.Now()
	return nil
}

// ListOperators returns every account without its password hash.
func (s *Store) ListOperators() []Operator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Operator, 0, len(s.operators))
	for _, op := range s.operators {
		out = append(out, Operator{Username: op.Username, Role: op.Role, CreatedAt: op.CreatedAt, UpdatedAt: op.UpdatedAt})
	}
	return out
}
