// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStore_AuthenticateAndValidate(t *testing.T) {
	s := NewStore(NewTokenManager("test-secret", time.Hour))
	require.NoError(t, s.CreateOperator("alice", "hunter2", RoleAdmin))

	token, err := s.Authenticate("alice", "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	op, err := s.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "alice", op.Username)
	require.Equal(t, RoleAdmin, op.Role)
}

func TestStore_AuthenticateRejectsWrongPassword(t *testing.T) {
	s := NewStore(NewTokenManager("test-secret", time.Hour))
	require.NoError(t, s.CreateOperator("alice", "hunter2", RoleViewer))

	_, err := s.Authenticate("alice", "wrong")
	require.Error(t, err)
}

func TestStore_CreateOperatorRejectsDuplicate(t *testing.T) {
	s := NewStore(NewTokenManager("test-secret", time.Hour))
	require.NoError(t, s.CreateOperator("alice", "hunter2", RoleViewer))
	require.Error(t, s.CreateOperator("alice", "other", RoleViewer))
}

func TestRole_CanAccess(t *testing.T) {
	require.True(t, RoleViewer.CanAccess("view"))
	require.False(t, RoleViewer.CanAccess("modify"))
	require.True(t, RoleOperator.CanAccess("modify"))
	require.False(t, RoleOperator.CanAccess("admin"))
	require.True(t, RoleAdmin.CanAccess("admin"))
}

func TestMiddleware_RejectsMissingAndInvalidTokens(t *testing.T) {
	s := NewStore(NewTokenManager("test-secret", time.Hour))
	require.NoError(t, s.CreateOperator("alice", "hunter2", RoleViewer))

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := s.Middleware("")(ok)

	req := httptest.NewRequest(http.MethodGet, "/system/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_EnforcesRole(t *testing.T) {
	s := NewStore(NewTokenManager("test-secret", time.Hour))
	require.NoError(t, s.CreateOperator("viewer", "pw", RoleViewer))
	token, err := s.Authenticate("viewer", "pw")
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := s.Middleware("modify")(ok)

	req := httptest.NewRequest(http.MethodPost, "/endpoints", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
