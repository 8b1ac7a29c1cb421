// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentryproxy.dev/sentryproxy/internal/auth"
	"sentryproxy.dev/sentryproxy/internal/fleet"
	"sentryproxy.dev/sentryproxy/internal/metrics"
	"sentryproxy.dev/sentryproxy/internal/store"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := store.NewMemoryStore()
	tm := auth.NewTokenManager("test-secret", time.Hour)
	authStore := auth.NewStore(tm)
	require.NoError(t, authStore.CreateOperator("admin", "password123", auth.RoleAdmin))
	require.NoError(t, authStore.CreateOperator("viewer", "password123", auth.RoleViewer))

	fl := fleet.New(fleet.Config{Store: s})
	m := metrics.New()

	srv := NewServer(Config{Store: s, Fleet: fl, Auth: authStore, Metrics: m})

	token, err := authStore.Authenticate("admin", "password123")
	require.NoError(t, err)
	return srv, token
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestAPI_LoginSucceedsAndFails(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doRequest(t, router, "POST", "/api/v1/auth/login", "", loginRequest{Username: "admin", Password: "password123"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	rec = doRequest(t, router, "POST", "/api/v1/auth/login", "", loginRequest{Username: "admin", Password: "wrong"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_EndpointCRUDRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doRequest(t, router, "GET", "/api/v1/endpoints", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_EndpointCRUDLifecycle(t *testing.T) {
	srv, token := newTestServer(t)
	router := srv.Router()

	create := endpointDTO{
		OrgID: "org-1", FrontIP: "1.2.3.4", FrontPort: 25565, Kind: "java",
		OriginIP: "10.0.0.1", OriginPort: 25565, RateLimit: 100, BurstLimit: 200,
	}
	rec := doRequest(t, router, "POST", "/api/v1/endpoints", token, create)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created endpointDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = doRequest(t, router, "GET", "/api/v1/endpoints/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	created.RateLimit = 500
	rec = doRequest(t, router, "PUT", "/api/v1/endpoints/"+created.ID, token, created)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, "GET", "/api/v1/endpoints", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []endpointDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = doRequest(t, router, "DELETE", "/api/v1/endpoints/"+created.ID, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, "GET", "/api/v1/endpoints/"+created.ID, token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ViewerCannotModify(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	viewerToken, err := srv.auth.Authenticate("viewer", "password123")
	require.NoError(t, err)

	rec := doRequest(t, router, "POST", "/api/v1/endpoints", viewerToken, endpointDTO{OrgID: "org-1", FrontIP: "1.1.1.1", OriginIP: "2.2.2.2", Kind: "java"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_BlacklistLifecycle(t *testing.T) {
	srv, token := newTestServer(t)
	router := srv.Router()

	rec := doRequest(t, router, "POST", "/api/v1/blacklist", token, blacklistDTO{IP: "9.9.9.9", BlockedUntil: time.Now().Add(time.Hour), Reason: "abuse"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, "GET", "/api/v1/blacklist", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []blacklistDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = doRequest(t, router, "DELETE", "/api/v1/blacklist/9.9.9.9", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAPI_RejectsUnknownFields(t *testing.T) {
	srv, token := newTestServer(t)
	router := srv.Router()

	body := []byte(`{"ip":"1.1.1.1","blocked_until":"2030-01-01T00:00:00Z","reason":"x","bogus":"field"}`)
	req := httptest.NewRequest("POST", "/api/v1/blacklist", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
