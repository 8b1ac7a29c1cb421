// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api is the control-plane's REST/JSON surface (§6): CRUD on
// protected endpoints, node registration and status, blacklist and
// per-endpoint whitelist management, metrics queries, and system status.
// Every mutating call is authenticated via auth.Store's bearer middleware
// and recorded to the audit trail.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"sentryproxy.dev/sentryproxy/internal/api/push"
	"sentryproxy.dev/sentryproxy/internal/auth"
	"sentryproxy.dev/sentryproxy/internal/fleet"
	"sentryproxy.dev/sentryproxy/internal/logging"
	"sentryproxy.dev/sentryproxy/internal/metrics"
	"sentryproxy.dev/sentryproxy/internal/store"
)

// DefaultPageLimit is the page size used when a list request omits limit.
const DefaultPageLimit = 50

// Server is the control-plane HTTP API.
type Server struct {
	store    store.Store
	fleet    *fleet.Manager
	auth     *auth.Store
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	hub      *push.Hub
	log      *logging.Logger
}

// Config wires a Server to the components it fronts.
type Config struct {
	Store   store.Store
	Fleet   *fleet.Manager
	Auth    *auth.Store
	Metrics *metrics.Metrics
	Hub     *push.Hub
	Logger  *logging.Logger
}

// NewServer builds a Server from cfg.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().WithComponent("api")
	}
	if cfg.Hub == nil {
		cfg.Hub = push.NewHub()
	}

	var reg *prometheus.Registry
	if cfg.Metrics != nil {
		reg = prometheus.NewRegistry()
		cfg.Metrics.Register(reg)
	}

	return &Server{
		store:    cfg.Store,
		fleet:    cfg.Fleet,
		auth:     cfg.Auth,
		metrics:  cfg.Metrics,
		registry: reg,
		hub:      cfg.Hub,
		log:      cfg.Logger,
	}
}

// Hub returns the server's websocket push hub, for callers that need to
// start its Run loop alongside the HTTP server.
func (s *Server) Hub() *push.Hub { return s.hub }

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/api/v1/auth/login", s.handleLogin).Methods("POST")

	r.Handle("/api/v1/endpoints", s.auth.Middleware("view")(http.HandlerFunc(s.handleListEndpoints))).Methods("GET")
	r.Handle("/api/v1/endpoints", s.auth.Middleware("modify")(http.HandlerFunc(s.handleCreateEndpoint))).Methods("POST")
	r.Handle("/api/v1/endpoints/{id}", s.auth.Middleware("view")(http.HandlerFunc(s.handleGetEndpoint))).Methods("GET")
	r.Handle("/api/v1/endpoints/{id}", s.auth.Middleware("modify")(http.HandlerFunc(s.handleUpdateEndpoint))).Methods("PUT")
	r.Handle("/api/v1/endpoints/{id}", s.auth.Middleware("modify")(http.HandlerFunc(s.handleDeleteEndpoint))).Methods("DELETE")
	r.Handle("/api/v1/endpoints/{id}/metrics", s.auth.Middleware("view")(http.HandlerFunc(s.handleEndpointMetrics))).Methods("GET")
	r.Handle("/api/v1/endpoints/{id}/whitelist", s.auth.Middleware("view")(http.HandlerFunc(s.handleListWhitelist))).Methods("GET")
	r.Handle("/api/v1/endpoints/{id}/whitelist", s.auth.Middleware("modify")(http.HandlerFunc(s.handleAddWhitelist))).Methods("POST")
	r.Handle("/api/v1/endpoints/{id}/whitelist/{ip}", s.auth.Middleware("modify")(http.HandlerFunc(s.handleRemoveWhitelist))).Methods("DELETE")

	r.Handle("/api/v1/blacklist", s.auth.Middleware("view")(http.HandlerFunc(s.handleListBlacklist))).Methods("GET")
	r.Handle("/api/v1/blacklist", s.auth.Middleware("modify")(http.HandlerFunc(s.handleAddBlacklist))).Methods("POST")
	r.Handle("/api/v1/blacklist/{ip}", s.auth.Middleware("modify")(http.HandlerFunc(s.handleRemoveBlacklist))).Methods("DELETE")

	r.Handle("/api/v1/nodes", s.auth.Middleware("view")(http.HandlerFunc(s.handleListNodes))).Methods("GET")
	r.Handle("/api/v1/nodes", s.auth.Middleware("modify")(http.HandlerFunc(s.handleRegisterNode))).Methods("POST")
	r.Handle("/api/v1/nodes/{id}", s.auth.Middleware("view")(http.HandlerFunc(s.handleGetNode))).Methods("GET")
	r.Handle("/api/v1/nodes/{id}/status", s.auth.Middleware("view")(http.HandlerFunc(s.handleNodeStatus))).Methods("GET")

	r.Handle("/api/v1/system/status", s.auth.Middleware("view")(http.HandlerFunc(s.handleSystemStatus))).Methods("GET")
	r.Handle("/api/v1/system/stats", s.auth.Middleware("view")(http.HandlerFunc(s.handleSystemStats))).Methods("GET")

	r.Handle("/api/v1/ws", s.auth.Middleware("view")(http.HandlerFunc(s.handleWS))).Methods("GET")

	if s.registry != nil {
		r.Handle("/metrics", metrics.Handler(s.registry)).Methods("GET")
	}

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("api request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

var errTrailingData = errors.New("api: request body contains trailing data")

// decodeStrict decodes r's JSON body into v, rejecting unknown fields and
// trailing data so malformed operator tooling fails loudly instead of
// silently dropping fields.
func decodeStrict(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		return errTrailingData
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pageParams(r *http.Request) (offset, limit int) {
	q := r.URL.Query()
	offset = atoiDefault(q.Get("offset"), 0)
	limit = atoiDefault(q.Get("limit"), DefaultPageLimit)
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	return offset, limit
}
