// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"sentryproxy.dev/sentryproxy/internal/api/push"
	"sentryproxy.dev/sentryproxy/internal/auth"
	"sentryproxy.dev/sentryproxy/internal/errors"
	"sentryproxy.dev/sentryproxy/internal/store"
)

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	orgID := r.URL.Query().Get("org_id")

	eps, err := s.store.ListEndpoints(r.Context(), orgID, offset, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out := make([]endpointDTO, 0, len(eps))
	for _, e := range eps {
		out = append(out, endpointToDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var dto endpointDTO
	if err := decodeStrict(r, &dto); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ep, err := endpointFromDTO(dto)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ep.FrontIP == "" || ep.OriginIP == "" {
		writeError(w, http.StatusBadRequest, "front_ip and origin_ip are required")
		return
	}

	now := time.Now()
	ep.ID = uuid.NewString()
	ep.CreatedAt, ep.UpdatedAt = now, now
	ep.Active = true

	if err := s.store.CreateEndpoint(r.Context(), ep); err != nil {
		writeStoreError(w, err)
		return
	}

	s.audit(r, "create", "endpoint", ep.ID)
	if s.fleet != nil {
		s.fleet.PushEndpoint(r.Context(), "add", ep)
	}
	s.hub.Broadcast(push.EventEndpointUpdate, endpointToDTO(ep))

	writeJSON(w, http.StatusCreated, endpointToDTO(ep))
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ep, err := s.store.GetEndpoint(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, endpointToDTO(ep))
}

func (s *Server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	existing, err := s.store.GetEndpoint(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var dto endpointDTO
	if err := decodeStrict(r, &dto); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dto.ID = id

	ep, err := endpointFromDTO(dto)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ep.CreatedAt = existing.CreatedAt
	ep.UpdatedAt = time.Now()

	if err := s.store.UpdateEndpoint(r.Context(), ep); err != nil {
		writeStoreError(w, err)
		return
	}

	s.audit(r, "update", "endpoint", ep.ID)
	if s.fleet != nil {
		s.fleet.PushEndpoint(r.Context(), "update", ep)
	}
	s.hub.Broadcast(push.EventEndpointUpdate, endpointToDTO(ep))

	writeJSON(w, http.StatusOK, endpointToDTO(ep))
}

// handleDeleteEndpoint removes an endpoint from every node's kernel maps
// before removing its durable record, so a crash or unreachable node
// between the two steps leaves the store — not a stranded live kernel
// entry — as the thing to retry against.
func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ep, err := s.store.GetEndpoint(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if s.fleet != nil {
		s.fleet.PushEndpointSync(r.Context(), "remove", ep)
	}

	if err := s.store.DeleteEndpoint(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	s.audit(r, "delete", "endpoint", id)
	s.hub.Broadcast(push.EventEndpointUpdate, map[string]string{"id": id, "action": "removed"})

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEndpointMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	since := time.Now().Add(-1 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}

	samples, err := s.store.QueryMetrics(r.Context(), id, since)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out := make([]metricsSampleDTO, 0, len(samples))
	for _, sm := range samples {
		out = append(out, metricsSampleDTO{Timestamp: sm.Timestamp, Counters: sm.Counters})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entries, err := s.store.ListWhitelist(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]whitelistDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, whitelistDTO{IP: e.IP, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var dto whitelistDTO
	if err := decodeStrict(r, &dto); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if dto.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}

	rec := store.WhitelistRecord{EndpointID: id, IP: dto.IP, CreatedAt: time.Now()}
	if err := s.store.AddWhitelist(r.Context(), rec); err != nil {
		writeStoreError(w, err)
		return
	}

	s.audit(r, "create", "whitelist", id+"/"+dto.IP)
	writeJSON(w, http.StatusCreated, whitelistDTO{IP: rec.IP, CreatedAt: rec.CreatedAt})
}

func (s *Server) handleRemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, ip := vars["id"], vars["ip"]

	if err := s.store.RemoveWhitelist(r.Context(), id, ip); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit(r, "delete", "whitelist", id+"/"+ip)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) audit(r *http.Request, action, entity, entityID string) {
	actor := "unknown"
	if op, ok := auth.OperatorFromContext(r.Context()); ok {
		actor = op.Username
	}
	rec := store.AuditRecord{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Timestamp: time.Now(),
	}
	if err := s.store.RecordAudit(r.Context(), rec); err != nil {
		s.log.Warn("failed to record audit entry", "error", err)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	writeError(w, errors.KindOf(err).HTTPStatus(), err.Error())
}
