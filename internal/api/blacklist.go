// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"sentryproxy.dev/sentryproxy/internal/api/push"
	"sentryproxy.dev/sentryproxy/internal/store"
)

func (s *Server) handleListBlacklist(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	entries, err := s.store.ListBlacklist(r.Context(), offset, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]blacklistDTO, 0, len(entries))
	for _, b := range entries {
		out = append(out, blacklistDTO{IP: b.IP, BlockedUntil: b.BlockedUntil, Reason: b.Reason, CreatedAt: b.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddBlacklist(w http.ResponseWriter, r *http.Request) {
	var dto blacklistDTO
	if err := decodeStrict(r, &dto); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if dto.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	if dto.BlockedUntil.IsZero() {
		writeError(w, http.StatusBadRequest, "blocked_until is required")
		return
	}

	rec := store.BlacklistRecord{IP: dto.IP, BlockedUntil: dto.BlockedUntil, Reason: dto.Reason, CreatedAt: time.Now()}
	if err := s.store.AddBlacklist(r.Context(), rec); err != nil {
		writeStoreError(w, err)
		return
	}

	s.audit(r, "create", "blacklist", rec.IP)
	if s.fleet != nil {
		s.fleet.PushBlacklist(r.Context(), "add", rec.IP, time.Until(rec.BlockedUntil))
	}
	s.hub.Broadcast(push.EventBlacklistUpdate, blacklistDTO{IP: rec.IP, BlockedUntil: rec.BlockedUntil, Reason: rec.Reason, CreatedAt: rec.CreatedAt})

	writeJSON(w, http.StatusCreated, blacklistDTO{IP: rec.IP, BlockedUntil: rec.BlockedUntil, Reason: rec.Reason, CreatedAt: rec.CreatedAt})
}

func (s *Server) handleRemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	if err := s.store.RemoveBlacklist(r.Context(), ip); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit(r, "delete", "blacklist", ip)
	if s.fleet != nil {
		s.fleet.PushBlacklist(r.Context(), "remove", ip, 0)
	}
	s.hub.Broadcast(push.EventBlacklistUpdate, map[string]string{"ip": ip, "action": "removed"})

	w.WriteHeader(http.StatusNoContent)
}
