// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"time"

	"sentryproxy.dev/sentryproxy/internal/store"
)

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var nodes []store.NodeRecord
	if s.fleet != nil {
		nodes = s.fleet.Nodes()
	}

	active, inactive := 0, 0
	for _, n := range nodes {
		if n.Status == store.NodeActive {
			active++
		} else {
			inactive++
		}
	}

	eps, err := s.store.ListEndpoints(r.Context(), "", 0, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes_active":    active,
		"nodes_inactive":  inactive,
		"endpoints_total": len(eps),
	})
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	eps, err := s.store.ListEndpoints(r.Context(), "", 0, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	type endpointSummary struct {
		ID       string `json:"id"`
		Counters any    `json:"latest_counters,omitempty"`
	}

	out := make([]endpointSummary, 0, len(eps))
	for _, ep := range eps {
		samples, err := s.store.QueryMetrics(r.Context(), ep.ID, time.Time{})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		summary := endpointSummary{ID: ep.ID}
		if len(samples) > 0 {
			summary.Counters = samples[len(samples)-1].Counters
		}
		out = append(out, summary)
	}

	writeJSON(w, http.StatusOK, out)
}
