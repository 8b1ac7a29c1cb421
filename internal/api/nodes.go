// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

type registerNodeRequest struct {
	Name           string `json:"name"`
	DataAddress    string `json:"data_address"`
	ControlAddress string `json:"control_address"`
	Interface      string `json:"interface"`
}

// handleRegisterNode lets an edge agent join the fleet on startup. It is
// gated by the same "modify" role as any other mutating call, since a
// rogue registration would let an attacker-controlled node receive live
// endpoint pushes.
func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ControlAddress == "" {
		writeError(w, http.StatusBadRequest, "control_address is required")
		return
	}

	n, err := s.fleet.RegisterNode(r.Context(), req.Name, req.DataAddress, req.ControlAddress, req.Interface)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit(r, "register", "node", n.ID)
	writeJSON(w, http.StatusCreated, nodeToDTO(n))
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]nodeDTO, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeToDTO(n))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, err := s.store.GetNode(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodeToDTO(n))
}

func (s *Server) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, err := s.store.GetNode(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          n.ID,
		"status":      string(n.Status),
		"last_seen":   n.LastSeen,
		"cpu_usage":   n.CPUUsage,
		"memory_pct":  n.MemoryUsage,
		"packet_rate": n.PacketRate,
	})
}
