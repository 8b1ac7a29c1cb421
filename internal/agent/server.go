// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Server is the edge node's control interface, served on ControlAddress:
// the fleet manager polls GET /api/v1/status on a cadence and pushes
// endpoint/blacklist changes to the POST routes below.
type Server struct {
	agent *Agent
}

// NewServer builds a Server fronting agent.
func NewServer(agent *Agent) *Server {
	return &Server{agent: agent}
}

// Router builds the node control interface's route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/v1/endpoint", s.handleEndpointPush).Methods("POST")
	r.HandleFunc("/api/v1/blacklist", s.handleBlacklistPush).Methods("POST")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.agent.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStatus answers the fleet manager's status poll with this node's
// liveness, resource usage, and currently-applied endpoint set.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.agent.Status()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "active",
		"last_seen":    time.Now().UTC(),
		"cpu_usage":    snap.CPUUsage,
		"memory_usage": snap.MemoryUsage,
		"packet_rate":  snap.PacketRate,
		"endpoints":    snap.Endpoints,
	})
}

func (s *Server) handleEndpointPush(w http.ResponseWriter, r *http.Request) {
	var push EndpointPush
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&push); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.agent.ApplyPush(push); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBlacklistPush(w http.ResponseWriter, r *http.Request) {
	var push BlacklistPush
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&push); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.agent.ApplyBlacklistPush(push); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}
