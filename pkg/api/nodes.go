package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kohakuriver/kohakuriver/pkg/metrics"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.registry.Register(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHeartbeat refreshes node liveness and reconciles the runner's task
// report against the scheduler's view.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	var hb types.Heartbeat
	if err := decode(r, &hb); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Heartbeat(hostname, &hb); err != nil {
		writeError(w, err)
		return
	}
	if err := s.sched.ReconcileHeartbeat(hostname, &hb); err != nil {
		s.log.Error().Err(err).Str("runner", hostname).Msg("heartbeat reconciliation failed")
	}
	metrics.HeartbeatsTotal.WithLabelValues(hostname).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.registry.Health()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}
