package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kohakuriver/kohakuriver/pkg/metrics"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// overlayEnabled guards the routes that need a configured overlay CIDR.
func (s *Server) overlayEnabled() error {
	if s.overlay == nil {
		return types.NewError(types.ErrConflict, "overlay networking is not configured")
	}
	return nil
}

func (s *Server) handleOverlayStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.overlayEnabled(); err != nil {
		writeError(w, err)
		return
	}
	allocs, err := s.overlay.List()
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.OverlayAllocations.Set(float64(len(allocs)))
	writeJSON(w, http.StatusOK, allocs)
}

func (s *Server) handleOverlayRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.overlayEnabled(); err != nil {
		writeError(w, err)
		return
	}
	runner := chi.URLParam(r, "runner")
	if err := s.overlay.Release(runner); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released", "runner": runner})
}

func (s *Server) handleOverlayCleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.overlayEnabled(); err != nil {
		writeError(w, err)
		return
	}
	removed, err := s.overlay.Cleanup()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

type ipRequest struct {
	Runner string `json:"runner"`
	IP     string `json:"ip,omitempty"`
	Token  string `json:"token,omitempty"`
}

// allocationFor resolves a runner's overlay allocation for IP operations.
func (s *Server) allocationFor(runner string) (*types.OverlayAllocation, error) {
	if err := s.overlayEnabled(); err != nil {
		return nil, err
	}
	if runner == "" {
		return nil, types.NewError(types.ErrBadRequest, "runner is required")
	}
	return s.overlay.Get(runner)
}

func (s *Server) handleIPReserve(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	alloc, err := s.allocationFor(req.Runner)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.reserver.Reserve(req.Runner, alloc.Subnet, alloc.Gateway)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.IPReservations.Set(float64(len(s.reserver.Reservations())))
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleIPRelease(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.IP == "" {
		writeError(w, types.NewError(types.ErrBadRequest, "ip is required"))
		return
	}
	s.reserver.Release(req.IP)
	metrics.IPReservations.Set(float64(len(s.reserver.Reservations())))
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleIPValidate(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.reserver.Validate(req.Token, req.Runner, req.IP); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (s *Server) handleIPAvailable(w http.ResponseWriter, r *http.Request) {
	alloc, err := s.allocationFor(r.URL.Query().Get("runner"))
	if err != nil {
		writeError(w, err)
		return
	}
	free, err := s.reserver.Available(alloc.Subnet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runner": alloc.Runner, "subnet": alloc.Subnet, "available": free})
}

func (s *Server) handleIPInfo(w http.ResponseWriter, r *http.Request) {
	alloc, err := s.allocationFor(r.URL.Query().Get("runner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

func (s *Server) handleIPReservations(w http.ResponseWriter, r *http.Request) {
	if err := s.overlayEnabled(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.reserver.Reservations())
}
