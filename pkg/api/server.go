// Package api is the host's HTTP surface: the REST endpoints for tasks,
// nodes, VPS, overlay and auth, the WebSocket forward/terminal relays, and
// the Prometheus scrape handler.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kohakuriver/kohakuriver/pkg/auth"
	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/ipam"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/metrics"
	"github.com/kohakuriver/kohakuriver/pkg/overlay"
	"github.com/kohakuriver/kohakuriver/pkg/registry"
	"github.com/kohakuriver/kohakuriver/pkg/scheduler"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/tunnel"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// Server is the host HTTP server.
type Server struct {
	cfg      *config.HostConfig
	store    storage.Store
	registry *registry.Registry
	sched    *scheduler.Scheduler
	auth     *auth.Service
	overlay  *overlay.Manager // nil when the overlay is disabled
	reserver *ipam.Reserver
	relay    *tunnel.Relay

	http *http.Server
	log  zerolog.Logger
}

// NewServer wires the host components into one HTTP server.
func NewServer(cfg *config.HostConfig, store storage.Store, reg *registry.Registry,
	sched *scheduler.Scheduler, authSvc *auth.Service, ov *overlay.Manager,
	reserver *ipam.Reserver) *Server {

	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: reg,
		sched:    sched,
		auth:     authSvc,
		overlay:  ov,
		reserver: reserver,
		relay:    tunnel.NewRelay(),
		log:      log.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Router builds the chi route tree. Exported so tests can drive handlers
// through httptest without a listener.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(s.identityMiddleware)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Runner-facing endpoints: the cluster network is the trust
		// boundary, runners carry no credentials.
		r.Post("/register", s.handleRegister)
		r.Put("/heartbeat/{hostname}", s.handleHeartbeat)
		r.Post("/update", s.handleStatusUpdate)

		// Read surface.
		r.Group(func(r chi.Router) {
			r.Use(requireRole(types.RoleViewer))
			r.Get("/tasks", s.handleListTasks)
			r.Get("/status/{id}", s.handleTaskStatus)
			r.Get("/nodes", s.handleListNodes)
			r.Get("/cluster-health", s.handleClusterHealth)
			r.Get("/vps", s.handleListVPS)
			r.Get("/vps/status", s.handleVPSStatus)
			r.Get("/overlay/status", s.handleOverlayStatus)
			r.Get("/nodes/overlay/ip/available", s.handleIPAvailable)
			r.Get("/nodes/overlay/ip/info", s.handleIPInfo)
			r.Get("/nodes/overlay/ip/reservations", s.handleIPReservations)
		})

		// Submission and task control.
		r.Group(func(r chi.Router) {
			r.Use(requireRole(types.RoleUser))
			r.Post("/submit", s.handleSubmit)
			r.Post("/kill/{id}", s.handleKill)
			r.Post("/command/{id}/{op}", s.handleCommandOp)
			r.Delete("/tasks/{id}", s.handleDeleteTask)
			r.Post("/vps/create", s.handleVPSCreate)
			r.Post("/vps/stop/{id}", s.handleVPSStop)
			r.Post("/vps/restart/{id}", s.handleVPSRestart)
		})

		// Operator surface.
		r.Group(func(r chi.Router) {
			r.Use(requireRole(types.RoleOperator))
			r.Post("/tasks/{id}/approve", s.handleApprove)
			r.Post("/tasks/{id}/reject", s.handleReject)
			r.Post("/overlay/release/{runner}", s.handleOverlayRelease)
			r.Post("/overlay/cleanup", s.handleOverlayCleanup)
			r.Post("/nodes/overlay/ip/reserve", s.handleIPReserve)
			r.Post("/nodes/overlay/ip/release", s.handleIPRelease)
			r.Post("/nodes/overlay/ip/validate", s.handleIPValidate)
		})

		s.mountAuthRoutes(r)
	})

	// WebSocket chains.
	r.Get("/ws/forward/{id}/{port}", s.handleForward)
	r.Get("/ws/task/{id}/terminal", s.handleTerminal)
	r.Get("/ws/fs/{id}/watch", s.handleFSWatch)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("host API listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("host API server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
