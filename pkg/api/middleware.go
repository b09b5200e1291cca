package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/auth"
	"github.com/kohakuriver/kohakuriver/pkg/metrics"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

type contextKey int

const identityKey contextKey = iota

// identityMiddleware resolves the caller and stashes the identity in the
// request context. Resolution never fails; unknown credentials are anonymous.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.auth.Resolve(r)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// callerIdentity extracts the resolved identity from the request context.
func callerIdentity(r *http.Request) auth.Identity {
	if id, ok := r.Context().Value(identityKey).(auth.Identity); ok {
		return id
	}
	return auth.Anonymous
}

// requireRole gates a subtree on a minimum role.
func requireRole(min types.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := callerIdentity(r)
			if !id.Role.AtLeast(min) {
				kind := types.ErrForbidden
				if id.Role == types.RoleAnonymous {
					kind = types.ErrUnauthorized
				}
				writeError(w, types.NewError(kind, "requires role %s or above", min))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware records request counts and latency.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
