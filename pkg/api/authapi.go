package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kohakuriver/kohakuriver/pkg/auth"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

func (s *Server) mountAuthRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Get("/status", s.handleAuthStatus)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Post("/register", s.handleAuthRegister)
		r.Get("/me", s.handleMe)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(types.RoleUser))
			r.Post("/tokens", s.handleIssueToken)
			r.Get("/tokens", s.handleListTokens)
			r.Delete("/tokens/{hash}", s.handleRevokeToken)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole(types.RoleOperator))
			r.Post("/invitations", s.handleCreateInvitation)
			r.Get("/invitations", s.handleListInvitations)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole(types.RoleAdmin))
			r.Delete("/invitations/{token}", s.handleDeleteInvitation)
			r.Get("/users", s.handleListUsers)
			r.Post("/users", s.handleCreateUser)
			r.Put("/users/{username}/role", s.handleSetRole)
			r.Put("/users/{username}/active", s.handleSetActive)
			r.Delete("/users/{username}", s.handleDeleteUser)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(requireRole(types.RoleOperator))
		r.Post("/vps/{id}/assign", s.handleAssignVPS)
		r.Delete("/vps/{id}/assign/{username}", s.handleUnassignVPS)
	})
}

// handleAuthStatus reports whether any account exists, so clients can offer
// first-run setup.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configured": len(users) > 0,
		"role":       callerIdentity(r).Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.auth.Login(body.Username, body.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "username": body.Username})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
		if err := s.auth.Logout(cookie.Value); err != nil {
			s.log.Warn().Err(err).Msg("failed to delete session on logout")
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:    auth.SessionCookie,
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Invitation string `json:"invitation"`
		Username   string `json:"username"`
		Password   string `json:"password"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, types.NewError(types.ErrBadRequest, "username and password are required"))
		return
	}
	user, err := s.auth.Register(body.Invitation, body.Username, body.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"username": user.Username, "role": user.Role})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := callerIdentity(r)
	if id.Role == types.RoleAnonymous {
		writeError(w, types.NewError(types.ErrUnauthorized, "not logged in"))
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	plaintext, err := s.auth.IssueToken(callerIdentity(r).Username, body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	// The plaintext appears exactly once, in this response.
	writeJSON(w, http.StatusCreated, map[string]string{"token": plaintext, "name": body.Name})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.ListTokensByUser(callerIdentity(r).Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	token, err := s.store.GetToken(hash)
	if err != nil {
		writeError(w, err)
		return
	}
	id := callerIdentity(r)
	if token.Username != id.Username && !id.Role.AtLeast(types.RoleAdmin) {
		writeError(w, types.NewError(types.ErrForbidden, "not your token"))
		return
	}
	if err := s.auth.RevokeToken(hash); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role     types.Role `json:"role"`
		Group    string     `json:"group,omitempty"`
		MaxUsage int        `json:"max_usage"`
		TTLHours int        `json:"ttl_hours"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.TTLHours <= 0 {
		body.TTLHours = 72
	}
	inv, err := s.auth.CreateInvitation(callerIdentity(r), body.Role, body.Group,
		body.MaxUsage, time.Duration(body.TTLHours)*time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	invs, err := s.store.ListInvitations()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invs)
}

func (s *Server) handleDeleteInvitation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteInvitation(chi.URLParam(r, "token")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers()
	if err != nil {
		writeError(w, err)
		return
	}
	// Never leak password hashes through the API.
	type userView struct {
		Username  string     `json:"username"`
		Role      types.Role `json:"role"`
		Active    bool       `json:"active"`
		CreatedAt time.Time  `json:"created_at"`
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, userView{Username: u.Username, Role: u.Role, Active: u.Active, CreatedAt: u.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string     `json:"username"`
		Password string     `json:"password"`
		Role     types.Role `json:"role"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.auth.CreateUser(body.Username, body.Password, body.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"username": user.Username, "role": user.Role})
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role types.Role `json:"role"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.auth.SetUserRole(callerIdentity(r), chi.URLParam(r, "username"), body.Role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active bool `json:"active"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.auth.SetUserActive(callerIdentity(r), chi.URLParam(r, "username"), body.Active); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.DeleteUser(callerIdentity(r), chi.URLParam(r, "username")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAssignVPS(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Username string `json:"username"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.store.GetUser(body.Username); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.PutVPSAssignment(&types.VPSAssignment{TaskID: id, Username: body.Username}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "assigned"})
}

func (s *Server) handleUnassignVPS(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteVPSAssignment(id, chi.URLParam(r, "username")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unassigned"})
}
