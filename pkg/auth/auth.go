// Package auth implements the five-level role hierarchy, session and API
// token validation, invitations, and VPS access checks on top of the host
// store.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/sha3"

	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// AdminSecretHeader carries the configured admin secret, checked before any
// other credential.
const AdminSecretHeader = "X-Admin-Secret"

// SessionCookie is the name of the session cookie.
const SessionCookie = "kohaku_session"

// Identity is the resolved caller of a request.
type Identity struct {
	Username string
	Role     types.Role
}

// Anonymous is the identity of an unauthenticated caller.
var Anonymous = Identity{Role: types.RoleAnonymous}

// Service resolves credentials and manages users, sessions and tokens.
type Service struct {
	store       storage.Store
	adminSecret string
	sessionTTL  time.Duration
}

// NewService creates the auth service. An empty adminSecret disables the
// admin secret header path.
func NewService(store storage.Store, adminSecret string, sessionTTL time.Duration) *Service {
	return &Service{store: store, adminSecret: adminSecret, sessionTTL: sessionTTL}
}

// HashToken returns the hex SHA3-512 digest under which a token is stored.
func HashToken(plaintext string) string {
	sum := sha3.Sum512([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Resolve determines the caller identity for a request. Credentials are
// tried in order: admin secret header, session cookie, bearer token.
// Unknown or invalid credentials resolve to anonymous.
func (s *Service) Resolve(r *http.Request) Identity {
	if s.adminSecret != "" && r.Header.Get(AdminSecretHeader) == s.adminSecret {
		return Identity{Username: "admin", Role: types.RoleAdmin}
	}

	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if id, ok := s.resolveSession(cookie.Value); ok {
			return id
		}
	}

	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		if id, ok := s.resolveToken(strings.TrimPrefix(header, "Bearer ")); ok {
			return id
		}
	}

	return Anonymous
}

// resolveSession checks a session row, deleting it when expired.
func (s *Service) resolveSession(id string) (Identity, bool) {
	session, err := s.store.GetSession(id)
	if err != nil {
		return Anonymous, false
	}
	if time.Now().After(session.ExpiresAt) {
		if err := s.store.DeleteSession(id); err != nil {
			logger := log.WithComponent("auth")
			logger.Warn().Err(err).Msg("failed to delete expired session")
		}
		return Anonymous, false
	}
	user, err := s.activeUser(session.Username)
	if err != nil {
		return Anonymous, false
	}
	return Identity{Username: user.Username, Role: user.Role}, true
}

// resolveToken checks a bearer token against its stored hash and records the
// access time.
func (s *Service) resolveToken(plaintext string) (Identity, bool) {
	token, err := s.store.GetToken(HashToken(plaintext))
	if err != nil {
		return Anonymous, false
	}
	user, err := s.activeUser(token.Username)
	if err != nil {
		return Anonymous, false
	}
	token.LastUsed = time.Now()
	if err := s.store.PutToken(token); err != nil {
		logger := log.WithComponent("auth")
		logger.Warn().Err(err).Msg("failed to update token last-used")
	}
	return Identity{Username: user.Username, Role: user.Role}, true
}

func (s *Service) activeUser(username string) (*types.User, error) {
	user, err := s.store.GetUser(username)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, types.NewError(types.ErrForbidden, "user disabled: %s", username)
	}
	return user, nil
}

// Login verifies a password and creates a session row.
func (s *Service) Login(username, password string) (*types.Session, error) {
	user, err := s.activeUser(username)
	if err != nil {
		return nil, types.NewError(types.ErrUnauthorized, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, types.NewError(types.ErrUnauthorized, "invalid credentials")
	}

	id, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	session := &types.Session{
		ID:        id,
		Username:  username,
		ExpiresAt: time.Now().Add(s.sessionTTL),
	}
	if err := s.store.PutSession(session); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	return session, nil
}

// Logout deletes a session row.
func (s *Service) Logout(sessionID string) error {
	return s.store.DeleteSession(sessionID)
}

// CreateUser hashes the password and stores a new account.
func (s *Service) CreateUser(username, password string, role types.Role) (*types.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	user := &types.User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateUser(user); err != nil {
		return nil, err
	}
	return user, nil
}

// IssueToken creates an API token for a user. The plaintext is returned
// exactly once; only its SHA3-512 hash is stored.
func (s *Service) IssueToken(username, name string) (plaintext string, err error) {
	plaintext, err = randomHex(32)
	if err != nil {
		return "", err
	}
	token := &types.APIToken{
		Hash:      HashToken(plaintext),
		Username:  username,
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := s.store.PutToken(token); err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}
	return plaintext, nil
}

// RevokeToken deletes a token row by its stored hash.
func (s *Service) RevokeToken(hash string) error {
	return s.store.DeleteToken(hash)
}

// CreateInvitation mints an invitation token. Operators may issue only
// viewer-level invitations; admins may issue any role.
func (s *Service) CreateInvitation(issuer Identity, role types.Role, group string, maxUsage int, ttl time.Duration) (*types.Invitation, error) {
	if !issuer.Role.AtLeast(types.RoleOperator) {
		return nil, types.NewError(types.ErrForbidden, "role %s may not issue invitations", issuer.Role)
	}
	if issuer.Role == types.RoleOperator && role != types.RoleViewer {
		return nil, types.NewError(types.ErrForbidden, "operators may issue only viewer invitations")
	}

	token, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	inv := &types.Invitation{
		Token:     token,
		Role:      role,
		Group:     group,
		MaxUsage:  maxUsage,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := s.store.PutInvitation(inv); err != nil {
		return nil, fmt.Errorf("failed to store invitation: %w", err)
	}
	return inv, nil
}

// Register consumes one invitation usage and creates the account.
func (s *Service) Register(inviteToken, username, password string) (*types.User, error) {
	inv, err := s.store.GetInvitation(inviteToken)
	if err != nil {
		return nil, types.NewError(types.ErrUnauthorized, "invalid invitation")
	}
	if time.Now().After(inv.ExpiresAt) {
		return nil, types.NewError(types.ErrUnauthorized, "invitation expired")
	}
	if inv.MaxUsage > 0 && inv.UsedCount >= inv.MaxUsage {
		return nil, types.NewError(types.ErrUnauthorized, "invitation exhausted")
	}

	user, err := s.CreateUser(username, password, inv.Role)
	if err != nil {
		return nil, err
	}

	inv.UsedCount++
	if err := s.store.PutInvitation(inv); err != nil {
		return nil, fmt.Errorf("failed to update invitation usage: %w", err)
	}

	if inv.Group != "" {
		m := &types.Membership{Username: username, Group: inv.Group}
		if err := s.store.PutMembership(m); err != nil {
			return nil, fmt.Errorf("failed to add group membership: %w", err)
		}
	}
	return user, nil
}

// SetUserRole changes an account's role. Admins may not demote themselves.
func (s *Service) SetUserRole(actor Identity, username string, role types.Role) error {
	if actor.Username == username && actor.Role == types.RoleAdmin && role != types.RoleAdmin {
		return types.NewError(types.ErrForbidden, "admins may not demote themselves")
	}
	user, err := s.store.GetUser(username)
	if err != nil {
		return err
	}
	user.Role = role
	return s.store.UpdateUser(user)
}

// SetUserActive enables or disables an account. Admins may not disable
// themselves.
func (s *Service) SetUserActive(actor Identity, username string, active bool) error {
	if actor.Username == username && !active {
		return types.NewError(types.ErrForbidden, "admins may not disable themselves")
	}
	user, err := s.store.GetUser(username)
	if err != nil {
		return err
	}
	user.Active = active
	return s.store.UpdateUser(user)
}

// DeleteUser removes an account. Admins may not delete themselves.
func (s *Service) DeleteUser(actor Identity, username string) error {
	if actor.Username == username {
		return types.NewError(types.ErrForbidden, "admins may not delete themselves")
	}
	return s.store.DeleteUser(username)
}

// CanAccessVPS reports whether the caller may touch a VPS task: the owner,
// an assigned user, or anyone at operator level and above.
func (s *Service) CanAccessVPS(id Identity, task *types.Task) bool {
	if id.Role.AtLeast(types.RoleOperator) {
		return true
	}
	if task.Owner != "" && task.Owner == id.Username {
		return true
	}
	assignments, err := s.store.ListVPSAssignments(task.ID)
	if err != nil {
		return false
	}
	for _, a := range assignments {
		if a.Username == id.Username {
			return true
		}
	}
	return false
}
