package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(store, "top-secret", time.Hour)
}

func TestRoleHierarchy(t *testing.T) {
	tests := []struct {
		role  types.Role
		floor types.Role
		want  bool
	}{
		{types.RoleAnonymous, types.RoleViewer, false},
		{types.RoleViewer, types.RoleViewer, true},
		{types.RoleUser, types.RoleOperator, false},
		{types.RoleOperator, types.RoleUser, true},
		{types.RoleAdmin, types.RoleOperator, true},
	}
	for _, tt := range tests {
		if got := tt.role.AtLeast(tt.floor); got != tt.want {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", tt.role, tt.floor, got, tt.want)
		}
	}
}

func TestResolveAdminSecret(t *testing.T) {
	svc := newTestService(t)

	r := httptest.NewRequest("GET", "/api/tasks", nil)
	r.Header.Set(AdminSecretHeader, "top-secret")
	require.Equal(t, types.RoleAdmin, svc.Resolve(r).Role)

	r = httptest.NewRequest("GET", "/api/tasks", nil)
	r.Header.Set(AdminSecretHeader, "wrong")
	require.Equal(t, types.RoleAnonymous, svc.Resolve(r).Role)
}

func TestLoginAndSessionResolution(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateUser("alice", "hunter22", types.RoleUser)
	require.NoError(t, err)

	_, err = svc.Login("alice", "wrong")
	require.Equal(t, types.ErrUnauthorized, types.KindOf(err))

	session, err := svc.Login("alice", "hunter22")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/auth/me", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: session.ID})
	id := svc.Resolve(r)
	require.Equal(t, "alice", id.Username)
	require.Equal(t, types.RoleUser, id.Role)

	// Logout invalidates the session.
	require.NoError(t, svc.Logout(session.ID))
	require.Equal(t, types.RoleAnonymous, svc.Resolve(r).Role)
}

func TestExpiredSessionDeletedOnAccess(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	svc := NewService(store, "", time.Hour)

	_, err = svc.CreateUser("alice", "hunter22", types.RoleUser)
	require.NoError(t, err)

	expired := &types.Session{ID: "stale", Username: "alice", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, store.PutSession(expired))

	r := httptest.NewRequest("GET", "/api/auth/me", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "stale"})
	require.Equal(t, types.RoleAnonymous, svc.Resolve(r).Role)

	// The expired row was deleted on access.
	_, err = store.GetSession("stale")
	require.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestBearerTokenResolution(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateUser("bob", "pw-pw-pw", types.RoleOperator)
	require.NoError(t, err)

	plaintext, err := svc.IssueToken("bob", "ci")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/tasks", nil)
	r.Header.Set("Authorization", "Bearer "+plaintext)
	id := svc.Resolve(r)
	require.Equal(t, "bob", id.Username)
	require.Equal(t, types.RoleOperator, id.Role)

	// Revocation by hash invalidates the token.
	require.NoError(t, svc.RevokeToken(HashToken(plaintext)))
	require.Equal(t, types.RoleAnonymous, svc.Resolve(r).Role)
}

func TestTokenStoredOnlyAsHash(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	svc := NewService(store, "", time.Hour)

	_, err = svc.CreateUser("bob", "pw-pw-pw", types.RoleUser)
	require.NoError(t, err)
	plaintext, err := svc.IssueToken("bob", "ci")
	require.NoError(t, err)

	tokens, err := store.ListTokensByUser("bob")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.NotEqual(t, plaintext, tokens[0].Hash)
	require.Equal(t, HashToken(plaintext), tokens[0].Hash)
}

func TestInvitationFlow(t *testing.T) {
	svc := newTestService(t)

	admin := Identity{Username: "root", Role: types.RoleAdmin}
	operator := Identity{Username: "op", Role: types.RoleOperator}

	// Operators may issue only viewer invitations.
	_, err := svc.CreateInvitation(operator, types.RoleUser, "", 1, time.Hour)
	require.Equal(t, types.ErrForbidden, types.KindOf(err))

	inv, err := svc.CreateInvitation(admin, types.RoleUser, "lab-a", 1, time.Hour)
	require.NoError(t, err)

	user, err := svc.Register(inv.Token, "carol", "pass-pass")
	require.NoError(t, err)
	require.Equal(t, types.RoleUser, user.Role)

	// Usage is consumed; a second registration is refused.
	_, err = svc.Register(inv.Token, "dave", "pass-pass")
	require.Equal(t, types.ErrUnauthorized, types.KindOf(err))
}

func TestAdminSelfProtection(t *testing.T) {
	svc := newTestService(t)

	admin, err := svc.CreateUser("root", "secret-pw", types.RoleAdmin)
	require.NoError(t, err)
	self := Identity{Username: admin.Username, Role: types.RoleAdmin}

	require.Equal(t, types.ErrForbidden, types.KindOf(svc.SetUserRole(self, "root", types.RoleUser)))
	require.Equal(t, types.ErrForbidden, types.KindOf(svc.SetUserActive(self, "root", false)))
	require.Equal(t, types.ErrForbidden, types.KindOf(svc.DeleteUser(self, "root")))
}

func TestCanAccessVPS(t *testing.T) {
	svc := newTestService(t)

	task := &types.Task{ID: 900, Kind: types.TaskKindVPS, Owner: "alice"}

	require.True(t, svc.CanAccessVPS(Identity{Username: "alice", Role: types.RoleUser}, task))
	require.True(t, svc.CanAccessVPS(Identity{Username: "op", Role: types.RoleOperator}, task))
	require.False(t, svc.CanAccessVPS(Identity{Username: "mallory", Role: types.RoleUser}, task))
}
