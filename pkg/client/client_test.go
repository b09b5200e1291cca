package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kohakuriver/kohakuriver/pkg/auth"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

func TestSubmitSendsCredentialsAndDecodesIDs(t *testing.T) {
	var gotPath, gotSecret, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSecret = r.Header.Get(auth.AdminSecretHeader)
		gotAuth = r.Header.Get("Authorization")
		var req types.SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "sleep", req.Command)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"task_ids": []int64{101, 102}})
	}))
	defer srv.Close()

	c := New(srv.URL, WithAdminSecret("s3cret"), WithToken("tok"))
	ids, err := c.Submit(context.Background(), &types.SubmitRequest{Command: "sleep"})
	require.NoError(t, err)
	require.Equal(t, []int64{101, 102}, ids)
	require.Equal(t, "/api/submit", gotPath)
	require.Equal(t, "s3cret", gotSecret)
	require.Equal(t, "Bearer tok", gotAuth)
}

func TestErrorEnvelopeMapsToKind(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   types.ErrorKind
	}{
		{"not found", http.StatusNotFound, types.ErrNotFound},
		{"forbidden", http.StatusForbidden, types.ErrForbidden},
		{"unauthorized", http.StatusUnauthorized, types.ErrUnauthorized},
		{"conflict", http.StatusConflict, types.ErrConflict},
		{"server error", http.StatusInternalServerError, types.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]string{"error": "no such task"})
			}))
			defer srv.Close()

			_, err := New(srv.URL).TaskStatus(context.Background(), 42)
			require.Error(t, err)
			require.Equal(t, tt.kind, types.KindOf(err))
			require.Contains(t, err.Error(), "no such task")
		})
	}
}

func TestLoginCapturesSessionCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			http.SetCookie(w, &http.Cookie{Name: auth.SessionCookie, Value: "sess-1"})
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case "/api/auth/me":
			cookie, err := r.Cookie(auth.SessionCookie)
			require.NoError(t, err)
			require.Equal(t, "sess-1", cookie.Value)
			json.NewEncoder(w).Encode(Identity{Username: "alice", Role: types.RoleUser})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.Login(context.Background(), "alice", "pw"))
	require.Equal(t, "sess-1", c.SessionID())

	me, err := c.Me(context.Background())
	require.NoError(t, err)
	require.Equal(t, "alice", me.Username)
	require.Equal(t, types.RoleUser, me.Role)
}

func TestLoginRejectedSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
	}))
	defer srv.Close()

	err := New(srv.URL).Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	require.Equal(t, types.ErrUnauthorized, types.KindOf(err))
	require.Empty(t, New(srv.URL).SessionID())
}

func TestTaskOperationPaths(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "task_id": 7})
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()
	require.NoError(t, c.Kill(ctx, 5))
	require.NoError(t, c.Pause(ctx, 5))
	require.NoError(t, c.Resume(ctx, 5))
	_, err := c.Restart(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, c.DeleteTask(ctx, 5))
	require.NoError(t, c.Approve(ctx, 5))
	require.NoError(t, c.Reject(ctx, 5, "too big"))
	require.NoError(t, c.StopVPS(ctx, 5))
	require.NoError(t, c.RestartVPS(ctx, 5))

	require.Equal(t, []string{
		"POST /api/kill/5",
		"POST /api/command/5/pause",
		"POST /api/command/5/resume",
		"POST /api/command/5/restart",
		"DELETE /api/tasks/5",
		"POST /api/tasks/5/approve",
		"POST /api/tasks/5/reject",
		"POST /api/vps/stop/5",
		"POST /api/vps/restart/5",
	}, got)
}

func TestReserveIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/nodes/overlay/ip/reserve", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "runner1", body["runner"])
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(types.IPReservation{IP: "10.128.3.17", Runner: "runner1", Token: "t"})
	}))
	defer srv.Close()

	res, err := New(srv.URL).ReserveIP(context.Background(), "runner1")
	require.NoError(t, err)
	require.Equal(t, "10.128.3.17", res.IP)
	require.Equal(t, "t", res.Token)
}
