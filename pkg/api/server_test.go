package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kohakuriver/kohakuriver/pkg/auth"
	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/ipam"
	"github.com/kohakuriver/kohakuriver/pkg/registry"
	"github.com/kohakuriver/kohakuriver/pkg/scheduler"
	"github.com/kohakuriver/kohakuriver/pkg/snowflake"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

type noopRunner struct{}

func (noopRunner) Execute(*types.Node, *types.ExecuteRequest) error      { return nil }
func (noopRunner) CreateVPS(*types.Node, *types.VPSCreateRequest) error  { return nil }
func (noopRunner) Kill(*types.Node, int64) error                         { return nil }
func (noopRunner) Signal(*types.Node, int64, string) error               { return nil }
func (noopRunner) StopVPS(*types.Node, int64) error                      { return nil }
func (noopRunner) RestartVPS(*types.Node, int64) error                   { return nil }

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultHost()
	cfg.AdminSecret = "test-secret"

	gen, err := snowflake.NewGenerator(1)
	require.NoError(t, err)

	reg := registry.NewRegistry(store, cfg, nil)
	sched := scheduler.NewScheduler(store, cfg, gen, noopRunner{})
	authSvc := auth.NewService(store, cfg.AdminSecret, cfg.SessionTTL)
	reserver := ipam.NewReserver("k", cfg.IPReserveTTL)

	return NewServer(cfg, store, reg, sched, authSvc, nil, reserver), store
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set(auth.AdminSecretHeader, "test-secret")
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func registerNode(t *testing.T, srv *Server, hostname string) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/register", types.RegisterRequest{
		Hostname:    hostname,
		URL:         "http://" + hostname + ":8001",
		TotalCores:  8,
		TotalMemory: 32 << 30,
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/submit", types.SubmitRequest{
		Kind:    types.TaskKindCommand,
		Command: "echo",
	}, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitWithAdminSecret(t *testing.T) {
	srv, store := newTestServer(t)
	registerNode(t, srv, "node1")

	rec := doJSON(t, srv, http.MethodPost, "/api/submit", types.SubmitRequest{
		Kind:    types.TaskKindCommand,
		Command: "echo",
		Targets: []string{"node1"},
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		TaskIDs []int64 `json:"task_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.TaskIDs, 1)

	task, err := store.GetTask(resp.TaskIDs[0])
	require.NoError(t, err)
	require.Equal(t, types.TaskAssigning, task.Status)
}

func TestTaskStatusNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/status/12345", nil, true)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, types.ErrNotFound, body.Kind)
}

func TestHeartbeatFlow(t *testing.T) {
	srv, store := newTestServer(t)
	registerNode(t, srv, "node1")

	rec := doJSON(t, srv, http.MethodPut, "/api/heartbeat/node1", types.Heartbeat{
		CPUPercent: 12.5,
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)

	node, err := store.GetNode("node1")
	require.NoError(t, err)
	require.Equal(t, 12.5, node.CPUPercent)
}

func TestHeartbeatUnknownRunner(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPut, "/api/heartbeat/ghost", types.Heartbeat{}, false)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusUpdateEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	require.NoError(t, store.CreateTask(&types.Task{
		ID: 1, Kind: types.TaskKindCommand, Status: types.TaskRunning,
	}))

	code := 0
	rec := doJSON(t, srv, http.MethodPost, "/api/update", types.StatusUpdate{
		TaskID: 1, Status: types.TaskCompleted, ExitCode: &code,
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)

	// An illegal transition maps to 409.
	rec = doJSON(t, srv, http.MethodPost, "/api/update", types.StatusUpdate{
		TaskID: 1, Status: types.TaskRunning,
	}, false)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestKillIdempotentViaAPI(t *testing.T) {
	srv, store := newTestServer(t)
	require.NoError(t, store.CreateTask(&types.Task{
		ID: 2, Kind: types.TaskKindCommand, Status: types.TaskKilled,
	}))
	rec := doJSON(t, srv, http.MethodPost, "/api/kill/2", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOverlayDisabledConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/overlay/status", nil, true)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestLoginSessionRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/auth/users", map[string]string{
		"username": "alice", "password": "hunter22", "role": "operator",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "alice", "password": "hunter22",
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	out := httptest.NewRecorder()
	srv.Router().ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	require.Contains(t, out.Body.String(), "alice")
}

func TestLoginBadPassword(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/api/auth/users", map[string]string{
		"username": "bob", "password": "correct", "role": "user",
	}, true)

	rec := doJSON(t, srv, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "bob", "password": "wrong",
	}, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestViewerCannotSubmit(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/api/auth/users", map[string]string{
		"username": "carol", "password": "pw", "role": "viewer",
	}, true)

	rec := doJSON(t, srv, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "carol", "password": "pw",
	}, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(types.SubmitRequest{
		Kind: types.TaskKindCommand, Command: "echo",
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/submit", &buf)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	out := httptest.NewRecorder()
	srv.Router().ServeHTTP(out, req)
	require.Equal(t, http.StatusForbidden, out.Code)
}

func TestStatusForMapping(t *testing.T) {
	cases := []struct {
		kind types.ErrorKind
		want int
	}{
		{types.ErrBadRequest, http.StatusBadRequest},
		{types.ErrUnauthorized, http.StatusUnauthorized},
		{types.ErrForbidden, http.StatusForbidden},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrConflict, http.StatusConflict},
		{types.ErrResourceExhausted, http.StatusConflict},
		{types.ErrRunnerUnavailable, http.StatusServiceUnavailable},
		{types.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{types.ErrInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			require.Equal(t, tc.want, statusFor(tc.kind))
		})
	}
}

func TestRunnerWSURL(t *testing.T) {
	require.Equal(t, "ws://node1:8001", runnerWSURL("http://node1:8001"))
	require.Equal(t, "wss://node1:8001", runnerWSURL("https://node1:8001"))
}

func TestRestartFinishedCommand(t *testing.T) {
	srv, store := newTestServer(t)
	registerNode(t, srv, "node1")
	require.NoError(t, store.CreateTask(&types.Task{
		ID: 50, Kind: types.TaskKindCommand, Status: types.TaskCompleted,
		AssignedRunner: "node1", Command: "echo",
	}))

	rec := doJSON(t, srv, http.MethodPost, "/api/command/50/restart", nil, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		TaskID int64 `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEqual(t, int64(50), resp.TaskID)

	clone, err := store.GetTask(resp.TaskID)
	require.NoError(t, err)
	require.Equal(t, int64(50), clone.BatchID)
	require.Equal(t, fmt.Sprintf("kohaku-%d", resp.TaskID), types.ContainerName(resp.TaskID))
}
