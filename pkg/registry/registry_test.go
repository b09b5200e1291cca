package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

func testConfig() *config.HostConfig {
	cfg := config.DefaultHost()
	cfg.HeartbeatInterval = 5 * time.Second
	cfg.TimeoutFactor = 6
	return cfg
}

func newTestRegistry(t *testing.T) (*Registry, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store, testConfig(), nil), store
}

func register(t *testing.T, r *Registry, hostname string) {
	t.Helper()
	_, err := r.Register(&types.RegisterRequest{
		Hostname:    hostname,
		URL:         "http://" + hostname + ":8001",
		TotalCores:  16,
		TotalMemory: 64 << 30,
	})
	require.NoError(t, err)
}

func TestRegisterUpsert(t *testing.T) {
	r, store := newTestRegistry(t)

	register(t, r, "node1")
	register(t, r, "node1")

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, types.NodeOnline, nodes[0].Status)
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(&types.RegisterRequest{Hostname: "node1"})
	require.Equal(t, types.ErrBadRequest, types.KindOf(err))
}

func TestHeartbeatRefreshesNode(t *testing.T) {
	r, store := newTestRegistry(t)
	register(t, r, "node1")

	err := r.Heartbeat("node1", &types.Heartbeat{
		CPUPercent:    42.5,
		MemoryPercent: 61.0,
		Temperature:   58,
	})
	require.NoError(t, err)

	node, err := store.GetNode("node1")
	require.NoError(t, err)
	require.Equal(t, 42.5, node.CPUPercent)
}

func TestHeartbeatUnknownRunner(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Heartbeat("ghost", &types.Heartbeat{})
	require.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestSweepMarksOfflineAfterTimeout(t *testing.T) {
	r, store := newTestRegistry(t)
	register(t, r, "node1")

	base := time.Now()
	r.now = func() time.Time { return base }
	require.NoError(t, r.Heartbeat("node1", &types.Heartbeat{}))

	// Just inside the window: still online.
	r.now = func() time.Time { return base.Add(29 * time.Second) }
	require.NoError(t, r.Sweep())
	node, _ := store.GetNode("node1")
	require.Equal(t, types.NodeOnline, node.Status)

	// Past interval × factor: offline.
	r.now = func() time.Time { return base.Add(31 * time.Second) }
	require.NoError(t, r.Sweep())
	node, _ = store.GetNode("node1")
	require.Equal(t, types.NodeOffline, node.Status)
}

func TestSweepLosesTasksOnDeadRunner(t *testing.T) {
	r, store := newTestRegistry(t)
	register(t, r, "node1")

	running := &types.Task{ID: 1, Kind: types.TaskKindVPS, Status: types.TaskRunning, AssignedRunner: "node1"}
	done := &types.Task{ID: 2, Kind: types.TaskKindCommand, Status: types.TaskCompleted, AssignedRunner: "node1"}
	require.NoError(t, store.CreateTask(running))
	require.NoError(t, store.CreateTask(done))

	base := time.Now()
	r.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, r.Sweep())

	got, _ := store.GetTask(1)
	require.Equal(t, types.TaskLost, got.Status)

	// Terminal tasks are untouched.
	got, _ = store.GetTask(2)
	require.Equal(t, types.TaskCompleted, got.Status)
}

func TestHeartbeatAfterOfflineBringsNodeBack(t *testing.T) {
	r, store := newTestRegistry(t)
	register(t, r, "node1")

	base := time.Now()
	r.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, r.Sweep())
	node, _ := store.GetNode("node1")
	require.Equal(t, types.NodeOffline, node.Status)

	require.NoError(t, r.Heartbeat("node1", &types.Heartbeat{}))
	node, _ = store.GetNode("node1")
	require.Equal(t, types.NodeOnline, node.Status)
}
