package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTaskCRUD(t *testing.T) {
	store := newTestStore(t)

	task := &types.Task{
		ID:        1001,
		Kind:      types.TaskKindCommand,
		Command:   "/bin/echo",
		Args:      []string{"hi"},
		Status:    types.TaskPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateTask(task))

	got, err := store.GetTask(1001)
	require.NoError(t, err)
	require.Equal(t, task.Command, got.Command)
	require.Equal(t, types.TaskPending, got.Status)

	got.Status = types.TaskAssigning
	require.NoError(t, store.UpdateTask(got))

	updated, err := store.GetTask(1001)
	require.NoError(t, err)
	require.Equal(t, types.TaskAssigning, updated.Status)

	require.NoError(t, store.DeleteTask(1001))
	_, err = store.GetTask(1001)
	require.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestListTasksIDOrder(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []int64{300, 100, 200} {
		require.NoError(t, store.CreateTask(&types.Task{ID: id, Kind: types.TaskKindCommand, Status: types.TaskPending}))
	}

	tasks, err := store.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Equal(t, int64(100), tasks[0].ID)
	require.Equal(t, int64(200), tasks[1].ID)
	require.Equal(t, int64(300), tasks[2].ID)
}

func TestListTasksByRunner(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateTask(&types.Task{ID: 1, AssignedRunner: "node1", Status: types.TaskRunning}))
	require.NoError(t, store.CreateTask(&types.Task{ID: 2, AssignedRunner: "node2", Status: types.TaskRunning}))
	require.NoError(t, store.CreateTask(&types.Task{ID: 3, AssignedRunner: "node1", Status: types.TaskPending}))

	tasks, err := store.ListTasksByRunner("node1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
}

func TestNodeUpsertIdempotent(t *testing.T) {
	store := newTestStore(t)

	node := &types.Node{Hostname: "node1", URL: "http://node1:8001", TotalCores: 8, Status: types.NodeOnline}
	require.NoError(t, store.UpsertNode(node))

	// Second register with updated fields yields one row.
	node.TotalCores = 16
	require.NoError(t, store.UpsertNode(node))

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, 16, nodes[0].TotalCores)
}

func TestUserCreateConflict(t *testing.T) {
	store := newTestStore(t)

	user := &types.User{Username: "alice", PasswordHash: "x", Role: types.RoleUser, Active: true}
	require.NoError(t, store.CreateUser(user))

	err := store.CreateUser(user)
	require.Error(t, err)
	require.Equal(t, types.ErrConflict, types.KindOf(err))
}

func TestMembershipPrefixScan(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutMembership(&types.Membership{Username: "bob", Group: "lab-a"}))
	require.NoError(t, store.PutMembership(&types.Membership{Username: "bob", Group: "lab-b"}))
	require.NoError(t, store.PutMembership(&types.Membership{Username: "bobby", Group: "lab-a"}))

	got, err := store.ListMembershipsByUser("bob")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestVPSAssignments(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutVPSAssignment(&types.VPSAssignment{TaskID: 42, Username: "alice"}))
	require.NoError(t, store.PutVPSAssignment(&types.VPSAssignment{TaskID: 42, Username: "bob"}))
	require.NoError(t, store.PutVPSAssignment(&types.VPSAssignment{TaskID: 421, Username: "carol"}))

	got, err := store.ListVPSAssignments(42)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, store.DeleteVPSAssignment(42, "alice"))
	got, err = store.ListVPSAssignments(42)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "bob", got[0].Username)
}
