package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/monitor"
	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/kohakuriver/kohakuriver/pkg/vm"
	"github.com/kohakuriver/kohakuriver/pkg/vps"
)

type fakeHost struct {
	mu         sync.Mutex
	registered []*types.RegisterRequest
	heartbeats []*types.Heartbeat
	updates    []types.StatusUpdate
	overlay    *types.OverlayAllocation
}

func (f *fakeHost) Register(_ context.Context, req *types.RegisterRequest) (*types.RegisterResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, req)
	return &types.RegisterResponse{Overlay: f.overlay}, nil
}

func (f *fakeHost) Heartbeat(_ context.Context, _ string, hb *types.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, hb)
	return nil
}

func (f *fakeHost) ReportStatus(_ context.Context, u types.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

type fakeExec struct {
	mu       sync.Mutex
	executed []int64
	killed   []int64
	paused   []int64
	running  []int64
	reaped   []types.KilledTask
	execErr  error
}

func (f *fakeExec) Execute(_ context.Context, req *types.ExecuteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return f.execErr
	}
	f.executed = append(f.executed, req.TaskID)
	return nil
}

func (f *fakeExec) Kill(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeExec) Pause(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.running {
		if r == id {
			f.paused = append(f.paused, id)
			return nil
		}
	}
	return types.NewError(types.ErrNotFound, "task %d is not running here", id)
}

func (f *fakeExec) Resume(id int64) error { return f.Pause(id) }

func (f *fakeExec) Running() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeExec) TakeKilled() []types.KilledTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.reaped
	f.reaped = nil
	return out
}

type fakeVPSMgr struct {
	mu      sync.Mutex
	created []int64
	stopped []int64
	paused  []int64
	running []int64
	states  []vps.State
}

func (f *fakeVPSMgr) Create(_ context.Context, req *types.VPSCreateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req.TaskID)
	return nil
}

func (f *fakeVPSMgr) Stop(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.running {
		if r == id {
			f.stopped = append(f.stopped, id)
			return nil
		}
	}
	return types.NewError(types.ErrNotFound, "vps %d is not managed here", id)
}

func (f *fakeVPSMgr) Restart(ctx context.Context, id int64) error { return f.Stop(ctx, id) }
func (f *fakeVPSMgr) Kill(context.Context, int64) error           { return nil }

func (f *fakeVPSMgr) Pause(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.running {
		if r == id {
			f.paused = append(f.paused, id)
			return nil
		}
	}
	return types.NewError(types.ErrNotFound, "vps %d is not managed here", id)
}

func (f *fakeVPSMgr) Resume(ctx context.Context, id int64) error { return f.Pause(ctx, id) }

func (f *fakeVPSMgr) Running() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeVPSMgr) Snapshot() []vps.State { return f.states }

func (f *fakeVPSMgr) Recover(_ context.Context, persisted []vps.State) error {
	f.states = persisted
	return nil
}

type fakeVMMgr struct {
	mu      sync.Mutex
	created []vm.CreateOptions
	beats   []int64
	running []int64
}

func (f *fakeVMMgr) Create(_ context.Context, opts vm.CreateOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, opts)
	return nil
}

func (f *fakeVMMgr) Shutdown(context.Context, int64) error { return nil }
func (f *fakeVMMgr) Reboot(context.Context, int64) error   { return nil }
func (f *fakeVMMgr) Kill(context.Context, int64) error     { return nil }

func (f *fakeVMMgr) AgentBeat(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats = append(f.beats, id)
	return nil
}

func (f *fakeVMMgr) Running() []int64                          { return f.running }
func (f *fakeVMMgr) Snapshot() []vm.State                      { return nil }
func (f *fakeVMMgr) Recover(context.Context, []vm.State) error { return nil }

type agentHarness struct {
	agent *Agent
	host  *fakeHost
	exec  *fakeExec
	vps   *fakeVPSMgr
	vm    *fakeVMMgr
}

func newAgentHarness(t *testing.T) *agentHarness {
	t.Helper()
	cfg := config.DefaultRunner("test")
	cfg.Hostname = "node1"
	cfg.DataDir = t.TempDir()
	cfg.SharedDir = t.TempDir()

	h := &agentHarness{
		host: &fakeHost{},
		exec: &fakeExec{},
		vps:  &fakeVPSMgr{},
		vm:   &fakeVMMgr{},
	}
	agent, err := NewAgent(cfg, Deps{
		Host:    h.host,
		Exec:    h.exec,
		VPS:     h.vps,
		VM:      h.vm,
		Monitor: monitor.New(),
		VFIODevices: []types.VFIODevice{
			{PCIAddress: "0000:01:00.0", IOMMUGroup: 12},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.store.Close() })
	h.agent = agent
	return h
}

func (h *agentHarness) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	rec := httptest.NewRecorder()
	h.agent.Router().ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestExecuteEndpointDispatchesAsync(t *testing.T) {
	h := newAgentHarness(t)
	rec := h.post(t, "/api/execute", &types.ExecuteRequest{TaskID: 601, Command: "true"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	waitFor(t, func() bool {
		h.exec.mu.Lock()
		defer h.exec.mu.Unlock()
		return len(h.exec.executed) == 1
	})
}

func TestExecuteFailureIsReportedToHost(t *testing.T) {
	h := newAgentHarness(t)
	h.exec.execErr = fmt.Errorf("image missing")
	rec := h.post(t, "/api/execute", &types.ExecuteRequest{TaskID: 602, Command: "true"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	waitFor(t, func() bool {
		h.host.mu.Lock()
		defer h.host.mu.Unlock()
		return len(h.host.updates) == 1
	})
	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	require.Equal(t, types.TaskFailed, h.host.updates[0].Status)
	require.Contains(t, h.host.updates[0].ErrorMessage, "image missing")
}

func TestVPSCreateRoutesByBackend(t *testing.T) {
	h := newAgentHarness(t)

	rec := h.post(t, "/api/vps/create", &types.VPSCreateRequest{
		TaskID: 603, Backend: types.VPSBackendDocker, Image: "ubuntu:24.04",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	waitFor(t, func() bool {
		h.vps.mu.Lock()
		defer h.vps.mu.Unlock()
		return len(h.vps.created) == 1
	})

	rec = h.post(t, "/api/vps/create", &types.VPSCreateRequest{
		TaskID: 604, Backend: types.VPSBackendQEMU, VMImage: "base.qcow2", GPUs: []int{0},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	waitFor(t, func() bool {
		h.vm.mu.Lock()
		defer h.vm.mu.Unlock()
		return len(h.vm.created) == 1
	})
	h.vm.mu.Lock()
	defer h.vm.mu.Unlock()
	require.Equal(t, "0000:01:00.0", h.vm.created[0].GPUDevices[0].PCIAddress)
}

func TestVPSCreateUnknownGPURejected(t *testing.T) {
	h := newAgentHarness(t)
	rec := h.post(t, "/api/vps/create", &types.VPSCreateRequest{
		TaskID: 605, Backend: types.VPSBackendQEMU, VMImage: "base.qcow2", GPUs: []int{7},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKillFansOutToAllManagers(t *testing.T) {
	h := newAgentHarness(t)
	rec := h.post(t, "/api/kill/606", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	h.exec.mu.Lock()
	defer h.exec.mu.Unlock()
	require.Equal(t, []int64{606}, h.exec.killed)
}

func TestPauseFallsBackToVPS(t *testing.T) {
	h := newAgentHarness(t)
	h.vps.running = []int64{607}

	rec := h.post(t, "/api/pause/607", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int64{607}, h.vps.paused)

	rec = h.post(t, "/api/pause/999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVPSStopFallsBackToVM(t *testing.T) {
	h := newAgentHarness(t)
	// Neither manager knows the id, but the VM manager accepts everything in
	// this fake, so the fallback path answers.
	rec := h.post(t, "/api/vps/stop/608", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestVMAgentBeatEndpoint(t *testing.T) {
	h := newAgentHarness(t)
	rec := h.post(t, "/api/vm-agent/609", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int64{609}, h.vm.beats)
}

func TestHeartbeatAggregatesRunningAndKilled(t *testing.T) {
	h := newAgentHarness(t)
	h.exec.running = []int64{1, 2}
	h.vps.running = []int64{3}
	h.vm.running = []int64{4}
	h.exec.reaped = []types.KilledTask{{TaskID: 5, Reason: "oom killed"}}

	hb := h.agent.buildHeartbeat(context.Background())
	require.ElementsMatch(t, []int64{1, 2, 3, 4}, hb.RunningTasks)
	require.Len(t, hb.KilledTasks, 1)
	require.True(t, hb.VMCapable)
	// Drained on build; the next heartbeat must not repeat the kill.
	require.Empty(t, h.agent.buildHeartbeat(context.Background()).KilledTasks)
}

func TestRegisterSendsInventory(t *testing.T) {
	h := newAgentHarness(t)
	require.NoError(t, h.agent.register(context.Background()))
	require.Len(t, h.host.registered, 1)
	reg := h.host.registered[0]
	require.Equal(t, "node1", reg.Hostname)
	require.Positive(t, reg.TotalCores)
	require.True(t, reg.VMCapable)
	require.Len(t, reg.VFIODevices, 1)
}

func TestStateStoreRoundTrip(t *testing.T) {
	store, err := openStateStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	vpsStates := []vps.State{
		{TaskID: 700, EnvName: "base", SSHPort: 32770},
		{TaskID: 701, Image: "ubuntu:24.04"},
	}
	require.NoError(t, store.SaveVPS(vpsStates))
	got, err := store.LoadVPS()
	require.NoError(t, err)
	require.Equal(t, vpsStates, got)

	// Save replaces, not appends.
	require.NoError(t, store.SaveVPS(vpsStates[:1]))
	got, err = store.LoadVPS()
	require.NoError(t, err)
	require.Len(t, got, 1)

	vmStates := []vm.State{{TaskID: 702, OverlayIP: "10.128.3.20", PIDFile: "/tmp/x.pid"}}
	require.NoError(t, store.SaveVM(vmStates))
	gotVM, err := store.LoadVM()
	require.NoError(t, err)
	require.Equal(t, vmStates, gotVM)
}
