// Package vm manages QEMU-backend VPS workloads on a runner: qcow2 overlay
// disks, cloud-init seeds, GPU passthrough via VFIO, TAP attachment to the
// overlay bridge, and lifecycle control over QMP. VM liveness is observed
// through an in-guest heartbeat agent baked into the seed.
package vm

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/rs/zerolog"

	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/network"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

const (
	shutdownWait = 30 * time.Second

	cloudInitWait    = 5 * time.Minute
	cloudInitWaitGPU = 15 * time.Minute // the NVIDIA driver build takes a while
	rebootWait       = 5 * time.Minute
)

// TAPProvider creates and removes the VM's bridge attachment. Satisfied by
// *network.Agent.
type TAPProvider interface {
	CreateTAP(taskID int64) (string, net.HardwareAddr, error)
	DeleteTAP(taskID int64) error
}

// GPUBinder moves IOMMU groups between drivers. Satisfied by *vfio.Binder.
type GPUBinder interface {
	BindGroup(dev types.VFIODevice) error
	UnbindGroup(dev types.VFIODevice) error
}

// Reporter delivers task status changes to the host.
type Reporter interface {
	ReportStatus(ctx context.Context, update types.StatusUpdate) error
}

// qmpMonitor is the QMP session surface used by the manager.
type qmpMonitor interface {
	Connect() error
	Disconnect() error
	Run(command []byte) ([]byte, error)
}

// State is the persisted per-VM record.
type State struct {
	TaskID    int64              `json:"task_id"`
	OverlayIP string             `json:"overlay_ip"`
	TAP       string             `json:"tap"`
	MAC       string             `json:"mac"`
	Disk      string             `json:"disk"`
	QMPSock   string             `json:"qmp_sock"`
	PIDFile   string             `json:"pid_file"`
	GPUs      []types.VFIODevice `json:"gpus,omitempty"`

	LastBeat time.Time `json:"last_beat,omitzero"`
}

// CreateOptions resolves the dispatch request into runner-local facts the
// manager cannot derive itself.
type CreateOptions struct {
	Req       *types.VPSCreateRequest
	Gateway   string
	PrefixLen int
	// GPUDevices are the VFIO devices backing the request's GPU indices.
	GPUDevices []types.VFIODevice
	// NvidiaDriver is the host driver version; the guest builds a match.
	NvidiaDriver string
}

// Manager creates and supervises QEMU virtual machines.
type Manager struct {
	cfg      *config.RunnerConfig
	tap      TAPProvider
	gpus     GPUBinder
	report   Reporter
	agentURL string // base runner URL the in-guest agent phones home to

	mu    sync.Mutex
	tasks map[int64]*State

	log zerolog.Logger

	// Test seams.
	runCmd    func(ctx context.Context, name string, args ...string) error
	dialQMP   func(sock string) (qmpMonitor, error)
	procAlive func(pid int) bool
	killPID   func(pid int) error
	now       func() time.Time

	cloudInitWait    time.Duration
	cloudInitWaitGPU time.Duration
	rebootWait       time.Duration
	poll             time.Duration
}

// NewManager creates a VM manager. agentURL is the runner's own base URL.
func NewManager(cfg *config.RunnerConfig, tap TAPProvider, gpus GPUBinder, report Reporter, agentURL string) *Manager {
	return &Manager{
		cfg:      cfg,
		tap:      tap,
		gpus:     gpus,
		report:   report,
		agentURL: agentURL,
		tasks:    make(map[int64]*State),
		log:      log.WithComponent("vm"),
		runCmd: func(ctx context.Context, name string, args ...string) error {
			out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, out)
			}
			return nil
		},
		dialQMP: func(sock string) (qmpMonitor, error) {
			return qmp.NewSocketMonitor("unix", sock, 5*time.Second)
		},
		procAlive: func(pid int) bool {
			return syscall.Kill(pid, 0) == nil
		},
		killPID: func(pid int) error {
			return syscall.Kill(pid, syscall.SIGKILL)
		},
		now:              time.Now,
		cloudInitWait:    cloudInitWait,
		cloudInitWaitGPU: cloudInitWaitGPU,
		rebootWait:       rebootWait,
		poll:             time.Second,
	}
}

// Create provisions and boots a VM, then watches for the in-guest agent's
// first heartbeat before the VM counts as running.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) error {
	req := opts.Req
	m.mu.Lock()
	if _, exists := m.tasks[req.TaskID]; exists {
		m.mu.Unlock()
		return types.NewError(types.ErrConflict, "vm %d already exists", req.TaskID)
	}
	st := &State{TaskID: req.TaskID, OverlayIP: req.OverlayIP, GPUs: opts.GPUDevices}
	m.tasks[req.TaskID] = st
	m.mu.Unlock()

	fail := func(err error) error {
		m.mu.Lock()
		delete(m.tasks, req.TaskID)
		m.mu.Unlock()
		return err
	}

	dir := instanceDir(m.cfg, req.TaskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fail(fmt.Errorf("failed to create vm instance dir: %w", err))
	}
	st.Disk = filepath.Join(dir, "disk.qcow2")
	st.QMPSock = filepath.Join(dir, "qmp.sock")
	st.PIDFile = filepath.Join(dir, "qemu.pid")
	seedISO := filepath.Join(dir, "seed.iso")

	// Copy-on-write overlay over the shared base image.
	base := filepath.Join(m.cfg.VMImageDir, req.VMImage)
	args := []string{"create", "-f", "qcow2", "-b", base, "-F", "qcow2", st.Disk}
	if req.VMDiskGB > 0 {
		args = append(args, fmt.Sprintf("%dG", req.VMDiskGB))
	}
	if err := m.runCmd(ctx, "qemu-img", args...); err != nil {
		return fail(fmt.Errorf("failed to create overlay disk: %w", err))
	}

	if err := m.writeSeed(ctx, dir, seedISO, st, opts); err != nil {
		return fail(err)
	}

	var boundGPUs []types.VFIODevice
	for _, dev := range opts.GPUDevices {
		if err := m.gpus.BindGroup(dev); err != nil {
			for _, prev := range boundGPUs {
				_ = m.gpus.UnbindGroup(prev)
			}
			return fail(fmt.Errorf("failed to bind gpu %s: %w", dev.PCIAddress, err))
		}
		boundGPUs = append(boundGPUs, dev)
	}

	tapName, mac, err := m.tap.CreateTAP(req.TaskID)
	if err != nil {
		for _, dev := range boundGPUs {
			_ = m.gpus.UnbindGroup(dev)
		}
		return fail(err)
	}
	st.TAP = tapName
	st.MAC = mac.String()

	gpuAddrs := make([]string, len(opts.GPUDevices))
	for i, dev := range opts.GPUDevices {
		gpuAddrs[i] = dev.PCIAddress
	}
	memMB := req.RequiredMemory >> 20
	if memMB == 0 {
		memMB = 2048
	}
	cores := req.RequiredCores
	if cores == 0 {
		cores = 2
	}
	argv := buildQEMUArgs(m.cfg, qemuSpec{
		TaskID:   req.TaskID,
		Cores:    cores,
		MemoryMB: memMB,
		Disk:     st.Disk,
		SeedISO:  seedISO,
		TAP:      tapName,
		MAC:      mac,
		QMPSock:  st.QMPSock,
		PIDFile:  st.PIDFile,
		GPUAddrs: gpuAddrs,
	})
	if err := m.runCmd(ctx, argv[0], argv[1:]...); err != nil {
		m.cleanup(st)
		return fail(fmt.Errorf("failed to launch qemu: %w", err))
	}

	wait := m.cloudInitWait
	if len(opts.GPUDevices) > 0 {
		wait = m.cloudInitWaitGPU
	}
	go m.watchCloudInit(req.TaskID, wait)

	m.log.Info().Int64("task_id", req.TaskID).Str("ip", req.OverlayIP).
		Int("gpus", len(opts.GPUDevices)).Msg("vm launched, waiting for guest agent")
	return nil
}

func (m *Manager) writeSeed(ctx context.Context, dir, seedISO string, st *State, opts CreateOptions) error {
	req := opts.Req
	spec := seedSpec{
		TaskID:       req.TaskID,
		Hostname:     fmt.Sprintf("kohaku-%d", req.TaskID),
		SSHPublicKey: req.SSHPublicKey,
		RootLogin:    req.SSHKeyMode == types.SSHKeyNone,
		IP:           fmt.Sprintf("%s/%d", req.OverlayIP, opts.PrefixLen),
		Gateway:      opts.Gateway,
		AgentURL:     fmt.Sprintf("%s/api/vm-agent/%d", m.agentURL, req.TaskID),
		NvidiaDriver: opts.NvidiaDriver,
	}

	files := map[string]string{
		"user-data":      userData(spec),
		"meta-data":      metaData(spec),
		"network-config": networkConfig(spec),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	err := m.runCmd(ctx, "genisoimage", "-output", seedISO, "-volid", "cidata",
		"-joliet", "-rock",
		filepath.Join(dir, "user-data"), filepath.Join(dir, "meta-data"), filepath.Join(dir, "network-config"))
	if err != nil {
		return fmt.Errorf("failed to build cloud-init seed: %w", err)
	}
	return nil
}

// watchCloudInit fails the VM when the guest agent never phones home.
func (m *Manager) watchCloudInit(taskID int64, wait time.Duration) {
	deadline := m.now().Add(wait)
	for m.now().Before(deadline) {
		m.mu.Lock()
		st, ok := m.tasks[taskID]
		if !ok {
			m.mu.Unlock()
			return // stopped or killed meanwhile
		}
		beat := st.LastBeat
		m.mu.Unlock()

		if !beat.IsZero() {
			m.reportUpdate(types.StatusUpdate{TaskID: taskID, Status: types.TaskRunning, SSHPort: 22})
			m.log.Info().Int64("task_id", taskID).Msg("guest agent alive, vm running")
			return
		}
		time.Sleep(m.poll)
	}

	m.log.Error().Int64("task_id", taskID).Dur("waited", wait).Msg("guest agent never phoned home")
	m.mu.Lock()
	st, ok := m.tasks[taskID]
	if ok {
		delete(m.tasks, taskID)
	}
	m.mu.Unlock()
	if ok {
		m.killVM(st)
		m.cleanup(st)
	}
	m.reportUpdate(types.StatusUpdate{
		TaskID:       taskID,
		Status:       types.TaskFailed,
		ErrorMessage: "cloud-init did not complete in time",
	})
}

// AgentBeat records a phone-home from the in-guest agent.
func (m *Manager) AgentBeat(taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tasks[taskID]
	if !ok {
		return types.NewError(types.ErrNotFound, "vm %d is not managed here", taskID)
	}
	st.LastBeat = m.now()
	return nil
}

// Shutdown powers a VM down gracefully over QMP, escalating to SIGKILL when
// the guest ignores the ACPI event, then tears down its resources.
func (m *Manager) Shutdown(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	st, ok := m.tasks[taskID]
	if ok {
		delete(m.tasks, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrNotFound, "vm %d is not managed here", taskID)
	}

	if err := m.qmpCommand(st, "system_powerdown"); err != nil {
		m.log.Warn().Err(err).Int64("task_id", taskID).Msg("qmp powerdown failed, killing")
	}

	pid := m.readPID(st)
	deadline := m.now().Add(shutdownWait)
	for pid > 0 && m.procAlive(pid) && m.now().Before(deadline) {
		time.Sleep(m.poll)
	}
	if pid > 0 && m.procAlive(pid) {
		m.log.Warn().Int64("task_id", taskID).Int("pid", pid).Msg("guest ignored powerdown, sending SIGKILL")
		_ = m.killPID(pid)
	}

	m.cleanup(st)
	m.reportUpdate(types.StatusUpdate{TaskID: taskID, Status: types.TaskStopped})
	m.log.Info().Int64("task_id", taskID).Msg("vm shut down")
	return nil
}

// Reboot resets a VM over QMP and arms a watchdog on the guest agent.
func (m *Manager) Reboot(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	st, ok := m.tasks[taskID]
	var resetAt time.Time
	if ok {
		resetAt = m.now()
		st.LastBeat = time.Time{} // the next beat proves the reboot finished
	}
	m.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrNotFound, "vm %d is not managed here", taskID)
	}

	if err := m.qmpCommand(st, "system_reset"); err != nil {
		return fmt.Errorf("failed to reset vm %d: %w", taskID, err)
	}
	go m.watchReboot(taskID, resetAt)
	return nil
}

func (m *Manager) watchReboot(taskID int64, resetAt time.Time) {
	deadline := resetAt.Add(m.rebootWait)
	for m.now().Before(deadline) {
		m.mu.Lock()
		st, ok := m.tasks[taskID]
		if !ok {
			m.mu.Unlock()
			return
		}
		beat := st.LastBeat
		m.mu.Unlock()

		if beat.After(resetAt) {
			m.reportUpdate(types.StatusUpdate{TaskID: taskID, Status: types.TaskRunning, SSHPort: 22})
			return
		}
		time.Sleep(m.poll)
	}

	m.log.Error().Int64("task_id", taskID).Msg("guest agent did not return after reboot")
	m.mu.Lock()
	st, ok := m.tasks[taskID]
	if ok {
		delete(m.tasks, taskID)
	}
	m.mu.Unlock()
	if ok {
		m.killVM(st)
		m.cleanup(st)
	}
	m.reportUpdate(types.StatusUpdate{
		TaskID:       taskID,
		Status:       types.TaskFailed,
		ErrorMessage: "vm did not come back after reboot",
	})
}

// Kill force-stops a VM without a graceful powerdown.
func (m *Manager) Kill(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	st, ok := m.tasks[taskID]
	if ok {
		delete(m.tasks, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.killVM(st)
	m.cleanup(st)
	return nil
}

// Recover reconciles persisted VM state after a runner restart: live pidfiles
// are re-adopted, dead ones cleaned up and reported stopped.
func (m *Manager) Recover(ctx context.Context, persisted []State) error {
	for i := range persisted {
		st := persisted[i]
		pid := m.readPID(&st)
		if pid > 0 && m.procAlive(pid) {
			m.mu.Lock()
			m.tasks[st.TaskID] = &st
			m.mu.Unlock()
			m.reportUpdate(types.StatusUpdate{TaskID: st.TaskID, Status: types.TaskRunning, SSHPort: 22})
			m.log.Info().Int64("task_id", st.TaskID).Int("pid", pid).Msg("vm re-adopted after restart")
			continue
		}
		m.cleanup(&st)
		m.reportUpdate(types.StatusUpdate{TaskID: st.TaskID, Status: types.TaskStopped})
		m.log.Info().Int64("task_id", st.TaskID).Msg("vm dead after restart, reported stopped")
	}
	return nil
}

// Running lists managed VM task ids, for the heartbeat.
func (m *Manager) Running() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns the tracked states for persistence.
func (m *Manager) Snapshot() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.tasks))
	for _, st := range m.tasks {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (m *Manager) qmpCommand(st *State, command string) error {
	mon, err := m.dialQMP(st.QMPSock)
	if err != nil {
		return fmt.Errorf("failed to open qmp socket: %w", err)
	}
	if err := mon.Connect(); err != nil {
		return fmt.Errorf("qmp handshake failed: %w", err)
	}
	defer mon.Disconnect()

	if _, err := mon.Run([]byte(fmt.Sprintf(`{"execute": %q}`, command))); err != nil {
		return fmt.Errorf("qmp %s failed: %w", command, err)
	}
	return nil
}

func (m *Manager) killVM(st *State) {
	if pid := m.readPID(st); pid > 0 && m.procAlive(pid) {
		_ = m.killPID(pid)
	}
}

func (m *Manager) readPID(st *State) int {
	raw, err := os.ReadFile(st.PIDFile)
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(raw)))
	return pid
}

// cleanup releases the VM's network and GPU resources and removes its
// instance directory.
func (m *Manager) cleanup(st *State) {
	if st.TAP != "" {
		if err := m.tap.DeleteTAP(st.TaskID); err != nil {
			m.log.Warn().Err(err).Int64("task_id", st.TaskID).Msg("tap cleanup failed")
		}
	}
	for _, dev := range st.GPUs {
		if err := m.gpus.UnbindGroup(dev); err != nil {
			m.log.Warn().Err(err).Str("gpu", dev.PCIAddress).Msg("gpu unbind failed")
		}
	}
	if st.Disk != "" {
		if err := os.RemoveAll(filepath.Dir(st.Disk)); err != nil {
			m.log.Warn().Err(err).Int64("task_id", st.TaskID).Msg("instance dir cleanup failed")
		}
	}
}

func (m *Manager) reportUpdate(u types.StatusUpdate) {
	if m.report == nil {
		return
	}
	if err := m.report.ReportStatus(context.Background(), u); err != nil {
		m.log.Error().Err(err).Int64("task_id", u.TaskID).Str("status", string(u.Status)).
			Msg("status report failed")
	}
}

var _ TAPProvider = (*network.Agent)(nil)
