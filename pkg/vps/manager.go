// Package vps manages long-lived Docker-backend VPS workloads on a runner:
// image resolution with snapshot restore, container creation, an in-container
// SSH bootstrap, lifecycle control and crash recovery. QEMU-backend VPS
// tasks are handled by pkg/vm.
package vps

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/docker"
	"github.com/kohakuriver/kohakuriver/pkg/executor"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/network"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

const stopGrace = 10 * time.Second

// Runtime is the container-runtime surface the manager needs. Satisfied by
// *docker.Client; tests substitute a fake.
type Runtime interface {
	HasImage(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	LoadImage(ctx context.Context, tarPath string) error
	CreateVPS(ctx context.Context, opts docker.VPSOptions) (string, error)
	SSHHostPort(ctx context.Context, name string) (int, error)
	Exec(ctx context.Context, name string, cmd []string) (int, string, error)
	Stop(ctx context.Context, name string, grace time.Duration) error
	Restart(ctx context.Context, name string, grace time.Duration) error
	Pause(ctx context.Context, name string) error
	Unpause(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (exists, running bool, err error)
	CommitSnapshot(ctx context.Context, name, envName string) (string, error)
	LatestSnapshot(ctx context.Context, envName string) (string, error)
	PruneSnapshots(ctx context.Context, envName string, keep int) error
	ListTaskContainers(ctx context.Context) (map[int64]bool, error)
}

// Reporter delivers task status changes to the host.
type Reporter interface {
	ReportStatus(ctx context.Context, update types.StatusUpdate) error
}

// State is the per-VPS record the manager tracks. The runner persists these
// so recovery after a restart can reconcile against the daemon.
type State struct {
	TaskID  int64  `json:"task_id"`
	EnvName string `json:"env_name,omitempty"`
	Image   string `json:"image,omitempty"`
	SSHPort int    `json:"ssh_port,omitempty"`
}

// Manager creates and supervises Docker-backend VPS containers.
type Manager struct {
	cfg     *config.RunnerConfig
	rt      Runtime
	report  Reporter
	overlay bool // attach to the overlay docker network

	mu    sync.Mutex
	tasks map[int64]*State

	log zerolog.Logger
}

// NewManager creates a VPS manager. overlay selects the kohakuriver Docker
// network for new containers; without it they land on the default bridge.
func NewManager(cfg *config.RunnerConfig, rt Runtime, report Reporter, overlay bool) *Manager {
	return &Manager{
		cfg:     cfg,
		rt:      rt,
		report:  report,
		overlay: overlay,
		tasks:   make(map[int64]*State),
		log:     log.WithComponent("vps"),
	}
}

// Create provisions a VPS container and reports it running with its SSH port.
func (m *Manager) Create(ctx context.Context, req *types.VPSCreateRequest) error {
	m.mu.Lock()
	if _, exists := m.tasks[req.TaskID]; exists {
		m.mu.Unlock()
		return types.NewError(types.ErrConflict, "vps %d already exists", req.TaskID)
	}
	st := &State{TaskID: req.TaskID, EnvName: req.EnvName, Image: req.Image}
	m.tasks[req.TaskID] = st
	m.mu.Unlock()

	fail := func(err error) error {
		m.mu.Lock()
		delete(m.tasks, req.TaskID)
		m.mu.Unlock()
		return err
	}

	image, err := m.resolveImage(ctx, req)
	if err != nil {
		return fail(err)
	}

	opts := docker.VPSOptions{
		TaskID:     req.TaskID,
		Image:      image,
		Cores:      req.RequiredCores,
		MemoryByte: req.RequiredMemory,
		GPUs:       req.GPUs,
		Mounts: []string{
			m.cfg.SharedDir + ":/shared",
			filepath.Join(m.cfg.SharedDir, "bin", "kohaku-tunnel") + ":" + executor.TunnelClientPath + ":ro",
		},
	}
	if m.overlay {
		opts.Network = network.DockerNetwork
		opts.IPv4 = req.OverlayIP
	}
	if _, err := m.rt.CreateVPS(ctx, opts); err != nil {
		return fail(err)
	}

	name := types.ContainerName(req.TaskID)
	if req.SSHKeyMode != types.SSHKeyDisabled && req.SSHKeyMode != "" {
		if err := m.bootstrapSSH(ctx, name, req); err != nil {
			_ = m.rt.Remove(ctx, name)
			return fail(fmt.Errorf("failed to bootstrap ssh in vps %d: %w", req.TaskID, err))
		}
	}
	m.startTunnelClient(ctx, name, req.TaskID)

	port, err := m.rt.SSHHostPort(ctx, name)
	if err != nil {
		m.log.Warn().Err(err).Int64("task_id", req.TaskID).Msg("ssh port discovery failed")
	}
	m.mu.Lock()
	st.Image = image
	st.SSHPort = port
	m.mu.Unlock()

	m.reportUpdate(ctx, types.StatusUpdate{
		TaskID:  req.TaskID,
		Status:  types.TaskRunning,
		SSHPort: port,
	})
	m.log.Info().Int64("task_id", req.TaskID).Str("image", image).Int("ssh_port", port).Msg("vps created")
	return nil
}

// resolveImage picks the creation source: the newest snapshot when restore is
// enabled, else the named image, else the environment image loaded from the
// shared tarball on first use.
func (m *Manager) resolveImage(ctx context.Context, req *types.VPSCreateRequest) (string, error) {
	if m.cfg.AutoRestoreOnCreate && req.EnvName != "" {
		snap, err := m.rt.LatestSnapshot(ctx, req.EnvName)
		if err != nil {
			return "", err
		}
		if snap != "" {
			m.log.Info().Int64("task_id", req.TaskID).Str("snapshot", snap).Msg("restoring vps from snapshot")
			return snap, nil
		}
	}

	if req.Image != "" {
		ok, err := m.rt.HasImage(ctx, req.Image)
		if err != nil {
			return "", err
		}
		if !ok {
			if err := m.rt.PullImage(ctx, req.Image); err != nil {
				return "", err
			}
		}
		return req.Image, nil
	}

	if req.EnvName == "" {
		return "", types.NewError(types.ErrBadRequest, "vps %d names neither image nor environment", req.TaskID)
	}
	ref := docker.SnapshotRepo(req.EnvName) + ":latest"
	ok, err := m.rt.HasImage(ctx, ref)
	if err != nil {
		return "", err
	}
	if !ok {
		tarball := filepath.Join(m.cfg.SharedDir, "envs", req.EnvName+".tar")
		if err := m.rt.LoadImage(ctx, tarball); err != nil {
			return "", err
		}
	}
	return ref, nil
}

// bootstrapSSH installs and starts sshd inside the container. The package
// manager is chosen by inspecting the base image.
func (m *Manager) bootstrapSSH(ctx context.Context, name string, req *types.VPSCreateRequest) error {
	code, out, err := m.rt.Exec(ctx, name, []string{"sh", "-c",
		"command -v apt-get || command -v dnf || command -v yum || command -v apk"})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("no supported package manager in image")
	}

	var install string
	switch filepath.Base(strings.TrimSpace(out)) {
	case "apt-get":
		install = "apt-get update && DEBIAN_FRONTEND=noninteractive apt-get install -y openssh-server"
	case "dnf":
		install = "dnf install -y openssh-server"
	case "yum":
		install = "yum install -y openssh-server"
	case "apk":
		install = "apk add --no-cache openssh"
	default:
		return fmt.Errorf("unrecognized package manager %q", strings.TrimSpace(out))
	}
	if err := m.execOK(ctx, name, install); err != nil {
		return fmt.Errorf("ssh install failed: %w", err)
	}

	switch req.SSHKeyMode {
	case types.SSHKeyUpload, types.SSHKeyGenerate:
		if req.SSHPublicKey == "" {
			return fmt.Errorf("ssh key mode %s without a public key", req.SSHKeyMode)
		}
		setup := fmt.Sprintf(
			"mkdir -p /root/.ssh && printf '%%s\\n' '%s' > /root/.ssh/authorized_keys && chmod 700 /root/.ssh && chmod 600 /root/.ssh/authorized_keys",
			strings.ReplaceAll(req.SSHPublicKey, "'", ""))
		if err := m.execOK(ctx, name, setup); err != nil {
			return fmt.Errorf("authorized_keys setup failed: %w", err)
		}
	case types.SSHKeyNone:
		// Passwordless root login, for trusted-network clusters only.
		setup := "passwd -d root && " +
			"sed -i 's/^#\\?PermitRootLogin.*/PermitRootLogin yes/' /etc/ssh/sshd_config && " +
			"sed -i 's/^#\\?PermitEmptyPasswords.*/PermitEmptyPasswords yes/' /etc/ssh/sshd_config"
		if err := m.execOK(ctx, name, setup); err != nil {
			return fmt.Errorf("passwordless root setup failed: %w", err)
		}
	}

	if err := m.execOK(ctx, name, "mkdir -p /run/sshd && ssh-keygen -A && /usr/sbin/sshd"); err != nil {
		return fmt.Errorf("sshd start failed: %w", err)
	}
	return nil
}

func (m *Manager) execOK(ctx context.Context, name, script string) error {
	code, out, err := m.rt.Exec(ctx, name, []string{"sh", "-c", script})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("exit %d: %s", code, strings.TrimSpace(out))
	}
	return nil
}

// startTunnelClient launches the tunnel daemon next to the primary process.
// It must not replace PID 1, so it runs as a detached background exec.
func (m *Manager) startTunnelClient(ctx context.Context, name string, taskID int64) {
	script := fmt.Sprintf("nohup %s %d >/dev/null 2>&1 &", executor.TunnelClientPath, taskID)
	if _, _, err := m.rt.Exec(ctx, name, []string{"sh", "-c", script}); err != nil {
		m.log.Warn().Err(err).Int64("task_id", taskID).Msg("tunnel client start failed")
	}
}

// Stop snapshots (when enabled), stops and removes a VPS container.
func (m *Manager) Stop(ctx context.Context, taskID int64) error {
	st, err := m.get(taskID)
	if err != nil {
		return err
	}
	name := types.ContainerName(taskID)

	if m.cfg.AutoSnapshotOnStop && st.EnvName != "" {
		if _, err := m.rt.CommitSnapshot(ctx, name, st.EnvName); err != nil {
			m.log.Warn().Err(err).Int64("task_id", taskID).Msg("auto snapshot failed")
		} else if err := m.rt.PruneSnapshots(ctx, st.EnvName, m.cfg.SnapshotRetention); err != nil {
			m.log.Warn().Err(err).Int64("task_id", taskID).Msg("snapshot prune failed")
		}
	}

	if err := m.rt.Stop(ctx, name, stopGrace); err != nil {
		return err
	}
	if err := m.rt.Remove(ctx, name); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.tasks, taskID)
	m.mu.Unlock()
	m.reportUpdate(ctx, types.StatusUpdate{TaskID: taskID, Status: types.TaskStopped})
	m.log.Info().Int64("task_id", taskID).Msg("vps stopped")
	return nil
}

// Restart restarts a VPS container and re-reports its SSH port; Docker may
// choose a different host port across the restart.
func (m *Manager) Restart(ctx context.Context, taskID int64) error {
	st, err := m.get(taskID)
	if err != nil {
		return err
	}
	name := types.ContainerName(taskID)
	if err := m.rt.Restart(ctx, name, stopGrace); err != nil {
		return err
	}
	m.startTunnelClient(ctx, name, taskID)

	port, err := m.rt.SSHHostPort(ctx, name)
	if err != nil {
		m.log.Warn().Err(err).Int64("task_id", taskID).Msg("ssh port rediscovery failed")
	}
	m.mu.Lock()
	st.SSHPort = port
	m.mu.Unlock()
	m.reportUpdate(ctx, types.StatusUpdate{TaskID: taskID, Status: types.TaskRunning, SSHPort: port})
	return nil
}

// Kill force-removes a VPS container without snapshotting.
func (m *Manager) Kill(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	_, tracked := m.tasks[taskID]
	delete(m.tasks, taskID)
	m.mu.Unlock()
	if !tracked {
		return nil
	}
	return m.rt.Remove(ctx, types.ContainerName(taskID))
}

// Pause freezes a VPS container.
func (m *Manager) Pause(ctx context.Context, taskID int64) error {
	if _, err := m.get(taskID); err != nil {
		return err
	}
	return m.rt.Pause(ctx, types.ContainerName(taskID))
}

// Resume unfreezes a VPS container.
func (m *Manager) Resume(ctx context.Context, taskID int64) error {
	if _, err := m.get(taskID); err != nil {
		return err
	}
	return m.rt.Unpause(ctx, types.ContainerName(taskID))
}

func (m *Manager) get(taskID int64) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tasks[taskID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "vps %d is not managed here", taskID)
	}
	return st, nil
}

// Running lists managed VPS task ids, for the heartbeat.
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

// Recover reconciles persisted state against the container runtime after a
// runner restart. Tracked but stopped containers are reported stopped;
// tracked running ones get their SSH port rediscovered; unknown running
// kohakuriver VPS containers are adopted; anything else is removed.
func (m *Manager) Recover(ctx context.Context, persisted []State) error {
	daemon, err := m.rt.ListTaskContainers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list containers for recovery: %w", err)
	}

	known := make(map[int64]bool, len(persisted))
	for i := range persisted {
		st := persisted[i]
		known[st.TaskID] = true
		running, found := daemon[st.TaskID]

		switch {
		case !found || !running:
			if found {
				_ = m.rt.Remove(ctx, types.ContainerName(st.TaskID))
			}
			m.reportUpdate(ctx, types.StatusUpdate{TaskID: st.TaskID, Status: types.TaskStopped})
			m.log.Info().Int64("task_id", st.TaskID).Msg("vps not running after restart, reported stopped")
		default:
			name := types.ContainerName(st.TaskID)
			port, perr := m.rt.SSHHostPort(ctx, name)
			if perr != nil {
				m.log.Warn().Err(perr).Int64("task_id", st.TaskID).Msg("ssh port rediscovery failed")
			}
			st.SSHPort = port
			m.mu.Lock()
			m.tasks[st.TaskID] = &st
			m.mu.Unlock()
			m.reportUpdate(ctx, types.StatusUpdate{TaskID: st.TaskID, Status: types.TaskRunning, SSHPort: port})
			m.log.Info().Int64("task_id", st.TaskID).Int("ssh_port", port).Msg("vps re-adopted after restart")
		}
	}

	// Containers the daemon knows that we have no record of. Running VPS
	// containers are adopted; the rest are leftovers to clean up.
	for id, running := range daemon {
		if known[id] {
			continue
		}
		if running {
			adopted := State{TaskID: id}
			if port, perr := m.rt.SSHHostPort(ctx, types.ContainerName(id)); perr == nil {
				adopted.SSHPort = port
			}
			m.mu.Lock()
			m.tasks[id] = &adopted
			m.mu.Unlock()
			m.reportUpdate(ctx, types.StatusUpdate{TaskID: id, Status: types.TaskRunning, SSHPort: adopted.SSHPort})
			m.log.Info().Int64("task_id", id).Msg("orphan vps container adopted")
			continue
		}
		_ = m.rt.Remove(ctx, types.ContainerName(id))
		m.log.Info().Int64("task_id", id).Msg("orphan container removed")
	}
	return nil
}

func (m *Manager) reportUpdate(ctx context.Context, u types.StatusUpdate) {
	if m.report == nil {
		return
	}
	if err := m.report.ReportStatus(ctx, u); err != nil {
		m.log.Error().Err(err).Int64("task_id", u.TaskID).Str("status", string(u.Status)).
			Msg("status report failed")
	}
}
