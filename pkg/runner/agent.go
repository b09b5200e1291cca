// Package runner implements the node agent: it registers with the host,
// attaches to the overlay, executes COMMAND tasks, manages VPS containers
// and VMs, heartbeats metrics and task liveness, and serves the WebSocket
// tunnel endpoints the host relays user traffic through.
package runner

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/docker"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/metrics"
	"github.com/kohakuriver/kohakuriver/pkg/monitor"
	"github.com/kohakuriver/kohakuriver/pkg/network"
	"github.com/kohakuriver/kohakuriver/pkg/tunnel"
	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/kohakuriver/kohakuriver/pkg/vm"
	"github.com/kohakuriver/kohakuriver/pkg/vps"
)

const registerRetryDelay = 5 * time.Second

// HostAPI is the host-facing surface the agent depends on. Satisfied by
// *HostClient; tests substitute a fake.
type HostAPI interface {
	Register(ctx context.Context, req *types.RegisterRequest) (*types.RegisterResponse, error)
	Heartbeat(ctx context.Context, hostname string, hb *types.Heartbeat) error
	ReportStatus(ctx context.Context, update types.StatusUpdate) error
}

type commandExecutor interface {
	Execute(ctx context.Context, req *types.ExecuteRequest) error
	Kill(taskID int64) error
	Pause(taskID int64) error
	Resume(taskID int64) error
	Running() []int64
	TakeKilled() []types.KilledTask
}

type vpsManager interface {
	Create(ctx context.Context, req *types.VPSCreateRequest) error
	Stop(ctx context.Context, taskID int64) error
	Restart(ctx context.Context, taskID int64) error
	Kill(ctx context.Context, taskID int64) error
	Pause(ctx context.Context, taskID int64) error
	Resume(ctx context.Context, taskID int64) error
	Running() []int64
	Snapshot() []vps.State
	Recover(ctx context.Context, persisted []vps.State) error
}

type vmManager interface {
	Create(ctx context.Context, opts vm.CreateOptions) error
	Shutdown(ctx context.Context, taskID int64) error
	Reboot(ctx context.Context, taskID int64) error
	Kill(ctx context.Context, taskID int64) error
	AgentBeat(taskID int64) error
	Running() []int64
	Snapshot() []vm.State
	Recover(ctx context.Context, persisted []vm.State) error
}

// Deps bundles the agent's collaborators. VM, Net and Docker may be nil on
// hosts without the corresponding capability.
type Deps struct {
	Host    HostAPI
	Exec    commandExecutor
	VPS     vpsManager
	VM      vmManager
	Monitor *monitor.Monitor
	Net     *network.Agent
	Docker  *docker.Client

	// VFIODevices is the passthrough-eligible GPU inventory, index-aligned
	// with the node's GPU list.
	VFIODevices []types.VFIODevice
}

// Agent is one runner process.
type Agent struct {
	cfg  *config.RunnerConfig
	deps Deps

	store   *stateStore
	tunnels *tunnel.Server
	alloc   *types.OverlayAllocation

	http   *http.Server
	stopCh chan struct{}
	log    zerolog.Logger
}

// NewAgent creates a runner agent and opens its local state store.
func NewAgent(cfg *config.RunnerConfig, deps Deps) (*Agent, error) {
	store, err := openStateStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return &Agent{
		cfg:     cfg,
		deps:    deps,
		store:   store,
		tunnels: tunnel.NewServer(),
		stopCh:  make(chan struct{}),
		log:     log.WithComponent("runner"),
	}, nil
}

// Start registers with the host, restores local state, and begins serving
// and heartbeating. It blocks until registration succeeds.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	if err := a.setupOverlay(ctx); err != nil {
		a.log.Error().Err(err).Msg("overlay setup failed, continuing without overlay")
		a.alloc = nil
	}
	a.recover(ctx)

	go a.heartbeatLoop()

	a.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", a.cfg.ListenAddr, a.cfg.Port),
		Handler: a.Router(),
	}
	go func() {
		if err := a.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("runner http server failed")
		}
	}()
	a.log.Info().Str("hostname", a.cfg.Hostname).Int("port", a.cfg.Port).Msg("runner started")
	return nil
}

// Stop shuts the agent down, persisting VPS and VM state for recovery.
func (a *Agent) Stop(ctx context.Context) error {
	close(a.stopCh)
	a.persistState()
	if a.http != nil {
		_ = a.http.Shutdown(ctx)
	}
	return a.store.Close()
}

// register announces the runner, retrying until the host answers.
func (a *Agent) register(ctx context.Context) error {
	req, err := a.buildRegisterRequest(ctx)
	if err != nil {
		return err
	}
	for {
		resp, err := a.deps.Host.Register(ctx, req)
		if err == nil {
			a.alloc = resp.Overlay
			a.log.Info().Bool("overlay", a.alloc != nil).Msg("registered with host")
			return nil
		}
		a.log.Warn().Err(err).Msg("registration failed, retrying")
		select {
		case <-time.After(registerRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Agent) buildRegisterRequest(ctx context.Context) (*types.RegisterRequest, error) {
	cores, memoryBytes, numa := a.deps.Monitor.Inventory(ctx)
	if cores == 0 {
		return nil, fmt.Errorf("failed to read hardware inventory")
	}
	return &types.RegisterRequest{
		Hostname:    a.cfg.Hostname,
		URL:         fmt.Sprintf("http://%s:%d", a.cfg.Hostname, a.cfg.Port),
		TotalCores:  cores,
		TotalMemory: memoryBytes,
		NUMA:        numa,
		GPUs:        a.deps.Monitor.GPUs(ctx),
		VMCapable:   a.deps.VM != nil,
		VFIODevices: a.deps.VFIODevices,
		Version:     a.cfg.Version,
	}, nil
}

// setupOverlay attaches the runner to the VXLAN overlay and creates the
// matching Docker network.
func (a *Agent) setupOverlay(ctx context.Context) error {
	if a.alloc == nil || a.deps.Net == nil {
		return nil
	}
	hostIP, err := resolveHostIP(a.cfg.HostURL)
	if err != nil {
		return err
	}
	if err := a.deps.Net.Setup(a.alloc, hostIP); err != nil {
		return err
	}
	if a.deps.Docker != nil {
		if err := a.deps.Docker.EnsureNetwork(ctx, network.DockerNetwork,
			a.alloc.Subnet, a.alloc.Gateway, network.BridgeName); err != nil {
			return err
		}
	}
	return nil
}

// resolveHostIP extracts and resolves the host's address from its base URL.
func resolveHostIP(hostURL string) (net.IP, error) {
	u, err := url.Parse(hostURL)
	if err != nil {
		return nil, fmt.Errorf("bad host url %q: %w", hostURL, err)
	}
	name := u.Hostname()
	if ip := net.ParseIP(name); ip != nil {
		return ip, nil
	}
	addrs, err := net.LookupIP(name)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("failed to resolve host %q: %w", name, err)
	}
	return addrs[0], nil
}

// recover reconciles persisted VPS and VM state against what survived the
// restart.
func (a *Agent) recover(ctx context.Context) {
	if a.deps.VPS != nil {
		states, err := a.store.LoadVPS()
		if err != nil {
			a.log.Error().Err(err).Msg("vps state load failed")
		} else if err := a.deps.VPS.Recover(ctx, states); err != nil {
			a.log.Error().Err(err).Msg("vps recovery failed")
		}
	}
	if a.deps.VM != nil {
		states, err := a.store.LoadVM()
		if err != nil {
			a.log.Error().Err(err).Msg("vm state load failed")
		} else if err := a.deps.VM.Recover(ctx, states); err != nil {
			a.log.Error().Err(err).Msg("vm recovery failed")
		}
	}
}

func (a *Agent) heartbeatLoop() {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.sendHeartbeat(context.Background()); err != nil {
				a.log.Warn().Err(err).Msg("heartbeat failed")
			}
			a.persistState()
		case <-a.stopCh:
			return
		}
	}
}

// sendHeartbeat reports liveness, metrics and the running/killed task lists.
func (a *Agent) sendHeartbeat(ctx context.Context) error {
	hb := a.buildHeartbeat(ctx)
	return a.deps.Host.Heartbeat(ctx, a.cfg.Hostname, hb)
}

func (a *Agent) buildHeartbeat(ctx context.Context) *types.Heartbeat {
	hb := &types.Heartbeat{
		VMCapable: a.deps.VM != nil,
		Version:   a.cfg.Version,
	}
	if a.deps.Exec != nil {
		hb.RunningTasks = append(hb.RunningTasks, a.deps.Exec.Running()...)
		hb.KilledTasks = a.deps.Exec.TakeKilled()
	}
	if a.deps.VPS != nil {
		hb.RunningTasks = append(hb.RunningTasks, a.deps.VPS.Running()...)
	}
	if a.deps.VM != nil {
		hb.RunningTasks = append(hb.RunningTasks, a.deps.VM.Running()...)
	}
	if hb.RunningTasks == nil {
		hb.RunningTasks = []int64{}
	}

	sample := a.deps.Monitor.Sample(ctx)
	hb.CPUPercent = sample.CPUPercent
	hb.MemoryPercent = sample.MemoryPercent
	hb.Temperature = sample.Temperature
	hb.GPUs = sample.GPUs
	return hb
}

func (a *Agent) persistState() {
	if a.deps.VPS != nil {
		if err := a.store.SaveVPS(a.deps.VPS.Snapshot()); err != nil {
			a.log.Error().Err(err).Msg("vps state persist failed")
		}
	}
	if a.deps.VM != nil {
		if err := a.store.SaveVM(a.deps.VM.Snapshot()); err != nil {
			a.log.Error().Err(err).Msg("vm state persist failed")
		}
	}
}

// Router builds the runner's HTTP surface: host dispatch endpoints, the
// in-guest VM agent callback, and the WebSocket tunnel endpoints.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "hostname": a.cfg.Hostname})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/execute", a.handleExecute)
		r.Post("/vps/create", a.handleVPSCreate)
		r.Post("/vps/stop/{id}", a.handleVPSStop)
		r.Post("/vps/restart/{id}", a.handleVPSRestart)
		r.Post("/kill/{id}", a.handleKill)
		r.Post("/pause/{id}", a.handlePause)
		r.Post("/resume/{id}", a.handleResume)
		r.Post("/vm-agent/{id}", a.handleVMAgentBeat)
	})

	r.Get("/ws/tunnel/{container}", a.handleTunnel)
	r.Get("/ws/forward/{container}/{port}", a.handleForward)
	r.Get("/ws/task/{id}/terminal", a.handleTerminal)
	r.Get("/ws/fs/{id}/watch", a.handleFSWatch)
	return r
}

func (a *Agent) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req types.ExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	go func() {
		if err := a.deps.Exec.Execute(context.Background(), &req); err != nil {
			a.log.Error().Err(err).Int64("task_id", req.TaskID).Msg("execute failed")
			a.reportFailed(req.TaskID, err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]int64{"task_id": req.TaskID})
}

func (a *Agent) handleVPSCreate(w http.ResponseWriter, r *http.Request) {
	var req types.VPSCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	if req.Backend == types.VPSBackendQEMU {
		if a.deps.VM == nil {
			writeErr(w, types.NewError(types.ErrBadRequest, "this runner is not VM capable"))
			return
		}
		opts, err := a.vmCreateOptions(&req)
		if err != nil {
			writeErr(w, err)
			return
		}
		go func() {
			if err := a.deps.VM.Create(context.Background(), opts); err != nil {
				a.log.Error().Err(err).Int64("task_id", req.TaskID).Msg("vm create failed")
				a.reportFailed(req.TaskID, err)
			}
		}()
	} else {
		go func() {
			if err := a.deps.VPS.Create(context.Background(), &req); err != nil {
				a.log.Error().Err(err).Int64("task_id", req.TaskID).Msg("vps create failed")
				a.reportFailed(req.TaskID, err)
			}
		}()
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"task_id": req.TaskID})
}

// vmCreateOptions resolves GPU indices to VFIO devices and derives the
// guest's network facts from the overlay allocation.
func (a *Agent) vmCreateOptions(req *types.VPSCreateRequest) (vm.CreateOptions, error) {
	opts := vm.CreateOptions{Req: req}

	if a.alloc != nil {
		opts.Gateway = a.alloc.Gateway
		if _, subnet, err := net.ParseCIDR(a.alloc.Subnet); err == nil {
			ones, _ := subnet.Mask.Size()
			opts.PrefixLen = ones
		}
	}
	if req.OverlayIP != "" && a.alloc == nil {
		return opts, types.NewError(types.ErrBadRequest, "overlay ip requested without an overlay allocation")
	}

	for _, idx := range req.GPUs {
		if idx < 0 || idx >= len(a.deps.VFIODevices) {
			return opts, types.NewError(types.ErrBadRequest, "no passthrough device for gpu %d", idx)
		}
		opts.GPUDevices = append(opts.GPUDevices, a.deps.VFIODevices[idx])
	}
	if len(opts.GPUDevices) > 0 {
		opts.NvidiaDriver = hostNvidiaDriverVersion()
	}
	return opts, nil
}

func (a *Agent) handleVPSStop(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	err = a.deps.VPS.Stop(r.Context(), id)
	if types.KindOf(err) == types.ErrNotFound && a.deps.VM != nil {
		err = a.deps.VM.Shutdown(r.Context(), id)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (a *Agent) handleVPSRestart(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	err = a.deps.VPS.Restart(r.Context(), id)
	if types.KindOf(err) == types.ErrNotFound && a.deps.VM != nil {
		err = a.deps.VM.Reboot(r.Context(), id)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}

func (a *Agent) handleKill(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if a.deps.Exec != nil {
		_ = a.deps.Exec.Kill(id)
	}
	if a.deps.VPS != nil {
		_ = a.deps.VPS.Kill(r.Context(), id)
	}
	if a.deps.VM != nil {
		_ = a.deps.VM.Kill(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (a *Agent) handlePause(w http.ResponseWriter, r *http.Request) {
	a.handleSignal(w, r, func(id int64) error { return a.deps.Exec.Pause(id) },
		func(id int64) error { return a.deps.VPS.Pause(r.Context(), id) })
}

func (a *Agent) handleResume(w http.ResponseWriter, r *http.Request) {
	a.handleSignal(w, r, func(id int64) error { return a.deps.Exec.Resume(id) },
		func(id int64) error { return a.deps.VPS.Resume(r.Context(), id) })
}

func (a *Agent) handleSignal(w http.ResponseWriter, r *http.Request, execOp, vpsOp func(int64) error) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	err = execOp(id)
	if types.KindOf(err) == types.ErrNotFound {
		err = vpsOp(id)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Agent) handleVMAgentBeat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if a.deps.VM == nil {
		writeErr(w, types.NewError(types.ErrNotFound, "no vm manager"))
		return
	}
	if err := a.deps.VM.AgentBeat(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, types.NewError(types.ErrBadRequest, "bad task id %q", raw)
	}
	return id, nil
}

func (a *Agent) reportFailed(taskID int64, cause error) {
	err := a.deps.Host.ReportStatus(context.Background(), types.StatusUpdate{
		TaskID:       taskID,
		Status:       types.TaskFailed,
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		a.log.Error().Err(err).Int64("task_id", taskID).Msg("failure report failed")
	}
}
