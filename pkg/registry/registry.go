// Package registry tracks runner liveness. Runners register on startup and
// heartbeat at a fixed interval; the monitor loop is the only place a node
// is ever marked offline, derived purely from heartbeat age.
package registry

import (
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/metrics"
	"github.com/kohakuriver/kohakuriver/pkg/overlay"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// Registry is the host-side node table and heartbeat monitor.
type Registry struct {
	store   storage.Store
	cfg     *config.HostConfig
	overlay *overlay.Manager // nil when the overlay is disabled

	mu     sync.Mutex
	stopCh chan struct{}
	log    zerolog.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewRegistry creates the registry. ov may be nil when no overlay CIDR is
// configured.
func NewRegistry(store storage.Store, cfg *config.HostConfig, ov *overlay.Manager) *Registry {
	return &Registry{
		store:   store,
		cfg:     cfg,
		overlay: ov,
		stopCh:  make(chan struct{}),
		log:     log.WithComponent("registry"),
		now:     time.Now,
	}
}

// Register upserts the node row and, when the overlay is enabled, returns
// the runner's overlay configuration.
func (r *Registry) Register(req *types.RegisterRequest) (*types.RegisterResponse, error) {
	if req.Hostname == "" || req.URL == "" {
		return nil, types.NewError(types.ErrBadRequest, "register requires hostname and url")
	}

	node := &types.Node{
		Hostname:      req.Hostname,
		URL:           req.URL,
		TotalCores:    req.TotalCores,
		TotalMemory:   req.TotalMemory,
		Status:        types.NodeOnline,
		LastHeartbeat: r.now(),
		NUMATopology:  req.NUMA,
		GPUs:          req.GPUs,
		VMCapable:     req.VMCapable,
		VFIODevices:   req.VFIODevices,
		RunnerVersion: req.Version,
		RegisteredAt:  r.now(),
	}
	if existing, err := r.store.GetNode(req.Hostname); err == nil {
		node.RegisteredAt = existing.RegisteredAt
		if existing.RunnerVersion != "" && existing.RunnerVersion != req.Version {
			r.log.Warn().Str("runner", req.Hostname).
				Str("old", existing.RunnerVersion).Str("new", req.Version).
				Msg("runner version changed")
		}
	}
	if err := r.store.UpsertNode(node); err != nil {
		return nil, fmt.Errorf("failed to upsert node: %w", err)
	}

	resp := &types.RegisterResponse{}
	if r.overlay != nil {
		addr, err := runnerAddr(req.URL)
		if err != nil {
			return nil, types.NewError(types.ErrBadRequest, "bad runner url %q: %v", req.URL, err)
		}
		alloc, err := r.overlay.Register(req.Hostname, addr)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate overlay: %w", err)
		}
		resp.Overlay = alloc
	}

	r.log.Info().Str("runner", req.Hostname).Str("url", req.URL).
		Int("cores", req.TotalCores).Bool("vm_capable", req.VMCapable).
		Msg("runner registered")
	return resp, nil
}

func runnerAddr(rawURL string) (net.IP, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.LookupIP(host)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("cannot resolve %q", host)
	}
	return addrs[0], nil
}

// Heartbeat refreshes the node row from a runner report. Task-level
// reconciliation is handled by the scheduler; the registry only owns node
// liveness and inventory metrics.
func (r *Registry) Heartbeat(hostname string, hb *types.Heartbeat) error {
	node, err := r.store.GetNode(hostname)
	if err != nil {
		return types.NewError(types.ErrNotFound, "unregistered runner: %s", hostname)
	}

	node.Status = types.NodeOnline
	node.LastHeartbeat = r.now()
	node.CPUPercent = hb.CPUPercent
	node.MemoryPercent = hb.MemoryPercent
	node.Temperature = hb.Temperature
	if hb.GPUs != nil {
		node.GPUs = hb.GPUs
	}
	node.VMCapable = hb.VMCapable
	if hb.Version != "" {
		node.RunnerVersion = hb.Version
	}
	return r.store.UpsertNode(node)
}

// Start begins the offline-detection loop.
func (r *Registry) Start() {
	go r.run()
}

// Stop stops the monitor.
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) run() {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(); err != nil {
				r.log.Error().Err(err).Msg("monitor sweep failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Sweep marks silent nodes offline and their non-terminal tasks lost. One
// sweep is one reconciliation pass; it is exported for tests.
func (r *Registry) Sweep() error {
	nodes, err := r.store.ListNodes()
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	timeout := r.cfg.HeartbeatTimeout()
	now := r.now()
	for _, node := range nodes {
		silent := now.Sub(node.LastHeartbeat) > timeout
		if !silent || node.Status == types.NodeOffline {
			continue
		}

		node.Status = types.NodeOffline
		if err := r.store.UpsertNode(node); err != nil {
			r.log.Error().Err(err).Str("runner", node.Hostname).Msg("failed to mark node offline")
			continue
		}
		r.log.Warn().Str("runner", node.Hostname).
			Dur("silence", now.Sub(node.LastHeartbeat)).
			Msg("runner offline")

		if err := r.loseTasks(node.Hostname); err != nil {
			r.log.Error().Err(err).Str("runner", node.Hostname).Msg("failed to mark tasks lost")
		}
	}

	r.publishGauges(nodes)
	return nil
}

// publishGauges refreshes the cluster-level gauges after a sweep.
func (r *Registry) publishGauges(nodes []*types.Node) {
	online, offline := 0, 0
	for _, node := range nodes {
		if node.Status == types.NodeOnline {
			online++
		} else {
			offline++
		}
	}
	metrics.NodesTotal.WithLabelValues("online").Set(float64(online))
	metrics.NodesTotal.WithLabelValues("offline").Set(float64(offline))

	tasks, err := r.store.ListTasks()
	if err != nil {
		return
	}
	metrics.TasksTotal.Reset()
	for _, task := range tasks {
		metrics.TasksTotal.WithLabelValues(string(task.Status)).Inc()
	}
}

// loseTasks transitions every live task on a dead runner to lost.
func (r *Registry) loseTasks(hostname string) error {
	tasks, err := r.store.ListTasksByRunner(hostname)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if !types.CanTransition(task.Kind, task.Status, types.TaskLost) {
			continue
		}
		task.Status = types.TaskLost
		task.ErrorMessage = "runner offline"
		if err := r.store.UpdateTask(task); err != nil {
			return err
		}
		metrics.TasksLost.Inc()
		r.log.Warn().Int64("task_id", task.ID).Str("runner", hostname).Msg("task lost")
	}
	return nil
}

// ClusterHealth summarizes node liveness and task counts for the dashboard.
type ClusterHealth struct {
	NodesOnline  int            `json:"nodes_online"`
	NodesOffline int            `json:"nodes_offline"`
	TotalCores   int            `json:"total_cores"`
	TasksByState map[string]int `json:"tasks_by_state"`
}

// Health computes the cluster-health summary.
func (r *Registry) Health() (*ClusterHealth, error) {
	nodes, err := r.store.ListNodes()
	if err != nil {
		return nil, err
	}
	tasks, err := r.store.ListTasks()
	if err != nil {
		return nil, err
	}

	h := &ClusterHealth{TasksByState: make(map[string]int)}
	for _, node := range nodes {
		if node.Status == types.NodeOnline {
			h.NodesOnline++
			h.TotalCores += node.TotalCores
		} else {
			h.NodesOffline++
		}
	}
	for _, task := range tasks {
		h.TasksByState[string(task.Status)]++
	}
	return h, nil
}
