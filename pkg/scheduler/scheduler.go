// Package scheduler owns the task lifecycle on the host: submission,
// placement, dispatch to runners, and reconciliation against heartbeats and
// status updates. Every state change goes through the transition table in
// pkg/types; updates that violate it are rejected and logged.
package scheduler

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/snowflake"
	"github.com/kohakuriver/kohakuriver/pkg/storage"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// RunnerClient is the host → runner dispatch surface. The HTTP
// implementation lives in dispatch.go; tests substitute fakes.
type RunnerClient interface {
	Execute(node *types.Node, req *types.ExecuteRequest) error
	CreateVPS(node *types.Node, req *types.VPSCreateRequest) error
	Kill(node *types.Node, taskID int64) error
	Signal(node *types.Node, taskID int64, op string) error // pause | resume
	StopVPS(node *types.Node, taskID int64) error
	RestartVPS(node *types.Node, taskID int64) error
}

// Scheduler validates submissions, selects runners and reconciles state.
type Scheduler struct {
	store  storage.Store
	cfg    *config.HostConfig
	idgen  *snowflake.Generator
	runner RunnerClient

	mu     sync.Mutex // serializes placement decisions within a round
	stopCh chan struct{}
	log    zerolog.Logger
	now    func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(store storage.Store, cfg *config.HostConfig, idgen *snowflake.Generator, runner RunnerClient) *Scheduler {
	return &Scheduler{
		store:  store,
		cfg:    cfg,
		idgen:  idgen,
		runner: runner,
		stopCh: make(chan struct{}),
		log:    log.WithComponent("scheduler"),
		now:    time.Now,
	}
}

// Start begins the background dispatch-retry scan.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler loops.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.dispatchPending(); err != nil {
				s.log.Error().Err(err).Msg("dispatch scan failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Submit validates a request and creates one task per target. Tasks from a
// user enter pending_approval; operator submissions skip approval. The
// returned ids share a batch id when there is more than one target.
func (s *Scheduler) Submit(req *types.SubmitRequest, owner string, role types.Role) ([]int64, error) {
	if !role.AtLeast(types.RoleUser) {
		return nil, types.NewError(types.ErrUnauthorized, "role %s may not submit tasks", role)
	}
	if req.Kind != types.TaskKindCommand && req.Kind != types.TaskKindVPS {
		return nil, types.NewError(types.ErrBadRequest, "unknown task kind %q", req.Kind)
	}
	if req.Kind == types.TaskKindCommand && req.Command == "" {
		return nil, types.NewError(types.ErrBadRequest, "command tasks require a command")
	}

	initial := types.TaskPending
	if !role.AtLeast(types.RoleOperator) {
		initial = types.TaskPendingApproval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	targets := req.Targets
	if len(targets) == 0 {
		targets = []string{""}
	}

	// Resolve every placement before creating any row, so a bad target in
	// a batch fails the whole submit.
	type placement struct {
		target *Target
		node   *types.Node
	}
	placements := make([]placement, 0, len(targets))
	for _, spec := range targets {
		var target *Target
		var node *types.Node
		var err error
		if spec == "" {
			node, err = s.autoSelect(req)
			if err != nil {
				return nil, err
			}
			target = &Target{Hostname: node.Hostname}
		} else {
			target, err = ParseTarget(spec)
			if err != nil {
				return nil, err
			}
			node, err = s.validateTarget(target)
			if err != nil {
				return nil, err
			}
		}
		placements = append(placements, placement{target: target, node: node})
	}

	var batchID int64
	if len(placements) > 1 {
		batchID = s.idgen.Next()
	}

	ids := make([]int64, 0, len(placements))
	for _, p := range placements {
		task := &types.Task{
			ID:             s.idgen.Next(),
			BatchID:        batchID,
			Kind:           req.Kind,
			Owner:          owner,
			Command:        req.Command,
			Args:           req.Args,
			RequiredCores:  req.RequiredCores,
			RequiredMemory: req.RequiredMemory,
			RequiredGPUs:   p.target.GPUs,
			NUMANode:       p.target.NUMANode,
			EnvName:        req.EnvName,
			Image:          req.Image,
			Mounts:         req.Mounts,
			Privileged:     req.Privileged,
			Backend:        req.Backend,
			SSHKeyMode:     req.SSHKeyMode,
			SSHPublicKey:   req.SSHPublicKey,
			VMImage:        req.VMImage,
			VMDiskGB:       req.VMDiskGB,
			Status:         initial,
			AssignedRunner: p.node.Hostname,
			CreatedAt:      s.now(),
		}
		if req.Kind == types.TaskKindVPS && task.Backend == "" {
			task.Backend = types.VPSBackendDocker
		}
		if req.Kind == types.TaskKindCommand {
			task.StdoutPath = filepath.Join(s.cfg.SharedDir, "logs", fmt.Sprintf("%d.out", task.ID))
			task.StderrPath = filepath.Join(s.cfg.SharedDir, "logs", fmt.Sprintf("%d.err", task.ID))
		}
		if err := s.store.CreateTask(task); err != nil {
			return nil, fmt.Errorf("failed to create task: %w", err)
		}
		ids = append(ids, task.ID)
		s.log.Info().Int64("task_id", task.ID).Str("runner", p.node.Hostname).
			Str("kind", string(req.Kind)).Str("status", string(initial)).
			Msg("task submitted")
	}

	// Eager first dispatch; failures are retried by the background scan.
	if initial == types.TaskPending {
		for _, id := range ids {
			if err := s.tryDispatch(id); err != nil {
				s.log.Warn().Err(err).Int64("task_id", id).Msg("initial dispatch failed, will retry")
			}
		}
	}
	return ids, nil
}

// validateTarget resolves a named target: the node must exist and be online,
// the NUMA id must exist in its topology, and every requested GPU must exist
// and be free of non-terminal holders.
func (s *Scheduler) validateTarget(target *Target) (*types.Node, error) {
	node, err := s.store.GetNode(target.Hostname)
	if err != nil {
		return nil, types.NewError(types.ErrBadRequest, "unknown target node %q", target.Hostname)
	}
	if node.Status != types.NodeOnline {
		return nil, types.NewError(types.ErrRunnerUnavailable, "node %s is offline", node.Hostname)
	}

	if target.NUMANode != nil {
		if _, ok := node.NUMATopology[*target.NUMANode]; !ok {
			return nil, types.NewError(types.ErrBadRequest, "node %s has no NUMA node %d", node.Hostname, *target.NUMANode)
		}
	}

	if len(target.GPUs) > 0 {
		available := make(map[int]bool, len(node.GPUs))
		for _, gpu := range node.GPUs {
			available[gpu.Index] = true
		}
		held, err := s.heldGPUs(node.Hostname)
		if err != nil {
			return nil, err
		}
		for _, idx := range target.GPUs {
			if !available[idx] {
				return nil, types.NewError(types.ErrBadRequest, "node %s has no GPU %d", node.Hostname, idx)
			}
			if holder, taken := held[idx]; taken {
				return nil, types.NewError(types.ErrResourceExhausted,
					"GPU %d on %s is held by task %d", idx, node.Hostname, holder)
			}
		}
	}
	return node, nil
}

// heldGPUs maps GPU index → holding task id for non-terminal tasks on a node.
func (s *Scheduler) heldGPUs(hostname string) (map[int]int64, error) {
	tasks, err := s.store.ListTasksByRunner(hostname)
	if err != nil {
		return nil, err
	}
	held := make(map[int]int64)
	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}
		for _, idx := range task.RequiredGPUs {
			held[idx] = task.ID
		}
	}
	return held, nil
}

// autoSelect picks an online node with enough free cores and memory.
// Auto-scheduling never places GPU work. Tie-breaking: fewer running tasks,
// then larger free memory, then lexicographic hostname.
func (s *Scheduler) autoSelect(req *types.SubmitRequest) (*types.Node, error) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		return nil, err
	}

	type candidate struct {
		node       *types.Node
		running    int
		freeMemory int64
	}
	var candidates []candidate
	for _, node := range nodes {
		if node.Status != types.NodeOnline {
			continue
		}
		tasks, err := s.store.ListTasksByRunner(node.Hostname)
		if err != nil {
			return nil, err
		}
		var running int
		var usedCores int
		var usedMemory int64
		for _, task := range tasks {
			if task.Status.IsTerminal() {
				continue
			}
			if task.Status == types.TaskRunning {
				running++
			}
			usedCores += task.RequiredCores
			usedMemory += task.RequiredMemory
		}
		if req.RequiredCores > 0 && usedCores+req.RequiredCores > node.TotalCores {
			continue
		}
		if req.RequiredMemory > 0 && usedMemory+req.RequiredMemory > node.TotalMemory {
			continue
		}
		candidates = append(candidates, candidate{
			node:       node,
			running:    running,
			freeMemory: node.TotalMemory - usedMemory,
		})
	}
	if len(candidates) == 0 {
		return nil, types.NewError(types.ErrRunnerUnavailable, "no node can host the request")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].running != candidates[j].running {
			return candidates[i].running < candidates[j].running
		}
		if candidates[i].freeMemory != candidates[j].freeMemory {
			return candidates[i].freeMemory > candidates[j].freeMemory
		}
		return candidates[i].node.Hostname < candidates[j].node.Hostname
	})
	return candidates[0].node, nil
}

// Approve moves a pending_approval task to pending and dispatches it.
func (s *Scheduler) Approve(taskID int64, approver string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if !types.CanTransition(task.Kind, task.Status, types.TaskPending) {
		return types.NewError(types.ErrConflict, "task %d is %s, not pending_approval", taskID, task.Status)
	}
	task.Status = types.TaskPending
	task.ApprovedBy = approver
	if err := s.store.UpdateTask(task); err != nil {
		return err
	}
	if err := s.tryDispatch(taskID); err != nil {
		s.log.Warn().Err(err).Int64("task_id", taskID).Msg("dispatch after approval failed, will retry")
	}
	return nil
}

// Reject moves a pending_approval task to rejected.
func (s *Scheduler) Reject(taskID int64, reason string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if !types.CanTransition(task.Kind, task.Status, types.TaskRejected) {
		return types.NewError(types.ErrConflict, "task %d is %s, not pending_approval", taskID, task.Status)
	}
	task.Status = types.TaskRejected
	task.ErrorMessage = reason
	return s.store.UpdateTask(task)
}

// Kill terminates a task. Killing an already-killed task is a no-op.
func (s *Scheduler) Kill(taskID int64) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status == types.TaskKilled || task.Status == types.TaskKilledOOM {
		return nil // idempotent
	}
	if !types.CanTransition(task.Kind, task.Status, types.TaskKilled) {
		return types.NewError(types.ErrConflict, "cannot kill task %d in state %s", taskID, task.Status)
	}

	// Tasks that reached a runner need a remote kill first.
	if task.Status == types.TaskAssigning || task.Status == types.TaskRunning || task.Status == types.TaskPaused {
		node, err := s.store.GetNode(task.AssignedRunner)
		if err != nil {
			return err
		}
		if err := s.runner.Kill(node, taskID); err != nil {
			return types.NewError(types.ErrRunnerUnavailable, "kill dispatch to %s failed: %v", node.Hostname, err)
		}
	}

	task.Status = types.TaskKilled
	task.CompletedAt = s.now()
	return s.store.UpdateTask(task)
}

// Signal pauses or resumes a running task.
func (s *Scheduler) Signal(taskID int64, op string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}

	var next types.TaskStatus
	switch op {
	case "pause":
		next = types.TaskPaused
	case "resume":
		next = types.TaskRunning
	default:
		return types.NewError(types.ErrBadRequest, "unknown operation %q", op)
	}
	if !types.CanTransition(task.Kind, task.Status, next) {
		return types.NewError(types.ErrConflict, "cannot %s task %d in state %s", op, taskID, task.Status)
	}

	node, err := s.store.GetNode(task.AssignedRunner)
	if err != nil {
		return err
	}
	if err := s.runner.Signal(node, taskID, op); err != nil {
		return types.NewError(types.ErrRunnerUnavailable, "%s dispatch to %s failed: %v", op, node.Hostname, err)
	}

	task.Status = next
	return s.store.UpdateTask(task)
}

// StopVPS stops a VPS task.
func (s *Scheduler) StopVPS(taskID int64) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Kind != types.TaskKindVPS {
		return types.NewError(types.ErrBadRequest, "task %d is not a VPS", taskID)
	}
	if !types.CanTransition(task.Kind, task.Status, types.TaskStopped) {
		return types.NewError(types.ErrConflict, "cannot stop task %d in state %s", taskID, task.Status)
	}
	node, err := s.store.GetNode(task.AssignedRunner)
	if err != nil {
		return err
	}
	if err := s.runner.StopVPS(node, taskID); err != nil {
		return types.NewError(types.ErrRunnerUnavailable, "stop dispatch to %s failed: %v", node.Hostname, err)
	}
	task.Status = types.TaskStopped
	task.CompletedAt = s.now()
	return s.store.UpdateTask(task)
}

// RestartVPS asks the runner to restart a VPS container or VM.
func (s *Scheduler) RestartVPS(taskID int64) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Kind != types.TaskKindVPS {
		return types.NewError(types.ErrBadRequest, "task %d is not a VPS", taskID)
	}
	node, err := s.store.GetNode(task.AssignedRunner)
	if err != nil {
		return err
	}
	if err := s.runner.RestartVPS(node, taskID); err != nil {
		return types.NewError(types.ErrRunnerUnavailable, "restart dispatch to %s failed: %v", node.Hostname, err)
	}
	return nil
}

// Restart resubmits a finished COMMAND task as a fresh task on the same
// runner, sharing the original's batch id so the two stay correlated.
func (s *Scheduler) Restart(taskID int64) (int64, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return 0, err
	}
	if task.Kind != types.TaskKindCommand {
		return 0, types.NewError(types.ErrBadRequest, "task %d is not a command task", taskID)
	}
	if !task.Status.IsTerminal() {
		return 0, types.NewError(types.ErrConflict, "task %d is still %s", taskID, task.Status)
	}

	clone := *task
	clone.ID = s.idgen.Next()
	if clone.BatchID == 0 {
		clone.BatchID = task.ID
	}
	clone.Status = types.TaskPending
	clone.StartedAt = time.Time{}
	clone.CompletedAt = time.Time{}
	clone.ExitCode = nil
	clone.ErrorMessage = ""
	clone.SuspicionCount = 0
	clone.CreatedAt = s.now()
	if err := s.store.CreateTask(&clone); err != nil {
		return 0, fmt.Errorf("failed to create restarted task: %w", err)
	}
	if err := s.tryDispatch(clone.ID); err != nil {
		s.log.Warn().Err(err).Int64("task_id", clone.ID).Msg("restart dispatch failed, will retry")
	}
	return clone.ID, nil
}

// Delete removes a non-running task row.
func (s *Scheduler) Delete(taskID int64) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status == types.TaskRunning || task.Status == types.TaskAssigning || task.Status == types.TaskPaused {
		return types.NewError(types.ErrConflict, "cannot delete task %d while %s", taskID, task.Status)
	}
	return s.store.DeleteTask(taskID)
}

// UpdateStatus applies a runner-reported state change. Updates that violate
// the transition table are rejected and logged; the task is unchanged.
func (s *Scheduler) UpdateStatus(upd *types.StatusUpdate) error {
	task, err := s.store.GetTask(upd.TaskID)
	if err != nil {
		return err
	}

	if task.Status == upd.Status {
		// Runner retries are harmless; refresh auxiliary fields only.
		if upd.SSHPort != 0 {
			task.SSHPort = upd.SSHPort
			return s.store.UpdateTask(task)
		}
		return nil
	}

	if !types.CanTransition(task.Kind, task.Status, upd.Status) {
		s.log.Warn().Int64("task_id", upd.TaskID).
			Str("from", string(task.Status)).Str("to", string(upd.Status)).
			Msg("rejecting illegal status transition")
		return types.NewError(types.ErrConflict,
			"illegal transition %s → %s for task %d", task.Status, upd.Status, upd.TaskID)
	}

	task.Status = upd.Status
	switch upd.Status {
	case types.TaskRunning:
		if task.StartedAt.IsZero() {
			task.StartedAt = s.now()
		}
		task.SuspicionCount = 0
	case types.TaskCompleted, types.TaskFailed, types.TaskKilled, types.TaskKilledOOM, types.TaskStopped:
		task.CompletedAt = s.now()
	}
	if upd.ExitCode != nil {
		task.ExitCode = upd.ExitCode
	}
	if upd.ErrorMessage != "" {
		task.ErrorMessage = upd.ErrorMessage
	}
	if upd.SSHPort != 0 {
		task.SSHPort = upd.SSHPort
	}
	if (upd.Status == types.TaskFailed) && task.ErrorMessage == "" {
		task.ErrorMessage = "task failed"
	}
	return s.store.UpdateTask(task)
}
