// Package executor runs COMMAND tasks on a runner as `docker run --rm`
// subprocesses. Tasks live only in an in-memory table while their container
// runs; the host's store is the durable record. The exit handler reports the
// final state unless the task was removed from the table first, which is how
// kill suppresses the redundant update.
package executor

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// TunnelClientPath is where the tunnel-client binary is mounted inside the
// container.
const TunnelClientPath = "/usr/local/bin/kohaku-tunnel"

const oomExitCode = 137

// Reporter delivers task status changes to the host.
type Reporter interface {
	ReportStatus(ctx context.Context, update types.StatusUpdate) error
}

// ImageSource resolves and, if needed, syncs the container image for a task.
// The runner wires this to its Docker client so tarball environments from the
// shared directory are loaded before first use.
type ImageSource interface {
	EnsureImage(ctx context.Context, envName, image string) (string, error)
}

type taskState struct {
	cancel     context.CancelFunc
	selfKilled bool
}

// Executor supervises COMMAND task containers.
type Executor struct {
	cfg     *config.RunnerConfig
	report  Reporter
	images  ImageSource
	network string

	mu     sync.Mutex
	tasks  map[int64]*taskState
	killed []types.KilledTask

	log zerolog.Logger

	// run blocks until the container process exits; stubbed in tests.
	run func(ctx context.Context, argv []string) (exitCode int, err error)
	// control issues docker kill/pause/unpause; stubbed in tests.
	control func(args ...string) error
}

// New creates an executor. network names the Docker network to attach
// containers to; empty means the default bridge.
func New(cfg *config.RunnerConfig, report Reporter, images ImageSource, network string) *Executor {
	if network == "" {
		network = "bridge"
	}
	return &Executor{
		cfg:     cfg,
		report:  report,
		images:  images,
		network: network,
		tasks:   make(map[int64]*taskState),
		log:     log.WithComponent("executor"),
		run: func(ctx context.Context, argv []string) (int, error) {
			cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
			err := cmd.Run()
			if exitErr, ok := err.(*exec.ExitError); ok {
				return exitErr.ExitCode(), nil
			}
			if err != nil {
				return -1, err
			}
			return 0, nil
		},
		control: func(args ...string) error {
			out, err := exec.Command("docker", args...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("docker %s: %w: %s", strings.Join(args, " "), err, out)
			}
			return nil
		},
	}
}

// Execute starts a task container and begins supervising it.
func (e *Executor) Execute(ctx context.Context, req *types.ExecuteRequest) error {
	e.mu.Lock()
	if _, exists := e.tasks[req.TaskID]; exists {
		e.mu.Unlock()
		return types.NewError(types.ErrConflict, "task %d is already running", req.TaskID)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.tasks[req.TaskID] = &taskState{cancel: cancel}
	e.mu.Unlock()

	image, err := e.resolveImage(ctx, req)
	if err != nil {
		e.drop(req.TaskID)
		return err
	}

	argv := BuildRunArgs(e.cfg, req, image, e.network)
	e.log.Info().Int64("task_id", req.TaskID).Str("image", image).Msg("starting task container")

	if e.report != nil {
		if err := e.report.ReportStatus(ctx, types.StatusUpdate{
			TaskID: req.TaskID,
			Status: types.TaskRunning,
		}); err != nil {
			e.log.Warn().Err(err).Int64("task_id", req.TaskID).Msg("running report failed")
		}
	}

	go e.supervise(runCtx, req.TaskID, argv)
	return nil
}

func (e *Executor) resolveImage(ctx context.Context, req *types.ExecuteRequest) (string, error) {
	if e.images != nil {
		return e.images.EnsureImage(ctx, req.EnvName, req.Image)
	}
	if req.Image != "" {
		return req.Image, nil
	}
	if req.EnvName == "" {
		return "", types.NewError(types.ErrBadRequest, "task %d names neither image nor environment", req.TaskID)
	}
	return "kohakuriver/" + req.EnvName + ":latest", nil
}

// supervise waits for the container process and reports the final state. A
// task missing from the table on exit was killed on purpose; its update was
// already decided elsewhere.
func (e *Executor) supervise(ctx context.Context, taskID int64, argv []string) {
	exitCode, runErr := e.run(ctx, argv)

	e.mu.Lock()
	_, tracked := e.tasks[taskID]
	delete(e.tasks, taskID)
	if tracked && runErr == nil && exitCode == oomExitCode {
		e.killed = append(e.killed, types.KilledTask{TaskID: taskID, Reason: "oom killed"})
		e.mu.Unlock()
		e.log.Warn().Int64("task_id", taskID).Msg("task killed by the kernel oom reaper")
		return
	}
	e.mu.Unlock()

	if !tracked {
		return
	}

	update := types.StatusUpdate{TaskID: taskID, ExitCode: &exitCode}
	switch {
	case runErr != nil:
		update.Status = types.TaskFailed
		update.ErrorMessage = runErr.Error()
		update.ExitCode = nil
	case exitCode == 0:
		update.Status = types.TaskCompleted
	default:
		update.Status = types.TaskFailed
		update.ErrorMessage = fmt.Sprintf("exited with code %d", exitCode)
	}

	if e.report != nil {
		if err := e.report.ReportStatus(context.Background(), update); err != nil {
			e.log.Error().Err(err).Int64("task_id", taskID).Msg("exit report failed")
		}
	}
	e.log.Info().Int64("task_id", taskID).Str("status", string(update.Status)).Msg("task finished")
}

// Kill force-stops a task's container. The table entry is removed before the
// signal so the exit handler skips its status update. Unknown ids are a no-op.
func (e *Executor) Kill(taskID int64) error {
	e.mu.Lock()
	st, ok := e.tasks[taskID]
	if ok {
		st.selfKilled = true
		delete(e.tasks, taskID)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	err := e.control("kill", "--signal=SIGKILL", types.ContainerName(taskID))
	st.cancel()
	if err != nil {
		e.log.Warn().Err(err).Int64("task_id", taskID).Msg("container kill failed")
	}
	return nil
}

// Pause freezes the task container's cgroup.
func (e *Executor) Pause(taskID int64) error {
	return e.signal(taskID, "pause")
}

// Resume unfreezes the task container's cgroup.
func (e *Executor) Resume(taskID int64) error {
	return e.signal(taskID, "unpause")
}

func (e *Executor) signal(taskID int64, op string) error {
	e.mu.Lock()
	_, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrNotFound, "task %d is not running here", taskID)
	}
	if err := e.control(op, types.ContainerName(taskID)); err != nil {
		return fmt.Errorf("failed to %s task %d: %w", op, taskID, err)
	}
	return nil
}

func (e *Executor) drop(taskID int64) {
	e.mu.Lock()
	if st, ok := e.tasks[taskID]; ok {
		st.cancel()
		delete(e.tasks, taskID)
	}
	e.mu.Unlock()
}

// Running lists the task ids currently supervised, for the heartbeat.
func (e *Executor) Running() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TakeKilled drains the kill reports accumulated since the last heartbeat.
func (e *Executor) TakeKilled() []types.KilledTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.killed
	e.killed = nil
	return out
}

// BuildRunArgs assembles the docker run invocation for a COMMAND task.
func BuildRunArgs(cfg *config.RunnerConfig, req *types.ExecuteRequest, image, network string) []string {
	logDir := filepath.Join(cfg.SharedDir, "logs")
	tunnelBin := filepath.Join(cfg.SharedDir, "bin", "kohaku-tunnel")

	argv := []string{
		"docker", "run", "--rm", "--detach=false",
		"--name", types.ContainerName(req.TaskID),
		"--network", network,
		"-v", cfg.SharedDir + ":/shared",
		"-v", logDir + ":/kohaku_logs",
		"-v", cfg.LocalTemp + ":/local",
		"-v", tunnelBin + ":" + TunnelClientPath + ":ro",
	}
	for _, m := range req.Mounts {
		argv = append(argv, "-v", m)
	}
	if req.RequiredCores > 0 {
		argv = append(argv, fmt.Sprintf("--cpus=%d", req.RequiredCores))
	}
	if req.RequiredMemory > 0 {
		argv = append(argv, fmt.Sprintf("--memory=%d", req.RequiredMemory))
	}
	if len(req.GPUs) > 0 {
		devs := make([]string, len(req.GPUs))
		for i, g := range req.GPUs {
			devs[i] = fmt.Sprintf("%d", g)
		}
		argv = append(argv, "--gpus", "device="+strings.Join(devs, ","))
	}
	if req.Privileged {
		argv = append(argv, "--privileged")
	}

	argv = append(argv, image, "/bin/sh", "-c", innerShell(cfg, req))
	return argv
}

// innerShell builds the in-container command line: the tunnel client runs as
// a background daemon, then the user command replaces the shell with its
// output redirected to the shared log files.
func innerShell(cfg *config.RunnerConfig, req *types.ExecuteRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %d >/dev/null 2>&1 & exec ", TunnelClientPath, req.TaskID)

	if req.NUMANode != nil {
		binder := cfg.NumaBinder
		if binder == "" {
			binder = "numactl"
		}
		fmt.Fprintf(&sb, "%s --cpunodebind=%d --membind=%d ", binder, *req.NUMANode, *req.NUMANode)
	}

	sb.WriteString(shellQuote(req.Command))
	for _, arg := range req.Args {
		sb.WriteByte(' ')
		sb.WriteString(shellQuote(arg))
	}
	fmt.Fprintf(&sb, " >/kohaku_logs/%d.out 2>/kohaku_logs/%d.err", req.TaskID, req.TaskID)
	return sb.String()
}

// shellQuote single-quotes a string for POSIX sh.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`&|;<>(){}*?#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
