package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kohakuriver/kohakuriver/pkg/config"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

type fakeReporter struct {
	mu      sync.Mutex
	updates []types.StatusUpdate
}

func (f *fakeReporter) ReportStatus(_ context.Context, u types.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeReporter) wait(t *testing.T, n int) []types.StatusUpdate {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.updates) >= n {
			out := append([]types.StatusUpdate(nil), f.updates...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d status updates", n)
	return nil
}

type harness struct {
	exec     *Executor
	reporter *fakeReporter

	mu       sync.Mutex
	controls []string
	started  chan []string
	exit     chan int
	runErr   error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reporter: &fakeReporter{},
		started:  make(chan []string, 4),
		exit:     make(chan int, 4),
	}
	cfg := config.DefaultRunner("test")
	cfg.SharedDir = "/mnt/share"
	cfg.LocalTemp = "/tmp/local"
	h.exec = New(cfg, h.reporter, nil, "kohakuriver")
	h.exec.run = func(ctx context.Context, argv []string) (int, error) {
		h.started <- argv
		if h.runErr != nil {
			return -1, h.runErr
		}
		select {
		case code := <-h.exit:
			return code, nil
		case <-ctx.Done():
			return 137, nil
		}
	}
	h.exec.control = func(args ...string) error {
		h.mu.Lock()
		h.controls = append(h.controls, strings.Join(args, " "))
		h.mu.Unlock()
		return nil
	}
	return h
}

func execRequest(id int64) *types.ExecuteRequest {
	return &types.ExecuteRequest{
		TaskID:  id,
		Command: "python3",
		Args:    []string{"train.py", "--epochs", "10"},
		Image:   "pytorch/pytorch:latest",
	}
}

func TestExecuteReportsRunningThenCompleted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.exec.Execute(context.Background(), execRequest(101)))
	<-h.started
	require.Equal(t, []int64{101}, h.exec.Running())

	h.exit <- 0
	updates := h.reporter.wait(t, 2)
	require.Equal(t, types.TaskRunning, updates[0].Status)
	require.Equal(t, types.TaskCompleted, updates[1].Status)
	require.Equal(t, 0, *updates[1].ExitCode)
	require.Empty(t, h.exec.Running())
}

func TestExecuteNonZeroExitFails(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.exec.Execute(context.Background(), execRequest(102)))
	<-h.started

	h.exit <- 2
	updates := h.reporter.wait(t, 2)
	require.Equal(t, types.TaskFailed, updates[1].Status)
	require.Equal(t, 2, *updates[1].ExitCode)
	require.Contains(t, updates[1].ErrorMessage, "code 2")
}

func TestExecuteDuplicateConflicts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.exec.Execute(context.Background(), execRequest(103)))
	<-h.started
	err := h.exec.Execute(context.Background(), execRequest(103))
	require.Equal(t, types.ErrConflict, types.KindOf(err))
}

func TestKillSuppressesExitReport(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.exec.Execute(context.Background(), execRequest(104)))
	<-h.started
	h.reporter.wait(t, 1) // running

	require.NoError(t, h.exec.Kill(104))
	require.Empty(t, h.exec.Running())
	h.mu.Lock()
	require.Contains(t, h.controls, "kill --signal=SIGKILL kohaku-104")
	h.mu.Unlock()

	// The exit handler runs but must not add a second update.
	time.Sleep(50 * time.Millisecond)
	h.reporter.mu.Lock()
	defer h.reporter.mu.Unlock()
	require.Len(t, h.reporter.updates, 1)
}

func TestKillUnknownTaskIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.exec.Kill(999))
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Empty(t, h.controls)
}

func TestOOMExitGoesToKilledList(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.exec.Execute(context.Background(), execRequest(105)))
	<-h.started

	h.exit <- 137
	deadline := time.Now().Add(2 * time.Second)
	var killed []types.KilledTask
	for time.Now().Before(deadline) {
		if killed = h.exec.TakeKilled(); len(killed) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, killed, 1)
	require.Equal(t, int64(105), killed[0].TaskID)
	require.Contains(t, killed[0].Reason, "oom")
	// Drained once, gone.
	require.Empty(t, h.exec.TakeKilled())
	// No completed/failed report beyond the initial running.
	h.reporter.mu.Lock()
	defer h.reporter.mu.Unlock()
	require.Len(t, h.reporter.updates, 1)
}

func TestRunErrorReportsFailure(t *testing.T) {
	h := newHarness(t)
	h.runErr = errors.New("docker daemon unreachable")
	require.NoError(t, h.exec.Execute(context.Background(), execRequest(106)))
	updates := h.reporter.wait(t, 2)
	require.Equal(t, types.TaskFailed, updates[1].Status)
	require.Contains(t, updates[1].ErrorMessage, "unreachable")
	require.Nil(t, updates[1].ExitCode)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.exec.Execute(context.Background(), execRequest(107)))
	<-h.started

	require.NoError(t, h.exec.Pause(107))
	require.NoError(t, h.exec.Resume(107))
	h.mu.Lock()
	require.Equal(t, []string{"pause kohaku-107", "unpause kohaku-107"}, h.controls)
	h.mu.Unlock()

	err := h.exec.Pause(404)
	require.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestBuildRunArgs(t *testing.T) {
	cfg := config.DefaultRunner("test")
	cfg.SharedDir = "/mnt/share"
	cfg.LocalTemp = "/tmp/local"
	numa := 1
	req := &types.ExecuteRequest{
		TaskID:         55,
		Command:        "bash",
		Args:           []string{"-c", "echo hi there"},
		RequiredCores:  4,
		RequiredMemory: 8 << 30,
		GPUs:           []int{0, 2},
		NUMANode:       &numa,
		Mounts:         []string{"/data:/data:ro"},
		Privileged:     true,
	}
	argv := BuildRunArgs(cfg, req, "pytorch/pytorch:latest", "kohakuriver")
	joined := strings.Join(argv, " ")

	require.Equal(t, "docker", argv[0])
	require.Contains(t, joined, "--name kohaku-55")
	require.Contains(t, joined, "--network kohakuriver")
	require.Contains(t, joined, "-v /mnt/share:/shared")
	require.Contains(t, joined, "-v /mnt/share/logs:/kohaku_logs")
	require.Contains(t, joined, "-v /tmp/local:/local")
	require.Contains(t, joined, "-v /mnt/share/bin/kohaku-tunnel:"+TunnelClientPath+":ro")
	require.Contains(t, joined, "-v /data:/data:ro")
	require.Contains(t, joined, "--cpus=4")
	require.Contains(t, joined, "--memory=8589934592")
	require.Contains(t, joined, "--gpus device=0,2")
	require.Contains(t, joined, "--privileged")
	require.Contains(t, joined, "pytorch/pytorch:latest")

	inner := argv[len(argv)-1]
	require.Contains(t, inner, TunnelClientPath+" 55 >/dev/null 2>&1 &")
	require.Contains(t, inner, "exec numactl --cpunodebind=1 --membind=1 bash -c 'echo hi there'")
	require.Contains(t, inner, ">/kohaku_logs/55.out 2>/kohaku_logs/55.err")
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"plain":        "plain",
		"two words":    "'two words'",
		"don't":        `'don'\''t'`,
		"":             "''",
		"a;b":          "'a;b'",
		"$HOME":        "'$HOME'",
		"train.py":     "train.py",
		"--epochs=10":  "--epochs=10",
		"`whoami`":     "'`whoami`'",
		`say "hi"`:     `'say "hi"'`,
	}
	for in, want := range cases {
		require.Equal(t, want, shellQuote(in), "input %q", in)
	}
}

func TestResolveImageFallsBackToEnvironment(t *testing.T) {
	h := newHarness(t)
	req := &types.ExecuteRequest{TaskID: 1, Command: "true", EnvName: "base"}
	img, err := h.exec.resolveImage(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "kohakuriver/base:latest", img)

	_, err = h.exec.resolveImage(context.Background(), &types.ExecuteRequest{TaskID: 2, Command: "true"})
	require.Equal(t, types.ErrBadRequest, types.KindOf(err))
}
