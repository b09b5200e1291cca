package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kohakuriver/kohakuriver/pkg/metrics"
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// tryDispatch pushes one pending task to its runner. A network failure
// leaves the task pending; the background scan retries on the next tick.
// A successful handoff moves the task to assigning with suspicion reset.
func (s *Scheduler) tryDispatch(taskID int64) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskPending {
		return nil
	}
	node, err := s.store.GetNode(task.AssignedRunner)
	if err != nil {
		return err
	}
	if node.Status != types.NodeOnline {
		return types.NewError(types.ErrRunnerUnavailable, "node %s is offline", node.Hostname)
	}

	switch task.Kind {
	case types.TaskKindCommand:
		err = s.runner.Execute(node, &types.ExecuteRequest{
			TaskID:         task.ID,
			Command:        task.Command,
			Args:           task.Args,
			EnvName:        task.EnvName,
			Image:          task.Image,
			RequiredCores:  task.RequiredCores,
			RequiredMemory: task.RequiredMemory,
			GPUs:           task.RequiredGPUs,
			NUMANode:       task.NUMANode,
			Mounts:         task.Mounts,
			Privileged:     task.Privileged,
		})
	case types.TaskKindVPS:
		err = s.runner.CreateVPS(node, &types.VPSCreateRequest{
			TaskID:         task.ID,
			Backend:        task.Backend,
			EnvName:        task.EnvName,
			Image:          task.Image,
			RequiredCores:  task.RequiredCores,
			RequiredMemory: task.RequiredMemory,
			GPUs:           task.RequiredGPUs,
			SSHKeyMode:     task.SSHKeyMode,
			SSHPublicKey:   task.SSHPublicKey,
			VMImage:        task.VMImage,
			VMDiskGB:       task.VMDiskGB,
			OverlayIP:      task.VMOverlayIP,
		})
	default:
		return types.NewError(types.ErrInternal, "task %d has unknown kind %q", task.ID, task.Kind)
	}
	if err != nil {
		return fmt.Errorf("failed to dispatch task %d to %s: %w", task.ID, node.Hostname, err)
	}

	task.Status = types.TaskAssigning
	task.SuspicionCount = 0
	if err := s.store.UpdateTask(task); err != nil {
		return err
	}
	metrics.TasksDispatched.Inc()
	s.log.Info().Int64("task_id", task.ID).Str("runner", node.Hostname).Msg("task dispatched")
	return nil
}

// dispatchPending is the lazy retry scan over tasks a dispatch attempt left
// behind, for example because the runner was briefly unreachable.
func (s *Scheduler) dispatchPending() error {
	tasks, err := s.store.ListTasks()
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Status != types.TaskPending {
			continue
		}
		if err := s.tryDispatch(task.ID); err != nil {
			s.log.Debug().Err(err).Int64("task_id", task.ID).Msg("dispatch retry failed")
		}
	}
	return nil
}

// HTTPRunnerClient dispatches over the runner's REST API.
type HTTPRunnerClient struct {
	client *http.Client
}

// NewHTTPRunnerClient creates the production dispatch client.
func NewHTTPRunnerClient() *HTTPRunnerClient {
	return &HTTPRunnerClient{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPRunnerClient) post(node *types.Node, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	resp, err := c.client.Post(node.URL+path, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("runner %s unreachable: %w", node.Hostname, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("runner %s returned %d: %s", node.Hostname, resp.StatusCode, msg)
	}
	return nil
}

func (c *HTTPRunnerClient) Execute(node *types.Node, req *types.ExecuteRequest) error {
	return c.post(node, "/api/execute", req)
}

func (c *HTTPRunnerClient) CreateVPS(node *types.Node, req *types.VPSCreateRequest) error {
	return c.post(node, "/api/vps/create", req)
}

func (c *HTTPRunnerClient) Kill(node *types.Node, taskID int64) error {
	return c.post(node, fmt.Sprintf("/api/kill/%d", taskID), nil)
}

func (c *HTTPRunnerClient) Signal(node *types.Node, taskID int64, op string) error {
	return c.post(node, fmt.Sprintf("/api/%s/%d", op, taskID), nil)
}

func (c *HTTPRunnerClient) StopVPS(node *types.Node, taskID int64) error {
	return c.post(node, fmt.Sprintf("/api/vps/stop/%d", taskID), nil)
}

func (c *HTTPRunnerClient) RestartVPS(node *types.Node, taskID int64) error {
	return c.post(node, fmt.Sprintf("/api/vps/restart/%d", taskID), nil)
}
