package api

import (
	"net/http"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// visibleVPS filters VPS tasks down to the ones the caller may touch.
func (s *Server) visibleVPS(r *http.Request) ([]*types.Task, error) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		return nil, err
	}
	id := callerIdentity(r)
	out := make([]*types.Task, 0)
	for _, task := range tasks {
		if task.Kind != types.TaskKindVPS {
			continue
		}
		if s.auth.CanAccessVPS(id, task) {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *Server) handleVPSCreate(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Kind = types.TaskKindVPS
	id := callerIdentity(r)
	ids, err := s.sched.Submit(&req, id.Username, id.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task_ids": ids})
}

func (s *Server) handleListVPS(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.visibleVPS(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleVPSStatus summarizes live VPS tasks with their SSH endpoints.
func (s *Server) handleVPSStatus(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.visibleVPS(r)
	if err != nil {
		writeError(w, err)
		return
	}
	type vpsStatus struct {
		TaskID  int64            `json:"task_id"`
		Status  types.TaskStatus `json:"status"`
		Runner  string           `json:"runner"`
		Backend types.VPSBackend `json:"backend"`
		SSHPort int              `json:"ssh_port,omitempty"`
	}
	out := make([]vpsStatus, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, vpsStatus{
			TaskID:  task.ID,
			Status:  task.Status,
			Runner:  task.AssignedRunner,
			Backend: task.Backend,
			SSHPort: task.SSHPort,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// requireVPSAccess loads a VPS task and checks the caller may control it.
func (s *Server) requireVPSAccess(r *http.Request) (*types.Task, error) {
	id, err := taskID(r)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task.Kind != types.TaskKindVPS {
		return nil, types.NewError(types.ErrBadRequest, "task %d is not a VPS", id)
	}
	if !s.auth.CanAccessVPS(callerIdentity(r), task) {
		return nil, types.NewError(types.ErrForbidden, "no access to VPS %d", id)
	}
	return task, nil
}

func (s *Server) handleVPSStop(w http.ResponseWriter, r *http.Request) {
	task, err := s.requireVPSAccess(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.sched.StopVPS(task.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleVPSRestart(w http.ResponseWriter, r *http.Request) {
	task, err := s.requireVPSAccess(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.sched.RestartVPS(task.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}
