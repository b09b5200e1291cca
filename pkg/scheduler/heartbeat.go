package scheduler

import (
	"strings"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// ReconcileHeartbeat cross-checks a runner's reported task list against the
// host's view. The heartbeat is the authoritative liveness signal for tasks
// the runner acknowledged but never reported a status update for:
//
//   - an assigning task present in the report becomes running
//   - an assigning task absent from the report gains one suspicion point;
//     past the limit the assignment is declared lost and the task fails
//   - a lost VPS present in the report resumes to running
//   - entries in KilledTasks settle to killed or killed_oom
//
// A running report for a terminal task is ignored with a warning: the
// terminal record wins over a stale runner.
func (s *Scheduler) ReconcileHeartbeat(hostname string, hb *types.Heartbeat) error {
	reported := make(map[int64]bool, len(hb.RunningTasks))
	for _, id := range hb.RunningTasks {
		reported[id] = true
	}

	for _, killed := range hb.KilledTasks {
		if err := s.applyKilled(killed); err != nil {
			s.log.Error().Err(err).Int64("task_id", killed.TaskID).Msg("failed to record runner kill")
		}
	}

	tasks, err := s.store.ListTasksByRunner(hostname)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		switch {
		case task.Status == types.TaskAssigning && reported[task.ID]:
			task.Status = types.TaskRunning
			task.StartedAt = s.now()
			task.SuspicionCount = 0
			if err := s.store.UpdateTask(task); err != nil {
				return err
			}
			s.log.Info().Int64("task_id", task.ID).Str("runner", hostname).
				Msg("task confirmed running via heartbeat")

		case task.Status == types.TaskAssigning && !reported[task.ID]:
			task.SuspicionCount++
			if task.SuspicionCount > s.cfg.SuspicionLimit {
				task.Status = types.TaskFailed
				task.ErrorMessage = "assignment lost"
				task.CompletedAt = s.now()
				s.log.Warn().Int64("task_id", task.ID).Str("runner", hostname).
					Msg("assignment never acknowledged, failing task")
			}
			if err := s.store.UpdateTask(task); err != nil {
				return err
			}

		case task.Status == types.TaskLost && task.Kind == types.TaskKindVPS && reported[task.ID]:
			task.Status = types.TaskRunning
			task.ErrorMessage = ""
			if err := s.store.UpdateTask(task); err != nil {
				return err
			}
			s.log.Info().Int64("task_id", task.ID).Str("runner", hostname).
				Msg("lost VPS resumed after runner recovery")

		case task.Status.IsTerminal() && reported[task.ID]:
			s.log.Warn().Int64("task_id", task.ID).Str("runner", hostname).
				Str("status", string(task.Status)).
				Msg("runner reports terminal task as running, ignoring")
		}
	}
	return nil
}

// applyKilled settles one runner-side kill report. An OOM reason maps to
// killed_oom, anything else to killed.
func (s *Scheduler) applyKilled(killed types.KilledTask) error {
	task, err := s.store.GetTask(killed.TaskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	next := types.TaskKilled
	if strings.Contains(strings.ToLower(killed.Reason), "oom") {
		next = types.TaskKilledOOM
	}
	if !types.CanTransition(task.Kind, task.Status, next) {
		s.log.Warn().Int64("task_id", task.ID).
			Str("from", string(task.Status)).Str("to", string(next)).
			Msg("ignoring kill report with illegal transition")
		return nil
	}
	task.Status = next
	task.ErrorMessage = killed.Reason
	task.CompletedAt = s.now()
	return s.store.UpdateTask(task)
}
