package types

// legalTransitions is the task lifecycle edge table. A transition absent
// here must be rejected regardless of its source.
var legalTransitions = map[TaskStatus][]TaskStatus{
	TaskPendingApproval: {TaskPending, TaskRejected},
	TaskPending:         {TaskAssigning, TaskFailed, TaskKilled},
	TaskAssigning:       {TaskRunning, TaskFailed, TaskKilled, TaskLost},
	TaskRunning:         {TaskPaused, TaskStopped, TaskKilled, TaskKilledOOM, TaskCompleted, TaskFailed, TaskLost},
	TaskPaused:          {TaskRunning, TaskKilled, TaskStopped, TaskLost},
	TaskLost:            {TaskRunning}, // VPS only; enforced by CanTransition
}

// CanTransition reports whether a task of the given kind may move from one
// status to another. lost → running is the VPS resume exception; every
// other edge is kind-independent.
func CanTransition(kind TaskKind, from, to TaskStatus) bool {
	if from == TaskLost && to == TaskRunning && kind != TaskKindVPS {
		return false
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
