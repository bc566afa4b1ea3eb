package domain

// RunState represents the lifecycle state of a run
type RunState string

const (
	RunCreated   RunState = "created"
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunPaused    RunState = "paused"
	RunResuming  RunState = "resuming"
	RunRetrying  RunState = "retrying"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
	RunTimedOut  RunState = "timed_out"
)

// AllRunStates lists every run state in declaration order
var AllRunStates = []RunState{
	RunCreated, RunPending, RunRunning, RunPaused, RunResuming,
	RunRetrying, RunCompleted, RunFailed, RunCancelled, RunTimedOut,
}

// IsTerminal reports whether the run has reached an end state.
// Failed and TimedOut are terminal for progress purposes even though an
// explicit retry may move them on.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimedOut:
		return true
	}
	return false
}

// Settles reports whether entering this state triggers billing settlement
func (s RunState) Settles() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// ActiveRunStates returns the non-terminal run states
func ActiveRunStates() []RunState {
	var out []RunState
	for _, s := range AllRunStates {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// SubtaskState represents the lifecycle state of a subtask
type SubtaskState string

const (
	SubtaskPending      SubtaskState = "pending"
	SubtaskQueued       SubtaskState = "queued"
	SubtaskAssigned     SubtaskState = "assigned"
	SubtaskRunning      SubtaskState = "running"
	SubtaskCheckpointed SubtaskState = "checkpointed"
	SubtaskCompleted    SubtaskState = "completed"
	SubtaskFailed       SubtaskState = "failed"
	SubtaskSkipped      SubtaskState = "skipped"
	SubtaskCancelled    SubtaskState = "cancelled"
)

// IsTerminal reports whether no further work happens for the subtask
// without a run-level retry.
func (s SubtaskState) IsTerminal() bool {
	switch s {
	case SubtaskCompleted, SubtaskFailed, SubtaskSkipped, SubtaskCancelled:
		return true
	}
	return false
}

// IsLive reports whether a worker currently owns the subtask
func (s SubtaskState) IsLive() bool {
	switch s {
	case SubtaskAssigned, SubtaskRunning, SubtaskCheckpointed:
		return true
	}
	return false
}

// EntityKind distinguishes runs from subtasks in the transition ledger
type EntityKind string

const (
	EntityRun     EntityKind = "run"
	EntitySubtask EntityKind = "subtask"
)

// OutcomeStatus is what a worker reports at the end of an attempt
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)
