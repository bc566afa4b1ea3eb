package domain

import "fmt"

var runTransitions = map[RunState]map[RunState]struct{}{
	RunCreated: {
		RunPending:   {},
		RunCancelled: {},
	},
	RunPending: {
		RunRunning:   {},
		RunCancelled: {},
	},
	RunRunning: {
		RunCompleted: {},
		RunFailed:    {},
		RunPaused:    {},
		RunCancelled: {},
		RunTimedOut:  {},
	},
	RunPaused: {
		RunResuming:  {},
		RunCancelled: {},
	},
	RunResuming: {
		RunRunning:   {},
		RunFailed:    {},
		RunCancelled: {},
	},
	RunRetrying: {
		RunRunning:   {},
		RunFailed:    {},
		RunCancelled: {},
	},
	RunFailed: {
		RunRetrying: {},
	},
	RunTimedOut: {
		RunRetrying: {},
	},
	RunCompleted: {},
	RunCancelled: {},
}

var subtaskTransitions = map[SubtaskState]map[SubtaskState]struct{}{
	SubtaskPending: {
		SubtaskQueued:    {},
		SubtaskSkipped:   {},
		SubtaskCancelled: {},
	},
	SubtaskQueued: {
		SubtaskAssigned:  {},
		SubtaskPending:   {},
		SubtaskSkipped:   {},
		SubtaskCancelled: {},
	},
	SubtaskAssigned: {
		SubtaskRunning:   {},
		SubtaskPending:   {},
		SubtaskCancelled: {},
	},
	SubtaskRunning: {
		SubtaskCheckpointed: {},
		SubtaskCompleted:    {},
		SubtaskFailed:       {},
		SubtaskSkipped:      {},
		SubtaskPending:      {},
		SubtaskCancelled:    {},
	},
	SubtaskCheckpointed: {
		SubtaskRunning:   {},
		SubtaskCompleted: {},
		SubtaskFailed:    {},
		SubtaskSkipped:   {},
		SubtaskPending:   {},
		SubtaskCancelled: {},
	},
	SubtaskFailed: {
		SubtaskPending: {},
	},
	SubtaskSkipped: {
		SubtaskPending: {},
	},
	SubtaskCompleted: {},
	// reset by a run-level retry of a failed or timed-out run
	SubtaskCancelled: {
		SubtaskPending: {},
	},
}

// ValidateRunState returns an error for states outside the run state machine
func ValidateRunState(state RunState) error {
	if _, ok := runTransitions[state]; !ok {
		return Errorf(ErrValidation, EntityRun, "invalid run state: %q", state)
	}
	return nil
}

// ValidateRunTransition checks (from, to) against the closed run transition table
func ValidateRunTransition(from, to RunState) error {
	if err := ValidateRunState(from); err != nil {
		return err
	}
	if err := ValidateRunState(to); err != nil {
		return err
	}
	if _, ok := runTransitions[from][to]; !ok {
		return Errorf(ErrInvalidTransition, EntityRun, "%s -> %s", from, to)
	}
	return nil
}

// ValidateSubtaskState returns an error for states outside the subtask state machine
func ValidateSubtaskState(state SubtaskState) error {
	if _, ok := subtaskTransitions[state]; !ok {
		return Errorf(ErrValidation, EntitySubtask, "invalid subtask state: %q", state)
	}
	return nil
}

// ValidateSubtaskTransition checks (from, to) against the closed subtask transition table
func ValidateSubtaskTransition(from, to SubtaskState) error {
	if err := ValidateSubtaskState(from); err != nil {
		return err
	}
	if err := ValidateSubtaskState(to); err != nil {
		return err
	}
	if _, ok := subtaskTransitions[from][to]; !ok {
		return Errorf(ErrInvalidTransition, EntitySubtask, "%s -> %s", from, to)
	}
	return nil
}

// ValidateTransitionPair validates a ledger record's endpoints for either entity kind
func ValidateTransitionPair(kind EntityKind, from, to string) error {
	switch kind {
	case EntityRun:
		return ValidateRunTransition(RunState(from), RunState(to))
	case EntitySubtask:
		return ValidateSubtaskTransition(SubtaskState(from), SubtaskState(to))
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
}
