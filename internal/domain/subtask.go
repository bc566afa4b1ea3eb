package domain

import "time"

// Subtask is one parallelizable unit of work within a run
type Subtask struct {
	ID             string
	RunID          string
	Index          int
	IdempotencyKey string
	State          SubtaskState
	StateVersion   int64
	DependsOn      []string // subtask IDs within the same run

	AssignedWorkerID string
	HeartbeatAt      *time.Time

	AttemptCount int
	MaxAttempts  int
	Optional     bool // a terminal failure does not fail the run

	CheckpointStep int64
	CheckpointData []byte

	Payload     []byte
	Result      []byte
	LastError   string
	CreditsUsed int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsReady returns true if the subtask is pending and all dependencies are in the completed set
func (s *Subtask) IsReady(completed map[string]bool) bool {
	if s.State != SubtaskPending {
		return false
	}
	for _, dep := range s.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// CanRetry reports whether another attempt fits in the retry budget
func (s *Subtask) CanRetry() bool {
	return s.AttemptCount < s.MaxAttempts
}

// SubtaskSpec describes one subtask of a decomposition plan.
// DependsOn refers to other specs of the same plan by Index,
// DependsOnKeys by IdempotencyKey.
type SubtaskSpec struct {
	Index          int
	IdempotencyKey string
	DependsOn      []int
	DependsOnKeys  []string
	MaxAttempts    int
	Optional       bool
	Payload        []byte
}

// Outcome is a worker's report for one attempt
type Outcome struct {
	Status  OutcomeStatus
	Result  []byte
	Error   string
	Credits int64
}
