package domain

import "time"

// Run is one top-level unit of orchestrated work
type Run struct {
	ID               string
	TenantID         string
	State            RunState
	StateVersion     int64
	FencingToken     string
	FencingExpiresAt *time.Time
	OrchestratorMode string

	// PlannedSubtasks is the plan size declared at creation; the run does
	// not start before TotalSubtasks reaches it
	PlannedSubtasks   int
	TotalSubtasks     int
	CompletedSubtasks int
	FailedSubtasks    int
	SkippedSubtasks   int

	CreditEstimate int64
	CreditsUsed    int64
	CreditsSettled int64 // usage already charged by earlier settlements
	ReservationID  string
	Settled        bool

	DeadlineAt     *time.Time
	LastProgressAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Payload []byte
}

// HasLiveLease returns true if the run is fenced by an unexpired token
func (r *Run) HasLiveLease(now time.Time) bool {
	if r.FencingToken == "" || r.FencingExpiresAt == nil {
		return false
	}
	return now.Before(*r.FencingExpiresAt)
}

// ProgressAt returns the last progress timestamp, falling back to creation
func (r *Run) ProgressAt() time.Time {
	if r.LastProgressAt != nil {
		return *r.LastProgressAt
	}
	return r.CreatedAt
}

// CountersValid reports whether completed+failed+skipped stays within the plan size
func (r *Run) CountersValid() bool {
	return r.CompletedSubtasks >= 0 && r.FailedSubtasks >= 0 && r.SkippedSubtasks >= 0 &&
		r.CompletedSubtasks+r.FailedSubtasks+r.SkippedSubtasks <= r.TotalSubtasks
}

// UnsettledUsage is the usage not yet charged. A retried run is settled
// once per attempt, each time for the usage since the previous settlement.
func (r *Run) UnsettledUsage() int64 {
	return r.CreditsUsed - r.CreditsSettled
}

// Decomposed reports whether the whole declared plan is stored
func (r *Run) Decomposed() bool {
	return r.TotalSubtasks >= r.PlannedSubtasks
}

// DeadlineBreached reports whether a hard deadline has passed
func (r *Run) DeadlineBreached(now time.Time) bool {
	return r.DeadlineAt != nil && now.After(*r.DeadlineAt)
}

// RunSpec is the caller's request for a new run
type RunSpec struct {
	TenantID         string
	OrchestratorMode string
	CreditEstimate   int64
	DeadlineAt       *time.Time
	Payload          []byte
	Subtasks         []SubtaskSpec
}

// StateTransition is one immutable audit record
type StateTransition struct {
	ID             int64
	EntityKind     EntityKind
	EntityID       string
	RunID          string
	FromState      string
	ToState        string
	StateVersion   int64
	TransitionedBy string
	Reason         string
	At             time.Time
}

// Checkpoint is a point-in-time progress snapshot of a run or subtask
type Checkpoint struct {
	ID            string
	EntityID      string
	Step          int64
	SchemaVersion string
	Data          []byte
	CreatedAt     time.Time
}
