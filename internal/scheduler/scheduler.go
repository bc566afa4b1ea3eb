// Package scheduler decomposes runs into subtasks and hands ready subtasks
// to workers. All state lives in the store; the scheduler never blocks on a
// worker and never holds a lock across calls.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/run-orchestrator/internal/checkpoint"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/fencing"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
)

// DefaultMaxAttempts applies when neither the plan nor the config sets one
const DefaultMaxAttempts = 3

// Store is the durable store surface the scheduler needs
type Store interface {
	Now() time.Time
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, opts runstore.ListOptions) ([]*domain.Run, error)
	InsertSubtasks(ctx context.Context, runID, token string, subs []*domain.Subtask, actor string) error
	GetSubtask(ctx context.Context, id string) (*domain.Subtask, error)
	ListSubtasks(ctx context.Context, runID string) ([]*domain.Subtask, error)
	ChangeSubtask(ctx context.Context, c runstore.SubtaskChange) (*domain.Subtask, error)
	TouchHeartbeat(ctx context.Context, subtaskID, workerID string) (bool, error)
	RecordCheckpoint(ctx context.Context, subtaskID, workerID string, step int64, data []byte) (bool, error)
}

// Scheduler runs the subtask lifecycle
type Scheduler struct {
	store       Store
	checkpoints *checkpoint.Manager
	actor       string
	maxAttempts int
}

// New creates a Scheduler. maxAttempts <= 0 means DefaultMaxAttempts.
func New(store Store, checkpoints *checkpoint.Manager, actor string, maxAttempts int) *Scheduler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Scheduler{store: store, checkpoints: checkpoints, actor: actor, maxAttempts: maxAttempts}
}

// AssignResult is what a worker receives for an assignment
type AssignResult struct {
	Subtask *domain.Subtask
	// Checkpoint is the latest checkpoint to resume from, if any
	Checkpoint *domain.Checkpoint
	// AlreadyCompleted is set when the idempotency key already has a
	// completed execution; PriorResult carries its result.
	AlreadyCompleted bool
	PriorResult      []byte
}

// OutcomeResult describes what a reported outcome did
type OutcomeResult struct {
	Subtask  *domain.Subtask
	Requeued bool
	// Exhausted is ErrRetryBudgetExhausted when the failure was terminal
	Exhausted error
	// NewlyReady lists dependents that became ready through this completion
	NewlyReady []string
}

// Plan validates specs and builds the subtasks of runID, all pending at
// their first attempt. An empty plan yields no subtasks.
func (s *Scheduler) Plan(runID string, specs []domain.SubtaskSpec) ([]*domain.Subtask, error) {
	deps, err := resolvePlan(specs)
	if err != nil {
		return nil, err
	}

	ids := make(map[int]string, len(specs))
	for _, spec := range specs {
		ids[spec.Index] = uuid.NewString()
	}

	subs := make([]*domain.Subtask, 0, len(specs))
	for _, spec := range specs {
		maxAttempts := spec.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = s.maxAttempts
		}
		var dependsOn []string
		for _, idx := range deps[spec.Index] {
			dependsOn = append(dependsOn, ids[idx])
		}
		subs = append(subs, &domain.Subtask{
			ID:             ids[spec.Index],
			RunID:          runID,
			Index:          spec.Index,
			IdempotencyKey: idempotencyKey(runID, spec),
			State:          domain.SubtaskPending,
			StateVersion:   1,
			DependsOn:      dependsOn,
			AttemptCount:   1,
			MaxAttempts:    maxAttempts,
			Optional:       spec.Optional,
			Payload:        spec.Payload,
		})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Index < subs[j].Index })
	return subs, nil
}

// Decompose inserts the plan's subtasks for a run that was created without
// them, in one batch. The graph is validated first; a rejected plan persists
// nothing. Resubmitting the plan that is already stored is a no-op.
func (s *Scheduler) Decompose(ctx context.Context, runID string, lease *fencing.Lease, specs []domain.SubtaskSpec) error {
	subs, err := s.Plan(runID, specs)
	if err != nil {
		return err
	}
	if lease == nil || lease.RunID != runID {
		return domain.Errorf(domain.ErrLeaseExpired, domain.EntityRun, "%s: no lease held", runID)
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.IsTerminal() {
		return domain.Errorf(domain.ErrValidation, domain.EntityRun, "%s is %s", runID, run.State)
	}

	existing, err := s.store.ListSubtasks(ctx, runID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		if samePlan(runID, existing, specs) {
			return nil
		}
		return domain.Errorf(domain.ErrValidation, domain.EntityRun, "%s already decomposed into %d subtasks", runID, len(existing))
	}

	if err := s.store.InsertSubtasks(ctx, runID, lease.Token, subs, s.actor); err != nil {
		return fmt.Errorf("decomposing %s: %w", runID, err)
	}
	return nil
}

func idempotencyKey(runID string, spec domain.SubtaskSpec) string {
	if spec.IdempotencyKey != "" {
		return spec.IdempotencyKey
	}
	return fmt.Sprintf("%s/%d", runID, spec.Index)
}

func samePlan(runID string, existing []*domain.Subtask, specs []domain.SubtaskSpec) bool {
	if len(existing) != len(specs) {
		return false
	}
	keys := make(map[string]bool, len(existing))
	for _, sub := range existing {
		keys[sub.IdempotencyKey] = true
	}
	for _, spec := range specs {
		if !keys[idempotencyKey(runID, spec)] {
			return false
		}
	}
	return true
}

// NextReady queues every pending subtask of a running run whose
// dependencies are completed, in index order. Subtasks lost to a concurrent
// change are skipped.
func (s *Scheduler) NextReady(ctx context.Context, runID string) ([]string, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State != domain.RunRunning {
		return nil, nil
	}

	subs, err := s.store.ListSubtasks(ctx, runID)
	if err != nil {
		return nil, err
	}

	var queued []string
	for _, sub := range NewGraph(subs).Ready() {
		_, err := s.store.ChangeSubtask(ctx, runstore.SubtaskChange{
			SubtaskID:       sub.ID,
			From:            domain.SubtaskPending,
			To:              domain.SubtaskQueued,
			ExpectedVersion: sub.StateVersion,
			Actor:           s.actor,
			Reason:          "dependencies completed",
		})
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return queued, err
		}
		queued = append(queued, sub.ID)
	}
	return queued, nil
}

// Assign hands a queued subtask to workerID. If the subtask's idempotency
// key already completed, nothing is assigned and the prior result returns.
func (s *Scheduler) Assign(ctx context.Context, subtaskID, workerID string, expectedVersion int64) (*AssignResult, error) {
	if workerID == "" {
		return nil, domain.Errorf(domain.ErrValidation, domain.EntitySubtask, "worker id required")
	}
	sub, err := s.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	if sub.State == domain.SubtaskCompleted {
		return &AssignResult{Subtask: sub, AlreadyCompleted: true, PriorResult: sub.Result}, nil
	}

	run, err := s.store.GetRun(ctx, sub.RunID)
	if err != nil {
		return nil, err
	}
	if run.State != domain.RunRunning {
		return nil, domain.Errorf(domain.ErrConcurrencyConflict, domain.EntityRun, "%s is %s", run.ID, run.State)
	}

	sub, err = s.store.ChangeSubtask(ctx, runstore.SubtaskChange{
		SubtaskID:       subtaskID,
		From:            domain.SubtaskQueued,
		To:              domain.SubtaskAssigned,
		ExpectedVersion: expectedVersion,
		AssignWorker:    workerID,
		StampHeartbeat:  true,
		Actor:           s.actor,
		Reason:          "assigned to " + workerID,
	})
	if err != nil {
		return nil, err
	}

	cp, err := s.checkpoints.Latest(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	return &AssignResult{Subtask: sub, Checkpoint: cp}, nil
}

// Start marks an assigned subtask running. Only the assigned worker may start it.
func (s *Scheduler) Start(ctx context.Context, subtaskID, workerID string, expectedVersion int64) (*domain.Subtask, error) {
	return s.store.ChangeSubtask(ctx, runstore.SubtaskChange{
		SubtaskID:       subtaskID,
		From:            domain.SubtaskAssigned,
		To:              domain.SubtaskRunning,
		ExpectedVersion: expectedVersion,
		WorkerID:        workerID,
		StampHeartbeat:  true,
		Actor:           workerID,
	})
}

// Heartbeat refreshes liveness for a subtask held by workerID. False means
// the worker no longer owns it and should stop.
func (s *Scheduler) Heartbeat(ctx context.Context, subtaskID, workerID string) (bool, error) {
	return s.store.TouchHeartbeat(ctx, subtaskID, workerID)
}

// SaveCheckpoint records progress for a running subtask and moves it to
// checkpointed. Later checkpoints update it in place.
func (s *Scheduler) SaveCheckpoint(ctx context.Context, subtaskID, workerID string, step int64, data []byte) (*domain.Subtask, error) {
	sub, err := s.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	if sub.AssignedWorkerID != workerID || !sub.State.IsLive() {
		return nil, domain.Errorf(domain.ErrConcurrencyConflict, domain.EntitySubtask,
			"%s is %s for worker %q", subtaskID, sub.State, sub.AssignedWorkerID)
	}

	if _, err := s.checkpoints.Save(ctx, subtaskID, step, data); err != nil {
		return nil, err
	}

	switch sub.State {
	case domain.SubtaskRunning:
		return s.store.ChangeSubtask(ctx, runstore.SubtaskChange{
			SubtaskID:       subtaskID,
			From:            domain.SubtaskRunning,
			To:              domain.SubtaskCheckpointed,
			ExpectedVersion: sub.StateVersion,
			WorkerID:        workerID,
			StampHeartbeat:  true,
			CheckpointStep:  &step,
			CheckpointData:  data,
			Actor:           workerID,
			Reason:          fmt.Sprintf("checkpoint step %d", step),
		})
	case domain.SubtaskCheckpointed:
		ok, err := s.store.RecordCheckpoint(ctx, subtaskID, workerID, step, data)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.Errorf(domain.ErrConcurrencyConflict, domain.EntitySubtask, "%s moved on", subtaskID)
		}
		return s.store.GetSubtask(ctx, subtaskID)
	default:
		return nil, domain.Errorf(domain.ErrInvalidTransition, domain.EntitySubtask, "cannot checkpoint %s subtask %s", sub.State, subtaskID)
	}
}

// Resume returns the latest checkpoint a re-assigned subtask should continue from
func (s *Scheduler) Resume(ctx context.Context, subtaskID string) (*domain.Checkpoint, error) {
	return s.checkpoints.Latest(ctx, subtaskID)
}

// ReportOutcome records a worker's result for the attempt it holds.
// A stale worker (reclaimed subtask, wrong version) gets ErrConcurrencyConflict.
func (s *Scheduler) ReportOutcome(ctx context.Context, subtaskID, workerID string, outcome domain.Outcome, expectedVersion int64) (*OutcomeResult, error) {
	sub, err := s.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	if sub.AssignedWorkerID != workerID || sub.StateVersion != expectedVersion {
		return nil, domain.Errorf(domain.ErrConcurrencyConflict, domain.EntitySubtask,
			"%s: stale report from %s@%d, held by %q@%d", subtaskID, workerID, expectedVersion, sub.AssignedWorkerID, sub.StateVersion)
	}

	change := runstore.SubtaskChange{
		SubtaskID:       subtaskID,
		From:            sub.State,
		ExpectedVersion: expectedVersion,
		WorkerID:        workerID,
		Credits:         outcome.Credits,
		Actor:           workerID,
	}
	result := &OutcomeResult{}

	switch outcome.Status {
	case domain.OutcomeCompleted:
		change.To = domain.SubtaskCompleted
		change.Result = nonNil(outcome.Result)
		change.RunDelta.Completed = 1
		change.Reason = "completed"
	case domain.OutcomeSkipped:
		change.To = domain.SubtaskSkipped
		change.Result = outcome.Result
		change.RunDelta.Skipped = 1
		change.Reason = "skipped by worker"
	case domain.OutcomeFailed:
		msg := outcome.Error
		change.LastError = &msg
		if sub.CanRetry() {
			next := sub.AttemptCount + 1
			change.To = domain.SubtaskPending
			change.AttemptCount = &next
			change.ClearWorker = true
			change.Reason = fmt.Sprintf("attempt %d/%d failed: %s", sub.AttemptCount, sub.MaxAttempts, msg)
			result.Requeued = true
		} else {
			change.To = domain.SubtaskFailed
			change.RunDelta.Failed = 1
			change.Reason = fmt.Sprintf("retry budget exhausted after %d attempts: %s", sub.AttemptCount, msg)
			result.Exhausted = domain.Errorf(domain.ErrRetryBudgetExhausted, domain.EntitySubtask,
				"%s after %d attempts: %s", subtaskID, sub.AttemptCount, msg)
		}
	default:
		return nil, domain.Errorf(domain.ErrValidation, domain.EntitySubtask, "unknown outcome status %q", outcome.Status)
	}

	updated, err := s.store.ChangeSubtask(ctx, change)
	if err != nil {
		return nil, err
	}
	result.Subtask = updated

	if updated.State == domain.SubtaskCompleted {
		subs, err := s.store.ListSubtasks(ctx, updated.RunID)
		if err != nil {
			return nil, err
		}
		g := NewGraph(subs)
		done := g.Completed()
		for _, dep := range g.Dependents(updated.ID) {
			if dep.IsReady(done) {
				result.NewlyReady = append(result.NewlyReady, dep.ID)
			}
		}
	}
	return result, nil
}

// DispatchOrder returns the queued subtasks of subs ordered by how much
// work they unblock, ties in index order
func DispatchOrder(subs []*domain.Subtask) []*domain.Subtask {
	g := NewGraph(subs)
	var queued []*domain.Subtask
	depth := make(map[string]int)
	for _, sub := range g.subtasks {
		if sub.State == domain.SubtaskQueued {
			queued = append(queued, sub)
			depth[sub.ID] = g.DependencyDepth(sub.ID)
		}
	}
	sort.SliceStable(queued, func(i, j int) bool {
		return depth[queued[i].ID] > depth[queued[j].ID]
	})
	return queued
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// PollReady queues what is ready in runID and assigns a queued subtask to
// workerID, the one with the most transitive dependents first and then by
// index. It returns nil when nothing can be assigned.
func (s *Scheduler) PollReady(ctx context.Context, runID, workerID string) (*AssignResult, error) {
	if _, err := s.NextReady(ctx, runID); err != nil {
		return nil, err
	}
	subs, err := s.store.ListSubtasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, sub := range DispatchOrder(subs) {
		res, err := s.Assign(ctx, sub.ID, workerID, sub.StateVersion)
		if domain.IsExpected(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if res.AlreadyCompleted {
			continue
		}
		return res, nil
	}
	return nil, nil
}

// PollAny assigns the first ready subtask of any running run, oldest run first
func (s *Scheduler) PollAny(ctx context.Context, workerID string) (*AssignResult, error) {
	runs, err := s.store.ListRuns(ctx, runstore.ListOptions{States: []domain.RunState{domain.RunRunning}})
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		res, err := s.PollReady(ctx, run.ID, workerID)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}
