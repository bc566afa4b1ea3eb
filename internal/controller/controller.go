// Package controller owns the run state machine. Every change is a fenced
// compare-and-swap; entering a settling state triggers billing exactly once
// per attempt.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/run-orchestrator/internal/billing"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/fencing"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
)

// Store is the durable store surface the controller needs
type Store interface {
	Now() time.Time
	InsertRunWithSubtasks(ctx context.Context, run *domain.Run, subs []*domain.Subtask, actor string) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ChangeRunState(ctx context.Context, c runstore.RunChange) (*domain.Run, error)
	ListSubtasks(ctx context.Context, runID string) ([]*domain.Subtask, error)
	GetSubtask(ctx context.Context, id string) (*domain.Subtask, error)
	ChangeSubtask(ctx context.Context, c runstore.SubtaskChange) (*domain.Subtask, error)
	ListUnsettled(ctx context.Context) ([]*domain.Run, error)
	MarkSettled(ctx context.Context, runID string, creditsUsed int64) (bool, error)
	ListRunTransitions(ctx context.Context, runID string) ([]domain.StateTransition, error)
}

// Controller drives runs through their lifecycle
type Controller struct {
	store   Store
	billing billing.Gateway
	actor   string
	debug   bool
}

// New creates a Controller acting as actor (normally the instance ID)
func New(store Store, gateway billing.Gateway, actor string) *Controller {
	return &Controller{store: store, billing: gateway, actor: actor}
}

// SetDebug enables logging of expected conflict and lease errors
func (c *Controller) SetDebug(debug bool) { c.debug = debug }

// RunStatus is a point-in-time view of one run
type RunStatus struct {
	Run      *domain.Run
	Subtasks []*domain.Subtask
	History  []domain.StateTransition
}

// CreateRun validates spec and stores a new run in state created
func (c *Controller) CreateRun(ctx context.Context, spec domain.RunSpec) (string, error) {
	return c.CreateRunWithID(ctx, uuid.NewString(), spec)
}

// CreateRunWithID is CreateRun with a caller-chosen id
func (c *Controller) CreateRunWithID(ctx context.Context, runID string, spec domain.RunSpec) (string, error) {
	return c.CreateRunWithPlan(ctx, runID, spec, nil)
}

// CreateRunWithPlan stores a new run together with its subtasks in one
// transaction. A run whose spec declares subtasks that are not passed here
// does not start until Decompose stored them.
func (c *Controller) CreateRunWithPlan(ctx context.Context, runID string, spec domain.RunSpec, subs []*domain.Subtask) (string, error) {
	if runID == "" {
		return "", domain.Errorf(domain.ErrValidation, domain.EntityRun, "run id required")
	}
	if err := validateSpec(spec, c.store.Now()); err != nil {
		return "", err
	}
	run := &domain.Run{
		ID:               runID,
		TenantID:         spec.TenantID,
		State:            domain.RunCreated,
		StateVersion:     1,
		OrchestratorMode: spec.OrchestratorMode,
		PlannedSubtasks:  len(spec.Subtasks),
		CreditEstimate:   spec.CreditEstimate,
		DeadlineAt:       spec.DeadlineAt,
		Payload:          spec.Payload,
	}
	if err := c.store.InsertRunWithSubtasks(ctx, run, subs, c.actor); err != nil {
		return "", err
	}
	return run.ID, nil
}

func validateSpec(spec domain.RunSpec, now time.Time) error {
	if spec.TenantID == "" {
		return domain.Errorf(domain.ErrValidation, domain.EntityRun, "tenant id required")
	}
	if spec.CreditEstimate < 0 {
		return domain.Errorf(domain.ErrValidation, domain.EntityRun, "credit estimate must be >= 0, got %d", spec.CreditEstimate)
	}
	if spec.DeadlineAt != nil && !spec.DeadlineAt.After(now) {
		return domain.Errorf(domain.ErrValidation, domain.EntityRun, "deadline %s is not in the future", spec.DeadlineAt.Format(time.RFC3339))
	}
	return nil
}

// Transition moves a run from one state to another. It returns false with
// a nil error when the compare-and-swap lost to a concurrent change.
func (c *Controller) Transition(ctx context.Context, runID string, from, to domain.RunState, expectedVersion int64, lease *fencing.Lease, actor, reason string) (bool, error) {
	_, err := c.transition(ctx, runID, from, to, expectedVersion, lease, actor, reason, "")
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		c.debugf("transition %s %s -> %s: %v", runID, from, to, err)
		return false, nil
	}
	return err == nil, err
}

func (c *Controller) transition(ctx context.Context, runID string, from, to domain.RunState, expectedVersion int64, lease *fencing.Lease, actor, reason, reservationID string) (*domain.Run, error) {
	if err := domain.ValidateRunTransition(from, to); err != nil {
		return nil, err
	}
	if lease == nil || lease.RunID != runID {
		return nil, domain.Errorf(domain.ErrLeaseExpired, domain.EntityRun, "%s: no lease held", runID)
	}
	if actor == "" {
		actor = c.actor
	}
	if to.IsTerminal() && to != domain.RunCompleted {
		// no subtask may report into the run once it stopped
		if err := c.cascade(ctx, runID, lease, domain.SubtaskCancelled, "run "+string(to)); err != nil {
			return nil, err
		}
	}
	run, err := c.store.ChangeRunState(ctx, runstore.RunChange{
		RunID:           runID,
		From:            from,
		To:              to,
		ExpectedVersion: expectedVersion,
		Token:           lease.Token,
		Actor:           actor,
		Reason:          reason,
		ReservationID:   reservationID,
	})
	if err != nil {
		return nil, err
	}
	if to.Settles() {
		c.settle(ctx, run)
	}
	return run, nil
}

// advance re-reads the run and applies from -> to at its current version
func (c *Controller) advance(ctx context.Context, runID string, from, to domain.RunState, lease *fencing.Lease, reason string) (*domain.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State != from {
		return nil, domain.Errorf(domain.ErrConcurrencyConflict, domain.EntityRun, "%s: expected %s, found %s", runID, from, run.State)
	}
	return c.transition(ctx, runID, from, to, run.StateVersion, lease, c.actor, reason, "")
}

// settle charges or releases credits for a run in a settling state. Only
// usage since the previous settlement is charged, so a retried run pays
// each attempt once. Failures leave the run unsettled for SettlePending.
func (c *Controller) settle(ctx context.Context, run *domain.Run) bool {
	if run.Settled || !run.State.Settles() {
		return run.Settled
	}

	var err error
	usage := run.UnsettledUsage()
	if run.State == domain.RunCancelled && usage == 0 {
		err = c.billing.Release(ctx, run.ID, "cancelled without further usage")
	} else {
		var s billing.Settlement
		s, err = c.billing.Settle(ctx, run.ID, usage)
		if err == nil {
			log.Printf("run %s settled: charged=%d refunded=%d", run.ID, s.Charged, s.Refunded)
		}
	}
	if err != nil {
		log.Printf("run %s settlement failed, will retry: %v", run.ID, err)
		return false
	}
	if _, err := c.store.MarkSettled(ctx, run.ID, run.CreditsUsed); err != nil {
		log.Printf("run %s settled but not recorded: %v", run.ID, err)
		return false
	}
	return true
}

// SettlePending retries settlement for terminal runs that have not been settled
func (c *Controller) SettlePending(ctx context.Context) (int, error) {
	runs, err := c.store.ListUnsettled(ctx)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, run := range runs {
		if c.settle(ctx, run) {
			settled++
		}
	}
	return settled, nil
}

// Start reserves credits and moves the run to running, passing through
// pending when needed. A failed reservation cancels the run.
func (c *Controller) Start(ctx context.Context, runID string, lease *fencing.Lease) error {
	return RetryOnConflict(ctx, 5, func() error {
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}

		if !run.Decomposed() && (run.State == domain.RunCreated || run.State == domain.RunPending) {
			return domain.Errorf(domain.ErrValidation, domain.EntityRun,
				"%s: plan of %d subtasks not stored yet (%d)", runID, run.PlannedSubtasks, run.TotalSubtasks)
		}

		switch run.State {
		case domain.RunRunning:
			return nil
		case domain.RunCreated:
			run, err = c.transition(ctx, runID, domain.RunCreated, domain.RunPending, run.StateVersion, lease, c.actor, "start", "")
			if err != nil {
				return err
			}
		case domain.RunPending:
		default:
			return domain.Errorf(domain.ErrInvalidTransition, domain.EntityRun, "%s: cannot start from %s", runID, run.State)
		}

		reservationID := run.ReservationID
		if reservationID == "" {
			reservationID, err = c.billing.Reserve(ctx, run.TenantID, run.ID, run.CreditEstimate)
			if errors.Is(err, domain.ErrInsufficientCredits) {
				if _, cerr := c.transition(ctx, runID, domain.RunPending, domain.RunCancelled, run.StateVersion, lease, c.actor, "insufficient credits", ""); cerr != nil {
					return cerr
				}
				return err
			}
			if err != nil {
				return fmt.Errorf("reserving credits for %s: %w", runID, err)
			}
		}

		_, err = c.transition(ctx, runID, domain.RunPending, domain.RunRunning, run.StateVersion, lease, c.actor, "credits reserved", reservationID)
		return err
	})
}

// Cancel moves a non-terminal run to cancelled. Every subtask that has not
// finished is cancelled first, then the run settles.
func (c *Controller) Cancel(ctx context.Context, runID string, lease *fencing.Lease, actor, reason string) error {
	return RetryOnConflict(ctx, 5, func() error {
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.State == domain.RunCancelled {
			return nil
		}
		_, err = c.transition(ctx, runID, run.State, domain.RunCancelled, run.StateVersion, lease, actor, reason, "")
		return err
	})
}

// cascade moves every non-terminal subtask to target under the run's lease
func (c *Controller) cascade(ctx context.Context, runID string, lease *fencing.Lease, target domain.SubtaskState, reason string) error {
	subs, err := c.store.ListSubtasks(ctx, runID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.State.IsTerminal() {
			continue
		}
		sub := sub
		err := RetryOnConflict(ctx, 5, func() error {
			_, err := c.store.ChangeSubtask(ctx, runstore.SubtaskChange{
				SubtaskID:       sub.ID,
				From:            sub.State,
				To:              target,
				ExpectedVersion: sub.StateVersion,
				Token:           lease.Token,
				ClearWorker:     true,
				Actor:           c.actor,
				Reason:          reason,
			})
			if errors.Is(err, domain.ErrConcurrencyConflict) {
				fresh, gerr := c.store.GetSubtask(ctx, sub.ID)
				if gerr != nil {
					return gerr
				}
				if fresh.State.IsTerminal() {
					return nil
				}
				sub = fresh
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("cascading %s to %s: %w", target, sub.ID, err)
		}
	}
	return nil
}

// Pause moves a running run to paused
func (c *Controller) Pause(ctx context.Context, runID string, lease *fencing.Lease, reason string) error {
	return RetryOnConflict(ctx, 5, func() error {
		_, err := c.advance(ctx, runID, domain.RunRunning, domain.RunPaused, lease, reason)
		return err
	})
}

// Resume moves a paused run back to running via resuming
func (c *Controller) Resume(ctx context.Context, runID string, lease *fencing.Lease) error {
	return RetryOnConflict(ctx, 5, func() error {
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		switch run.State {
		case domain.RunPaused:
			if _, err := c.transition(ctx, runID, domain.RunPaused, domain.RunResuming, run.StateVersion, lease, c.actor, "resume", ""); err != nil {
				return err
			}
			_, err = c.advance(ctx, runID, domain.RunResuming, domain.RunRunning, lease, "resumed")
			return err
		case domain.RunResuming:
			_, err = c.transition(ctx, runID, domain.RunResuming, domain.RunRunning, run.StateVersion, lease, c.actor, "resumed", "")
			return err
		case domain.RunRunning:
			return nil
		default:
			return domain.Errorf(domain.ErrInvalidTransition, domain.EntityRun, "%s: cannot resume from %s", runID, run.State)
		}
	})
}

// Retry restarts a failed or timed-out run. Failed, skipped and cancelled
// subtasks go back to pending with a fresh attempt budget, and the run
// reserves credits again before it runs.
func (c *Controller) Retry(ctx context.Context, runID string, lease *fencing.Lease) error {
	err := RetryOnConflict(ctx, 5, func() error {
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		switch run.State {
		case domain.RunRetrying:
			return nil
		case domain.RunFailed, domain.RunTimedOut:
			_, err = c.transition(ctx, runID, run.State, domain.RunRetrying, run.StateVersion, lease, c.actor, "retry", "")
			return err
		default:
			return domain.Errorf(domain.ErrInvalidTransition, domain.EntityRun, "%s: cannot retry from %s", runID, run.State)
		}
	})
	if err != nil {
		return err
	}

	subs, err := c.store.ListSubtasks(ctx, runID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		var delta runstore.CounterDelta
		switch sub.State {
		case domain.SubtaskFailed:
			delta.Failed = -1
		case domain.SubtaskSkipped:
			delta.Skipped = -1
		case domain.SubtaskCancelled:
		default:
			continue
		}
		attempt := 1
		_, err := c.store.ChangeSubtask(ctx, runstore.SubtaskChange{
			SubtaskID:       sub.ID,
			From:            sub.State,
			To:              domain.SubtaskPending,
			ExpectedVersion: sub.StateVersion,
			Token:           lease.Token,
			ClearWorker:     true,
			AttemptCount:    &attempt,
			RunDelta:        delta,
			Actor:           c.actor,
			Reason:          "run retry",
		})
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			c.debugf("reset %s: %v", sub.ID, err)
			continue
		}
		if err != nil {
			return fmt.Errorf("resetting subtask %s: %w", sub.ID, err)
		}
	}

	return RetryOnConflict(ctx, 5, func() error {
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		switch run.State {
		case domain.RunRunning:
			return nil
		case domain.RunRetrying:
		default:
			return domain.Errorf(domain.ErrInvalidTransition, domain.EntityRun, "%s: cannot leave retry from %s", runID, run.State)
		}

		reservationID, err := c.billing.Reserve(ctx, run.TenantID, run.ID, run.CreditEstimate)
		if errors.Is(err, domain.ErrInsufficientCredits) {
			if _, ferr := c.transition(ctx, runID, domain.RunRetrying, domain.RunFailed, run.StateVersion, lease, c.actor, "insufficient credits for retry", ""); ferr != nil {
				return ferr
			}
			return err
		}
		if err != nil {
			return fmt.Errorf("reserving credits for %s: %w", runID, err)
		}
		_, err = c.transition(ctx, runID, domain.RunRetrying, domain.RunRunning, run.StateVersion, lease, c.actor, "retrying", reservationID)
		return err
	})
}

// Reconcile aggregates subtask outcomes into the run state: dependents of
// failed or skipped subtasks are skipped, a failed required subtask fails
// the run, and a run whose subtasks are all finished completes.
func (c *Controller) Reconcile(ctx context.Context, runID string, lease *fencing.Lease) (domain.RunState, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if lease == nil || lease.RunID != runID || run.FencingToken != lease.Token || !run.HasLiveLease(c.store.Now()) {
		return "", domain.Errorf(domain.ErrLeaseExpired, domain.EntityRun, "%s: no live lease held", runID)
	}
	if run.State != domain.RunRunning {
		return run.State, nil
	}

	subs, err := c.store.ListSubtasks(ctx, runID)
	if err != nil {
		return "", err
	}
	if err := c.skipBlocked(ctx, subs, lease); err != nil {
		return "", err
	}

	var (
		failed   *domain.Subtask
		finished = true
	)
	for _, sub := range subs {
		if sub.State == domain.SubtaskFailed && !sub.Optional && failed == nil {
			failed = sub
		}
		if !sub.State.IsTerminal() {
			finished = false
		}
	}

	// counters may have moved while skipping
	run, err = c.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.State != domain.RunRunning {
		return run.State, nil
	}

	switch {
	case failed != nil:
		reason := fmt.Sprintf("required subtask %d failed: %s", failed.Index, failed.LastError)
		run, err = c.transition(ctx, runID, domain.RunRunning, domain.RunFailed, run.StateVersion, lease, c.actor, reason, "")
	case finished:
		run, err = c.transition(ctx, runID, domain.RunRunning, domain.RunCompleted, run.StateVersion, lease, c.actor, "all subtasks finished", "")
	default:
		return run.State, nil
	}
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		c.debugf("reconcile %s: %v", runID, err)
		return domain.RunRunning, nil
	}
	if err != nil {
		return "", err
	}
	return run.State, nil
}

// skipBlocked moves pending and queued subtasks whose dependency can no
// longer complete to skipped, until nothing changes. subs is updated in place.
func (c *Controller) skipBlocked(ctx context.Context, subs []*domain.Subtask, lease *fencing.Lease) error {
	byID := make(map[string]*domain.Subtask, len(subs))
	for _, sub := range subs {
		byID[sub.ID] = sub
	}

	for changed := true; changed; {
		changed = false
		for _, sub := range subs {
			if sub.State != domain.SubtaskPending && sub.State != domain.SubtaskQueued {
				continue
			}
			blocker := ""
			for _, dep := range sub.DependsOn {
				if d, ok := byID[dep]; ok && d.State.IsTerminal() && d.State != domain.SubtaskCompleted {
					blocker = dep
					break
				}
			}
			if blocker == "" {
				continue
			}
			updated, err := c.store.ChangeSubtask(ctx, runstore.SubtaskChange{
				SubtaskID:       sub.ID,
				From:            sub.State,
				To:              domain.SubtaskSkipped,
				ExpectedVersion: sub.StateVersion,
				Token:           lease.Token,
				RunDelta:        runstore.CounterDelta{Skipped: 1},
				Actor:           c.actor,
				Reason:          fmt.Sprintf("dependency %s %s", blocker, byID[blocker].State),
			})
			if errors.Is(err, domain.ErrConcurrencyConflict) {
				c.debugf("skip %s: %v", sub.ID, err)
				continue
			}
			if err != nil {
				return err
			}
			*sub = *updated
			changed = true
		}
	}
	return nil
}

// Status returns the run with its subtasks and ledger
func (c *Controller) Status(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	subs, err := c.store.ListSubtasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	history, err := c.store.ListRunTransitions(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunStatus{Run: run, Subtasks: subs, History: history}, nil
}

func (c *Controller) debugf(format string, args ...any) {
	if c.debug {
		log.Printf("debug: "+format, args...)
	}
}

// RetryOnConflict calls fn until it returns something other than a
// concurrency conflict, at most attempts times.
func RetryOnConflict(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 5 * time.Millisecond):
		}
	}
	return err
}
