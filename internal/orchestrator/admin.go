package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/controller"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/fencing"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
)

// GetRunStatus returns a run with its subtasks and transition history
func (e *Engine) GetRunStatus(ctx context.Context, runID string) (*controller.RunStatus, error) {
	return e.ctrl.Status(ctx, runID)
}

// GetStalledRuns returns non-terminal runs without progress for threshold
func (e *Engine) GetStalledRuns(ctx context.Context, threshold time.Duration) ([]string, error) {
	if threshold <= 0 {
		return nil, domain.Errorf(domain.ErrValidation, domain.EntityRun, "threshold must be positive")
	}
	return e.detector.FindStalled(ctx, threshold)
}

// ForceCancel cancels a run regardless of which instance holds it. The
// current holder's lease is expired first, so its later writes are rejected.
func (e *Engine) ForceCancel(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "cancelled by operator"
	}
	live, err := e.liveSubtasks(ctx, runID)
	if err != nil {
		return err
	}

	err = e.withTakeover(ctx, runID, func(lease *fencing.Lease) error {
		return e.ctrl.Cancel(ctx, runID, lease, "admin", reason)
	})
	if err != nil {
		return err
	}

	for _, id := range live {
		e.coord.CancelSubtask(id, reason)
	}
	log.Printf("run %s cancelled: %s", runID, reason)
	return nil
}

// ForceRetry restarts a failed or timed-out run regardless of which instance holds it
func (e *Engine) ForceRetry(ctx context.Context, runID string) error {
	return e.withTakeover(ctx, runID, func(lease *fencing.Lease) error {
		return e.ctrl.Retry(ctx, runID, lease)
	})
}

// withTakeover runs fn under a lease on runID taken from whoever holds it,
// and gives the lease back afterwards
func (e *Engine) withTakeover(ctx context.Context, runID string, fn func(*fencing.Lease) error) error {
	if lease, ok := e.keeper.Get(runID); ok {
		e.keeper.Remove(runID)
		defer e.fence.Release(ctx, runID, lease.Token)
		return fn(lease)
	}

	lease, _, err := e.fence.Claim(ctx, runID)
	if err != nil {
		return err
	}
	if lease == nil {
		if _, err := e.fence.Expire(ctx, runID); err != nil {
			return err
		}
		lease, _, err = e.fence.Claim(ctx, runID)
		if err != nil {
			return err
		}
		if lease == nil {
			return domain.Errorf(domain.ErrConcurrencyConflict, domain.EntityRun, "%s: could not take over lease", runID)
		}
	}
	defer e.fence.Release(ctx, runID, lease.Token)
	return fn(lease)
}

func (e *Engine) liveSubtasks(ctx context.Context, runID string) ([]string, error) {
	subs, err := e.store.ListSubtasks(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("listing subtasks of %s: %w", runID, err)
	}
	var live []string
	for _, sub := range subs {
		if sub.State.IsLive() {
			live = append(live, sub.ID)
		}
	}
	return live, nil
}

// ListRuns returns runs in the given states (all when empty), oldest progress first
func (e *Engine) ListRuns(ctx context.Context, states []domain.RunState, limit int) ([]*domain.Run, error) {
	return e.store.ListRuns(ctx, runstore.ListOptions{States: states, Limit: limit})
}

// RunHistory returns the audit trail of a run and its subtasks
func (e *Engine) RunHistory(ctx context.Context, runID string) ([]domain.StateTransition, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.ledger.RunHistory(ctx, runID)
}

// VerifyHistory checks the version chain of a run and each of its subtasks
func (e *Engine) VerifyHistory(ctx context.Context, runID string) error {
	if err := e.ledger.Verify(ctx, runID); err != nil {
		return err
	}
	subs, err := e.store.ListSubtasks(ctx, runID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := e.ledger.Verify(ctx, sub.ID); err != nil {
			return err
		}
	}
	return nil
}

// Pause stops dispatching new subtasks of a running run
func (e *Engine) Pause(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "paused by operator"
	}
	return e.withTakeover(ctx, runID, func(lease *fencing.Lease) error {
		return e.ctrl.Pause(ctx, runID, lease, reason)
	})
}

// Resume moves a paused run back to running; the next claiming instance drives it
func (e *Engine) Resume(ctx context.Context, runID string) error {
	return e.withTakeover(ctx, runID, func(lease *fencing.Lease) error {
		return e.ctrl.Resume(ctx, runID, lease)
	})
}
