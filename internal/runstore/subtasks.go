package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

const subtaskColumns = `id, run_id, subtask_index, idempotency_key, state, state_version,
	depends_on, assigned_worker_id, heartbeat_at, attempt_count, max_attempts, optional,
	checkpoint_step, checkpoint_data, payload, result, last_error, credits_used,
	created_at, updated_at`

// CounterDelta adjusts a run's progress counters alongside a subtask change
type CounterDelta struct {
	Completed int
	Failed    int
	Skipped   int
}

// IsZero reports whether the delta changes nothing
func (d CounterDelta) IsZero() bool {
	return d.Completed == 0 && d.Failed == 0 && d.Skipped == 0
}

// SubtaskChange is a compare-and-swap request on a subtask's state. The
// optional field mutations and the run counter delta commit atomically with it.
type SubtaskChange struct {
	SubtaskID       string
	From            domain.SubtaskState
	To              domain.SubtaskState
	ExpectedVersion int64

	// WorkerID, when set, must equal the currently assigned worker
	WorkerID string
	// Token, when set, must be the run's live fencing token. Orchestrator
	// side changes carry it; worker reports are fenced by WorkerID instead.
	Token string

	AssignWorker   string // stored as assigned_worker_id when non-empty
	ClearWorker    bool
	StampHeartbeat bool
	AttemptCount   *int
	CheckpointStep *int64
	CheckpointData []byte
	Result         []byte
	LastError      *string
	Credits        int64

	RunDelta CounterDelta

	Actor  string
	Reason string
}

func scanSubtask(row scanner) (*domain.Subtask, error) {
	var (
		sub              domain.Subtask
		state, deps      string
		heartbeat        int64
		created, updated int64
	)
	err := row.Scan(
		&sub.ID, &sub.RunID, &sub.Index, &sub.IdempotencyKey, &state, &sub.StateVersion,
		&deps, &sub.AssignedWorkerID, &heartbeat, &sub.AttemptCount, &sub.MaxAttempts, &sub.Optional,
		&sub.CheckpointStep, &sub.CheckpointData, &sub.Payload, &sub.Result, &sub.LastError,
		&sub.CreditsUsed, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	sub.State = domain.SubtaskState(state)
	if sub.DependsOn, err = decodeIDs(deps); err != nil {
		return nil, fmt.Errorf("decoding depends_on of %s: %w", sub.ID, err)
	}
	sub.HeartbeatAt = fromNanos(heartbeat)
	sub.CreatedAt = time.Unix(0, created)
	sub.UpdatedAt = time.Unix(0, updated)
	return &sub, nil
}

// InsertSubtasks stores a whole decomposition in one transaction. The run
// must be fenced by token; total_subtasks grows by len(subs).
func (s *Store) InsertSubtasks(ctx context.Context, runID, token string, subs []*domain.Subtask, actor string) error {
	now := s.Now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET total_subtasks = total_subtasks + ?, last_progress_at = ?, updated_at = ?
			WHERE id = ? AND fencing_token = ? AND fencing_expires_at > ?
		`, len(subs), toNanos(now), toNanos(now), runID, token, toNanos(now))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := getRun(ctx, tx, runID); err != nil {
				return err
			}
			return domain.Errorf(domain.ErrLeaseExpired, domain.EntityRun, "%s: token %s not live", runID, token)
		}

		for _, sub := range subs {
			if err := insertSubtask(ctx, tx, runID, sub, actor, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertSubtask(ctx context.Context, tx *sql.Tx, runID string, sub *domain.Subtask, actor string, now time.Time) error {
	if err := domain.ValidateSubtaskState(sub.State); err != nil {
		return err
	}
	deps, err := encodeIDs(sub.DependsOn)
	if err != nil {
		return err
	}
	sub.RunID = runID
	sub.CreatedAt, sub.UpdatedAt = now, now
	if sub.StateVersion == 0 {
		sub.StateVersion = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO subtasks (`+subtaskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?, ?, 0, NULL, ?, NULL, '', 0, ?, ?)
	`, sub.ID, runID, sub.Index, sub.IdempotencyKey, string(sub.State), sub.StateVersion,
		deps, sub.AttemptCount, sub.MaxAttempts, sub.Optional, sub.Payload,
		toNanos(now), toNanos(now))
	if err != nil {
		return fmt.Errorf("inserting subtask %s: %w", sub.ID, err)
	}
	return appendTransition(ctx, tx, &domain.StateTransition{
		EntityKind:     domain.EntitySubtask,
		EntityID:       sub.ID,
		RunID:          runID,
		ToState:        string(sub.State),
		StateVersion:   sub.StateVersion,
		TransitionedBy: actor,
		Reason:         "decomposed",
		At:             now,
	})
}

// GetSubtask retrieves a subtask by ID
func (s *Store) GetSubtask(ctx context.Context, id string) (*domain.Subtask, error) {
	return getSubtask(ctx, s.db, `WHERE id = ?`, id)
}

// GetSubtaskByKey retrieves a subtask by its idempotency key
func (s *Store) GetSubtaskByKey(ctx context.Context, key string) (*domain.Subtask, error) {
	return getSubtask(ctx, s.db, `WHERE idempotency_key = ?`, key)
}

func getSubtask(ctx context.Context, q queryer, where string, arg string) (*domain.Subtask, error) {
	row := q.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks `+where, arg)
	sub, err := scanSubtask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrNotFound, domain.EntitySubtask, "%s", arg)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListSubtasks returns all subtasks of a run in index order
func (s *Store) ListSubtasks(ctx context.Context, runID string) ([]*domain.Subtask, error) {
	return s.querySubtasks(ctx, `
		SELECT `+subtaskColumns+` FROM subtasks WHERE run_id = ? ORDER BY subtask_index
	`, runID)
}

// ListStaleSubtasks returns subtasks in the given states whose heartbeat is older than before
func (s *Store) ListStaleSubtasks(ctx context.Context, states []domain.SubtaskState, before time.Time) ([]*domain.Subtask, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(states)+1)
	for _, st := range states {
		args = append(args, string(st))
	}
	args = append(args, toNanos(before))
	return s.querySubtasks(ctx, `
		SELECT `+subtaskColumns+` FROM subtasks
		WHERE state IN (`+placeholders(len(states))+`) AND heartbeat_at < ?
		ORDER BY heartbeat_at, id
	`, args...)
}

func (s *Store) querySubtasks(ctx context.Context, query string, args ...any) ([]*domain.Subtask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.Subtask
	for rows.Next() {
		sub, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ChangeSubtask applies a compare-and-swap on a subtask's state and version
// (and assigned worker when WorkerID is set, and the run's lease when Token
// is set). It stamps the run's progress, applies the counter delta and
// appends the ledger record in one transaction.
func (s *Store) ChangeSubtask(ctx context.Context, c SubtaskChange) (*domain.Subtask, error) {
	if err := domain.ValidateSubtaskTransition(c.From, c.To); err != nil {
		return nil, err
	}

	now := s.Now()
	var out *domain.Subtask
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if c.Token != "" {
			if err := checkSubtaskFence(ctx, tx, c.SubtaskID, c.Token, now); err != nil {
				return err
			}
		}

		set := `state = ?, state_version = state_version + 1, updated_at = ?`
		args := []any{string(c.To), toNanos(now)}
		switch {
		case c.AssignWorker != "":
			set += `, assigned_worker_id = ?`
			args = append(args, c.AssignWorker)
		case c.ClearWorker:
			set += `, assigned_worker_id = ''`
		}
		if c.StampHeartbeat {
			set += `, heartbeat_at = ?`
			args = append(args, toNanos(now))
		}
		if c.AttemptCount != nil {
			set += `, attempt_count = ?`
			args = append(args, *c.AttemptCount)
		}
		if c.CheckpointStep != nil {
			set += `, checkpoint_step = ?, checkpoint_data = ?`
			args = append(args, *c.CheckpointStep, c.CheckpointData)
		}
		if c.Result != nil {
			set += `, result = ?`
			args = append(args, c.Result)
		}
		if c.LastError != nil {
			set += `, last_error = ?`
			args = append(args, *c.LastError)
		}
		if c.Credits != 0 {
			set += `, credits_used = credits_used + ?`
			args = append(args, c.Credits)
		}

		where := ` WHERE id = ? AND state = ? AND state_version = ?`
		args = append(args, c.SubtaskID, string(c.From), c.ExpectedVersion)
		if c.WorkerID != "" {
			where += ` AND assigned_worker_id = ?`
			args = append(args, c.WorkerID)
		}

		res, err := tx.ExecContext(ctx, `UPDATE subtasks SET `+set+where, args...)
		if err != nil {
			return fmt.Errorf("changing subtask %s: %w", c.SubtaskID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			current, err := getSubtask(ctx, tx, `WHERE id = ?`, c.SubtaskID)
			if err != nil {
				return err
			}
			return domain.Errorf(domain.ErrConcurrencyConflict, domain.EntitySubtask,
				"%s: expected %s@%d worker=%q, found %s@%d worker=%q", c.SubtaskID,
				c.From, c.ExpectedVersion, c.WorkerID, current.State, current.StateVersion, current.AssignedWorkerID)
		}

		sub, err := getSubtask(ctx, tx, `WHERE id = ?`, c.SubtaskID)
		if err != nil {
			return err
		}
		if err := applyRunProgress(ctx, tx, sub.RunID, c.RunDelta, c.Credits, now); err != nil {
			return err
		}
		if err := appendTransition(ctx, tx, &domain.StateTransition{
			EntityKind:     domain.EntitySubtask,
			EntityID:       sub.ID,
			RunID:          sub.RunID,
			FromState:      string(c.From),
			ToState:        string(c.To),
			StateVersion:   sub.StateVersion,
			TransitionedBy: c.Actor,
			Reason:         c.Reason,
			At:             now,
		}); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkSubtaskFence fails with ErrLeaseExpired unless token is the live
// fencing token of the subtask's run
func checkSubtaskFence(ctx context.Context, tx *sql.Tx, subtaskID, token string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET updated_at = ?
		WHERE id = (SELECT run_id FROM subtasks WHERE id = ?)
			AND fencing_token = ? AND fencing_expires_at > ?
	`, toNanos(now), subtaskID, token, toNanos(now))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		sub, err := getSubtask(ctx, tx, `WHERE id = ?`, subtaskID)
		if err != nil {
			return err
		}
		return domain.Errorf(domain.ErrLeaseExpired, domain.EntityRun, "%s: token %s not live", sub.RunID, token)
	}
	return nil
}

// applyRunProgress moves the run counters by delta, keeping
// completed+failed+skipped within total, and stamps last_progress_at.
// A terminal run only accepts changes that move neither counters nor credits.
func applyRunProgress(ctx context.Context, tx *sql.Tx, runID string, delta CounterDelta, credits int64, now time.Time) error {
	run, err := getRun(ctx, tx, runID)
	if err != nil {
		return err
	}
	if run.State.IsTerminal() {
		if delta.IsZero() && credits == 0 {
			return nil
		}
		return domain.Errorf(domain.ErrConcurrencyConflict, domain.EntityRun,
			"%s is %s, progress no longer accepted", runID, run.State)
	}
	run.CompletedSubtasks += delta.Completed
	run.FailedSubtasks += delta.Failed
	run.SkippedSubtasks += delta.Skipped
	if !run.CountersValid() {
		return domain.Errorf(domain.ErrValidation, domain.EntityRun,
			"%s: counters %d+%d+%d exceed total %d", runID,
			run.CompletedSubtasks, run.FailedSubtasks, run.SkippedSubtasks, run.TotalSubtasks)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET
			completed_subtasks = ?, failed_subtasks = ?, skipped_subtasks = ?,
			credits_used = credits_used + ?, last_progress_at = ?, updated_at = ?
		WHERE id = ?
	`, run.CompletedSubtasks, run.FailedSubtasks, run.SkippedSubtasks, credits,
		toNanos(now), toNanos(now), runID)
	return err
}

// TouchHeartbeat refreshes the heartbeat of a live subtask held by workerID.
// It does not bump the version.
func (s *Store) TouchHeartbeat(ctx context.Context, subtaskID, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subtasks SET heartbeat_at = ?
		WHERE id = ? AND assigned_worker_id = ? AND state IN (?, ?, ?)
	`, toNanos(s.Now()), subtaskID, workerID,
		string(domain.SubtaskAssigned), string(domain.SubtaskRunning), string(domain.SubtaskCheckpointed))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RecordCheckpoint stores a newer checkpoint on a subtask that is already
// checkpointed, without a state change. It stamps heartbeat and run progress.
func (s *Store) RecordCheckpoint(ctx context.Context, subtaskID, workerID string, step int64, data []byte) (bool, error) {
	now := s.Now()
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE subtasks SET checkpoint_step = ?, checkpoint_data = ?, heartbeat_at = ?, updated_at = ?
			WHERE id = ? AND assigned_worker_id = ? AND state = ?
		`, step, data, toNanos(now), toNanos(now), subtaskID, workerID, string(domain.SubtaskCheckpointed))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		ok = true
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET last_progress_at = ?, updated_at = ?
			WHERE id = (SELECT run_id FROM subtasks WHERE id = ?)
		`, toNanos(now), toNanos(now), subtaskID)
		return err
	})
	return ok, err
}
