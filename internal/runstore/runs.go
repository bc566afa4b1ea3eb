package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

const runColumns = `id, tenant_id, state, state_version, fencing_token, fencing_expires_at,
	orchestrator_mode, planned_subtasks, total_subtasks, completed_subtasks, failed_subtasks,
	skipped_subtasks, credit_estimate, credits_used, credits_settled, reservation_id, settled,
	deadline_at, last_progress_at, created_at, updated_at, payload`

// RunChange is a compare-and-swap request on a run's state
type RunChange struct {
	RunID           string
	From            domain.RunState
	To              domain.RunState
	ExpectedVersion int64
	Token           string // fencing token, must be live
	Actor           string
	Reason          string

	// ReservationID is stored with the change when non-empty. A new
	// reservation reopens settlement.
	ReservationID string
}

// ListOptions filters a run range scan
type ListOptions struct {
	States         []domain.RunState
	ProgressBefore time.Time // zero means no staleness filter
	Limit          int
}

func scanRun(row scanner) (*domain.Run, error) {
	var (
		run                      domain.Run
		state                    string
		fencingExpires, deadline int64
		lastProgress             int64
		created, updated         int64
	)
	err := row.Scan(
		&run.ID, &run.TenantID, &state, &run.StateVersion, &run.FencingToken, &fencingExpires,
		&run.OrchestratorMode, &run.PlannedSubtasks, &run.TotalSubtasks, &run.CompletedSubtasks,
		&run.FailedSubtasks, &run.SkippedSubtasks, &run.CreditEstimate, &run.CreditsUsed,
		&run.CreditsSettled, &run.ReservationID, &run.Settled, &deadline, &lastProgress,
		&created, &updated, &run.Payload,
	)
	if err != nil {
		return nil, err
	}
	run.State = domain.RunState(state)
	if run.FencingToken != "" {
		run.FencingExpiresAt = fromNanos(fencingExpires)
	}
	run.DeadlineAt = fromNanos(deadline)
	run.LastProgressAt = fromNanos(lastProgress)
	run.CreatedAt = time.Unix(0, created)
	run.UpdatedAt = time.Unix(0, updated)
	return &run, nil
}

// InsertRun stores a new run together with its initial ledger record
func (s *Store) InsertRun(ctx context.Context, run *domain.Run, actor string) error {
	return s.InsertRunWithSubtasks(ctx, run, nil, actor)
}

// InsertRunWithSubtasks stores a new run and its decomposition in one
// transaction, so no other instance can observe the run without its plan.
func (s *Store) InsertRunWithSubtasks(ctx context.Context, run *domain.Run, subs []*domain.Subtask, actor string) error {
	if err := domain.ValidateRunState(run.State); err != nil {
		return err
	}
	now := s.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.StateVersion == 0 {
		run.StateVersion = 1
	}
	if run.PlannedSubtasks < len(subs) {
		run.PlannedSubtasks = len(subs)
	}
	run.TotalSubtasks = len(subs)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (`+runColumns+`)
			VALUES (?, ?, ?, ?, '', 0, ?, ?, ?, 0, 0, 0, ?, 0, 0, '', FALSE, ?, 0, ?, ?, ?)
		`, run.ID, run.TenantID, string(run.State), run.StateVersion, run.OrchestratorMode,
			run.PlannedSubtasks, run.TotalSubtasks, run.CreditEstimate, optNanos(run.DeadlineAt),
			toNanos(run.CreatedAt), toNanos(run.UpdatedAt), run.Payload)
		if err != nil {
			return fmt.Errorf("inserting run %s: %w", run.ID, err)
		}
		if err := appendTransition(ctx, tx, &domain.StateTransition{
			EntityKind:     domain.EntityRun,
			EntityID:       run.ID,
			RunID:          run.ID,
			ToState:        string(run.State),
			StateVersion:   run.StateVersion,
			TransitionedBy: actor,
			Reason:         "created",
			At:             now,
		}); err != nil {
			return err
		}
		for _, sub := range subs {
			if err := insertSubtask(ctx, tx, run.ID, sub, actor, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	return getRun(ctx, s.db, id)
}

func getRun(ctx context.Context, q queryer, id string) (*domain.Run, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrNotFound, domain.EntityRun, "%s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns scans runs by state and staleness, oldest progress first
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]*domain.Run, error) {
	var (
		where []string
		args  []any
	)
	if len(opts.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(opts.States))+")")
		for _, st := range opts.States {
			args = append(args, string(st))
		}
	}
	if !opts.ProgressBefore.IsZero() {
		where = append(where, "(CASE WHEN last_progress_at = 0 THEN created_at ELSE last_progress_at END) < ?")
		args = append(args, toNanos(opts.ProgressBefore))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY (CASE WHEN last_progress_at = 0 THEN created_at ELSE last_progress_at END), id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	return s.queryRuns(ctx, query, args...)
}

// ListUnsettled returns runs in a settling state whose settlement has not been recorded
func (s *Store) ListUnsettled(ctx context.Context) ([]*domain.Run, error) {
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE state IN (?, ?, ?) AND settled = FALSE
		ORDER BY updated_at, id
	`, string(domain.RunCompleted), string(domain.RunFailed), string(domain.RunCancelled))
}

// ListDeadlineBreached returns non-terminal runs whose hard deadline has passed
func (s *Store) ListDeadlineBreached(ctx context.Context, now time.Time) ([]*domain.Run, error) {
	active := domain.ActiveRunStates()
	args := make([]any, 0, len(active)+1)
	for _, st := range active {
		args = append(args, string(st))
	}
	args = append(args, toNanos(now))
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE state IN (`+placeholders(len(active))+`) AND deadline_at > 0 AND deadline_at < ?
		ORDER BY deadline_at, id
	`, args...)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ChangeRunState applies a fenced compare-and-swap on the run's state.
// It returns the updated run, ErrLeaseExpired when only the fencing check
// failed, or ErrConcurrencyConflict when state or version moved on.
func (s *Store) ChangeRunState(ctx context.Context, c RunChange) (*domain.Run, error) {
	if err := domain.ValidateRunTransition(c.From, c.To); err != nil {
		return nil, err
	}
	if c.Token == "" {
		return nil, domain.Errorf(domain.ErrValidation, domain.EntityRun, "fencing token required")
	}

	now := s.Now()
	var out *domain.Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET
				state = ?, state_version = state_version + 1,
				last_progress_at = ?, updated_at = ?,
				reservation_id = CASE WHEN ? = '' THEN reservation_id ELSE ? END,
				settled = CASE WHEN ? = '' THEN settled ELSE FALSE END
			WHERE id = ? AND state = ? AND state_version = ?
				AND fencing_token = ? AND fencing_expires_at > ?
		`, string(c.To), toNanos(now), toNanos(now), c.ReservationID, c.ReservationID, c.ReservationID,
			c.RunID, string(c.From), c.ExpectedVersion, c.Token, toNanos(now))
		if err != nil {
			return fmt.Errorf("changing run %s: %w", c.RunID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return diagnoseRunMiss(ctx, tx, c)
		}
		if err := appendTransition(ctx, tx, &domain.StateTransition{
			EntityKind:     domain.EntityRun,
			EntityID:       c.RunID,
			RunID:          c.RunID,
			FromState:      string(c.From),
			ToState:        string(c.To),
			StateVersion:   c.ExpectedVersion + 1,
			TransitionedBy: c.Actor,
			Reason:         c.Reason,
			At:             now,
		}); err != nil {
			return err
		}
		out, err = getRun(ctx, tx, c.RunID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// diagnoseRunMiss explains why a fenced run update matched no row
func diagnoseRunMiss(ctx context.Context, q queryer, c RunChange) error {
	run, err := getRun(ctx, q, c.RunID)
	if err != nil {
		return err
	}
	if run.State == c.From && run.StateVersion == c.ExpectedVersion {
		return domain.Errorf(domain.ErrLeaseExpired, domain.EntityRun, "%s: token %s not live", c.RunID, c.Token)
	}
	return domain.Errorf(domain.ErrConcurrencyConflict, domain.EntityRun,
		"%s: expected %s@%d, found %s@%d", c.RunID, c.From, c.ExpectedVersion, run.State, run.StateVersion)
}

// MarkSettled records that billing settlement happened for usage up to
// creditsUsed. It reports false when the run was already settled.
func (s *Store) MarkSettled(ctx context.Context, runID string, creditsUsed int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET settled = TRUE, credits_settled = ?, updated_at = ?
		WHERE id = ? AND settled = FALSE
	`, creditsUsed, toNanos(s.Now()), runID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
