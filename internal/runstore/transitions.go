package runstore

import (
	"context"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

const transitionColumns = `id, entity_kind, entity_id, run_id, from_state, to_state,
	state_version, transitioned_by, reason, at`

func appendTransition(ctx context.Context, q queryer, st *domain.StateTransition) error {
	if st.At.IsZero() {
		st.At = time.Now()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO transitions (entity_kind, entity_id, run_id, from_state, to_state,
			state_version, transitioned_by, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(st.EntityKind), st.EntityID, st.RunID, st.FromState, st.ToState,
		st.StateVersion, st.TransitionedBy, st.Reason, toNanos(st.At))
	if err != nil {
		return err
	}
	st.ID, err = res.LastInsertId()
	return err
}

// ListTransitions returns an entity's ledger in append order
func (s *Store) ListTransitions(ctx context.Context, entityID string) ([]domain.StateTransition, error) {
	return s.queryTransitions(ctx, `
		SELECT `+transitionColumns+` FROM transitions WHERE entity_id = ? ORDER BY id
	`, entityID)
}

// ListRunTransitions returns the ledger of a run and all of its subtasks in append order
func (s *Store) ListRunTransitions(ctx context.Context, runID string) ([]domain.StateTransition, error) {
	return s.queryTransitions(ctx, `
		SELECT `+transitionColumns+` FROM transitions WHERE run_id = ? ORDER BY id
	`, runID)
}

func (s *Store) queryTransitions(ctx context.Context, query string, args ...any) ([]domain.StateTransition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StateTransition
	for rows.Next() {
		var (
			st   domain.StateTransition
			kind string
			at   int64
		)
		if err := rows.Scan(&st.ID, &kind, &st.EntityID, &st.RunID, &st.FromState, &st.ToState,
			&st.StateVersion, &st.TransitionedBy, &st.Reason, &at); err != nil {
			return nil, err
		}
		st.EntityKind = domain.EntityKind(kind)
		st.At = time.Unix(0, at)
		out = append(out, st)
	}
	return out, rows.Err()
}
