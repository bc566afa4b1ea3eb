package runstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// AppendCheckpoint inserts a checkpoint. Checkpoints are never updated.
func (s *Store) AppendCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, entity_id, step, schema_version, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cp.ID, cp.EntityID, cp.Step, cp.SchemaVersion, cp.Data, toNanos(cp.CreatedAt))
	return err
}

// LatestCheckpoint returns the highest-step checkpoint with step <= atOrBefore,
// or nil when there is none. Ties go to the most recent write.
func (s *Store) LatestCheckpoint(ctx context.Context, entityID string, atOrBefore int64) (*domain.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, step, schema_version, data, created_at
		FROM checkpoints
		WHERE entity_id = ? AND step <= ?
		ORDER BY step DESC, created_at DESC, rowid DESC
		LIMIT 1
	`, entityID, atOrBefore)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

// ListCheckpoints returns all checkpoints of an entity in step order
func (s *Store) ListCheckpoints(ctx context.Context, entityID string) ([]domain.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, step, schema_version, data, created_at
		FROM checkpoints WHERE entity_id = ?
		ORDER BY step, created_at, rowid
	`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

func scanCheckpoint(row scanner) (*domain.Checkpoint, error) {
	var (
		cp      domain.Checkpoint
		created int64
	)
	if err := row.Scan(&cp.ID, &cp.EntityID, &cp.Step, &cp.SchemaVersion, &cp.Data, &created); err != nil {
		return nil, err
	}
	cp.CreatedAt = time.Unix(0, created)
	return &cp, nil
}
