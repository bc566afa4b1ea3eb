package runstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// AcquireLease grants token on the run when no live lease is held or the
// live lease already belongs to token. It always returns the current run.
func (s *Store) AcquireLease(ctx context.Context, runID, token string, ttl time.Duration) (bool, *domain.Run, error) {
	now := s.Now()
	var (
		granted bool
		run     *domain.Run
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET fencing_token = ?, fencing_expires_at = ?, updated_at = ?
			WHERE id = ? AND (fencing_token = '' OR fencing_expires_at <= ? OR fencing_token = ?)
		`, token, toNanos(now.Add(ttl)), toNanos(now), runID, toNanos(now), token)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		granted = n == 1
		run, err = getRun(ctx, tx, runID)
		return err
	})
	if err != nil {
		return false, nil, err
	}
	return granted, run, nil
}

// RenewLease extends the lease only while token is the stored token and
// has not expired. An expired lease must be acquired again.
func (s *Store) RenewLease(ctx context.Context, runID, token string, ttl time.Duration) (bool, error) {
	now := s.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET fencing_expires_at = ?, updated_at = ?
		WHERE id = ? AND fencing_token = ? AND fencing_token != '' AND fencing_expires_at > ?
	`, toNanos(now.Add(ttl)), toNanos(now), runID, token, toNanos(now))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseLease clears the lease only if token matches
func (s *Store) ReleaseLease(ctx context.Context, runID, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET fencing_token = '', fencing_expires_at = 0, updated_at = ?
		WHERE id = ? AND fencing_token = ? AND fencing_token != ''
	`, toNanos(s.Now()), runID, token)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ExpireLease forces the currently held lease (observedToken) to expire now.
// A lease re-acquired since observation is left alone.
func (s *Store) ExpireLease(ctx context.Context, runID, observedToken string) (bool, error) {
	now := s.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET fencing_expires_at = ?, updated_at = ?
		WHERE id = ? AND fencing_token = ? AND fencing_token != '' AND fencing_expires_at > ?
	`, toNanos(now), toNanos(now), runID, observedToken, toNanos(now))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
