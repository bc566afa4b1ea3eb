// Package fencing grants time-bounded ownership of a run to one
// orchestrator instance. A lease is a token plus an expiry stored on the run
// row; every grant, renewal and release is a single conditional update.
package fencing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Store is the lease surface of the durable store
type Store interface {
	AcquireLease(ctx context.Context, runID, token string, ttl time.Duration) (bool, *domain.Run, error)
	RenewLease(ctx context.Context, runID, token string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, runID, token string) (bool, error)
	ExpireLease(ctx context.Context, runID, observedToken string) (bool, error)
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	Now() time.Time
}

// Lease is a granted fencing token as seen by its holder
type Lease struct {
	RunID     string
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the lease has not yet expired at now
func (l *Lease) Valid(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// Manager issues and maintains fencing leases
type Manager struct {
	store Store
	ttl   time.Duration
}

// NewManager creates a Manager granting leases of the given default ttl
func NewManager(store Store, ttl time.Duration) *Manager {
	return &Manager{store: store, ttl: ttl}
}

// TTL returns the default lease duration
func (m *Manager) TTL() time.Duration { return m.ttl }

// NewToken returns a fresh opaque token
func NewToken() string {
	return uuid.NewString()
}

// Acquire grants candidateToken when no live lease is held (or when the
// live lease already is candidateToken). The current run is always returned.
func (m *Manager) Acquire(ctx context.Context, runID, candidateToken string, ttl time.Duration) (bool, *domain.Run, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.store.AcquireLease(ctx, runID, candidateToken, ttl)
}

// Claim acquires a lease under a fresh token. The lease is nil when another
// holder owns the run.
func (m *Manager) Claim(ctx context.Context, runID string) (*Lease, *domain.Run, error) {
	token := NewToken()
	granted, run, err := m.Acquire(ctx, runID, token, m.ttl)
	if err != nil || !granted {
		return nil, run, err
	}
	return &Lease{RunID: runID, Token: token, ExpiresAt: *run.FencingExpiresAt}, run, nil
}

// Renew extends the lease only if token is still the stored token
func (m *Manager) Renew(ctx context.Context, runID, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.store.RenewLease(ctx, runID, token, ttl)
}

// Release clears the lease if token matches
func (m *Manager) Release(ctx context.Context, runID, token string) (bool, error) {
	return m.store.ReleaseLease(ctx, runID, token)
}

// Expire ends whatever live lease the run currently carries so another
// instance can take over. It reports false when there was nothing to expire.
func (m *Manager) Expire(ctx context.Context, runID string) (bool, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if !run.HasLiveLease(m.store.Now()) {
		return false, nil
	}
	return m.store.ExpireLease(ctx, runID, run.FencingToken)
}
