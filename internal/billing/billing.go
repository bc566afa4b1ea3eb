// Package billing reserves credits before a run starts and settles actual
// usage once it ends.
package billing

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Settlement is the outcome of settling a run
type Settlement struct {
	Charged  int64 `json:"charged"`
	Refunded int64 `json:"refunded"`
}

// Gateway is the credit service consumed by the run controller.
// Settle is idempotent per run and reservation: a run that reserves again
// after settling (a retry) is settled again against the new reservation.
// Release is idempotent.
type Gateway interface {
	Reserve(ctx context.Context, tenantID, runID string, estimate int64) (string, error)
	Settle(ctx context.Context, runID string, actualUsage int64) (Settlement, error)
	Release(ctx context.Context, runID, reason string) error
}

type reservation struct {
	id       string
	tenantID string
	amount   int64
	released bool
}

// Memory is an in-process Gateway keeping tenant balances in maps
type Memory struct {
	mu             sync.Mutex
	defaultBalance int64
	balances       map[string]int64
	reservations   map[string]*reservation // by run
	settlements    map[string]Settlement   // by reservation, or run when none
	settleCalls    map[string]int
}

// NewMemory creates a Memory gateway where unknown tenants start with defaultBalance
func NewMemory(defaultBalance int64) *Memory {
	return &Memory{
		defaultBalance: defaultBalance,
		balances:       make(map[string]int64),
		reservations:   make(map[string]*reservation),
		settlements:    make(map[string]Settlement),
		settleCalls:    make(map[string]int),
	}
}

// SetBalance sets a tenant's available credits
func (m *Memory) SetBalance(tenantID string, credits int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[tenantID] = credits
}

// Balance returns a tenant's available credits
func (m *Memory) Balance(tenantID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance(tenantID)
}

func (m *Memory) balance(tenantID string) int64 {
	if b, ok := m.balances[tenantID]; ok {
		return b
	}
	return m.defaultBalance
}

// SettleCalls returns how many times Settle was called for runID
func (m *Memory) SettleCalls(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settleCalls[runID]
}

// Reserve holds estimate credits for runID. Reserving again for the same
// run returns the existing reservation.
func (m *Memory) Reserve(ctx context.Context, tenantID, runID string, estimate int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.reservations[runID]; ok && !r.released {
		return r.id, nil
	}
	if estimate < 0 {
		return "", domain.Errorf(domain.ErrValidation, domain.EntityRun, "negative estimate %d", estimate)
	}
	available := m.balance(tenantID)
	if available < estimate {
		return "", domain.Errorf(domain.ErrInsufficientCredits, domain.EntityRun,
			"tenant %s has %d credits, run %s needs %d", tenantID, available, runID, estimate)
	}
	m.balances[tenantID] = available - estimate
	r := &reservation{id: uuid.NewString(), tenantID: tenantID, amount: estimate}
	m.reservations[runID] = r
	return r.id, nil
}

// Settle charges actualUsage against the run's reservation and refunds the
// rest. A repeated call for the same reservation returns the first
// settlement unchanged.
func (m *Memory) Settle(ctx context.Context, runID string, actualUsage int64) (Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settleCalls[runID]++
	r, ok := m.reservations[runID]
	key := runID
	if ok {
		key = r.id
	}
	if s, done := m.settlements[key]; done {
		return s, nil
	}

	s := Settlement{Charged: actualUsage}
	switch {
	case ok && !r.released:
		if actualUsage < r.amount {
			s.Refunded = r.amount - actualUsage
		}
		m.balances[r.tenantID] = m.balance(r.tenantID) + r.amount - actualUsage
		r.released = true
	case ok:
		m.balances[r.tenantID] = m.balance(r.tenantID) - actualUsage
	}
	m.settlements[key] = s
	return s, nil
}

// Release returns a reservation's credits without charging
func (m *Memory) Release(ctx context.Context, runID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[runID]
	if !ok || r.released {
		return nil
	}
	m.balances[r.tenantID] = m.balance(r.tenantID) + r.amount
	r.released = true
	return nil
}
