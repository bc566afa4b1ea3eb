// Package ledger exposes the append-only history of run and subtask state
// changes. Records are written by the store in the same transaction as the
// change they describe; this package reads, verifies and renders them.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Store is the subset of the durable store the ledger needs
type Store interface {
	ListTransitions(ctx context.Context, entityID string) ([]domain.StateTransition, error)
	ListRunTransitions(ctx context.Context, runID string) ([]domain.StateTransition, error)
}

// Ledger reads and verifies state transitions
type Ledger struct {
	store Store
}

// New creates a Ledger over store
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// History returns an entity's transitions in version order
func (l *Ledger) History(ctx context.Context, entityID string) ([]domain.StateTransition, error) {
	return l.store.ListTransitions(ctx, entityID)
}

// RunHistory returns the transitions of a run and all its subtasks in append order
func (l *Ledger) RunHistory(ctx context.Context, runID string) ([]domain.StateTransition, error) {
	return l.store.ListRunTransitions(ctx, runID)
}

// Verify checks that an entity's history is a single unbroken chain:
// versions increase by one, each record starts where the previous ended,
// and every step is allowed by the transition table.
func (l *Ledger) Verify(ctx context.Context, entityID string) error {
	history, err := l.History(ctx, entityID)
	if err != nil {
		return err
	}
	return VerifyChain(history)
}

// VerifyChain checks a single entity's history
func VerifyChain(history []domain.StateTransition) error {
	if len(history) == 0 {
		return nil
	}
	first := history[0]
	if first.FromState != "" {
		return fmt.Errorf("%s: first record starts from %q, want initial", first.EntityID, first.FromState)
	}

	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		if cur.StateVersion != prev.StateVersion+1 {
			return fmt.Errorf("%s: version gap %d -> %d", cur.EntityID, prev.StateVersion, cur.StateVersion)
		}
		if cur.FromState != prev.ToState {
			return fmt.Errorf("%s: record %d starts from %s but previous ended in %s",
				cur.EntityID, cur.ID, cur.FromState, prev.ToState)
		}
		if err := domain.ValidateTransitionPair(cur.EntityKind, cur.FromState, cur.ToState); err != nil {
			return fmt.Errorf("%s: record %d: %w", cur.EntityID, cur.ID, err)
		}
	}
	return nil
}

// Explain renders the path an entity took, e.g.
// "created -> pending -> running (subtask s2 failed) -> failed".
func Explain(history []domain.StateTransition) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	for i, st := range history {
		if i == 0 {
			b.WriteString(st.ToState)
		} else {
			b.WriteString(" -> ")
			b.WriteString(st.ToState)
		}
		if i > 0 && st.Reason != "" {
			fmt.Fprintf(&b, " (%s)", st.Reason)
		}
	}
	return b.String()
}
