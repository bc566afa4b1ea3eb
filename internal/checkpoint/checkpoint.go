// Package checkpoint records progress snapshots so a reclaimed subtask can
// resume instead of starting over. Checkpoints are append-only and advisory.
package checkpoint

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// SchemaVersion tags every checkpoint written by this build
const SchemaVersion = "v1"

// Store is the checkpoint surface of the durable store
type Store interface {
	AppendCheckpoint(ctx context.Context, cp *domain.Checkpoint) error
	LatestCheckpoint(ctx context.Context, entityID string, atOrBefore int64) (*domain.Checkpoint, error)
	ListCheckpoints(ctx context.Context, entityID string) ([]domain.Checkpoint, error)
}

// Manager saves and loads checkpoints
type Manager struct {
	store Store
}

// New creates a checkpoint Manager
func New(store Store) *Manager {
	return &Manager{store: store}
}

// Save appends a checkpoint for entityID at step and returns its id
func (m *Manager) Save(ctx context.Context, entityID string, step int64, data []byte) (string, error) {
	if entityID == "" {
		return "", domain.Errorf(domain.ErrValidation, "", "checkpoint entity id required")
	}
	if step < 0 {
		return "", domain.Errorf(domain.ErrValidation, "", "checkpoint step must be >= 0, got %d", step)
	}
	cp := &domain.Checkpoint{
		ID:            uuid.NewString(),
		EntityID:      entityID,
		Step:          step,
		SchemaVersion: SchemaVersion,
		Data:          data,
	}
	if err := m.store.AppendCheckpoint(ctx, cp); err != nil {
		return "", fmt.Errorf("saving checkpoint for %s: %w", entityID, err)
	}
	return cp.ID, nil
}

// LatestAtOrBefore returns the highest-step checkpoint not beyond step, or nil
func (m *Manager) LatestAtOrBefore(ctx context.Context, entityID string, step int64) (*domain.Checkpoint, error) {
	return m.store.LatestCheckpoint(ctx, entityID, step)
}

// Latest returns the most advanced checkpoint, or nil
func (m *Manager) Latest(ctx context.Context, entityID string) (*domain.Checkpoint, error) {
	return m.store.LatestCheckpoint(ctx, entityID, math.MaxInt64)
}

// List returns every checkpoint of entityID in step order
func (m *Manager) List(ctx context.Context, entityID string) ([]domain.Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, entityID)
}
