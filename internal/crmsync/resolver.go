package crmsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/internal/repository"
	"github.com/trainu/outreach-gateway/pkg/logger"
	"github.com/trainu/outreach-gateway/pkg/prom"
)

var (
	ErrConflictNotFound = errors.New("sync conflict not found")
	// ErrInvalidStrategy rejects resolutions other than trainu_wins or
	// ghl_wins. Manual is the frozen default, not a resolution.
	ErrInvalidStrategy = errors.New("resolution strategy must be trainu_wins or ghl_wins")
)

type ConflictRepository interface {
	Create(ctx context.Context, c *model.SyncConflict) (*model.SyncConflict, error)
	GetByID(ctx context.Context, id string) (*model.SyncConflict, error)
	List(ctx context.Context, f repository.ConflictFilter) ([]*model.SyncConflict, int64, error)
	HasPending(ctx context.Context, entityType, entityID string) (bool, error)
	MarkResolved(ctx context.Context, id string, strategy model.ResolutionStrategy) (bool, error)
	GetSyncState(ctx context.Context, entityType, entityID string) (*model.SyncState, error)
	UpsertSyncState(ctx context.Context, s *model.SyncState) error
	TouchLocal(ctx context.Context, entityType, entityID string, at time.Time, snapshot []byte) error
}

// Resolver classifies inbound CRM events against the per-entity sync point
// and freezes divergences for a manual decision. Timestamps are compared
// against the last confirmed sync, not wall clock, so replayed webhook
// deliveries and out-of-order events settle deterministically.
type Resolver struct {
	conflicts ConflictRepository
	now       func() time.Time
}

func NewResolver(conflicts ConflictRepository) *Resolver {
	return &Resolver{
		conflicts: conflicts,
		now:       time.Now,
	}
}

// ApplyRemoteUpdate runs one inbound event through the three-way decision:
// stale events are discarded, clean remote-only changes advance the sync
// point, and changes on both sides freeze the entity behind a conflict.
func (r *Resolver) ApplyRemoteUpdate(ctx context.Context, event model.SyncEvent) (model.SyncOutcome, *model.SyncConflict, error) {
	if err := event.Validate(); err != nil {
		return "", nil, err
	}

	// A frozen entity accepts nothing until the conflict is resolved.
	pending, err := r.conflicts.HasPending(ctx, event.EntityType, event.EntityID)
	if err != nil {
		return "", nil, err
	}
	if pending {
		existing, err := r.pendingConflict(ctx, event.EntityType, event.EntityID)
		if err != nil {
			return "", nil, err
		}
		prom.IncSyncOutcome(string(model.SyncOutcomeConflict))
		return model.SyncOutcomeConflict, existing, nil
	}

	state, err := r.conflicts.GetSyncState(ctx, event.EntityType, event.EntityID)
	if err != nil {
		if errors.Is(err, repository.ErrSyncStateNotFound) {
			// First contact with this entity, accept the remote as baseline.
			return r.apply(ctx, event)
		}
		return "", nil, err
	}

	if !event.RemoteUpdatedAt.After(state.LastSyncedAt) {
		logger.Info("stale sync event discarded",
			"entity_type", event.EntityType,
			"entity_id", event.EntityID,
			"remote_updated_at", event.RemoteUpdatedAt.Format(time.RFC3339),
			"last_synced_at", state.LastSyncedAt.Format(time.RFC3339))
		prom.IncSyncOutcome(string(model.SyncOutcomeDiscarded))
		return model.SyncOutcomeDiscarded, nil, nil
	}

	if state.LocalUpdatedAt.After(state.LastSyncedAt) {
		// Both sides moved since the sync point.
		conflict, err := r.freeze(ctx, event, state)
		if err != nil {
			return "", nil, err
		}
		prom.IncSyncOutcome(string(model.SyncOutcomeConflict))
		return model.SyncOutcomeConflict, conflict, nil
	}

	return r.apply(ctx, event)
}

// Resolve settles a frozen conflict with a winning side. The first resolution
// wins; the record is immutable afterwards.
func (r *Resolver) Resolve(ctx context.Context, id string, strategy model.ResolutionStrategy) (*model.SyncConflict, error) {
	if strategy != model.ResolutionTrainuWins && strategy != model.ResolutionGHLWins {
		return nil, ErrInvalidStrategy
	}

	conflict, err := r.conflicts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrConflictNotFound) {
			return nil, ErrConflictNotFound
		}
		return nil, err
	}
	if conflict.Resolved {
		return nil, model.ErrConflictResolved
	}

	settled, err := r.conflicts.MarkResolved(ctx, id, strategy)
	if err != nil {
		return nil, err
	}
	if !settled {
		// Another operator got there first.
		return nil, model.ErrConflictResolved
	}

	now := r.now()
	winning := conflict.LocalSnapshot
	if strategy == model.ResolutionGHLWins {
		winning = conflict.RemoteSnapshot
	}

	if err := r.conflicts.UpsertSyncState(ctx, &model.SyncState{
		EntityType:     conflict.EntityType,
		EntityID:       conflict.EntityID,
		LastSyncedAt:   now,
		LocalUpdatedAt: now,
		LocalSnapshot:  winning,
	}); err != nil {
		return nil, fmt.Errorf("advance sync point: %w", err)
	}

	logger.Info("sync conflict resolved",
		"conflict_id", id,
		"entity_type", conflict.EntityType,
		"entity_id", conflict.EntityID,
		"strategy", string(strategy))

	return r.conflicts.GetByID(ctx, id)
}

func (r *Resolver) ListConflicts(ctx context.Context, f repository.ConflictFilter) ([]*model.SyncConflict, int64, error) {
	return r.conflicts.List(ctx, f)
}

func (r *Resolver) GetConflict(ctx context.Context, id string) (*model.SyncConflict, error) {
	c, err := r.conflicts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrConflictNotFound) {
			return nil, ErrConflictNotFound
		}
		return nil, err
	}
	return c, nil
}

// RecordLocalEdit marks the entity as locally mutated, which is what later
// turns a remote update into a divergence.
func (r *Resolver) RecordLocalEdit(ctx context.Context, entityType, entityID string, snapshot []byte) error {
	return r.conflicts.TouchLocal(ctx, entityType, entityID, r.now(), snapshot)
}

func (r *Resolver) apply(ctx context.Context, event model.SyncEvent) (model.SyncOutcome, *model.SyncConflict, error) {
	err := r.conflicts.UpsertSyncState(ctx, &model.SyncState{
		EntityType:     event.EntityType,
		EntityID:       event.EntityID,
		LastSyncedAt:   event.RemoteUpdatedAt,
		LocalUpdatedAt: event.RemoteUpdatedAt,
		LocalSnapshot:  event.RemoteSnapshot,
	})
	if err != nil {
		return "", nil, fmt.Errorf("advance sync point: %w", err)
	}
	prom.IncSyncOutcome(string(model.SyncOutcomeApplied))
	return model.SyncOutcomeApplied, nil, nil
}

func (r *Resolver) freeze(ctx context.Context, event model.SyncEvent, state *model.SyncState) (*model.SyncConflict, error) {
	conflict := &model.SyncConflict{
		ID:              uuid.NewString(),
		EntityType:      event.EntityType,
		EntityID:        event.EntityID,
		LocalSnapshot:   state.LocalSnapshot,
		RemoteSnapshot:  event.RemoteSnapshot,
		LocalUpdatedAt:  state.LocalUpdatedAt,
		RemoteUpdatedAt: event.RemoteUpdatedAt,
		Strategy:        model.ResolutionManual,
	}

	created, err := r.conflicts.Create(ctx, conflict)
	if err != nil {
		return nil, fmt.Errorf("freeze entity: %w", err)
	}

	logger.Warn("sync divergence frozen",
		"conflict_id", created.ID,
		"entity_type", event.EntityType,
		"entity_id", event.EntityID)
	return created, nil
}

func (r *Resolver) pendingConflict(ctx context.Context, entityType, entityID string) (*model.SyncConflict, error) {
	unresolved := false
	conflicts, _, err := r.conflicts.List(ctx, repository.ConflictFilter{
		EntityType: &entityType,
		EntityID:   &entityID,
		Resolved:   &unresolved,
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		return nil, nil
	}
	return conflicts[0], nil
}
