package repository

import (
	"context"
	"errors"
	"time"

	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrConflictNotFound is returned when a sync conflict does not exist.
	ErrConflictNotFound = errors.New("sync conflict not found")
	// ErrSyncStateNotFound means the entity has never completed a sync.
	ErrSyncStateNotFound = errors.New("sync state not found")
)

type ConflictRepository struct {
	*pg.DB
}

func NewConflictRepository(db *pg.DB) *ConflictRepository {
	return &ConflictRepository{
		db,
	}
}

func (r *ConflictRepository) Create(ctx context.Context, c *model.SyncConflict) (*model.SyncConflict, error) {
	if err := r.Write(ctx).WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ConflictRepository) GetByID(ctx context.Context, id string) (*model.SyncConflict, error) {
	var c model.SyncConflict
	err := r.Read(ctx).WithContext(ctx).First(&c, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConflictNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ConflictFilter controls List queries.
type ConflictFilter struct {
	EntityType *string
	EntityID   *string
	Resolved   *bool
	Limit      int
	Offset     int
}

func (r *ConflictRepository) List(ctx context.Context, f ConflictFilter) ([]*model.SyncConflict, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&model.SyncConflict{})

	if f.EntityType != nil {
		q = q.Where("entity_type = ?", *f.EntityType)
	}
	if f.EntityID != nil {
		q = q.Where("entity_id = ?", *f.EntityID)
	}
	if f.Resolved != nil {
		q = q.Where("resolved = ?", *f.Resolved)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var conflicts []*model.SyncConflict
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&conflicts).Error; err != nil {
		return nil, 0, err
	}
	return conflicts, total, nil
}

// HasPending reports whether an unresolved conflict already freezes the
// entity.
func (r *ConflictRepository) HasPending(ctx context.Context, entityType, entityID string) (bool, error) {
	var count int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&model.SyncConflict{}).
		Where("entity_type = ? AND entity_id = ? AND resolved = ?", entityType, entityID, false).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkResolved flips resolved once; a second resolution attempt affects zero
// rows because the record is already frozen.
func (r *ConflictRepository) MarkResolved(ctx context.Context, id string, strategy model.ResolutionStrategy) (bool, error) {
	res := r.Write(ctx).WithContext(ctx).
		Model(&model.SyncConflict{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]interface{}{
			"resolution_strategy": string(strategy),
			"resolved":            true,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *ConflictRepository) GetSyncState(ctx context.Context, entityType, entityID string) (*model.SyncState, error) {
	var s model.SyncState
	err := r.Read(ctx).WithContext(ctx).
		First(&s, "entity_type = ? AND entity_id = ?", entityType, entityID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSyncStateNotFound
		}
		return nil, err
	}
	return &s, nil
}

// UpsertSyncState writes the per-entity sync point.
func (r *ConflictRepository) UpsertSyncState(ctx context.Context, s *model.SyncState) error {
	return r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
			UpdateAll: true,
		}).
		Create(s).Error
}

// TouchLocal records a local mutation of the entity, used by conflict
// detection to know the local side moved after the sync point.
func (r *ConflictRepository) TouchLocal(ctx context.Context, entityType, entityID string, at time.Time, snapshot []byte) error {
	s := &model.SyncState{
		EntityType:     entityType,
		EntityID:       entityID,
		LocalUpdatedAt: at,
		LocalSnapshot:  snapshot,
	}
	return r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"local_updated_at", "local_snapshot"}),
		}).
		Create(s).Error
}
