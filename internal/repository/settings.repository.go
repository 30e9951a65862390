package repository

import (
	"context"
	"errors"

	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SettingsRepository struct {
	*pg.DB
}

func NewSettingsRepository(db *pg.DB) *SettingsRepository {
	return &SettingsRepository{
		db,
	}
}

// Get returns the owner's settings, falling back to defaults when the owner
// never configured anything. Read at evaluation time, not cached.
func (r *SettingsRepository) Get(ctx context.Context, ownerID int64) (model.TenantSettings, error) {
	var s model.TenantSettings
	err := r.Read(ctx).WithContext(ctx).First(&s, "owner_id = ?", ownerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.DefaultTenantSettings(ownerID), nil
		}
		return model.TenantSettings{}, err
	}
	return s, nil
}

func (r *SettingsRepository) Upsert(ctx context.Context, s *model.TenantSettings) error {
	return r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}},
			UpdateAll: true,
		}).
		Create(s).Error
}
