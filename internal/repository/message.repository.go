package repository

import (
	"context"
	"errors"
	"time"

	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("message not found")
)

type MessageRepository struct {
	*pg.DB
}

func NewMessageRepository(db *pg.DB) *MessageRepository {
	return &MessageRepository{
		db,
	}
}

func (r *MessageRepository) Create(ctx context.Context, msg *model.Message) (*model.Message, error) {
	entity := toMessageEntity(msg)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toMessageModel(entity), nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	var entity MessageEntity
	err := r.Read(ctx).WithContext(ctx).First(&entity, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toMessageModel(&entity), nil
}

func (r *MessageRepository) GetByProviderMessageID(ctx context.Context, providerID string) (*model.Message, error) {
	var entity MessageEntity
	err := r.Read(ctx).WithContext(ctx).First(&entity, "provider_message_id = ?", providerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toMessageModel(&entity), nil
}

func (r *MessageRepository) List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&MessageEntity{})

	if f.OwnerID != nil {
		q = q.Where("owner_id = ?", *f.OwnerID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	// Count before pagination
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*MessageEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toMessageModels(entities), total, nil
}

// TransitionStatus performs a compare-and-swap status change: the update
// applies only if the row is still in `from`. Returns true when the row
// changed, false when something else got there first (or the transition
// already happened). Moving out of draft always clears auto_approval_at.
func (r *MessageRepository) TransitionStatus(ctx context.Context, id int64, from, to model.MessageStatus, extra map[string]interface{}) (bool, error) {
	if !from.CanTransition(to) {
		return false, model.ErrInvalidTransition
	}

	updates := map[string]interface{}{
		"status": string(to),
	}
	if from == model.StatusDraft {
		updates["auto_approval_at"] = nil
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := r.Write(ctx).WithContext(ctx).
		Model(&MessageEntity{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkSent records the provider-assigned id alongside the queued -> sent
// transition.
func (r *MessageRepository) MarkSent(ctx context.Context, id int64, providerMessageID string) (bool, error) {
	return r.TransitionStatus(ctx, id, model.StatusQueued, model.StatusSent, map[string]interface{}{
		"provider_message_id": providerMessageID,
		"last_error":          nil,
	})
}

// MarkFailed retains the triggering error for operator visibility.
func (r *MessageRepository) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	return r.TransitionStatus(ctx, id, model.StatusQueued, model.StatusFailed, map[string]interface{}{
		"last_error": lastError,
	})
}

// ClearAutoApproval clears the pending timer while leaving the message in
// draft. No-op unless the row is still draft with a timer set.
func (r *MessageRepository) ClearAutoApproval(ctx context.Context, id int64) (bool, error) {
	res := r.Write(ctx).WithContext(ctx).
		Model(&MessageEntity{}).
		Where("id = ? AND status = ? AND auto_approval_at IS NOT NULL", id, string(model.StatusDraft)).
		Update("auto_approval_at", nil)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetScheduledFor parks a queued message until the given instant (quiet-hours
// deferral). CAS on queued so a concurrent cancel wins cleanly.
func (r *MessageRepository) SetScheduledFor(ctx context.Context, id int64, at time.Time) (bool, error) {
	res := r.Write(ctx).WithContext(ctx).
		Model(&MessageEntity{}).
		Where("id = ? AND status = ?", id, string(model.StatusQueued)).
		Update("scheduled_for", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListDueForAutoApproval returns draft messages whose timer elapsed.
// Confidence gating happens in the scheduler, where tenant settings are
// loaded per owner.
func (r *MessageRepository) ListDueForAutoApproval(ctx context.Context, now time.Time, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var entities []*MessageEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("status = ? AND auto_approval_at IS NOT NULL AND auto_approval_at <= ?", string(model.StatusDraft), now).
		Order("auto_approval_at ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toMessageModels(entities), nil
}

// ListDueScheduled returns queued messages parked by the quiet-hours gate
// whose scheduled_for instant has passed.
func (r *MessageRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var entities []*MessageEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?", string(model.StatusQueued), now).
		Order("scheduled_for ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toMessageModels(entities), nil
}

// ClaimScheduled clears scheduled_for so a due message is re-enqueued at most
// once per parking.
func (r *MessageRepository) ClaimScheduled(ctx context.Context, id int64, now time.Time) (bool, error) {
	res := r.Write(ctx).WithContext(ctx).
		Model(&MessageEntity{}).
		Where("id = ? AND status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?", id, string(model.StatusQueued), now).
		Update("scheduled_for", nil)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
