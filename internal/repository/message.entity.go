package repository

import (
	"time"

	"github.com/lib/pq"
	"github.com/trainu/outreach-gateway/internal/model"
)

type MessageEntity struct {
	ID                int64          `db:"id"                  gorm:"primaryKey;autoIncrement;column:id"`
	OwnerID           int64          `db:"owner_id"            gorm:"column:owner_id;not null;index"`
	RecipientID       string         `db:"recipient_id"        gorm:"column:recipient_id;not null;index"`
	Channel           string         `db:"channel"             gorm:"column:channel;not null"`
	Content           string         `db:"content"             gorm:"column:content;not null"`
	Status            string         `db:"status"              gorm:"column:status;not null;index"`
	Confidence        float64        `db:"confidence"          gorm:"column:confidence;not null"`
	Reasons           pq.StringArray `db:"reasons"             gorm:"column:reasons;type:text[]"`
	ScheduledFor      *time.Time     `db:"scheduled_for"       gorm:"column:scheduled_for;index"`
	AutoApprovalAt    *time.Time     `db:"auto_approval_at"    gorm:"column:auto_approval_at;index"`
	ProviderMessageID *string        `db:"provider_message_id" gorm:"column:provider_message_id;index"`
	LastError         *string        `db:"last_error"          gorm:"column:last_error"`
	CreatedAt         time.Time      `db:"created_at"          gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `db:"updated_at"          gorm:"column:updated_at;autoUpdateTime"`
}

func (MessageEntity) TableName() string {
	return "messages"
}

func toMessageEntity(m *model.Message) *MessageEntity {
	if m == nil {
		return nil
	}
	return &MessageEntity{
		ID:                m.ID,
		OwnerID:           m.OwnerID,
		RecipientID:       m.RecipientID,
		Channel:           string(m.Channel),
		Content:           m.Content,
		Status:            string(m.Status),
		Confidence:        m.Confidence,
		Reasons:           m.Reasons,
		ScheduledFor:      m.ScheduledFor,
		AutoApprovalAt:    m.AutoApprovalAt,
		ProviderMessageID: m.ProviderMessageID,
		LastError:         m.LastError,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func toMessageModel(e *MessageEntity) *model.Message {
	if e == nil {
		return nil
	}
	return &model.Message{
		ID:                e.ID,
		OwnerID:           e.OwnerID,
		RecipientID:       e.RecipientID,
		Channel:           model.Channel(e.Channel),
		Content:           e.Content,
		Status:            model.MessageStatus(e.Status),
		Confidence:        e.Confidence,
		Reasons:           e.Reasons,
		ScheduledFor:      e.ScheduledFor,
		AutoApprovalAt:    e.AutoApprovalAt,
		ProviderMessageID: e.ProviderMessageID,
		LastError:         e.LastError,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func toMessageModels(entities []*MessageEntity) []*model.Message {
	if entities == nil {
		return nil
	}
	models := make([]*model.Message, len(entities))
	for i, e := range entities {
		models[i] = toMessageModel(e)
	}
	return models
}
