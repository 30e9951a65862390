package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	// ErrInvalidTransition is returned when a status change is not in the
	// allowed-transition table.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelBoth  Channel = "both"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelBoth:
		return true
	}
	return false
}

// MessageStatus is the lifecycle state of an outbound message. The set is
// closed; anything outside the transition table below is rejected.
type MessageStatus string

const (
	StatusDraft     MessageStatus = "draft"
	StatusQueued    MessageStatus = "queued"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
	StatusDismissed MessageStatus = "dismissed"
)

// transitions is the explicit allowed-transition table.
//
// draft  -> queued (approval, manual or timed) | dismissed (reject)
// queued -> sent (dispatch success) | failed (retries exhausted / terminal
//           provider error) | dismissed (cancel before a send succeeded)
// sent   -> delivered -> read, driven by provider callbacks only.
var transitions = map[MessageStatus][]MessageStatus{
	StatusDraft:     {StatusQueued, StatusDismissed},
	StatusQueued:    {StatusSent, StatusFailed, StatusDismissed},
	StatusSent:      {StatusDelivered},
	StatusDelivered: {StatusRead},
}

// CanTransition reports whether s -> to is a legal transition.
func (s MessageStatus) CanTransition(to MessageStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s MessageStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusQueued, StatusSent, StatusDelivered, StatusRead, StatusFailed, StatusDismissed:
		return true
	}
	return false
}

// Message is one unit of outbound communication. Rows are never deleted;
// terminal states are retained for audit.
//
// Invariant: AutoApprovalAt is non-nil iff Status is draft and the message is
// eligible for timed promotion. Every operation that moves the status out of
// draft clears it.
type Message struct {
	ID                int64          `json:"id"                  gorm:"primaryKey;autoIncrement;column:id"`
	OwnerID           int64          `json:"owner_id"            gorm:"column:owner_id;not null;index"`
	RecipientID       string         `json:"recipient_id"        gorm:"column:recipient_id;not null;index"`
	Channel           Channel        `json:"channel"             gorm:"column:channel;not null"`
	Content           string         `json:"content"             gorm:"column:content;not null"`
	Status            MessageStatus  `json:"status"              gorm:"column:status;not null;index"`
	Confidence        float64        `json:"confidence"          gorm:"column:confidence;not null"`
	Reasons           pq.StringArray `json:"reasons"             gorm:"column:reasons;type:text[]"`
	ScheduledFor      *time.Time     `json:"scheduled_for"       gorm:"column:scheduled_for;index"`
	AutoApprovalAt    *time.Time     `json:"auto_approval_at"    gorm:"column:auto_approval_at;index"`
	ProviderMessageID *string        `json:"provider_message_id" gorm:"column:provider_message_id;index"`
	LastError         *string        `json:"last_error"          gorm:"column:last_error"`
	CreatedAt         time.Time      `json:"created_at"          gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `json:"updated_at"          gorm:"column:updated_at;autoUpdateTime"`
}

func (Message) TableName() string { return "messages" }

// MessageCreateRequest is the input for drafting a message. Content arrives
// already compliance-annotated; confidence comes from the upstream generator.
type MessageCreateRequest struct {
	OwnerID     int64
	RecipientID string
	Channel     Channel
	Content     string
	Confidence  float64
	Reasons     []string
}

func (p MessageCreateRequest) Validate() error {
	if p.OwnerID == 0 {
		return errors.New("owner_id is required")
	}
	if p.RecipientID == "" {
		return errors.New("recipient_id is required")
	}
	if !p.Channel.Valid() {
		return fmt.Errorf("channel must be one of sms, email, both; got %q", p.Channel)
	}
	if p.Content == "" {
		return errors.New("content is required")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence must be within [0,1]; got %v", p.Confidence)
	}
	return nil
}

// MessageFilter controls List queries.
type MessageFilter struct {
	OwnerID  *int64
	Statuses []MessageStatus
	From     *time.Time
	To       *time.Time
	Limit    int // default 50
	Offset   int
	Desc     bool // order by created_at
}

// DeliveryReceipt is an inbound provider callback advancing the
// sent -> delivered -> read chain.
type DeliveryReceipt struct {
	ProviderMessageID string    `json:"provider_message_id"`
	Status            string    `json:"status"` // delivered | read
	OccurredAt        time.Time `json:"occurred_at"`
}

func (r DeliveryReceipt) Validate() error {
	if r.ProviderMessageID == "" {
		return errors.New("provider_message_id is required")
	}
	if r.Status != string(StatusDelivered) && r.Status != string(StatusRead) {
		return fmt.Errorf("unknown receipt status %q", r.Status)
	}
	return nil
}
