package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/internal/queue"
	"github.com/trainu/outreach-gateway/internal/repository"
	"github.com/trainu/outreach-gateway/pkg/logger"
)

var (
	ErrEmptyContent = fmt.Errorf("message content cannot be empty")
	ErrNotFound     = errors.New("message not found")
	// ErrMessageCompleted is returned when a control action hits a message
	// whose lifecycle already moved past the point where the action applies.
	ErrMessageCompleted = errors.New("message lifecycle already completed")
)

type MessageRepository interface {
	Create(ctx context.Context, m *model.Message) (*model.Message, error)
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	GetByProviderMessageID(ctx context.Context, providerID string) (*model.Message, error)
	List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) // results, totalCount
	TransitionStatus(ctx context.Context, id int64, from, to model.MessageStatus, extra map[string]interface{}) (bool, error)
	ClearAutoApproval(ctx context.Context, id int64) (bool, error)
}

type SettingsRepository interface {
	Get(ctx context.Context, ownerID int64) (model.TenantSettings, error)
	Upsert(ctx context.Context, s *model.TenantSettings) error
}

// DispatchQueue is the durable hand-off to the delivery side.
type DispatchQueue interface {
	Enqueue(ctx context.Context, job queue.Job) (string, error)
}

type MessageService struct {
	messageRepo  MessageRepository
	settingsRepo SettingsRepository
	queue        DispatchQueue
	now          func() time.Time
}

func NewMessageService(messageRepo MessageRepository, settingsRepo SettingsRepository, queue DispatchQueue) *MessageService {
	return &MessageService{
		messageRepo:  messageRepo,
		settingsRepo: settingsRepo,
		queue:        queue,
		now:          time.Now,
	}
}

// Create drafts a message. The auto-approval timer is armed at creation from
// the owner's configured delay; the scheduler later decides whether the
// confidence clears the bar.
func (s *MessageService) Create(ctx context.Context, p model.MessageCreateRequest) (*model.Message, error) {
	p.Content = strings.TrimSpace(p.Content)
	if p.Content == "" {
		return nil, ErrEmptyContent
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	settings, err := s.settingsRepo.Get(ctx, p.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	autoApprovalAt := s.now().Add(settings.AutoApprovalDelay)
	m := &model.Message{
		OwnerID:        p.OwnerID,
		RecipientID:    p.RecipientID,
		Channel:        p.Channel,
		Content:        p.Content,
		Status:         model.StatusDraft,
		Confidence:     p.Confidence,
		Reasons:        p.Reasons,
		AutoApprovalAt: &autoApprovalAt,
	}

	created, err := s.messageRepo.Create(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return created, nil
}

func (s *MessageService) Get(ctx context.Context, id int64) (*model.Message, error) {
	m, err := s.messageRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (s *MessageService) List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	return s.messageRepo.List(ctx, f)
}

// Approve promotes a draft to queued and enqueues it for delivery. Approving
// a message that is already queued or further along is a no-op; approving a
// dismissed or failed message is a conflict.
func (s *MessageService) Approve(ctx context.Context, id int64) (*model.Message, error) {
	changed, err := s.messageRepo.TransitionStatus(ctx, id, model.StatusDraft, model.StatusQueued, nil)
	if err != nil {
		return nil, err
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if changed {
		if err := s.enqueue(ctx, m); err != nil {
			return nil, err
		}
		return m, nil
	}

	switch m.Status {
	case model.StatusQueued, model.StatusSent, model.StatusDelivered, model.StatusRead:
		return m, nil
	default:
		return nil, ErrMessageCompleted
	}
}

// Reject dismisses a draft or a queued message that has not been sent yet.
// Already-dismissed messages are a no-op.
func (s *MessageService) Reject(ctx context.Context, id int64) (*model.Message, error) {
	changed, err := s.messageRepo.TransitionStatus(ctx, id, model.StatusDraft, model.StatusDismissed, nil)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Not a draft anymore; a queued message can still be pulled back as
		// long as the dispatcher has not won the row.
		changed, err = s.messageRepo.TransitionStatus(ctx, id, model.StatusQueued, model.StatusDismissed, nil)
		if err != nil {
			return nil, err
		}
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed && m.Status != model.StatusDismissed {
		return nil, ErrMessageCompleted
	}
	return m, nil
}

// Cancel dismisses a queued message before a send succeeded. The dispatcher
// CAS-es queued -> sent, so whoever lands first wins and the loser no-ops.
func (s *MessageService) Cancel(ctx context.Context, id int64) (*model.Message, error) {
	changed, err := s.messageRepo.TransitionStatus(ctx, id, model.StatusQueued, model.StatusDismissed, nil)
	if err != nil {
		return nil, err
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed && m.Status != model.StatusDismissed {
		return nil, ErrMessageCompleted
	}
	return m, nil
}

// CancelAutoApproval disarms the timer, leaving the message in draft for a
// manual decision. Safe to call repeatedly, and a no-op when the message
// already left draft: there is no timer left to disarm, which is exactly
// what the caller asked for.
func (s *MessageService) CancelAutoApproval(ctx context.Context, id int64) (*model.Message, error) {
	if _, err := s.messageRepo.ClearAutoApproval(ctx, id); err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

// BulkApproveResult reports per-message outcomes of a bulk approval.
type BulkApproveResult struct {
	Approved []int64          `json:"approved"`
	Skipped  map[int64]string `json:"skipped"`
}

// BulkApprove approves every listed draft whose confidence clears the given
// floor. Individual failures skip the message instead of aborting the batch.
func (s *MessageService) BulkApprove(ctx context.Context, ids []int64, minConfidence float64) (*BulkApproveResult, error) {
	result := &BulkApproveResult{
		Approved: make([]int64, 0, len(ids)),
		Skipped:  make(map[int64]string),
	}

	for _, id := range ids {
		m, err := s.Get(ctx, id)
		if err != nil {
			result.Skipped[id] = err.Error()
			continue
		}
		if m.Confidence < minConfidence {
			result.Skipped[id] = fmt.Sprintf("confidence %.2f below %.2f", m.Confidence, minConfidence)
			continue
		}

		if _, err := s.Approve(ctx, id); err != nil {
			result.Skipped[id] = err.Error()
			continue
		}
		result.Approved = append(result.Approved, id)
	}

	return result, nil
}

// ApplyReceipt advances sent -> delivered -> read from a provider callback.
// Receipts can arrive out of order or twice; anything that does not advance
// the chain is ignored.
func (s *MessageService) ApplyReceipt(ctx context.Context, r model.DeliveryReceipt) (*model.Message, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	m, err := s.messageRepo.GetByProviderMessageID(ctx, r.ProviderMessageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	// A read receipt implies delivery even when the delivered callback was
	// lost or is still in flight.
	if _, err := s.messageRepo.TransitionStatus(ctx, m.ID, model.StatusSent, model.StatusDelivered, nil); err != nil {
		return nil, err
	}
	if r.Status == string(model.StatusRead) {
		if _, err := s.messageRepo.TransitionStatus(ctx, m.ID, model.StatusDelivered, model.StatusRead, nil); err != nil {
			return nil, err
		}
	}

	return s.Get(ctx, m.ID)
}

func (s *MessageService) GetSettings(ctx context.Context, ownerID int64) (model.TenantSettings, error) {
	return s.settingsRepo.Get(ctx, ownerID)
}

func (s *MessageService) UpdateSettings(ctx context.Context, settings *model.TenantSettings) error {
	if settings.OwnerID == 0 {
		return errors.New("owner_id is required")
	}
	if settings.ConfidenceThreshold < 0 || settings.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be within [0,1]; got %v", settings.ConfidenceThreshold)
	}
	if settings.QuietStartHour < 0 || settings.QuietStartHour > 23 ||
		settings.QuietEndHour < 0 || settings.QuietEndHour > 23 {
		return errors.New("quiet hours must be within [0,23]")
	}
	return s.settingsRepo.Upsert(ctx, settings)
}

func (s *MessageService) enqueue(ctx context.Context, m *model.Message) error {
	_, err := s.queue.Enqueue(ctx, queue.Job{
		MessageID: m.ID,
		OwnerID:   m.OwnerID,
		Channel:   string(m.Channel),
	})
	if err != nil {
		return fmt.Errorf("enqueue message %d: %w", m.ID, err)
	}
	logger.Info("message queued for delivery", "message_id", m.ID, "owner_id", m.OwnerID)
	return nil
}
