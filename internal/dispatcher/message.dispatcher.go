package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"time"

	gateway "github.com/trainu/outreach-gateway/internal/gateways"
	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/internal/queue"
	"github.com/trainu/outreach-gateway/internal/quiethours"
	"github.com/trainu/outreach-gateway/internal/ratelimit"
	"github.com/trainu/outreach-gateway/internal/repository"
	"github.com/trainu/outreach-gateway/pkg/logger"
	"github.com/trainu/outreach-gateway/pkg/prom"
)

type MessageRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	MarkSent(ctx context.Context, id int64, providerMessageID string) (bool, error)
	MarkFailed(ctx context.Context, id int64, lastError string) (bool, error)
	SetScheduledFor(ctx context.Context, id int64, at time.Time) (bool, error)
}

type SettingsRepository interface {
	Get(ctx context.Context, ownerID int64) (model.TenantSettings, error)
}

// MessageDispatcher delivers one queued message: quiet-hours gate, rate
// limiter, provider send with retries, then the queued -> sent|failed swap.
type MessageDispatcher struct {
	messageRepo  MessageRepository
	settingsRepo SettingsRepository
	provider     gateway.Provider
	retry        gateway.RetryPolicy
	limiters     *ratelimit.Registry
	ledger       *DeliveryLedger
	now          func() time.Time
}

func NewMessageDispatcher(
	messageRepo MessageRepository,
	settingsRepo SettingsRepository,
	provider gateway.Provider,
	retry gateway.RetryPolicy,
	limiters *ratelimit.Registry,
	ledger *DeliveryLedger,
) *MessageDispatcher {
	return &MessageDispatcher{
		messageRepo:  messageRepo,
		settingsRepo: settingsRepo,
		provider:     provider,
		retry:        retry,
		limiters:     limiters,
		ledger:       ledger,
		now:          time.Now,
	}
}

// Dispatch handles one queue delivery. A nil return acks the entry; an error
// leaves it pending for redelivery.
func (p *MessageDispatcher) Dispatch(ctx context.Context, d *queue.Delivery) error {
	m, err := p.messageRepo.GetByID(ctx, d.Job.MessageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Error("queued message does not exist", "message_id", d.Job.MessageID)
			return nil
		}
		return err
	}

	// A cancel, a sibling worker or an earlier attempt got here first.
	if m.Status != model.StatusQueued {
		logger.Info("message no longer queued, skipping",
			"message_id", m.ID, "status", string(m.Status))
		prom.IncDispatchOutcome("skipped", string(m.Channel))
		return nil
	}

	settings, err := p.settingsRepo.Get(ctx, m.OwnerID)
	if err != nil {
		return err
	}

	decision := quiethours.Evaluate(p.now(), settings.Location(), quiethours.Window{
		StartHour: settings.QuietStartHour,
		EndHour:   settings.QuietEndHour,
	})
	if !decision.Allowed {
		return p.park(ctx, d, m, decision.NextAllowed)
	}

	// An entry that arrived ahead of its parking instant is acked and left to
	// the scheduler, which re-enqueues the row once scheduled_for passes.
	if m.ScheduledFor != nil && m.ScheduledFor.After(p.now()) {
		logger.Info("message not due yet, deferring to scheduler",
			"message_id", m.ID, "scheduled_for", m.ScheduledFor.Format(time.RFC3339))
		return d.Ack()
	}

	messageID := strconv.FormatInt(m.ID, 10)

	attempt, err := p.ledger.Begin(ctx, messageID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadySent):
			// A previous attempt reached the provider but crashed before the
			// row swap. Repair the row without resending.
			return p.repairSent(ctx, m, messageID)
		case errors.Is(err, ErrAttemptsExhausted):
			p.fail(ctx, m, "delivery attempts exhausted")
			return nil
		case errors.Is(err, ErrLockHeld):
			return err
		default:
			return err
		}
	}
	defer p.ledger.Release(ctx, attempt)

	if err := p.limiters.Get(string(m.Channel)).Acquire(ctx); err != nil {
		return err
	}

	req := &gateway.SendRequest{
		MessageID:   messageID,
		OwnerID:     m.OwnerID,
		RecipientID: m.RecipientID,
		Channel:     m.Channel,
		Content:     m.Content,
	}

	resp, err := p.retry.Send(ctx, p.provider, req)
	if err != nil {
		_ = p.ledger.MarkFailed(ctx, attempt, err)
		if gateway.IsRetryable(err) {
			p.fail(ctx, m, "retries exhausted: "+err.Error())
		} else {
			p.fail(ctx, m, err.Error())
		}
		return nil
	}

	// Marker before row swap, so a crash between the two gets repaired on
	// redelivery instead of resending.
	if err := p.ledger.MarkSent(ctx, attempt, resp.ProviderMessageID); err != nil {
		logger.Error("failed to record sent marker", "message_id", m.ID, "error", err)
	}

	swapped, err := p.messageRepo.MarkSent(ctx, m.ID, resp.ProviderMessageID)
	if err != nil {
		return err
	}
	if !swapped {
		// The send went out but a concurrent cancel won the row. Keep the
		// terminal status; the provider id is in the ledger for audit.
		logger.Warn("message cancelled while sending",
			"message_id", m.ID, "provider_message_id", resp.ProviderMessageID)
		return nil
	}

	acceptedAt := resp.AcceptedAt
	if acceptedAt.IsZero() {
		// Provider response without an accept timestamp.
		acceptedAt = p.now()
	}
	prom.IncDispatchOutcome("sent", string(m.Channel))
	prom.AddDeliveryDuration(acceptedAt.Sub(m.CreatedAt).Seconds(), string(m.Channel))
	logger.Info("message sent",
		"message_id", m.ID,
		"owner_id", m.OwnerID,
		"provider_message_id", resp.ProviderMessageID,
		"attempt", attempt.Count+1)
	return nil
}

// park defers the message to the end of the recipient's quiet window. The
// entry is acked; the scheduler re-enqueues the row when scheduled_for
// passes, which survives restarts.
func (p *MessageDispatcher) park(ctx context.Context, d *queue.Delivery, m *model.Message, until time.Time) error {
	parked, err := p.messageRepo.SetScheduledFor(ctx, m.ID, until)
	if err != nil {
		return err
	}
	if parked {
		prom.IncDispatchOutcome("parked", string(m.Channel))
		logger.Info("message parked for quiet hours",
			"message_id", m.ID, "owner_id", m.OwnerID, "until", until.Format(time.RFC3339))
	}
	return d.Ack()
}

func (p *MessageDispatcher) repairSent(ctx context.Context, m *model.Message, messageID string) error {
	providerID, err := p.ledger.SentProviderID(ctx, messageID)
	if err != nil {
		return err
	}
	if providerID == "" {
		logger.Error("sent marker present without provider id", "message_id", m.ID)
		return nil
	}
	if _, err := p.messageRepo.MarkSent(ctx, m.ID, providerID); err != nil {
		return err
	}
	logger.Info("repaired sent status after crash",
		"message_id", m.ID, "provider_message_id", providerID)
	return nil
}

func (p *MessageDispatcher) fail(ctx context.Context, m *model.Message, reason string) {
	swapped, err := p.messageRepo.MarkFailed(ctx, m.ID, reason)
	if err != nil {
		logger.Error("failed to mark message failed", "message_id", m.ID, "error", err)
		return
	}
	if swapped {
		prom.IncDispatchOutcome("failed", string(m.Channel))
		logger.Error("message delivery failed", "message_id", m.ID, "reason", reason)
	}
}
