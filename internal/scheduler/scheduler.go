package scheduler

import (
	"context"
	"time"

	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/internal/queue"
	"github.com/trainu/outreach-gateway/pkg/logger"
)

type MessageRepository interface {
	ListDueForAutoApproval(ctx context.Context, now time.Time, limit int) ([]*model.Message, error)
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Message, error)
	TransitionStatus(ctx context.Context, id int64, from, to model.MessageStatus, extra map[string]interface{}) (bool, error)
	ClearAutoApproval(ctx context.Context, id int64) (bool, error)
	ClaimScheduled(ctx context.Context, id int64, now time.Time) (bool, error)
}

type SettingsRepository interface {
	Get(ctx context.Context, ownerID int64) (model.TenantSettings, error)
}

type DispatchQueue interface {
	Enqueue(ctx context.Context, job queue.Job) (string, error)
}

type Config struct {
	TickInterval time.Duration
	BatchSize    int
}

// Scheduler runs the periodic work that moves messages without a human in the
// loop: promoting drafts whose auto-approval timer elapsed and re-enqueueing
// messages parked by the quiet-hours gate. All promotions are CAS-guarded, so
// a manual action racing a tick resolves to exactly one effect.
type Scheduler struct {
	messageRepo  MessageRepository
	settingsRepo SettingsRepository
	queue        DispatchQueue
	config       Config
	now          func() time.Time
}

func New(messageRepo MessageRepository, settingsRepo SettingsRepository, q DispatchQueue, config Config) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = 30 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Scheduler{
		messageRepo:  messageRepo,
		settingsRepo: settingsRepo,
		queue:        q,
		config:       config,
		now:          time.Now,
	}
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	logger.Info("scheduler started", "tick_interval", s.config.TickInterval.String())

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) {
	s.promoteDueDrafts(ctx)
	s.releaseParked(ctx)
}

// promoteDueDrafts queues every draft whose timer elapsed and whose
// confidence clears the owner's threshold. Settings are read per owner at
// evaluation time, so a threshold change applies to the next tick.
func (s *Scheduler) promoteDueDrafts(ctx context.Context) {
	due, err := s.messageRepo.ListDueForAutoApproval(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		logger.Error("failed to list due drafts", "error", err.Error())
		return
	}

	for _, m := range due {
		settings, err := s.settingsRepo.Get(ctx, m.OwnerID)
		if err != nil {
			logger.Error("failed to load settings", "owner_id", m.OwnerID, "error", err.Error())
			continue
		}

		if m.Confidence < settings.ConfidenceThreshold {
			// Below the bar: disarm the timer and leave the draft for a
			// manual decision.
			if _, err := s.messageRepo.ClearAutoApproval(ctx, m.ID); err != nil {
				logger.Error("failed to disarm auto-approval", "message_id", m.ID, "error", err.Error())
			}
			continue
		}

		promoted, err := s.messageRepo.TransitionStatus(ctx, m.ID, model.StatusDraft, model.StatusQueued, nil)
		if err != nil {
			logger.Error("failed to promote draft", "message_id", m.ID, "error", err.Error())
			continue
		}
		if !promoted {
			// Someone approved, rejected or disarmed it since the list query.
			continue
		}

		if err := s.enqueue(ctx, m); err != nil {
			logger.Error("failed to enqueue promoted message", "message_id", m.ID, "error", err.Error())
			continue
		}
		logger.Info("draft auto-approved", "message_id", m.ID, "owner_id", m.OwnerID, "confidence", m.Confidence)
	}
}

// releaseParked re-enqueues messages the dispatcher parked for quiet hours
// once their scheduled instant passes. ClaimScheduled clears the parking
// marker with a CAS, so each parking produces at most one re-enqueue even
// with several scheduler replicas.
func (s *Scheduler) releaseParked(ctx context.Context) {
	due, err := s.messageRepo.ListDueScheduled(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		logger.Error("failed to list parked messages", "error", err.Error())
		return
	}

	for _, m := range due {
		claimed, err := s.messageRepo.ClaimScheduled(ctx, m.ID, s.now())
		if err != nil {
			logger.Error("failed to claim parked message", "message_id", m.ID, "error", err.Error())
			continue
		}
		if !claimed {
			continue
		}

		if err := s.enqueue(ctx, m); err != nil {
			logger.Error("failed to re-enqueue parked message", "message_id", m.ID, "error", err.Error())
			continue
		}
		logger.Info("parked message released", "message_id", m.ID, "owner_id", m.OwnerID)
	}
}

func (s *Scheduler) enqueue(ctx context.Context, m *model.Message) error {
	_, err := s.queue.Enqueue(ctx, queue.Job{
		MessageID: m.ID,
		OwnerID:   m.OwnerID,
		Channel:   string(m.Channel),
	})
	return err
}
