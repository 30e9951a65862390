package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trainu/outreach-gateway/pkg/logger"
	"github.com/trainu/outreach-gateway/pkg/redis"
)

var (
	ErrAlreadySent       = errors.New("message already handed to provider")
	ErrLockHeld          = errors.New("delivery lock held by another worker")
	ErrAttemptsExhausted = errors.New("delivery attempts exhausted")
)

type LedgerConfig struct {
	LockTTL time.Duration

	SentTTL time.Duration

	MaxAttempts int

	AttemptKeyPrefix string

	LockKeyPrefix string

	SentKeyPrefix string
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		LockTTL:          30 * time.Second,
		SentTTL:          24 * time.Hour,
		MaxAttempts:      5,
		AttemptKeyPrefix: "delivery:attempt:",
		LockKeyPrefix:    "delivery:lock:",
		SentKeyPrefix:    "delivery:sent:",
	}
}

// DeliveryLedger guarantees at-most-once provider hand-off across dispatcher
// crashes and queue redeliveries. The sent marker is written before the row
// status, so a crash between the two is repaired on redelivery instead of
// producing a duplicate send.
type DeliveryLedger struct {
	redis  redis.RedisAdapter
	config LedgerConfig
}

func NewDeliveryLedger(redisAdapter redis.RedisAdapter, config LedgerConfig) *DeliveryLedger {
	return &DeliveryLedger{
		redis:  redisAdapter,
		config: config,
	}
}

// Attempt is one worker's exclusive claim on a message delivery.
type Attempt struct {
	MessageID string
	Count     int
	lockHeld  bool
}

// Begin claims the message for this worker. It fails with ErrAlreadySent when
// a previous attempt already reached the provider, ErrAttemptsExhausted when
// the per-message attempt budget is spent, and ErrLockHeld when another
// worker is on it right now.
func (l *DeliveryLedger) Begin(ctx context.Context, messageID string) (*Attempt, error) {
	sentKey := l.config.SentKeyPrefix + messageID
	exists, err := l.redis.Exist(sentKey)
	if err != nil {
		logger.Warn("failed to check sent marker", "message_id", messageID, "error", err)
		// Better to risk a duplicate (the provider dedupes on the
		// idempotency key) than to block delivery.
	} else if exists > 0 {
		return nil, ErrAlreadySent
	}

	attemptKey := l.config.AttemptKeyPrefix + messageID
	count := 0
	if raw, err := l.redis.Get(attemptKey); err == nil && len(raw) > 0 {
		fmt.Sscanf(string(raw), "%d", &count)
	}

	if count >= l.config.MaxAttempts {
		return nil, fmt.Errorf("%w: message_id=%s, attempts=%d", ErrAttemptsExhausted, messageID, count)
	}

	lockKey := l.config.LockKeyPrefix + messageID
	lockValue := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))

	acquired, err := l.redis.SetNX(lockKey, lockValue, l.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockHeld, err)
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	return &Attempt{
		MessageID: messageID,
		Count:     count,
		lockHeld:  true,
	}, nil
}

// MarkSent records the provider hand-off. The marker holds the
// provider-assigned id so a redelivery can repair the row without resending.
func (l *DeliveryLedger) MarkSent(ctx context.Context, a *Attempt, providerMessageID string) error {
	sentKey := l.config.SentKeyPrefix + a.MessageID
	if err := l.redis.Set(sentKey, []byte(providerMessageID), l.config.SentTTL); err != nil {
		return fmt.Errorf("failed to write sent marker: %w", err)
	}

	l.cleanup(ctx, a)
	return nil
}

// MarkFailed burns one attempt and releases the lock so a redelivery can try
// again.
func (l *DeliveryLedger) MarkFailed(ctx context.Context, a *Attempt, reason error) error {
	attemptKey := l.config.AttemptKeyPrefix + a.MessageID
	next := a.Count + 1

	if err := l.redis.Set(attemptKey, []byte(fmt.Sprintf("%d", next)), l.config.SentTTL); err != nil {
		logger.Error("failed to bump attempt counter", "message_id", a.MessageID, "error", err)
	}

	lockKey := l.config.LockKeyPrefix + a.MessageID
	if err := l.redis.Del(lockKey); err != nil {
		logger.Warn("failed to release delivery lock", "message_id", a.MessageID, "error", err)
	}
	a.lockHeld = false

	logger.Warn("delivery attempt failed",
		"message_id", a.MessageID,
		"attempt", next,
		"max_attempts", l.config.MaxAttempts,
		"reason", reason)
	return nil
}

// Release frees the lock without consuming an attempt.
func (l *DeliveryLedger) Release(ctx context.Context, a *Attempt) error {
	if a == nil || !a.lockHeld {
		return nil
	}

	lockKey := l.config.LockKeyPrefix + a.MessageID
	if err := l.redis.Del(lockKey); err != nil {
		logger.Warn("failed to release delivery lock", "message_id", a.MessageID, "error", err)
		return err
	}
	a.lockHeld = false
	return nil
}

// SentProviderID returns the provider message id recorded by MarkSent, empty
// when the message was never handed off.
func (l *DeliveryLedger) SentProviderID(ctx context.Context, messageID string) (string, error) {
	raw, err := l.redis.Get(l.config.SentKeyPrefix + messageID)
	if err != nil {
		if err == redis.NilError {
			return "", nil
		}
		return "", err
	}
	return string(raw), nil
}

func (l *DeliveryLedger) AttemptCount(ctx context.Context, messageID string) (int, error) {
	raw, err := l.redis.Get(l.config.AttemptKeyPrefix + messageID)
	if err != nil {
		if err == redis.NilError {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	fmt.Sscanf(string(raw), "%d", &count)
	return count, nil
}

func (l *DeliveryLedger) cleanup(ctx context.Context, a *Attempt) {
	if err := l.redis.Del(l.config.LockKeyPrefix + a.MessageID); err != nil {
		logger.Warn("failed to cleanup delivery lock", "message_id", a.MessageID, "error", err)
	}
	if err := l.redis.Del(l.config.AttemptKeyPrefix + a.MessageID); err != nil {
		logger.Warn("failed to cleanup attempt counter", "message_id", a.MessageID, "error", err)
	}
	a.lockHeld = false
}
