package gateway

import (
	"context"
	"time"

	"github.com/trainu/outreach-gateway/pkg/logger"
)

// RetryPolicy is exponential backoff over retryable provider failures.
// Terminal errors (4xx other than 429, auth, validation) abort immediately;
// exhausting MaxAttempts returns the last error.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int

	sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    5 * time.Second,
		MaxAttempts: 3,
	}
}

// WithSleep overrides the delay function, used by tests to observe backoff
// without waiting.
func (p RetryPolicy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetryPolicy {
	p.sleep = sleep
	return p
}

// DelayFor returns the backoff before retrying after the given 1-based
// failed attempt.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Send runs provider.Send under the policy.
func (p RetryPolicy) Send(ctx context.Context, provider Provider, req *SendRequest) (*SendResponse, error) {
	sleep := p.sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		resp, err := provider.Send(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			logger.Warn("Terminal provider error, not retrying",
				"message_id", req.MessageID, "attempt", attempt, "error", err)
			return nil, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.DelayFor(attempt)
		logger.Warn("Send failed, backing off",
			"message_id", req.MessageID, "attempt", attempt, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}
