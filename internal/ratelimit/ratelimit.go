// Package ratelimit provides the token-bucket throttle shared by dispatch
// workers. One bucket per outbound channel; Acquire never rejects, it delays
// the caller until a token is available.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultCapacity = 10
	DefaultWindow   = time.Second
)

// Bucket is a token bucket with continuous refill: Capacity tokens per
// Window, accumulating up to Capacity. Safe for concurrent use.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	refill   float64 // tokens per nanosecond
	tokens   float64
	last     time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option overrides a bucket's time source, used by tests to drive a
// simulated clock.
type Option func(*Bucket)

func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Bucket) {
		b.now = now
		b.sleep = sleep
	}
}

func NewBucket(capacity int, window time.Duration, opts ...Option) *Bucket {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = DefaultWindow
	}
	b := &Bucket{
		capacity: float64(capacity),
		refill:   float64(capacity) / float64(window.Nanoseconds()),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.tokens = b.capacity
	b.last = b.now()
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire blocks until one token is available, then consumes it. It returns
// early only when the context is cancelled. No ordering guarantee among
// concurrent callers.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.advance()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.refill)
		b.mu.Unlock()

		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// TryAcquire consumes a token without blocking; false when none available.
func (b *Bucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// advance refills by elapsed wall time. Caller holds b.mu.
func (b *Bucket) advance() {
	now := b.now()
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now
	b.tokens += float64(elapsed.Nanoseconds()) * b.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Registry hands out one shared bucket per key (channel or channel+owner).
type Registry struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	opts     []Option
	buckets  map[string]*Bucket
}

func NewRegistry(capacity int, window time.Duration, opts ...Option) *Registry {
	return &Registry{
		capacity: capacity,
		window:   window,
		opts:     opts,
		buckets:  make(map[string]*Bucket),
	}
}

func (r *Registry) Get(key string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok {
		b = NewBucket(r.capacity, r.window, r.opts...)
		r.buckets[key] = b
	}
	return b
}
