package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when a caller sleeps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return nil
}

func newTestBucket(capacity int, window time.Duration) (*Bucket, *fakeClock) {
	clk := newFakeClock()
	return NewBucket(capacity, window, WithClock(clk.Now, clk.Sleep)), clk
}

func TestBucket_BurstThenEmpty(t *testing.T) {
	b, _ := newTestBucket(10, time.Second)

	for i := 0; i < 10; i++ {
		assert.True(t, b.TryAcquire(), "token %d", i)
	}
	assert.False(t, b.TryAcquire(), "bucket should be empty after capacity draws")
}

func TestBucket_ContinuousRefill(t *testing.T) {
	b, clk := newTestBucket(10, time.Second)

	for i := 0; i < 10; i++ {
		require.True(t, b.TryAcquire())
	}
	require.False(t, b.TryAcquire())

	// 100ms refills exactly one token at 10/s.
	clk.Sleep(context.Background(), 100*time.Millisecond)
	assert.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire())
}

func TestBucket_RefillCapsAtCapacity(t *testing.T) {
	b, clk := newTestBucket(10, time.Second)

	clk.Sleep(context.Background(), time.Hour)
	for i := 0; i < 10; i++ {
		assert.True(t, b.TryAcquire(), "token %d", i)
	}
	assert.False(t, b.TryAcquire())
}

// The limiter must never permit more than N acquisitions in any sliding
// window of the configured duration.
func TestBucket_SlidingWindowCeiling(t *testing.T) {
	const n = 10
	window := time.Second
	b, clk := newTestBucket(n, window)

	var grants []time.Time
	for i := 0; i < 35; i++ {
		require.NoError(t, b.Acquire(context.Background()))
		grants = append(grants, clk.Now())
	}

	for i := range grants {
		count := 0
		for j := i; j < len(grants); j++ {
			if grants[j].Sub(grants[i]) < window {
				count++
			}
		}
		assert.LessOrEqual(t, count, n, "window starting at grant %d", i)
	}
}

func TestBucket_AcquireBlocksUntilRefill(t *testing.T) {
	b, clk := newTestBucket(1, time.Second)

	start := clk.Now()
	require.NoError(t, b.Acquire(context.Background()))
	require.NoError(t, b.Acquire(context.Background()))
	// Second acquire had to wait a full window for one token.
	assert.Equal(t, time.Second, clk.Now().Sub(start))
}

func TestBucket_AcquireHonorsContext(t *testing.T) {
	b := NewBucket(1, time.Minute)
	require.NoError(t, b.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Acquire(ctx), context.Canceled)
}

func TestBucket_ConcurrentAcquire(t *testing.T) {
	// Real clock, small window: 40 goroutines through a 20-token bucket must
	// all get through without panics or lost tokens.
	b := NewBucket(20, 10*time.Millisecond)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.Acquire(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestRegistry_SharesBucketPerKey(t *testing.T) {
	r := NewRegistry(5, time.Second)
	a := r.Get("sms")
	b := r.Get("sms")
	c := r.Get("email")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
