package quiethours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultWindow = Window{StartHour: 21, EndHour: 8}

func TestEvaluate_WrappingWindow(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	t.Run("22:00 local is blocked until 08:00 next day", func(t *testing.T) {
		now := time.Date(2025, 3, 10, 22, 0, 0, 0, loc)
		d := Evaluate(now, loc, defaultWindow)
		assert.False(t, d.Allowed)
		assert.Equal(t, time.Date(2025, 3, 11, 8, 0, 0, 0, loc), d.NextAllowed)
	})

	t.Run("03:00 local is blocked until 08:00 same day", func(t *testing.T) {
		now := time.Date(2025, 3, 10, 3, 30, 0, 0, loc)
		d := Evaluate(now, loc, defaultWindow)
		assert.False(t, d.Allowed)
		assert.Equal(t, time.Date(2025, 3, 10, 8, 0, 0, 0, loc), d.NextAllowed)
	})

	t.Run("exactly at end hour is allowed", func(t *testing.T) {
		now := time.Date(2025, 3, 10, 8, 0, 0, 0, loc)
		d := Evaluate(now, loc, defaultWindow)
		assert.True(t, d.Allowed)
	})

	t.Run("exactly at start hour is blocked", func(t *testing.T) {
		now := time.Date(2025, 3, 10, 21, 0, 0, 0, loc)
		d := Evaluate(now, loc, defaultWindow)
		assert.False(t, d.Allowed)
	})

	t.Run("mid-afternoon is allowed", func(t *testing.T) {
		now := time.Date(2025, 3, 10, 15, 0, 0, 0, loc)
		d := Evaluate(now, loc, defaultWindow)
		assert.True(t, d.Allowed)
	})
}

func TestEvaluate_NonWrappingWindow(t *testing.T) {
	w := Window{StartHour: 12, EndHour: 14}

	d := Evaluate(time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), time.UTC, w)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC), d.NextAllowed)

	assert.True(t, Evaluate(time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC), time.UTC, w).Allowed)
	assert.True(t, Evaluate(time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC), time.UTC, w).Allowed)
}

func TestEvaluate_EmptyWindowDisablesGate(t *testing.T) {
	w := Window{StartHour: 9, EndHour: 9}
	for hour := 0; hour < 24; hour++ {
		now := time.Date(2025, 6, 1, hour, 0, 0, 0, time.UTC)
		assert.True(t, Evaluate(now, time.UTC, w).Allowed, "hour %d", hour)
	}
}

func TestEvaluate_TimezoneMatters(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 13:00 UTC is 22:00 in Tokyo: blocked there, allowed in UTC.
	now := time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)
	assert.False(t, Evaluate(now, tokyo, defaultWindow).Allowed)
	assert.True(t, Evaluate(now, time.UTC, defaultWindow).Allowed)
}

func TestEvaluate_NilLocationFallsBackToUTC(t *testing.T) {
	now := time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC)
	d := Evaluate(now, nil, defaultWindow)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC), d.NextAllowed)
}
