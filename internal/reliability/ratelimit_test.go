package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(cfg LimitConfig) (*Limiter, *time.Time) {
	l := NewLimiter(cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterDeniesEleventhRequestInMinute(t *testing.T) {
	l, now := newTestLimiter(LimitConfig{PerMinute: 10})

	start := *now
	for i := 0; i < 10; i++ {
		d := l.Check("caller")
		require.True(t, d.Allowed, "request %d", i+1)
		*now = now.Add(time.Second)
	}

	d := l.Check("caller")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMinuteLimit, d.Reason)
	// Quota frees up one minute after the first recorded request.
	assert.Equal(t, start.Add(time.Minute), d.ResetAt)

	// Once the window slides past the oldest request, calls are allowed again.
	*now = start.Add(61 * time.Second)
	assert.True(t, l.Check("caller").Allowed)
}

func TestLimiterBurstWindow(t *testing.T) {
	l, now := newTestLimiter(LimitConfig{PerMinute: 100, Burst: 3, BurstWindow: 5 * time.Second})

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("caller").Allowed)
	}
	d := l.Check("caller")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBurstLimit, d.Reason)

	*now = now.Add(6 * time.Second)
	assert.True(t, l.Check("caller").Allowed)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(LimitConfig{PerMinute: 1})
	require.True(t, l.Check("a").Allowed)
	assert.False(t, l.Check("a").Allowed)
	assert.True(t, l.Check("b").Allowed)
}

func TestLimiterRemainingQuota(t *testing.T) {
	l, _ := newTestLimiter(LimitConfig{PerMinute: 5})
	d := l.Check("caller")
	require.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
}

func TestLimiterDeniedRequestNotRecorded(t *testing.T) {
	l, now := newTestLimiter(LimitConfig{PerMinute: 1})
	first := *now
	require.True(t, l.Check("caller").Allowed)

	*now = now.Add(30 * time.Second)
	require.False(t, l.Check("caller").Allowed)

	// The denial above must not push the reset time out.
	*now = first.Add(61 * time.Second)
	assert.True(t, l.Check("caller").Allowed)
}

func TestCostWindowRollsOff(t *testing.T) {
	c := NewCostWindow(time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Add(3.0)
	now = now.Add(30 * time.Minute)
	c.Add(2.0)
	assert.InDelta(t, 5.0, c.Total(), 1e-9)
	assert.False(t, c.Under(5.0))
	assert.True(t, c.Under(6.0))

	now = now.Add(45 * time.Minute)
	assert.InDelta(t, 2.0, c.Total(), 1e-9)
	assert.True(t, c.Under(5.0))
}
