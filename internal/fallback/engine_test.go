package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/voicedesk/receptionist/internal/reliability"
	"github.com/voicedesk/receptionist/internal/session"
)

func newTestEngine(cfg Config, prober ProbeFunc) (*Engine, *Health) {
	h := NewHealth(reliability.NewCostWindow(time.Hour), prober, time.Minute)
	e := NewEngine(cfg, h)
	return e, h
}

func streamingSnap() session.Snapshot {
	now := time.Now()
	return session.Snapshot{
		ID:        "s1",
		Mode:      session.ModeStreaming,
		CreatedAt: now,
	}
}

func TestConsecutiveErrorsAlwaysTriggers(t *testing.T) {
	e, _ := newTestEngine(Config{}, nil)

	snap := streamingSnap()
	snap.ConsecutiveErrors = 5

	d := e.Evaluate(context.Background(), snap)
	assert.True(t, d.Fallback)
	assert.Equal(t, ReasonExcessiveErrors, d.Reason)
}

func TestErrorRateCombinedThreshold(t *testing.T) {
	e, _ := newTestEngine(Config{}, nil)

	snap := streamingSnap()
	snap.MessageCount = 6
	snap.ErrorCount = 4 // rate 0.66, count above 3

	d := e.Evaluate(context.Background(), snap)
	assert.True(t, d.Fallback)
	assert.Equal(t, ReasonExcessiveErrors, d.Reason)

	snap.ErrorCount = 3 // at the count threshold, not above
	assert.False(t, e.Evaluate(context.Background(), snap).Fallback)
}

func TestSessionCostLimit(t *testing.T) {
	e, _ := newTestEngine(Config{SessionCostLimitUSD: 5.0}, nil)

	snap := streamingSnap()
	for _, usd := range []float64{2.0, 2.0, 1.5} {
		snap.CostUSD += usd
	}

	d := e.Evaluate(context.Background(), snap)
	assert.True(t, d.Fallback)
	assert.Equal(t, ReasonSessionCostLimit, d.Reason)
}

func TestSystemCostLimit(t *testing.T) {
	e, h := newTestEngine(Config{SystemCostLimitUSD: 10.0}, nil)
	h.RecordExchange(time.Second, time.Second, 12.0)

	d := e.Evaluate(context.Background(), streamingSnap())
	assert.True(t, d.Fallback)
	assert.Equal(t, ReasonSystemCostLimit, d.Reason)
}

func TestMaxSessionTime(t *testing.T) {
	e, _ := newTestEngine(Config{MaxSessionTime: 10 * time.Minute}, nil)

	snap := streamingSnap()
	snap.CreatedAt = time.Now().Add(-11 * time.Minute)

	d := e.Evaluate(context.Background(), snap)
	assert.True(t, d.Fallback)
	assert.Equal(t, ReasonMaxSessionTime, d.Reason)
}

func TestUnhealthyBackendIsMostSevere(t *testing.T) {
	prober := func(ctx context.Context) error { return errors.New("connection refused") }
	e, _ := newTestEngine(Config{SessionCostLimitUSD: 1.0}, prober)

	snap := streamingSnap()
	snap.CostUSD = 2.0 // also over the session cost limit

	d := e.Evaluate(context.Background(), snap)
	assert.True(t, d.Fallback)
	assert.Equal(t, ReasonBackendUnhealthy, d.Reason)
	assert.Equal(t, []string{ReasonBackendUnhealthy, ReasonSessionCostLimit}, d.Reasons)
}

func TestLatencyDegradation(t *testing.T) {
	e, h := newTestEngine(Config{MaxAvgLatency: 2 * time.Second}, nil)
	for range 3 {
		h.RecordExchange(5*time.Second, 100*time.Millisecond, 0.01)
	}

	d := e.Evaluate(context.Background(), streamingSnap())
	assert.True(t, d.Fallback)
	assert.Equal(t, ReasonLatencyDegraded, d.Reason)
}

func TestPipelineSessionsNotReevaluated(t *testing.T) {
	e, _ := newTestEngine(Config{}, nil)

	snap := streamingSnap()
	snap.Mode = session.ModePipeline
	snap.ConsecutiveErrors = 9

	d := e.Evaluate(context.Background(), snap)
	assert.False(t, d.Fallback)
	assert.Empty(t, d.Reasons)
}

func TestHealthySessionStaysStreaming(t *testing.T) {
	e, _ := newTestEngine(Config{
		MaxSessionTime:      30 * time.Minute,
		SessionCostLimitUSD: 5.0,
		SystemCostLimitUSD:  100.0,
		MaxAvgLatency:       3 * time.Second,
	}, nil)

	snap := streamingSnap()
	snap.MessageCount = 12
	snap.CostUSD = 0.8

	assert.False(t, e.Evaluate(context.Background(), snap).Fallback)
}

func TestProbeResultCached(t *testing.T) {
	var probes int
	prober := func(ctx context.Context) error { probes++; return nil }
	h := NewHealth(reliability.NewCostWindow(time.Hour), prober, time.Minute)

	for range 5 {
		assert.True(t, h.StreamingHealthy(context.Background()))
	}
	assert.Equal(t, 1, probes, "probe result must be cached for the TTL")
}

func TestProbeCacheExpires(t *testing.T) {
	var probes int
	prober := func(ctx context.Context) error { probes++; return nil }
	h := NewHealth(reliability.NewCostWindow(time.Hour), prober, time.Minute)

	base := time.Now()
	h.now = func() time.Time { return base }
	h.StreamingHealthy(context.Background())

	h.now = func() time.Time { return base.Add(2 * time.Minute) }
	h.StreamingHealthy(context.Background())
	assert.Equal(t, 2, probes)
}

func TestGlobalFallbackFlag(t *testing.T) {
	h := NewHealth(reliability.NewCostWindow(time.Hour), nil, time.Minute)
	assert.False(t, h.GlobalFallback())
	h.SetGlobalFallback(true)
	assert.True(t, h.GlobalFallback())
}
