// Package fallback decides when a session migrates from the streaming
// backend to the pipeline backend, combining per-session counters with
// system-wide cost, latency, and backend-health signals.
package fallback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voicedesk/receptionist/internal/reliability"
)

// ProbeFunc checks whether the streaming backend is reachable. A nil error
// means healthy.
type ProbeFunc func(ctx context.Context) error

// Health aggregates the system-wide signals the decision engine consults.
// One instance is shared by all sessions.
type Health struct {
	systemCost *reliability.CostWindow
	prober     ProbeFunc
	probeTTL   time.Duration
	now        func() time.Time

	mu             sync.Mutex
	latency        rollingWindow
	processing     rollingWindow
	globalFallback bool
	lastProbe      time.Time
	lastProbeErr   error
	probed         bool
}

// NewHealth creates the shared health aggregator. The cost window tracks
// rolling hourly spend; prober may be nil when no streaming backend is
// configured.
func NewHealth(systemCost *reliability.CostWindow, prober ProbeFunc, probeTTL time.Duration) *Health {
	if probeTTL <= 0 {
		probeTTL = 30 * time.Second
	}
	return &Health{
		systemCost: systemCost,
		prober:     prober,
		probeTTL:   probeTTL,
		now:        time.Now,
		latency:    rollingWindow{window: 5 * time.Minute},
		processing: rollingWindow{window: 5 * time.Minute},
	}
}

// RecordExchange feeds one exchange's latency, processing time, and cost
// into the rolling windows.
func (h *Health) RecordExchange(latency, processing time.Duration, costUSD float64) {
	h.systemCost.Add(costUSD)
	now := h.now()
	h.mu.Lock()
	h.latency.add(now, latency.Seconds())
	h.processing.add(now, processing.Seconds())
	h.mu.Unlock()
}

// AvgLatency returns the mean exchange latency over the last five minutes.
func (h *Health) AvgLatency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Duration(h.latency.avg(h.now()) * float64(time.Second))
}

// AvgProcessing returns the mean processing time over the last five minutes.
func (h *Health) AvgProcessing() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Duration(h.processing.avg(h.now()) * float64(time.Second))
}

// SystemCost exposes the rolling hourly cost window.
func (h *Health) SystemCost() *reliability.CostWindow { return h.systemCost }

// StreamingHealthy probes the streaming backend, caching the result for the
// probe TTL so per-exchange evaluation stays cheap. No prober means healthy.
func (h *Health) StreamingHealthy(ctx context.Context) bool {
	if h.prober == nil {
		return true
	}

	h.mu.Lock()
	if h.probed && h.now().Sub(h.lastProbe) < h.probeTTL {
		err := h.lastProbeErr
		h.mu.Unlock()
		return err == nil
	}
	h.mu.Unlock()

	err := h.prober(ctx)

	h.mu.Lock()
	h.probed = true
	h.lastProbe = h.now()
	h.lastProbeErr = err
	h.mu.Unlock()

	if err != nil {
		slog.Warn("streaming backend probe failed", "error", err)
	}
	return err == nil
}

// SetGlobalFallback flips the process-wide flag that forces all new sessions
// into pipeline mode.
func (h *Health) SetGlobalFallback(on bool) {
	h.mu.Lock()
	changed := h.globalFallback != on
	h.globalFallback = on
	h.mu.Unlock()
	if changed {
		slog.Warn("global fallback flag changed", "enabled", on)
	}
}

// GlobalFallback reports whether all new sessions are forced into pipeline
// mode.
func (h *Health) GlobalFallback() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.globalFallback
}

type healthSample struct {
	at  time.Time
	val float64
}

// rollingWindow keeps age-trimmed samples for a mean over a fixed window.
// Callers hold the Health mutex.
type rollingWindow struct {
	window  time.Duration
	samples []healthSample
}

func (w *rollingWindow) add(now time.Time, val float64) {
	w.samples = append(w.samples, healthSample{at: now, val: val})
	w.trim(now)
}

func (w *rollingWindow) avg(now time.Time) float64 {
	w.trim(now)
	if len(w.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range w.samples {
		sum += s.val
	}
	return sum / float64(len(w.samples))
}

func (w *rollingWindow) trim(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	w.samples = w.samples[i:]
}
