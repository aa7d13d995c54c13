package fallback

import (
	"context"
	"time"

	"github.com/voicedesk/receptionist/internal/session"
)

// Fallback reasons, most severe first. When several triggers fire on the
// same evaluation the decision carries the most severe one.
const (
	ReasonBackendUnhealthy   = "streaming_backend_unhealthy"
	ReasonExcessiveErrors    = "excessive_errors"
	ReasonSystemCostLimit    = "system_cost_limit_exceeded"
	ReasonSessionCostLimit   = "session_cost_limit_exceeded"
	ReasonMaxSessionTime     = "max_session_time_exceeded"
	ReasonLatencyDegraded    = "latency_degraded"
	ReasonProcessingDegraded = "processing_time_degraded"
)

// Config holds the migration thresholds. Zero values disable the
// corresponding check except the error thresholds, which default on.
type Config struct {
	MaxSessionTime      time.Duration
	SessionCostLimitUSD float64
	SystemCostLimitUSD  float64 // rolling hourly

	MaxConsecutiveErrors int     // default 5
	ErrorCountThreshold  int     // default 3, combined with the rate below
	ErrorRateThreshold   float64 // default 0.5

	MaxAvgLatency    time.Duration
	MaxAvgProcessing time.Duration
}

// Decision is the outcome of one post-exchange evaluation.
type Decision struct {
	Fallback bool
	Reason   string   // most severe trigger
	Reasons  []string // every trigger that fired, most severe first
}

// Engine evaluates whether a session should migrate to pipeline mode.
type Engine struct {
	cfg    Config
	health *Health
	now    func() time.Time
}

// NewEngine creates the decision engine over the shared health aggregator.
func NewEngine(cfg Config, health *Health) *Engine {
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	if cfg.ErrorCountThreshold <= 0 {
		cfg.ErrorCountThreshold = 3
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 0.5
	}
	return &Engine{cfg: cfg, health: health, now: time.Now}
}

// Evaluate runs all triggers against one session snapshot. Sessions already
// in pipeline mode are never re-evaluated; there is no migrating back.
func (e *Engine) Evaluate(ctx context.Context, snap session.Snapshot) Decision {
	if snap.Mode != session.ModeStreaming {
		return Decision{}
	}

	var reasons []string

	if !e.health.StreamingHealthy(ctx) {
		reasons = append(reasons, ReasonBackendUnhealthy)
	}

	if snap.ConsecutiveErrors >= e.cfg.MaxConsecutiveErrors ||
		(snap.ErrorCount > e.cfg.ErrorCountThreshold && snap.ErrorRate() > e.cfg.ErrorRateThreshold) {
		reasons = append(reasons, ReasonExcessiveErrors)
	}

	if !e.health.SystemCost().Under(e.cfg.SystemCostLimitUSD) {
		reasons = append(reasons, ReasonSystemCostLimit)
	}

	if e.cfg.SessionCostLimitUSD > 0 && snap.CostUSD > e.cfg.SessionCostLimitUSD {
		reasons = append(reasons, ReasonSessionCostLimit)
	}

	if e.cfg.MaxSessionTime > 0 && snap.Duration(e.now()) > e.cfg.MaxSessionTime {
		reasons = append(reasons, ReasonMaxSessionTime)
	}

	if e.cfg.MaxAvgLatency > 0 && e.health.AvgLatency() > e.cfg.MaxAvgLatency {
		reasons = append(reasons, ReasonLatencyDegraded)
	}
	if e.cfg.MaxAvgProcessing > 0 && e.health.AvgProcessing() > e.cfg.MaxAvgProcessing {
		reasons = append(reasons, ReasonProcessingDegraded)
	}

	if len(reasons) == 0 {
		return Decision{}
	}
	return Decision{Fallback: true, Reason: reasons[0], Reasons: reasons}
}
