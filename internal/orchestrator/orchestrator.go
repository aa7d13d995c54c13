// Package orchestrator owns the visitor session lifecycle: it selects a
// processing backend per session, serializes that session's exchanges,
// migrates a degraded session from streaming to pipeline mode, and reaps
// idle or overlong sessions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicedesk/receptionist/internal/bridge"
	"github.com/voicedesk/receptionist/internal/fallback"
	"github.com/voicedesk/receptionist/internal/metrics"
	"github.com/voicedesk/receptionist/internal/reliability"
	"github.com/voicedesk/receptionist/internal/session"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExists      = errors.New("session already active")
	ErrBackendUnavailable = errors.New("no backend available")
	ErrRateLimited        = errors.New("rate limited")
)

// Backend is one processing path for a session's audio. Implemented by the
// streaming and pipeline adapters.
type Backend interface {
	ProcessExchange(ctx context.Context, pcm []byte) (*session.ExchangeResult, error)
	Close(ctx context.Context) error
}

// StreamingFactory creates and connects a streaming adapter. A connect
// timeout or handshake rejection comes back as an error and the session
// starts in pipeline mode instead.
type StreamingFactory func(ctx context.Context, sessionID string) (Backend, error)

// PipelineFactory creates a pipeline adapter, the guaranteed-available path.
type PipelineFactory func(ctx context.Context, sessionID string) (Backend, error)

// Preferences carries per-call options from the transport layer.
type Preferences struct {
	ForcePipeline bool
	CallerKey     string // throttling identity (phone number, client ip)
}

// Limits is the resource envelope reported to the caller at session start.
type Limits struct {
	MaxSessionSeconds   int     `json:"max_session_seconds"`
	SessionCostLimitUSD float64 `json:"session_cost_limit_usd"`
}

// StartResult is the outcome of StartSession.
type StartResult struct {
	SessionID    string       `json:"session_id"`
	Mode         session.Mode `json:"mode"`
	Capabilities []string     `json:"capabilities"`
	Limits       Limits       `json:"limits"`
}

// Config wires the orchestrator's collaborators and limits.
type Config struct {
	StreamingEnabled    bool
	SystemCostLimitUSD  float64 // consulted at mode selection
	SessionCostLimitUSD float64 // reported in Limits

	NewStreaming StreamingFactory
	NewPipeline  PipelineFactory

	Decider *fallback.Engine
	Health  *fallback.Health
	Bridge  *bridge.Bridge
	Events  *session.EventLog
	Store   *session.Store       // optional durable session records
	Limiter *reliability.Limiter // optional caller throttling

	MaxSessionTime time.Duration
	IdleTimeout    time.Duration
	ReapInterval   time.Duration

	// Apology is spoken when both backends fail an exchange. The visitor
	// never sees a raw error.
	Apology string
}

// Orchestrator is safe for concurrent use across sessions; operations on the
// same session are serialized behind its exchange lock.
type Orchestrator struct {
	cfg      Config
	sessions *session.Registry

	mu       sync.Mutex
	backends map[string]Backend

	now func() time.Time
}

// New creates the orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if cfg.Apology == "" {
		cfg.Apology = "I'm sorry, I'm having trouble hearing you right now. Could you repeat that?"
	}
	return &Orchestrator{
		cfg:      cfg,
		sessions: session.NewRegistry(),
		backends: make(map[string]Backend),
		now:      time.Now,
	}
}

// StartSession creates a session, selects its backend mode, and initializes
// the chosen adapter. It fails only when both backends fail to initialize;
// a streaming connect failure silently selects pipeline.
func (o *Orchestrator) StartSession(ctx context.Context, sessionID string, prefs Preferences) (*StartResult, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if o.sessions.Get(sessionID) != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	if o.cfg.Limiter != nil && prefs.CallerKey != "" {
		if d := o.cfg.Limiter.Check(prefs.CallerKey); !d.Allowed {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, d.Reason)
		}
	}

	mode := session.ModePipeline
	var backend Backend
	if o.selectStreaming(ctx, prefs) {
		b, err := o.cfg.NewStreaming(ctx, sessionID)
		if err == nil {
			mode = session.ModeStreaming
			backend = b
		} else {
			slog.Warn("streaming backend unavailable, starting in pipeline mode", "session_id", sessionID, "error", err)
		}
	}
	if backend == nil {
		b, err := o.cfg.NewPipeline(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		backend = b
	}

	sess := session.New(sessionID, mode)
	o.sessions.Put(sess)
	o.setBackend(sessionID, backend)

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.WithLabelValues(string(mode)).Inc()
	slog.Info("session started", "session_id", sessionID, "mode", mode)

	if o.cfg.Store != nil {
		if err := o.cfg.Store.SaveStart(sess.Snapshot()); err != nil {
			slog.Warn("persist session start failed", "session_id", sessionID, "error", err)
		}
	}

	return &StartResult{
		SessionID:    sessionID,
		Mode:         mode,
		Capabilities: capabilities(mode),
		Limits: Limits{
			MaxSessionSeconds:   int(o.cfg.MaxSessionTime.Seconds()),
			SessionCostLimitUSD: o.cfg.SessionCostLimitUSD,
		},
	}, nil
}

// selectStreaming runs the mode-selection checks. Total function: any
// failed check means pipeline, never an error.
func (o *Orchestrator) selectStreaming(ctx context.Context, prefs Preferences) bool {
	if !o.cfg.StreamingEnabled || prefs.ForcePipeline {
		return false
	}
	if o.cfg.Health.GlobalFallback() {
		return false
	}
	if !o.cfg.Health.SystemCost().Under(o.cfg.SystemCostLimitUSD) {
		return false
	}
	return o.cfg.Health.StreamingHealthy(ctx)
}

// ProcessAudio routes one utterance to the session's active backend. A
// streaming failure migrates the session and replays the same audio on the
// pipeline; if that also fails the visitor gets the canned apology, never
// an error.
func (o *Orchestrator) ProcessAudio(ctx context.Context, sessionID string, pcm []byte) (*session.ExchangeResult, error) {
	sess := o.sessions.Get(sessionID)
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	sess.LockExchange()
	defer sess.UnlockExchange()

	// An in-flight exchange keeps the session out of the idle reaper's
	// reach even when the backend takes its full timeout budget.
	sess.Touch()

	start := o.now()
	mode := sess.Mode()
	backend := o.backendFor(sessionID)
	if backend == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	result, err := backend.ProcessExchange(ctx, pcm)
	if err != nil {
		sess.RecordError()
		metrics.ExchangesTotal.WithLabelValues(string(mode), "error").Inc()
		slog.Warn("exchange failed", "session_id", sessionID, "mode", mode, "error", err)

		if mode == session.ModeStreaming {
			// Adapter errors trigger migration immediately, without
			// waiting for the rolling-average checks.
			if mErr := o.migrate(ctx, sess, fallback.ReasonBackendUnhealthy); mErr == nil {
				if retried, rErr := o.backendFor(sessionID).ProcessExchange(ctx, pcm); rErr == nil {
					retried.FallbackTriggered = true
					o.finishExchange(ctx, sess, retried, start)
					o.saveProgress(sess)
					return retried, nil
				} else {
					err = rErr
				}
			}
		}
		return o.emergency(sess, err), nil
	}

	o.finishExchange(ctx, sess, result, start)

	if d := o.cfg.Decider.Evaluate(ctx, sess.Snapshot()); d.Fallback {
		if mErr := o.migrate(ctx, sess, d.Reason); mErr == nil {
			result.FallbackTriggered = true
		}
	}

	o.saveProgress(sess)
	return result, nil
}

// finishExchange records counters, rolling windows, and conversation turns
// for one successful exchange.
func (o *Orchestrator) finishExchange(ctx context.Context, sess *session.Session, result *session.ExchangeResult, start time.Time) {
	mode := sess.Mode()
	sess.RecordExchange(result.CostUSD, false)
	o.cfg.Health.RecordExchange(result.Latency, o.now().Sub(start), result.CostUSD)

	metrics.ExchangesTotal.WithLabelValues(string(mode), "ok").Inc()
	metrics.ExchangeDuration.WithLabelValues(string(mode)).Observe(result.Latency.Seconds())

	if result.Transcript != "" || result.ResponseText != "" {
		o.cfg.Bridge.RecordTurn(sess.ID(), result.Transcript, result.ResponseText)
	}
	sess.SetProgress(result.ConversationStep, result.VisitorInfo)
	if len(result.FunctionCalls) > 0 {
		sr, err := o.cfg.Bridge.SyncState(ctx, sess.ID(), nil)
		if err != nil {
			slog.Warn("state sync failed", "session_id", sess.ID(), "error", err)
		} else if sr.State != nil {
			sess.SetProgress(sr.State.CurrentStep, sr.State.VisitorFields())
		}
	}
}

// emergency builds the spoken apology returned when every backend failed.
func (o *Orchestrator) emergency(sess *session.Session, err error) *session.ExchangeResult {
	metrics.Errors.WithLabelValues("orchestrator", "emergency").Inc()
	slog.Error("all backends failed, returning apology", "session_id", sess.ID(), "error", err)
	return &session.ExchangeResult{
		ResponseText:      o.cfg.Apology,
		Success:           false,
		Error:             "temporary processing failure",
		FallbackTriggered: sess.Snapshot().FallbackTriggered,
	}
}

// migrate drains the failing adapter and switches the session to a fresh
// pipeline backend. One-way: there is no migrating back to streaming.
func (o *Orchestrator) migrate(ctx context.Context, sess *session.Session, reason string) error {
	id := sess.ID()
	sess.SetMode(session.ModeMigrating)

	if old := o.backendFor(id); old != nil {
		if err := old.Close(ctx); err != nil {
			slog.Warn("closing degraded backend", "session_id", id, "error", err)
		}
	}

	nb, err := o.cfg.NewPipeline(ctx, id)
	if err != nil {
		sess.SetMode(session.ModeStreaming)
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	o.setBackend(id, nb)
	sess.MarkFallback()

	o.cfg.Events.Append(id, reason)
	metrics.FallbacksTotal.WithLabelValues(reason).Inc()
	slog.Info("session migrated to pipeline", "session_id", id, "reason", reason)
	return nil
}

// EndSession tears down the session's adapter, flushes metrics and the
// durable record, and deletes the session. Returns the final snapshot.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) (session.Snapshot, error) {
	sess := o.sessions.Get(sessionID)
	if sess == nil {
		return session.Snapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if backend := o.backendFor(sessionID); backend != nil {
		if err := backend.Close(ctx); err != nil {
			slog.Warn("closing backend at session end", "session_id", sessionID, "error", err)
		}
	}

	// Wait out any in-flight exchange before deleting.
	sess.LockExchange()
	defer sess.UnlockExchange()

	snap := sess.Snapshot()
	o.cfg.Bridge.EndSession(sessionID)
	o.sessions.Delete(sessionID)
	o.deleteBackend(sessionID)

	metrics.SessionsActive.Dec()
	metrics.SessionCost.Observe(snap.CostUSD)
	slog.Info("session ended", "session_id", sessionID, "mode", snap.Mode,
		"messages", snap.MessageCount, "cost_usd", snap.CostUSD, "fallback", snap.FallbackTriggered)

	if o.cfg.Store != nil {
		if err := o.cfg.Store.SaveEnd(snap); err != nil {
			slog.Warn("persist session end failed", "session_id", sessionID, "error", err)
		}
	}
	return snap, nil
}

// Status returns a read-only snapshot of one session.
func (o *Orchestrator) Status(sessionID string) (session.Snapshot, error) {
	sess := o.sessions.Get(sessionID)
	if sess == nil {
		return session.Snapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess.Snapshot(), nil
}

// Sessions returns snapshots of every live session, for the dashboard.
func (o *Orchestrator) Sessions() []session.Snapshot {
	return o.sessions.Snapshots()
}

// RunReaper force-ends sessions past the maximum session time or idle
// timeout until ctx is cancelled. Run it in its own goroutine.
func (o *Orchestrator) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reap(ctx)
		}
	}
}

func (o *Orchestrator) reap(ctx context.Context) {
	for _, id := range o.sessions.Expired(o.now(), o.cfg.MaxSessionTime, o.cfg.IdleTimeout) {
		slog.Info("reaping expired session", "session_id", id)
		if _, err := o.EndSession(ctx, id); err != nil {
			slog.Warn("reap failed", "session_id", id, "error", err)
		}
	}
}

func (o *Orchestrator) saveProgress(sess *session.Session) {
	if o.cfg.Store == nil {
		return
	}
	if err := o.cfg.Store.SaveProgress(sess.Snapshot()); err != nil {
		slog.Warn("persist session progress failed", "session_id", sess.ID(), "error", err)
	}
}

func (o *Orchestrator) backendFor(id string) Backend {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.backends[id]
}

func (o *Orchestrator) setBackend(id string, b Backend) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.backends[id] = b
}

func (o *Orchestrator) deleteBackend(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.backends, id)
}

func capabilities(mode session.Mode) []string {
	if mode == session.ModeStreaming {
		return []string{"audio-in", "audio-out", "text", "function-calls", "low-latency"}
	}
	return []string{"audio-in", "audio-out", "text", "function-calls"}
}
