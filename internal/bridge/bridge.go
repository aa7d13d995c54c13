// Package bridge turns backend-issued function calls into domain operations
// against the external conversation engine, and reconciles state divergence
// between the two through SyncState.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicedesk/receptionist/internal/engine"
	"github.com/voicedesk/receptionist/internal/metrics"
	"github.com/voicedesk/receptionist/internal/reliability"
)

// Turn is one user→assistant exchange kept for repair-time re-extraction.
type Turn struct {
	User      string
	Assistant string
}

// InfoExtractor re-derives visitor fields from recent conversation turns.
// Used by the repair routine when the engine's state and the execution log
// disagree about collected information.
type InfoExtractor interface {
	Extract(ctx context.Context, turns []Turn) (map[string]string, error)
}

// Config holds bridge dependencies and tuning.
type Config struct {
	Engine      engine.Engine
	Breakers    *reliability.Registry
	Extractor   InfoExtractor
	CallTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	Repair      RepairStrategy
}

// Bridge validates, executes, and reconciles function calls for all sessions.
type Bridge struct {
	cfg Config
	log *ExecutionLog

	mu    sync.Mutex
	turns map[string][]Turn

	sleep func(context.Context, time.Duration) error
}

// New creates a bridge. Zero config fields get working defaults.
func New(cfg Config) *Bridge {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	b := &Bridge{
		cfg:   cfg,
		log:   NewExecutionLog(),
		turns: make(map[string][]Turn),
		sleep: sleepCtx,
	}
	if b.cfg.Repair == nil {
		b.cfg.Repair = &heuristicRepair{bridge: b}
	}
	return b
}

// Log exposes the execution log for consistency checks and status endpoints.
func (b *Bridge) Log() *ExecutionLog { return b.log }

// RecordTurn keeps a bounded window of recent turns per session for the
// repair routine's information re-extraction.
func (b *Bridge) RecordTurn(sessionID, user, assistant string) {
	const keep = 20
	b.mu.Lock()
	defer b.mu.Unlock()
	turns := append(b.turns[sessionID], Turn{User: user, Assistant: assistant})
	if len(turns) > keep {
		turns = turns[len(turns)-keep:]
	}
	b.turns[sessionID] = turns
}

// RecentTurns returns the kept turns for a session.
func (b *Bridge) RecentTurns(sessionID string) []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Turn(nil), b.turns[sessionID]...)
}

// EndSession clears all per-session bridge state.
func (b *Bridge) EndSession(sessionID string) {
	b.log.Clear(sessionID)
	b.mu.Lock()
	delete(b.turns, sessionID)
	b.mu.Unlock()
}

// Execute validates args, runs the mapped engine operation with retry, and
// records the execution in the session's log. Validation failures return
// ErrInvalidParameters without any attempt; non-retryable engine errors fail
// after the first attempt.
func (b *Bridge) Execute(ctx context.Context, sessionID, fn string, args map[string]any, callID string) (*Execution, error) {
	exec := &Execution{
		CallID:    callID,
		SessionID: sessionID,
		Function:  fn,
		Status:    StatusPending,
		Args:      args,
		StartedAt: time.Now(),
	}
	b.log.append(exec)

	normalized, err := validateArgs(fn, args)
	if err != nil {
		exec.advance(StatusFailed)
		exec.Error = err.Error()
		exec.Attempts = 1
		b.finish(exec)
		return exec, err
	}
	exec.Args = normalized
	exec.advance(StatusExecuting)

	result, err := b.executeWithRetry(ctx, sessionID, fn, normalized, exec)
	if err != nil {
		exec.advance(StatusFailed)
		exec.Error = err.Error()
		b.finish(exec)
		return exec, fmt.Errorf("execute %s: %w", fn, err)
	}

	exec.Result = result
	exec.advance(StatusCompleted)
	if next, ok := suggestedNext[fn]; ok {
		exec.SuggestedNext = next
		slog.Info("function suggests follow-up", "session_id", sessionID, "function", fn, "next", next)
	}
	b.finish(exec)
	return exec, nil
}

func (b *Bridge) executeWithRetry(ctx context.Context, sessionID, fn string, args map[string]any, exec *Execution) (map[string]any, error) {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		exec.Attempts = attempt

		callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
		result, err := b.callEngine(callCtx, sessionID, fn, args)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !reliability.Retryable(err) {
			return nil, err
		}
		if attempt == b.cfg.MaxAttempts {
			break
		}

		backoff := b.cfg.BackoffBase * (1 << (attempt - 1))
		slog.Warn("function call retry", "session_id", sessionID, "function", fn, "attempt", attempt, "backoff", backoff, "error", err)
		if sleepErr := b.sleep(ctx, backoff); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, lastErr
}

// callEngine maps a function call to a conversation-engine operation. The
// engine recognizes action directives on its turn interface; the result
// payload carries its structured response.
func (b *Bridge) callEngine(ctx context.Context, sessionID, fn string, args map[string]any) (map[string]any, error) {
	call := func(ctx context.Context) (*engine.TurnResult, error) {
		return b.cfg.Engine.ProcessTurn(ctx, sessionID, directive(fn, args))
	}

	var turn *engine.TurnResult
	var err error
	if b.cfg.Breakers != nil {
		brErr := b.cfg.Breakers.Get("conversation-engine").Do(ctx, func(ctx context.Context) error {
			turn, err = call(ctx)
			return err
		})
		if err == nil && brErr != nil {
			err = brErr
		}
	} else {
		turn, err = call(ctx)
	}
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"response_text": turn.ResponseText,
		"next_step":     turn.NextStep,
		"completed":     turn.Completed,
	}, nil
}

// directive renders the canonical action utterance for the engine's turn
// interface.
func directive(fn string, args map[string]any) string {
	payload, err := json.Marshal(args)
	if err != nil {
		payload = []byte("{}")
	}
	return fmt.Sprintf("#action %s %s", fn, payload)
}

func (b *Bridge) finish(exec *Execution) {
	exec.Elapsed = time.Since(exec.StartedAt)
	exec.ElapsedMs = float64(exec.Elapsed.Milliseconds())
	metrics.FunctionCallsTotal.WithLabelValues(exec.Function, string(exec.Status)).Inc()
	metrics.FunctionCallDuration.Observe(exec.Elapsed.Seconds())
	slog.Info("function call finished",
		"session_id", exec.SessionID,
		"function", exec.Function,
		"call_id", exec.CallID,
		"status", exec.Status,
		"attempts", exec.Attempts,
		"elapsed_ms", exec.ElapsedMs,
	)
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
