// Package streaming manages one bidirectional connection per session to the
// low-latency speech backend, turning raw audio in and out into structured
// events and delegating backend-issued function calls to the bridge.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voicedesk/receptionist/internal/bridge"
	"github.com/voicedesk/receptionist/internal/metrics"
	"github.com/voicedesk/receptionist/internal/reliability"
	"github.com/voicedesk/receptionist/internal/session"
)

// State is the adapter's lifecycle state.
type State string

const (
	StateInitializing    State = "initializing"
	StateConnected       State = "connected"
	StateStreaming       State = "streaming"
	StateFunctionCalling State = "function-calling"
	StateError           State = "error"
	StateDisconnected    State = "disconnected"
)

// ErrBackendRejected marks permanent backend conditions (auth, quota, rate
// limit) where retrying cannot succeed.
var ErrBackendRejected = errors.New("streaming backend rejected")

// Config tunes the streaming adapter. All limits are externally configured.
type Config struct {
	Dial            Dialer
	Voice           string
	Instructions    string
	SampleRate      int
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration // per attempt
	CollectTimeout  time.Duration // hard cap across one exchange
	MaxRetries      int           // additional attempts after the first
	BackoffBase     time.Duration
	CostPerAudioSec float64
	CostPerResponse float64
	Bridge          *bridge.Bridge
}

// Adapter drives the streaming backend for a single session. Not safe for
// concurrent exchanges; the orchestrator serializes per-session calls.
type Adapter struct {
	cfg       Config
	sessionID string

	conn    Conn
	events  chan ServerEvent
	readErr chan error

	writeMu sync.Mutex

	stateMu sync.Mutex
	state   State

	closeOnce sync.Once
	sleep     func(context.Context, time.Duration) error
}

// NewAdapter creates an adapter for one session. Connect must be called
// before ProcessExchange.
func NewAdapter(sessionID string, cfg Config) *Adapter {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 15 * time.Second
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = 45 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	return &Adapter{
		cfg:       cfg,
		sessionID: sessionID,
		events:    make(chan ServerEvent, 64),
		readErr:   make(chan error, 1),
		state:     StateInitializing,
		sleep:     sleepCtx,
	}
}

// State returns the adapter's current lifecycle state.
func (a *Adapter) State() State {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

func (a *Adapter) setState(s State) {
	a.stateMu.Lock()
	prev := a.state
	a.state = s
	a.stateMu.Unlock()
	if prev != s {
		slog.Debug("streaming adapter state", "session_id", a.sessionID, "from", prev, "to", s)
	}
}

// Connect dials the backend, sends the session configuration, and waits for
// the acknowledgement within the connect timeout. On timeout or rejection
// the adapter reports failure and the caller falls back to pipeline mode.
func (a *Adapter) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	conn, err := a.cfg.Dial(dialCtx)
	if err != nil {
		a.setState(StateError)
		return fmt.Errorf("streaming connect: %w", err)
	}
	a.conn = conn
	go a.readLoop()

	err = a.writeJSON(sessionConfigEvent{
		Type:         "session-config",
		Voice:        a.cfg.Voice,
		Instructions: a.cfg.Instructions,
		InputFormat:  "pcm16",
		OutputFormat: "pcm16",
		SampleRate:   a.cfg.SampleRate,
	})
	if err != nil {
		a.abortConnect()
		return fmt.Errorf("streaming handshake send: %w", err)
	}

	ackTimer := time.NewTimer(a.cfg.ConnectTimeout)
	defer ackTimer.Stop()
	for {
		select {
		case <-ctx.Done():
			a.abortConnect()
			return fmt.Errorf("streaming handshake: %w", ctx.Err())
		case <-ackTimer.C:
			a.abortConnect()
			return fmt.Errorf("streaming handshake: timeout waiting for session ack")
		case err := <-a.readErr:
			a.abortConnect()
			return fmt.Errorf("streaming handshake: %w", err)
		case ev := <-a.events:
			switch e := ev.(type) {
			case SessionUpdatedEvent:
				a.setState(StateConnected)
				return nil
			case ErrorEvent:
				a.abortConnect()
				return fmt.Errorf("streaming handshake rejected: %w", e)
			default:
				// Pre-ack noise (rate limits etc.) is ignored.
			}
		}
	}
}

// abortConnect closes the connection after a failed handshake so the socket
// and its read loop do not outlive the unusable adapter.
func (a *Adapter) abortConnect() {
	a.setState(StateError)
	a.closeOnce.Do(func() {
		if a.conn != nil {
			a.conn.Close()
		}
	})
}

// ProcessExchange forwards one utterance and collects the backend's response.
// Transient failures and timeouts are retried with exponential backoff up to
// MaxRetries additional attempts; auth/quota/rate-limit conditions
// short-circuit to ErrBackendRejected without retrying.
func (a *Adapter) ProcessExchange(ctx context.Context, pcm []byte) (*session.ExchangeResult, error) {
	if a.State() == StateDisconnected {
		return nil, fmt.Errorf("streaming exchange: adapter disconnected")
	}

	overall, cancel := context.WithTimeout(ctx, a.cfg.CollectTimeout)
	defer cancel()

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.cfg.BackoffBase * (1 << (attempt - 1))
			slog.Warn("streaming exchange retry", "session_id", a.sessionID, "attempt", attempt, "backoff", backoff, "error", lastErr)
			if err := a.sleep(overall, backoff); err != nil {
				break
			}
		}

		result, err := a.attemptExchange(overall, pcm)
		if err == nil {
			result.Latency = time.Since(start)
			a.setState(StateStreaming)
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrBackendRejected) || reliability.Permanent(err) {
			a.setState(StateError)
			metrics.Errors.WithLabelValues("streaming", "permanent").Inc()
			return nil, fmt.Errorf("streaming exchange: %w", err)
		}
		if overall.Err() != nil {
			break
		}
	}

	a.setState(StateError)
	metrics.Errors.WithLabelValues("streaming", "transient").Inc()
	return nil, fmt.Errorf("streaming exchange: %w", lastErr)
}

// attemptExchange runs one send→collect cycle under the per-attempt timeout.
func (a *Adapter) attemptExchange(ctx context.Context, pcm []byte) (*session.ExchangeResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.ResponseTimeout)
	defer cancel()

	a.drainEvents()
	a.setState(StateStreaming)
	if err := a.writeJSON(newAudioAppend(pcm)); err != nil {
		return nil, fmt.Errorf("audio append: %w", err)
	}
	if err := a.writeJSON(audioCommitEvent{Type: "audio-commit"}); err != nil {
		return nil, fmt.Errorf("audio commit: %w", err)
	}
	if err := a.writeJSON(responseCreateEvent{Type: "response-create"}); err != nil {
		return nil, fmt.Errorf("response create: %w", err)
	}

	return a.collectResponse(attemptCtx, float64(len(pcm)/2)/float64(a.cfg.SampleRate))
}

// drainEvents discards buffered events left over from a timed-out attempt so
// a retry does not consume the previous response's tail.
func (a *Adapter) drainEvents() {
	for {
		select {
		case <-a.events:
		default:
			return
		}
	}
}

// fragment accumulates streamed function-call arguments by call id.
type fragment struct {
	name string
	args strings.Builder
}

// collectResponse drains backend events until response-done, a cancellation,
// or the timeout, concatenating partial text/audio in arrival order and
// dispatching completed function calls to the bridge.
func (a *Adapter) collectResponse(ctx context.Context, inputAudioSec float64) (*session.ExchangeResult, error) {
	var (
		textBuf   strings.Builder
		audioBuf  []byte
		result    = &session.ExchangeResult{}
		fragments = map[string]*fragment{}
	)

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("response collection: %w", ctx.Err())
		case err := <-a.readErr:
			return nil, fmt.Errorf("backend read: %w", err)
		case ev := <-a.events:
			switch e := ev.(type) {
			case TranscriptCompletedEvent:
				result.Transcript = e.Transcript
			case ResponseTextDeltaEvent:
				textBuf.WriteString(e.Delta)
			case ResponseAudioDeltaEvent:
				audioBuf = append(audioBuf, e.Audio...)
			case FunctionCallArgsDeltaEvent:
				a.setState(StateFunctionCalling)
				frag, ok := fragments[e.CallID]
				if !ok {
					frag = &fragment{name: e.Name}
					fragments[e.CallID] = frag
				}
				frag.args.WriteString(e.Delta)
			case FunctionCallArgsDoneEvent:
				if err := a.handleFunctionCall(ctx, e, fragments, result); err != nil {
					return nil, err
				}
				a.setState(StateStreaming)
			case ResponseDoneEvent:
				result.ResponseText = textBuf.String()
				result.ResponseAudio = audioBuf
				result.Success = true
				result.CostUSD = a.exchangeCost(inputAudioSec, e.AudioSeconds)
				return result, nil
			case ResponseCancelledEvent:
				result.ResponseText = textBuf.String()
				result.ResponseAudio = audioBuf
				result.Success = true
				result.CostUSD = a.exchangeCost(inputAudioSec, 0)
				slog.Info("response cancelled by backend", "session_id", a.sessionID, "reason", e.Reason)
				return result, nil
			case RateLimitsEvent:
				if e.RequestsRemaining == 0 {
					return nil, fmt.Errorf("%w: rate limit exhausted, resets in %.0fs", ErrBackendRejected, e.ResetSeconds)
				}
			case ErrorEvent:
				if reliability.Permanent(e) {
					return nil, fmt.Errorf("%w: %s", ErrBackendRejected, e.Error())
				}
				return nil, e
			case UnknownEvent:
				slog.Debug("ignoring unknown backend event", "session_id", a.sessionID, "type", e.Type)
			}
		}
	}
}

// handleFunctionCall parses the accumulated arguments, executes the call
// through the bridge, and returns the output to the backend with a request
// for a new response.
func (a *Adapter) handleFunctionCall(ctx context.Context, done FunctionCallArgsDoneEvent, fragments map[string]*fragment, result *session.ExchangeResult) error {
	raw := done.Arguments
	name := done.Name
	if frag, ok := fragments[done.CallID]; ok {
		if raw == "" {
			raw = frag.args.String()
		}
		if name == "" {
			name = frag.name
		}
		delete(fragments, done.CallID)
	}

	var args map[string]any
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fmt.Errorf("malformed function arguments for %s: %w", name, err)
		}
	}

	req := session.FunctionCallRequest{
		CallID:    done.CallID,
		Name:      name,
		Arguments: args,
		SessionID: a.sessionID,
	}
	result.FunctionCalls = append(result.FunctionCalls, req)

	exec, err := a.cfg.Bridge.Execute(ctx, a.sessionID, name, args, done.CallID)
	output := map[string]any{"status": string(exec.Status)}
	if err != nil {
		// The backend gets the failure as call output and decides how to
		// speak about it; the exchange itself continues.
		output["error"] = exec.Error
	} else {
		output["result"] = exec.Result
	}
	payload, mErr := json.Marshal(output)
	if mErr != nil {
		return fmt.Errorf("marshal function output: %w", mErr)
	}

	if wErr := a.writeJSON(functionCallOutputEvent{Type: "function-call-output", CallID: done.CallID, Output: string(payload)}); wErr != nil {
		return fmt.Errorf("send function output: %w", wErr)
	}
	if wErr := a.writeJSON(responseCreateEvent{Type: "response-create"}); wErr != nil {
		return fmt.Errorf("request follow-up response: %w", wErr)
	}
	return nil
}

func (a *Adapter) exchangeCost(inputSec, outputSec float64) float64 {
	return (inputSec+outputSec)*a.cfg.CostPerAudioSec + a.cfg.CostPerResponse
}

// Close tears down the backend connection. Terminal: the adapter cannot be
// reused afterwards.
func (a *Adapter) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		a.setState(StateDisconnected)
		if a.conn != nil {
			err = a.conn.Close()
		}
	})
	return err
}

func (a *Adapter) writeJSON(v any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(v)
}

func (a *Adapter) readLoop() {
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			select {
			case a.readErr <- err:
			default:
			}
			return
		}
		ev, err := parseServerEvent(data)
		if err != nil {
			select {
			case a.readErr <- err:
			default:
			}
			return
		}
		a.events <- ev
	}
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
