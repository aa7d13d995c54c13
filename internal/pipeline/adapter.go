package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voicedesk/receptionist/internal/audio"
	"github.com/voicedesk/receptionist/internal/engine"
	"github.com/voicedesk/receptionist/internal/metrics"
	"github.com/voicedesk/receptionist/internal/reliability"
	"github.com/voicedesk/receptionist/internal/session"
)

// engineBreaker is the shared breaker name for conversation-engine calls.
const engineBreaker = "conversation-engine"

// Config tunes the pipeline adapter. All limits are externally configured.
type Config struct {
	STT       *STTRouter
	STTEngine string

	TTS       *TTSRouter
	TTSEngine string
	TTSVoice  string

	Engine   engine.Engine
	Breakers *reliability.Registry

	InputSampleRate int           // rate of inbound pcm16, default 24000
	TurnTimeout     time.Duration // conversation-engine turn, default 30s

	CostPerExchange float64 // flat stt+engine cost per round trip
	CostPerTTSChar  float64
}

// Adapter drives one session through the stt -> engine -> tts pipeline. It
// holds no connection state, so it is always available and Close is trivial.
type Adapter struct {
	cfg       Config
	sessionID string
}

// NewAdapter creates a pipeline adapter for one session.
func NewAdapter(sessionID string, cfg Config) *Adapter {
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = 24000
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 30 * time.Second
	}
	return &Adapter{cfg: cfg, sessionID: sessionID}
}

// ProcessExchange transcribes one utterance, runs a conversation-engine turn,
// and synthesizes the spoken reply. A synthesis failure degrades to a
// text-only result rather than failing the exchange.
func (a *Adapter) ProcessExchange(ctx context.Context, pcm []byte) (*session.ExchangeResult, error) {
	start := time.Now()

	samples := audio.DecodePCM16(pcm)
	samples = audio.Resample(samples, a.cfg.InputSampleRate, 16000)

	tr, err := a.cfg.STT.Transcribe(ctx, samples, a.cfg.STTEngine)
	if err != nil {
		return nil, fmt.Errorf("pipeline stt: %w", err)
	}

	transcript := strings.TrimSpace(tr.Text)
	if transcript == "" {
		// Silence or noise: nothing to say back.
		return &session.ExchangeResult{Success: true, Latency: time.Since(start)}, nil
	}

	turn, err := a.processTurn(ctx, transcript)
	if err != nil {
		metrics.Errors.WithLabelValues("engine", "turn").Inc()
		return nil, fmt.Errorf("pipeline turn: %w", err)
	}

	step := turn.NextStep
	if step == "" {
		step = turn.State.CurrentStep
	}
	result := &session.ExchangeResult{
		Transcript:       transcript,
		ResponseText:     turn.ResponseText,
		Success:          true,
		CostUSD:          a.cfg.CostPerExchange + float64(len(turn.ResponseText))*a.cfg.CostPerTTSChar,
		ConversationStep: step,
		VisitorInfo:      turn.State.VisitorFields(),
	}

	if turn.ResponseText != "" {
		tts, err := a.cfg.TTS.Synthesize(ctx, turn.ResponseText, a.cfg.TTSEngine, TTSOptions{Voice: a.cfg.TTSVoice})
		if err != nil {
			// The visitor still gets the text reply.
			slog.Warn("tts synthesis failed, returning text only", "session_id", a.sessionID, "error", err)
		} else {
			result.ResponseAudio = tts.Audio
		}
	}

	result.Latency = time.Since(start)
	return result, nil
}

// processTurn runs one conversation-engine turn under the shared engine
// breaker and the turn timeout.
func (a *Adapter) processTurn(ctx context.Context, transcript string) (*engine.TurnResult, error) {
	turnCtx, cancel := context.WithTimeout(ctx, a.cfg.TurnTimeout)
	defer cancel()

	start := time.Now()
	var turn *engine.TurnResult
	call := func(ctx context.Context) error {
		var err error
		turn, err = a.cfg.Engine.ProcessTurn(ctx, a.sessionID, transcript)
		return err
	}

	var err error
	if a.cfg.Breakers != nil {
		err = a.cfg.Breakers.Get(engineBreaker).Do(turnCtx, call)
	} else {
		err = call(turnCtx)
	}
	if err != nil {
		return nil, err
	}

	metrics.StageDuration.WithLabelValues("engine").Observe(time.Since(start).Seconds())
	return turn, nil
}

// Close releases the adapter. The pipeline holds no backend connection.
func (a *Adapter) Close(ctx context.Context) error { return nil }
