package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedesk/receptionist/internal/engine"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, samples []float32) (*Transcription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Transcription{Text: f.text}, nil
}

type fakeSynthesizer struct {
	audio []byte
	err   error
	calls int
}

func (f *fakeSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.audio, nil
}

type fakeEngine struct {
	turn *engine.TurnResult
	err  error
}

func (f *fakeEngine) ProcessTurn(ctx context.Context, sessionID, utterance string) (*engine.TurnResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.turn, nil
}

func (f *fakeEngine) GetState(ctx context.Context, sessionID string) (*engine.State, error) {
	return &engine.State{}, nil
}

func newTestAdapter(stt Transcriber, tts Synthesizer, eng engine.Engine) *Adapter {
	return NewAdapter("s1", Config{
		STT:             NewSTTRouter(map[string]Transcriber{"whisper": stt}, "whisper"),
		STTEngine:       "whisper",
		TTS:             NewTTSRouter(map[string]Synthesizer{"piper": tts}, "piper"),
		TTSEngine:       "piper",
		Engine:          eng,
		CostPerExchange: 0.01,
		CostPerTTSChar:  0.001,
	})
}

func TestProcessExchangeFullRoundTrip(t *testing.T) {
	tts := &fakeSynthesizer{audio: []byte{1, 2, 3}}
	a := newTestAdapter(
		&fakeTranscriber{text: "I'd like to book an appointment"},
		tts,
		&fakeEngine{turn: &engine.TurnResult{
			ResponseText: "When works for you?",
			NextStep:     "check_availability",
			State:        engine.State{VisitorName: "Dana", Purpose: "consultation"},
		}},
	)

	result, err := a.ProcessExchange(context.Background(), make([]byte, 4800))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "I'd like to book an appointment", result.Transcript)
	assert.Equal(t, "When works for you?", result.ResponseText)
	assert.Equal(t, []byte{1, 2, 3}, result.ResponseAudio)
	assert.InDelta(t, 0.01+float64(len("When works for you?"))*0.001, result.CostUSD, 1e-9)
	assert.Equal(t, 1, tts.calls)
	assert.Equal(t, "check_availability", result.ConversationStep)
	assert.Equal(t, map[string]string{"name": "Dana", "purpose": "consultation"}, result.VisitorInfo)
}

func TestProcessExchangeSilenceShortCircuits(t *testing.T) {
	tts := &fakeSynthesizer{}
	a := newTestAdapter(&fakeTranscriber{text: "  "}, tts, &fakeEngine{err: errors.New("engine must not be called")})

	result, err := a.ProcessExchange(context.Background(), make([]byte, 480))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Transcript)
	assert.Zero(t, tts.calls)
}

func TestProcessExchangeSTTFailure(t *testing.T) {
	a := newTestAdapter(&fakeTranscriber{err: errors.New("whisper status 503")}, &fakeSynthesizer{}, &fakeEngine{})

	_, err := a.ProcessExchange(context.Background(), make([]byte, 480))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline stt")
}

func TestProcessExchangeTTSFailureDegradesToText(t *testing.T) {
	a := newTestAdapter(
		&fakeTranscriber{text: "hello"},
		&fakeSynthesizer{err: errors.New("piper down")},
		&fakeEngine{turn: &engine.TurnResult{ResponseText: "Hi there!"}},
	)

	result, err := a.ProcessExchange(context.Background(), make([]byte, 480))
	require.NoError(t, err, "a synthesis failure must not fail the exchange")
	assert.True(t, result.Success)
	assert.Equal(t, "Hi there!", result.ResponseText)
	assert.Nil(t, result.ResponseAudio)
}

func TestRouterFallsBackToDefault(t *testing.T) {
	primary := &fakeTranscriber{text: "primary"}
	r := NewSTTRouter(map[string]Transcriber{"whisper": primary}, "whisper")

	tr, err := r.Transcribe(context.Background(), nil, "nonexistent")
	require.NoError(t, err)
	assert.Equal(t, "primary", tr.Text)

	empty := NewSTTRouter(map[string]Transcriber{}, "whisper")
	_, err = empty.Transcribe(context.Background(), nil, "whisper")
	assert.Error(t, err)
}
