package streaming

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ServerEvent is one decoded envelope from the streaming backend. The wire
// format is a JSON object with a "type" discriminator; unknown types decode
// to UnknownEvent so new backend events never break a session.
type ServerEvent interface {
	eventType() string
}

type SessionUpdatedEvent struct{}

func (SessionUpdatedEvent) eventType() string { return "session-updated" }

type TranscriptCompletedEvent struct {
	Transcript string
}

func (TranscriptCompletedEvent) eventType() string { return "transcript-completed" }

type ResponseTextDeltaEvent struct {
	Delta string
}

func (ResponseTextDeltaEvent) eventType() string { return "response-text-delta" }

type ResponseAudioDeltaEvent struct {
	Audio []byte
}

func (ResponseAudioDeltaEvent) eventType() string { return "response-audio-delta" }

type FunctionCallArgsDeltaEvent struct {
	CallID string
	Name   string
	Delta  string
}

func (FunctionCallArgsDeltaEvent) eventType() string { return "function-call-arguments-delta" }

type FunctionCallArgsDoneEvent struct {
	CallID    string
	Name      string
	Arguments string
}

func (FunctionCallArgsDoneEvent) eventType() string { return "function-call-arguments-done" }

type ResponseDoneEvent struct {
	AudioSeconds float64
}

func (ResponseDoneEvent) eventType() string { return "response-done" }

type ResponseCancelledEvent struct {
	Reason string
}

func (ResponseCancelledEvent) eventType() string { return "response-cancelled" }

type RateLimitsEvent struct {
	RequestsRemaining int
	ResetSeconds      float64
}

func (RateLimitsEvent) eventType() string { return "rate-limits-updated" }

type ErrorEvent struct {
	Code    string
	Message string
}

func (ErrorEvent) eventType() string { return "error" }

func (e ErrorEvent) Error() string {
	return fmt.Sprintf("backend error %s: %s", e.Code, e.Message)
}

type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) eventType() string { return e.Type }

// wireEvent is the superset envelope used for decoding.
type wireEvent struct {
	Type              string  `json:"type"`
	Transcript        string  `json:"transcript,omitempty"`
	Delta             string  `json:"delta,omitempty"`
	Audio             string  `json:"audio,omitempty"`
	CallID            string  `json:"call_id,omitempty"`
	Name              string  `json:"name,omitempty"`
	Arguments         string  `json:"arguments,omitempty"`
	AudioSeconds      float64 `json:"audio_seconds,omitempty"`
	Reason            string  `json:"reason,omitempty"`
	RequestsRemaining int     `json:"requests_remaining,omitempty"`
	ResetSeconds      float64 `json:"reset_seconds,omitempty"`
	Error             *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// parseServerEvent decodes one inbound frame. A malformed frame is an error;
// a well-formed frame of an unrecognized type is an UnknownEvent.
func parseServerEvent(data []byte) (ServerEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("malformed backend event: %w", err)
	}

	switch w.Type {
	case "session-updated":
		return SessionUpdatedEvent{}, nil
	case "transcript-completed":
		return TranscriptCompletedEvent{Transcript: w.Transcript}, nil
	case "response-text-delta":
		return ResponseTextDeltaEvent{Delta: w.Delta}, nil
	case "response-audio-delta":
		audio, err := base64.StdEncoding.DecodeString(w.Audio)
		if err != nil {
			return nil, fmt.Errorf("malformed audio delta: %w", err)
		}
		return ResponseAudioDeltaEvent{Audio: audio}, nil
	case "function-call-arguments-delta":
		return FunctionCallArgsDeltaEvent{CallID: w.CallID, Name: w.Name, Delta: w.Delta}, nil
	case "function-call-arguments-done":
		return FunctionCallArgsDoneEvent{CallID: w.CallID, Name: w.Name, Arguments: w.Arguments}, nil
	case "response-done":
		return ResponseDoneEvent{AudioSeconds: w.AudioSeconds}, nil
	case "response-cancelled":
		return ResponseCancelledEvent{Reason: w.Reason}, nil
	case "rate-limits-updated":
		return RateLimitsEvent{RequestsRemaining: w.RequestsRemaining, ResetSeconds: w.ResetSeconds}, nil
	case "error":
		ev := ErrorEvent{}
		if w.Error != nil {
			ev.Code = w.Error.Code
			ev.Message = w.Error.Message
		}
		return ev, nil
	case "":
		return nil, fmt.Errorf("malformed backend event: missing type")
	default:
		return UnknownEvent{Type: w.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// Outbound client events.

type sessionConfigEvent struct {
	Type         string `json:"type"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
	InputFormat  string `json:"input_audio_format"`
	OutputFormat string `json:"output_audio_format"`
	SampleRate   int    `json:"sample_rate"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func newAudioAppend(pcm []byte) audioAppendEvent {
	return audioAppendEvent{Type: "audio-append", Audio: base64.StdEncoding.EncodeToString(pcm)}
}

type audioCommitEvent struct {
	Type string `json:"type"`
}

type responseCreateEvent struct {
	Type string `json:"type"`
}

type functionCallOutputEvent struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}
