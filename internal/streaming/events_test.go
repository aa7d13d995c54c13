package streaming

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerEvent(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03})

	cases := []struct {
		name string
		raw  string
		want ServerEvent
	}{
		{"session updated", `{"type":"session-updated"}`, SessionUpdatedEvent{}},
		{"transcript", `{"type":"transcript-completed","transcript":"hello"}`, TranscriptCompletedEvent{Transcript: "hello"}},
		{"text delta", `{"type":"response-text-delta","delta":"Hi "}`, ResponseTextDeltaEvent{Delta: "Hi "}},
		{"audio delta", `{"type":"response-audio-delta","audio":"` + audio + `"}`, ResponseAudioDeltaEvent{Audio: []byte{0x01, 0x02, 0x03}}},
		{"fc delta", `{"type":"function-call-arguments-delta","call_id":"c1","name":"book_appointment","delta":"{\"da"}`, FunctionCallArgsDeltaEvent{CallID: "c1", Name: "book_appointment", Delta: `{"da`}},
		{"fc done", `{"type":"function-call-arguments-done","call_id":"c1","name":"book_appointment","arguments":"{}"}`, FunctionCallArgsDoneEvent{CallID: "c1", Name: "book_appointment", Arguments: "{}"}},
		{"done", `{"type":"response-done","audio_seconds":2.5}`, ResponseDoneEvent{AudioSeconds: 2.5}},
		{"cancelled", `{"type":"response-cancelled","reason":"barge-in"}`, ResponseCancelledEvent{Reason: "barge-in"}},
		{"rate limits", `{"type":"rate-limits-updated","requests_remaining":3,"reset_seconds":12}`, RateLimitsEvent{RequestsRemaining: 3, ResetSeconds: 12}},
		{"error", `{"type":"error","error":{"code":"unauthorized","message":"bad key"}}`, ErrorEvent{Code: "unauthorized", Message: "bad key"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseServerEvent([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseServerEventUnknownType(t *testing.T) {
	got, err := parseServerEvent([]byte(`{"type":"usage-report","tokens":42}`))
	require.NoError(t, err)
	unknown, ok := got.(UnknownEvent)
	require.True(t, ok)
	assert.Equal(t, "usage-report", unknown.Type)
	assert.JSONEq(t, `{"type":"usage-report","tokens":42}`, string(unknown.Raw))
}

func TestParseServerEventMalformed(t *testing.T) {
	_, err := parseServerEvent([]byte(`{"type":`))
	assert.Error(t, err)

	_, err = parseServerEvent([]byte(`{"transcript":"no type"}`))
	assert.Error(t, err)

	_, err = parseServerEvent([]byte(`{"type":"response-audio-delta","audio":"not base64!"}`))
	assert.Error(t, err)
}

func TestErrorEventMessage(t *testing.T) {
	e := ErrorEvent{Code: "server_error", Message: "upstream unavailable"}
	assert.Equal(t, "backend error server_error: upstream unavailable", e.Error())
}

func TestNewAudioAppendEncodesBase64(t *testing.T) {
	ev := newAudioAppend([]byte{0xFF, 0x00, 0x7F})
	assert.Equal(t, "audio-append", ev.Type)

	decoded, err := base64.StdEncoding.DecodeString(ev.Audio)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x00, 0x7F}, decoded)
}
