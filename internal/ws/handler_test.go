package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedesk/receptionist/internal/bridge"
	"github.com/voicedesk/receptionist/internal/engine"
	"github.com/voicedesk/receptionist/internal/fallback"
	"github.com/voicedesk/receptionist/internal/orchestrator"
	"github.com/voicedesk/receptionist/internal/reliability"
	"github.com/voicedesk/receptionist/internal/session"
)

type stubEngine struct{}

func (stubEngine) ProcessTurn(ctx context.Context, sessionID, utterance string) (*engine.TurnResult, error) {
	return &engine.TurnResult{ResponseText: "ok"}, nil
}

func (stubEngine) GetState(ctx context.Context, sessionID string) (*engine.State, error) {
	return &engine.State{}, nil
}

type echoBackend struct{}

func (echoBackend) ProcessExchange(ctx context.Context, pcm []byte) (*session.ExchangeResult, error) {
	return &session.ExchangeResult{
		Success:       true,
		Transcript:    "hello there",
		ResponseText:  "hi, how can I help?",
		ResponseAudio: []byte{0xAA, 0xBB},
		Latency:       50 * time.Millisecond,
	}, nil
}

func (echoBackend) Close(ctx context.Context) error { return nil }

func newTestServer(t *testing.T, maxChunk int) *httptest.Server {
	t.Helper()
	health := fallback.NewHealth(reliability.NewCostWindow(time.Hour), nil, time.Minute)
	orch := orchestrator.New(orchestrator.Config{
		NewPipeline: func(ctx context.Context, id string) (orchestrator.Backend, error) {
			return echoBackend{}, nil
		},
		Decider: fallback.NewEngine(fallback.Config{}, health),
		Health:  health,
		Bridge:  bridge.New(bridge.Config{Engine: stubEngine{}}),
		Events:  session.NewEventLog(time.Hour),
	})
	srv := httptest.NewServer(NewHandler(HandlerConfig{Orchestrator: orch, MaxChunkBytes: maxChunk}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (Event, []byte) {
	t.Helper()
	var audio []byte
	for {
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if msgType == websocket.BinaryMessage {
			audio = data
			continue
		}
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev, audio
	}
}

func TestCallRoundTrip(t *testing.T) {
	srv := newTestServer(t, 0)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(callMetadata{Codec: "pcm", SampleRate: 24000}))

	started, _ := readEvent(t, conn)
	assert.Equal(t, "session-started", started.Type)
	assert.NotEmpty(t, started.SessionID)
	assert.Equal(t, session.ModePipeline, started.Mode)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 960)))

	resp, audio := readEvent(t, conn)
	assert.Equal(t, "response", resp.Type)
	assert.Equal(t, "hello there", resp.Transcript)
	assert.Equal(t, "hi, how can I help?", resp.Text)
	assert.Equal(t, []byte{0xAA, 0xBB}, audio, "response audio arrives as a binary frame before the event")
}

func TestStatusControlMessage(t *testing.T) {
	srv := newTestServer(t, 0)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(callMetadata{}))
	readEvent(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 480)))
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(controlMessage{Type: "status"}))
	ev, _ := readEvent(t, conn)
	assert.Equal(t, "status", ev.Type)
	require.NotNil(t, ev.Status)
	assert.Equal(t, 1, ev.Status.MessageCount)
	assert.Equal(t, session.ModePipeline, ev.Status.Mode)
}

func TestOversizedChunkRejected(t *testing.T) {
	srv := newTestServer(t, 100)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(callMetadata{}))
	readEvent(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 200)))
	ev, _ := readEvent(t, conn)
	assert.Equal(t, "error", ev.Type)
	assert.Contains(t, ev.Error, "too large")
}

func TestUnknownControlMessage(t *testing.T) {
	srv := newTestServer(t, 0)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(callMetadata{}))
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(controlMessage{Type: "bogus"}))
	ev, _ := readEvent(t, conn)
	assert.Equal(t, "error", ev.Type)
}
