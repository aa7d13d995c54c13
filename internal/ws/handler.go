// Package ws exposes the orchestrator to callers over a WebSocket: one
// connection per visitor call, binary frames in are audio chunks, frames out
// are JSON events plus binary response audio.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voicedesk/receptionist/internal/audio"
	"github.com/voicedesk/receptionist/internal/orchestrator"
	"github.com/voicedesk/receptionist/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared collaborators for all call connections.
type HandlerConfig struct {
	Orchestrator     *orchestrator.Orchestrator
	MaxConcurrent    int
	MaxChunkBytes    int // ceiling on one binary audio frame
	TargetSampleRate int // rate the backends expect, default 24000
}

// Handler manages WebSocket call sessions with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a handler with a concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = 1 << 20
	}
	if cfg.TargetSampleRate <= 0 {
		cfg.TargetSampleRate = 24000
	}
	return &Handler{cfg: cfg, sem: make(chan struct{}, cfg.MaxConcurrent)}
}

// callMetadata is the first text frame sent by the client.
type callMetadata struct {
	SessionID     string `json:"session_id"`
	Codec         string `json:"codec"`
	SampleRate    int    `json:"sample_rate"`
	CallerKey     string `json:"caller_key"`
	ForcePipeline bool   `json:"force_pipeline"`
}

// controlMessage is any later text frame: a status query or an explicit end.
type controlMessage struct {
	Type string `json:"type"`
}

// Event is one JSON frame sent to the client.
type Event struct {
	Type              string               `json:"type"`
	SessionID         string               `json:"session_id,omitempty"`
	Mode              session.Mode         `json:"mode,omitempty"`
	Capabilities      []string             `json:"capabilities,omitempty"`
	Limits            *orchestrator.Limits `json:"limits,omitempty"`
	Transcript        string               `json:"transcript,omitempty"`
	Text              string               `json:"text,omitempty"`
	FallbackTriggered bool                 `json:"fallback_triggered,omitempty"`
	Status            *session.Snapshot    `json:"status,omitempty"`
	Error             string               `json:"error,omitempty"`
}

// ServeHTTP upgrades the connection and runs the call. Returns 503 when at
// capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.runCall(r.Context(), conn, r.RemoteAddr)
}

func (h *Handler) runCall(ctx context.Context, conn *websocket.Conn, remoteAddr string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	meta, err := readMetadata(conn)
	if err != nil {
		slog.Error("read call metadata", "error", err)
		return
	}
	callerKey := meta.CallerKey
	if callerKey == "" {
		callerKey = remoteAddr
	}
	inputRate := meta.SampleRate
	if inputRate <= 0 {
		inputRate = h.cfg.TargetSampleRate
	}
	codec := audio.Codec(meta.Codec)
	if codec == "" {
		codec = audio.CodecPCM
	}

	send := newEventSender(conn)

	start, err := h.cfg.Orchestrator.StartSession(ctx, meta.SessionID, orchestrator.Preferences{
		ForcePipeline: meta.ForcePipeline,
		CallerKey:     callerKey,
	})
	if err != nil {
		send(Event{Type: "error", Error: err.Error()}, nil)
		return
	}
	sessionID := start.SessionID
	defer func() {
		if _, err := h.cfg.Orchestrator.EndSession(context.WithoutCancel(ctx), sessionID); err != nil {
			slog.Warn("end session on disconnect", "session_id", sessionID, "error", err)
		}
	}()

	send(Event{
		Type:         "session-started",
		SessionID:    sessionID,
		Mode:         start.Mode,
		Capabilities: start.Capabilities,
		Limits:       &start.Limits,
	}, nil)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("connection closed", "session_id", sessionID, "error", err)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if len(data) > h.cfg.MaxChunkBytes {
				send(Event{Type: "error", Error: "audio chunk too large"}, nil)
				continue
			}
			h.processChunk(ctx, sessionID, data, codec, inputRate, send)
		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				send(Event{Type: "error", Error: "malformed control message"}, nil)
				continue
			}
			switch msg.Type {
			case "status":
				snap, err := h.cfg.Orchestrator.Status(sessionID)
				if err != nil {
					send(Event{Type: "error", Error: err.Error()}, nil)
					continue
				}
				send(Event{Type: "status", SessionID: sessionID, Status: &snap}, nil)
			case "end":
				return
			default:
				send(Event{Type: "error", Error: "unknown control message"}, nil)
			}
		}
	}
}

// processChunk normalizes one audio chunk to the backend rate and runs the
// exchange.
func (h *Handler) processChunk(ctx context.Context, sessionID string, data []byte, codec audio.Codec, inputRate int, send eventSender) {
	samples, rate, err := audio.Decode(data, codec, inputRate)
	if err != nil {
		send(Event{Type: "error", Error: err.Error()}, nil)
		return
	}
	pcm := audio.EncodePCM16(audio.Resample(samples, rate, h.cfg.TargetSampleRate))

	result, err := h.cfg.Orchestrator.ProcessAudio(ctx, sessionID, pcm)
	if err != nil {
		send(Event{Type: "error", Error: err.Error()}, nil)
		return
	}

	send(Event{
		Type:              "response",
		SessionID:         sessionID,
		Transcript:        result.Transcript,
		Text:              result.ResponseText,
		FallbackTriggered: result.FallbackTriggered,
	}, result.ResponseAudio)
}

type eventSender func(ev Event, audio []byte)

// newEventSender serializes writes: response audio goes out as a binary
// frame right before its JSON event.
func newEventSender(conn *websocket.Conn) eventSender {
	var mu sync.Mutex
	return func(ev Event, audioData []byte) {
		mu.Lock()
		defer mu.Unlock()

		if audioData != nil {
			if err := conn.WriteMessage(websocket.BinaryMessage, audioData); err != nil {
				slog.Error("write audio frame", "error", err)
				return
			}
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err = conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			slog.Error("write event frame", "error", err)
		}
	}
}

func readMetadata(conn *websocket.Conn) (*callMetadata, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var meta callMetadata
	if err = json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
