// Package engine is the narrow client for the external conversation engine,
// the black-box turn processor that decides what the receptionist says.
// The gateway only reads the state fields it needs for consistency checks
// and treats the rest of the payload opaquely.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// State is the engine's structured view of a conversation. Raw carries the
// full payload untouched.
type State struct {
	VisitorName       string `json:"visitor_name"`
	VisitorPhone      string `json:"visitor_phone"`
	VisitorEmail      string `json:"visitor_email"`
	Purpose           string `json:"purpose"`
	CurrentStep       string `json:"current_step"`
	InfoCollected     bool   `json:"info_collected"`
	AppointmentBooked bool   `json:"appointment_booked"`
	AppointmentTime   string `json:"appointment_time"`
	NotificationSent  bool   `json:"notification_sent"`

	Raw json.RawMessage `json:"-"`
}

// VisitorFields returns the collected visitor values as the flat map the
// session record carries. Empty fields are omitted; nil when nothing has
// been collected yet.
func (s *State) VisitorFields() map[string]string {
	fields := map[string]string{
		"name":    s.VisitorName,
		"phone":   s.VisitorPhone,
		"email":   s.VisitorEmail,
		"purpose": s.Purpose,
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// TurnResult is the engine's response to one utterance.
type TurnResult struct {
	ResponseText string `json:"response_text"`
	NextStep     string `json:"next_step"`
	Completed    bool   `json:"completed"`
	State        State  `json:"state"`
}

// Engine processes conversation turns and exposes conversation state.
type Engine interface {
	ProcessTurn(ctx context.Context, sessionID, utterance string) (*TurnResult, error)
	GetState(ctx context.Context, sessionID string) (*State, error)
}

// HTTPEngine talks to the conversation engine over HTTP.
type HTTPEngine struct {
	url    string
	client *http.Client
}

// NewHTTPEngine creates a client for the engine at url.
func NewHTTPEngine(url string, client *http.Client) *HTTPEngine {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPEngine{url: url, client: client}
}

// ProcessTurn sends one utterance and returns the engine's response.
func (e *HTTPEngine) ProcessTurn(ctx context.Context, sessionID, utterance string) (*TurnResult, error) {
	payload, err := json.Marshal(map[string]string{"utterance": utterance})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/sessions/%s/turn", e.url, sessionID), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create turn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine turn: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("engine turn read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine turn status %d: %s", resp.StatusCode, truncate(body))
	}

	var result TurnResult
	if err = json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("engine turn decode: %w", err)
	}
	return &result, nil
}

// GetState fetches the engine's current view of the conversation.
func (e *HTTPEngine) GetState(ctx context.Context, sessionID string) (*State, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/sessions/%s/state", e.url, sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("create state request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine state: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("engine state read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine state status %d: %s", resp.StatusCode, truncate(body))
	}

	var state State
	if err = json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("engine state decode: %w", err)
	}
	state.Raw = json.RawMessage(body)
	return &state, nil
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
