package session

import "time"

// FunctionCallRequest is a structured action the streaming backend asks the
// gateway to perform. Produced by the streaming adapter, consumed by the
// function-call bridge.
type FunctionCallRequest struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	SessionID string         `json:"session_id"`
}

// ExchangeResult is the outcome of one audio round-trip. It is transient:
// produced by an adapter, consumed by the orchestrator, discarded after
// metrics are recorded.
type ExchangeResult struct {
	Transcript        string                `json:"transcript"`
	ResponseText      string                `json:"response_text"`
	ResponseAudio     []byte                `json:"-"`
	Latency           time.Duration         `json:"-"`
	CostUSD           float64               `json:"cost_usd"`
	ConversationStep  string                `json:"conversation_step,omitempty"`
	VisitorInfo       map[string]string     `json:"visitor_info,omitempty"`
	FunctionCalls     []FunctionCallRequest `json:"function_calls,omitempty"`
	Success           bool                  `json:"success"`
	Error             string                `json:"error,omitempty"`
	FallbackTriggered bool                  `json:"fallback_triggered"`
}
