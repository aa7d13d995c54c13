package bridge

import (
	"fmt"
	"sync"
	"time"
)

// ExecStatus is the lifecycle state of one function-call execution.
// Transitions are forward-only: pending → executing → completed|failed.
type ExecStatus string

const (
	StatusPending   ExecStatus = "pending"
	StatusExecuting ExecStatus = "executing"
	StatusCompleted ExecStatus = "completed"
	StatusFailed    ExecStatus = "failed"
)

var statusRank = map[ExecStatus]int{
	StatusPending:   0,
	StatusExecuting: 1,
	StatusCompleted: 2,
	StatusFailed:    2,
}

// Execution is the append-only record of one function call, used for
// consistency checks against the external engine's state.
type Execution struct {
	CallID        string         `json:"call_id"`
	SessionID     string         `json:"session_id"`
	Function      string         `json:"function"`
	Status        ExecStatus     `json:"status"`
	Args          map[string]any `json:"args,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	Attempts      int            `json:"attempts"`
	StartedAt     time.Time      `json:"started_at"`
	Elapsed       time.Duration  `json:"-"`
	ElapsedMs     float64        `json:"elapsed_ms"`
	SuggestedNext string         `json:"suggested_next,omitempty"`
	Repair        bool           `json:"repair,omitempty"`
}

// advance moves the execution forward through its lifecycle. A regression
// (completed back to executing, for example) is rejected.
func (e *Execution) advance(to ExecStatus) error {
	if statusRank[to] < statusRank[e.Status] {
		return fmt.Errorf("execution %s: cannot move %s back to %s", e.CallID, e.Status, to)
	}
	e.Status = to
	return nil
}

// ExecutionLog holds per-session execution records. Cleared when the session
// ends.
type ExecutionLog struct {
	mu   sync.Mutex
	byID map[string][]*Execution
}

// NewExecutionLog creates an empty log.
func NewExecutionLog() *ExecutionLog {
	return &ExecutionLog{byID: make(map[string][]*Execution)}
}

func (l *ExecutionLog) append(e *Execution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[e.SessionID] = append(l.byID[e.SessionID], e)
}

// ForSession returns copies of the session's execution records in order.
func (l *ExecutionLog) ForSession(sessionID string) []Execution {
	l.mu.Lock()
	defer l.mu.Unlock()
	records := l.byID[sessionID]
	out := make([]Execution, 0, len(records))
	for _, e := range records {
		out = append(out, *e)
	}
	return out
}

// Completed reports whether a completed execution of fn exists for the session.
func (l *ExecutionLog) Completed(sessionID, fn string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.byID[sessionID] {
		if e.Function == fn && e.Status == StatusCompleted {
			return true
		}
	}
	return false
}

// Clear drops the session's records.
func (l *ExecutionLog) Clear(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byID, sessionID)
}
