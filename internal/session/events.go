package session

import (
	"sync"
	"time"
)

// FallbackEvent records one streaming→pipeline migration decision.
// Append-only; read by monitoring; trimmed by age.
type FallbackEvent struct {
	SessionID   string     `json:"session_id"`
	At          time.Time  `json:"at"`
	Reason      string     `json:"reason"`
	RecoveredAt *time.Time `json:"recovered_at,omitempty"`
}

// EventLog is the process-wide fallback event log.
type EventLog struct {
	maxAge time.Duration
	now    func() time.Time

	mu     sync.Mutex
	events []FallbackEvent
}

// NewEventLog creates a log that keeps events newer than maxAge.
func NewEventLog(maxAge time.Duration) *EventLog {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &EventLog{maxAge: maxAge, now: time.Now}
}

// Append records a fallback event.
func (l *EventLog) Append(sessionID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, FallbackEvent{SessionID: sessionID, At: l.now(), Reason: reason})
	l.trimLocked()
}

// Recent returns up to limit newest events, newest first.
func (l *EventLog) Recent(limit int) []FallbackEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trimLocked()
	n := len(l.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]FallbackEvent, n)
	for i := 0; i < n; i++ {
		out[i] = l.events[len(l.events)-1-i]
	}
	return out
}

func (l *EventLog) trimLocked() {
	cutoff := l.now().Add(-l.maxAge)
	i := 0
	for i < len(l.events) && l.events[i].At.Before(cutoff) {
		i++
	}
	l.events = l.events[i:]
}
