package session

import (
	"sync"
	"time"
)

// Mode is the backend currently serving a session.
type Mode string

const (
	ModeStreaming Mode = "streaming"
	ModePipeline  Mode = "pipeline"
	ModeMigrating Mode = "migrating-to-pipeline"
)

// Session is one visitor's voice interaction from start to end. It is owned
// by the orchestrator and mutated only through its methods; other goroutines
// read it through Snapshot.
type Session struct {
	// exchMu serializes exchanges: a session processes at most one audio
	// round-trip at a time, concurrent calls queue behind the in-flight one.
	exchMu sync.Mutex

	mu                sync.Mutex
	id                string
	mode              Mode
	createdAt         time.Time
	lastActivity      time.Time
	costUSD           float64
	messageCount      int
	errorCount        int
	consecutiveErrors int
	fallbackTriggered bool
	visitorInfo       map[string]string
	conversationStep  string

	now func() time.Time
}

// New creates a session in the given initial mode.
func New(id string, mode Mode) *Session {
	s := &Session{id: id, mode: mode, now: time.Now, visitorInfo: map[string]string{}}
	s.createdAt = s.now()
	s.lastActivity = s.createdAt
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// LockExchange blocks until this session's in-flight exchange (if any)
// finishes. The caller must call UnlockExchange when done.
func (s *Session) LockExchange()   { s.exchMu.Lock() }
func (s *Session) UnlockExchange() { s.exchMu.Unlock() }

// Mode returns the active backend mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode transitions the session to a new backend mode.
func (s *Session) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// MarkFallback records that this session has been migrated to pipeline mode.
func (s *Session) MarkFallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = ModePipeline
	s.fallbackTriggered = true
}

// RecordExchange updates counters after one audio round-trip. Cost and error
// counters only ever grow for the lifetime of the session.
func (s *Session) RecordExchange(costUSD float64, errored bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
	s.messageCount++
	if costUSD > 0 {
		s.costUSD += costUSD
	}
	if errored {
		s.errorCount++
		s.consecutiveErrors++
	} else {
		s.consecutiveErrors = 0
	}
}

// RecordError counts a failed attempt without counting a message, for
// failures that are retried on the other backend within the same exchange.
func (s *Session) RecordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
	s.errorCount++
	s.consecutiveErrors++
}

// Touch bumps the last-activity time without counting an exchange.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
}

// SetProgress records the conversation step and visitor info reported by the
// external engine, for the persisted session record.
func (s *Session) SetProgress(step string, visitorInfo map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step != "" {
		s.conversationStep = step
	}
	for k, v := range visitorInfo {
		if v != "" {
			s.visitorInfo[k] = v
		}
	}
}

// Snapshot is a read-only copy of session state for cross-goroutine readers
// (fallback engine, dashboard, persistence).
type Snapshot struct {
	ID                string            `json:"session_id"`
	Mode              Mode              `json:"mode"`
	CreatedAt         time.Time         `json:"created_at"`
	LastActivity      time.Time         `json:"last_activity"`
	CostUSD           float64           `json:"cost_usd"`
	MessageCount      int               `json:"message_count"`
	ErrorCount        int               `json:"error_count"`
	ConsecutiveErrors int               `json:"consecutive_errors"`
	FallbackTriggered bool              `json:"fallback_triggered"`
	VisitorInfo       map[string]string `json:"visitor_info,omitempty"`
	ConversationStep  string            `json:"conversation_step,omitempty"`
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := make(map[string]string, len(s.visitorInfo))
	for k, v := range s.visitorInfo {
		info[k] = v
	}
	return Snapshot{
		ID:                s.id,
		Mode:              s.mode,
		CreatedAt:         s.createdAt,
		LastActivity:      s.lastActivity,
		CostUSD:           s.costUSD,
		MessageCount:      s.messageCount,
		ErrorCount:        s.errorCount,
		ConsecutiveErrors: s.consecutiveErrors,
		FallbackTriggered: s.fallbackTriggered,
		VisitorInfo:       info,
		ConversationStep:  s.conversationStep,
	}
}

// Duration returns how long the session has been running.
func (s *Snapshot) Duration(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// ErrorRate returns errors per message, or 0 for an empty session.
func (s *Snapshot) ErrorRate() float64 {
	if s.MessageCount == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(s.MessageCount)
}

// Registry holds the live sessions for this process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put stores a session.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Get returns the session, or nil if unknown.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Delete removes a session.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshots returns read-only copies of every live session.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Expired returns ids of sessions past maxDuration or idle longer than
// idleTimeout. Zero disables either check.
func (r *Registry) Expired(now time.Time, maxDuration, idleTimeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, s := range r.sessions {
		snap := s.Snapshot()
		if maxDuration > 0 && now.Sub(snap.CreatedAt) > maxDuration {
			out = append(out, id)
			continue
		}
		if idleTimeout > 0 && now.Sub(snap.LastActivity) > idleTimeout {
			out = append(out, id)
		}
	}
	return out
}
