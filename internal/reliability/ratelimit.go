package reliability

import (
	"sync"
	"time"
)

// Deny reasons reported by the limiter.
const (
	ReasonMinuteLimit = "minute limit exceeded"
	ReasonHourLimit   = "hour limit exceeded"
	ReasonBurstLimit  = "burst limit exceeded"
)

// LimitConfig holds sliding-window request limits per key.
type LimitConfig struct {
	PerMinute   int
	PerHour     int
	Burst       int
	BurstWindow time.Duration
}

// DefaultLimitConfig returns limits suitable for a single caller identity.
func DefaultLimitConfig() LimitConfig {
	return LimitConfig{
		PerMinute:   60,
		PerHour:     600,
		Burst:       10,
		BurstWindow: 5 * time.Second,
	}
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
}

// Limiter throttles requests per caller identity using three sliding windows
// (burst, minute, hour). Safe for concurrent use.
type Limiter struct {
	cfg LimitConfig
	now func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewLimiter creates a limiter with the given config.
func NewLimiter(cfg LimitConfig) *Limiter {
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = 5 * time.Second
	}
	return &Limiter{cfg: cfg, now: time.Now, events: make(map[string][]time.Time)}
}

// Check records a request for key if allowed and returns the decision.
// A denied request is not recorded, so it does not extend the window.
func (l *Limiter) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	evs := l.trimLocked(key, now)

	if d, denied := l.deniedLocked(evs, now); denied {
		return d
	}

	l.events[key] = append(evs, now)
	return Decision{Allowed: true, Remaining: l.remainingLocked(l.events[key], now)}
}

func (l *Limiter) deniedLocked(evs []time.Time, now time.Time) (Decision, bool) {
	if l.cfg.Burst > 0 {
		if n, oldest := countSince(evs, now.Add(-l.cfg.BurstWindow)); n >= l.cfg.Burst {
			return Decision{Reason: ReasonBurstLimit, ResetAt: oldest.Add(l.cfg.BurstWindow)}, true
		}
	}
	if l.cfg.PerMinute > 0 {
		if n, oldest := countSince(evs, now.Add(-time.Minute)); n >= l.cfg.PerMinute {
			return Decision{Reason: ReasonMinuteLimit, ResetAt: oldest.Add(time.Minute)}, true
		}
	}
	if l.cfg.PerHour > 0 {
		if n, oldest := countSince(evs, now.Add(-time.Hour)); n >= l.cfg.PerHour {
			return Decision{Reason: ReasonHourLimit, ResetAt: oldest.Add(time.Hour)}, true
		}
	}
	return Decision{}, false
}

// remainingLocked reports quota left in the tightest window.
func (l *Limiter) remainingLocked(evs []time.Time, now time.Time) int {
	remaining := -1
	consider := func(limit int, window time.Duration) {
		if limit <= 0 {
			return
		}
		n, _ := countSince(evs, now.Add(-window))
		left := limit - n
		if left < 0 {
			left = 0
		}
		if remaining < 0 || left < remaining {
			remaining = left
		}
	}
	consider(l.cfg.Burst, l.cfg.BurstWindow)
	consider(l.cfg.PerMinute, time.Minute)
	consider(l.cfg.PerHour, time.Hour)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// trimLocked drops events older than the hour window, the widest one tracked.
func (l *Limiter) trimLocked(key string, now time.Time) []time.Time {
	evs := l.events[key]
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(evs) && evs[i].Before(cutoff) {
		i++
	}
	evs = evs[i:]
	if len(evs) == 0 {
		delete(l.events, key)
	} else {
		l.events[key] = evs
	}
	return evs
}

// countSince counts events at or after cutoff and returns the oldest of them.
func countSince(evs []time.Time, cutoff time.Time) (int, time.Time) {
	var n int
	var oldest time.Time
	for _, e := range evs {
		if e.Before(cutoff) {
			continue
		}
		if n == 0 {
			oldest = e
		}
		n++
	}
	return n, oldest
}
