package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicedesk/receptionist/internal/metrics"
)

// ErrCircuitOpen is returned when a breaker rejects a call without invoking it.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState is the lifecycle state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig tunes a circuit breaker. All thresholds come from config,
// not compile-time constants.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	Window           time.Duration
	SlowCall         time.Duration
}

// DefaultBreakerConfig returns conservative defaults for backend calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		Window:           60 * time.Second,
		SlowCall:         10 * time.Second,
	}
}

// BreakerMetrics is a read-only snapshot for observability endpoints.
type BreakerMetrics struct {
	Name          string       `json:"name"`
	State         BreakerState `json:"state"`
	SuccessRate   float64      `json:"success_rate"`
	AvgLatencyMs  float64      `json:"avg_latency_ms"`
	TotalOpens    int64        `json:"total_opens"`
	NextAttemptAt time.Time    `json:"next_attempt_at,omitempty"`
}

type callSample struct {
	at      time.Time
	ok      bool
	latency time.Duration
}

// Breaker wraps calls to a single named dependency. It is shared across all
// sessions calling that dependency and safe for concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu            sync.Mutex
	state         BreakerState
	samples       []callSample
	consecSuccess int
	nextAttempt   time.Time
	totalOpens    int64
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: BreakerClosed,
	}
}

// Do runs fn under the breaker. While open it returns ErrCircuitOpen without
// invoking fn. A call counts as a failure if fn errors or exceeds SlowCall.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}

	start := b.now()
	err := fn(ctx)
	latency := b.now().Sub(start)

	failed := err != nil || (b.cfg.SlowCall > 0 && latency > b.cfg.SlowCall)
	b.record(!failed, latency)

	if err == nil && failed {
		slog.Warn("slow call counted as breaker failure", "breaker", b.name, "latency_ms", latency.Milliseconds())
	}
	return err
}

// State returns the current state, applying the open→half-open transition
// if the cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && !b.now().Before(b.nextAttempt) {
		return BreakerHalfOpen
	}
	return b.state
}

// Metrics returns a snapshot of recent call outcomes within the window.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trimLocked()

	m := BreakerMetrics{
		Name:       b.name,
		State:      b.state,
		TotalOpens: b.totalOpens,
	}
	if b.state == BreakerOpen {
		m.NextAttemptAt = b.nextAttempt
	}
	if len(b.samples) == 0 {
		m.SuccessRate = 1.0
		return m
	}
	var ok int
	var total time.Duration
	for _, s := range b.samples {
		if s.ok {
			ok++
		}
		total += s.latency
	}
	m.SuccessRate = float64(ok) / float64(len(b.samples))
	m.AvgLatencyMs = float64(total.Milliseconds()) / float64(len(b.samples))
	return m
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return nil
	case BreakerOpen:
		if b.now().Before(b.nextAttempt) {
			return ErrCircuitOpen
		}
		// Cooldown elapsed: probe with one call.
		b.state = BreakerHalfOpen
		b.consecSuccess = 0
		slog.Info("breaker half-open", "breaker", b.name)
		return nil
	}
	return nil
}

func (b *Breaker) record(ok bool, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, callSample{at: b.now(), ok: ok, latency: latency})
	b.trimLocked()

	switch b.state {
	case BreakerHalfOpen:
		if !ok {
			b.openLocked()
			return
		}
		b.consecSuccess++
		if b.consecSuccess >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.samples = nil
			slog.Info("breaker closed", "breaker", b.name)
		}
	case BreakerClosed:
		if !ok && b.failuresLocked() >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	}
}

// ForceOpen trips the breaker immediately. Used when a dependency reports a
// non-retryable condition (quota, credentials) where probing cannot help.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		b.openLocked()
	}
}

func (b *Breaker) openLocked() {
	b.state = BreakerOpen
	b.nextAttempt = b.now().Add(b.cfg.OpenTimeout)
	b.consecSuccess = 0
	b.totalOpens++
	metrics.BreakerOpensTotal.WithLabelValues(b.name).Inc()
	slog.Warn("breaker opened", "breaker", b.name, "next_attempt", b.nextAttempt)
}

func (b *Breaker) failuresLocked() int {
	var n int
	for _, s := range b.samples {
		if !s.ok {
			n++
		}
	}
	return n
}

func (b *Breaker) trimLocked() {
	if b.cfg.Window <= 0 {
		return
	}
	cutoff := b.now().Add(-b.cfg.Window)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	b.samples = b.samples[i:]
}

// Registry holds the shared named breakers for the process.
type Registry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers use cfg.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Metrics returns snapshots of every registered breaker.
func (r *Registry) Metrics() []BreakerMetrics {
	r.mu.Lock()
	names := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		names = append(names, b)
	}
	r.mu.Unlock()

	out := make([]BreakerMetrics, 0, len(names))
	for _, b := range names {
		out = append(out, b.Metrics())
	}
	return out
}
