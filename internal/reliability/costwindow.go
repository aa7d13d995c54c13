package reliability

import (
	"sync"
	"time"
)

type costSample struct {
	at  time.Time
	usd float64
}

// CostWindow tracks spend over a rolling window. One instance owns the
// system-wide hourly cost ceiling; it is injected, never a package global,
// so tests can use a fresh instance.
type CostWindow struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	samples []costSample
}

// NewCostWindow creates a cost tracker over the given rolling window.
func NewCostWindow(window time.Duration) *CostWindow {
	if window <= 0 {
		window = time.Hour
	}
	return &CostWindow{window: window, now: time.Now}
}

// Add records spend in USD.
func (c *CostWindow) Add(usd float64) {
	if usd <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, costSample{at: c.now(), usd: usd})
	c.trimLocked()
}

// Total returns the spend within the rolling window.
func (c *CostWindow) Total() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trimLocked()
	var total float64
	for _, s := range c.samples {
		total += s.usd
	}
	return total
}

// Under reports whether current spend is below limit. A zero or negative
// limit disables the ceiling.
func (c *CostWindow) Under(limit float64) bool {
	if limit <= 0 {
		return true
	}
	return c.Total() < limit
}

func (c *CostWindow) trimLocked() {
	cutoff := c.now().Add(-c.window)
	i := 0
	for i < len(c.samples) && c.samples[i].at.Before(cutoff) {
		i++
	}
	c.samples = c.samples[i:]
}
