package clock

import (
	"sync"
	"time"
)

// Manual is a Clock driven by hand, for tests and offline tools.
type Manual struct {
	mu   sync.Mutex
	now  time.Duration
	lead time.Duration
}

func NewManual(lead time.Duration) *Manual {
	return &Manual{lead: lead}
}

func (c *Manual) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Manual) LeadTime() time.Duration { return c.lead }

// Advance moves the clock forward by d.
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// Set jumps the clock to t.
func (c *Manual) Set(t time.Duration) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
