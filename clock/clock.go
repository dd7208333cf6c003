package clock

import (
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
)

// Clock supplies the monotonic time base all scheduling runs against,
// plus the minimum lead between "now" and the earliest moment a newly
// scheduled sound can reliably start.
type Clock interface {
	Now() time.Duration
	LeadTime() time.Duration
}

// StreamClock is a Clock advanced by frames rendered through the output
// chain, so scheduled times line up exactly with what the speaker has
// consumed. Advance is called from the speaker goroutine; Now may be
// called from any goroutine.
type StreamClock struct {
	mu     sync.RWMutex
	rate   beep.SampleRate
	lead   time.Duration
	frames int64
}

// NewStream creates a StreamClock ticking at the given sample rate.
func NewStream(rate beep.SampleRate, lead time.Duration) *StreamClock {
	return &StreamClock{rate: rate, lead: lead}
}

func (c *StreamClock) Now() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rate.D(int(c.frames))
}

func (c *StreamClock) LeadTime() time.Duration { return c.lead }

// Advance moves the clock forward by n rendered frames.
func (c *StreamClock) Advance(n int) {
	c.mu.Lock()
	c.frames += int64(n)
	c.mu.Unlock()
}
