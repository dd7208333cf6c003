package voice

import (
	"sync"
	"time"

	"github.com/gopxl/beep/v2"

	"resound/clock"
	"resound/source"
)

// Voice is one schedulable playback unit. It stays connected to the
// output mix for its whole life and renders silence whenever it has
// nothing scheduled, so adding and removing streamers never disturbs
// the mix. Start and Stop take effect at exact stream-clock times,
// which makes chunk handoffs sample-accurate.
type Voice struct {
	mu   sync.Mutex
	clk  clock.Clock
	rate beep.SampleRate

	chunk     *source.Chunk
	scheduled bool
	startAt   time.Duration
	stopAt    time.Duration // zero means no stop scheduled
	pos       float64       // fractional frame position within chunk
	speed     float64
	pending   *rateChange
}

type rateChange struct {
	speed float64
	at    time.Duration
}

// New creates an idle voice rendering at the given sample rate.
func New(clk clock.Clock, rate beep.SampleRate) *Voice {
	return &Voice{clk: clk, rate: rate, speed: 1}
}

// SetChunk replaces the voice's buffer. Setting nil also unschedules
// the voice, so a stale buffer is never played by mistake.
func (v *Voice) SetChunk(c *source.Chunk) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.chunk = c
	if c == nil {
		v.scheduled = false
	}
}

func (v *Voice) Chunk() *source.Chunk {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.chunk
}

// Start schedules playback from offset within the chunk, beginning at
// clock time at. A start in the past begins on the next rendered frame.
func (v *Voice) Start(offset, at time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.chunk == nil {
		return
	}
	v.startAt = at
	v.stopAt = 0
	v.pos = offset.Seconds() * float64(v.rate)
	v.scheduled = true
}

// Stop silences the voice at clock time at. Idempotent.
func (v *Voice) Stop(at time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.scheduled {
		return
	}
	if at <= v.clk.Now() {
		v.scheduled = false
		v.stopAt = 0
		return
	}
	v.stopAt = at
}

func (v *Voice) Scheduled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scheduled
}

// SetRate changes the playback rate, effective at clock time at.
func (v *Voice) SetRate(speed float64, at time.Duration) {
	if speed <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if at <= v.clk.Now() {
		v.speed = speed
		v.pending = nil
		return
	}
	v.pending = &rateChange{speed: speed, at: at}
}

func (v *Voice) Stream(samples [][2]float64) (int, bool) {
	for i := range samples {
		samples[i] = [2]float64{}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.scheduled || v.chunk == nil {
		return len(samples), true
	}

	now := v.clk.Now()
	for i := range samples {
		t := now + v.rate.D(i)
		if v.pending != nil && t >= v.pending.at {
			v.speed = v.pending.speed
			v.pending = nil
		}
		if t < v.startAt {
			continue
		}
		if v.stopAt > 0 && t >= v.stopAt {
			v.scheduled = false
			v.stopAt = 0
			break
		}

		idx := int(v.pos)
		if idx+1 >= len(v.chunk.Samples) {
			// Buffer played out.
			v.scheduled = false
			break
		}
		frac := v.pos - float64(idx)
		s0, s1 := v.chunk.Samples[idx], v.chunk.Samples[idx+1]
		samples[i][0] = s0[0] + (s1[0]-s0[0])*frac
		samples[i][1] = s0[1] + (s1[1]-s0[1])*frac
		v.pos += v.speed
	}

	return len(samples), true
}

func (v *Voice) Err() error { return nil }
