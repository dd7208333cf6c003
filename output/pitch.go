package output

import (
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/mjibson/go-dsp/window"

	"resound/clock"
)

const (
	grainSize = 2048
	grainHop  = grainSize / 2
)

// pitchShifter shifts pitch without changing tempo: Hann-windowed
// grains are resampled by the factor and overlap-added at a constant
// hop, so the output runs at the input's rate with scaled pitch.
// A factor of 1 with no buffered state is a plain passthrough.
type pitchShifter struct {
	src beep.Streamer
	clk clock.Clock

	factor  float64
	pending *pendingFactor

	win   []float64
	in    [][2]float64
	acc   [][2]float64
	out   [][2]float64
	block [][2]float64
}

type pendingFactor struct {
	factor float64
	at     time.Duration
}

func newPitchShifter(src beep.Streamer, clk clock.Clock) *pitchShifter {
	return &pitchShifter{
		src:    src,
		clk:    clk,
		factor: 1,
		win:    window.Hann(grainSize),
		acc:    make([][2]float64, grainSize),
		block:  make([][2]float64, 512),
	}
}

// SetFactor schedules a new pitch factor, effective at clock time at.
// Factors <= 0 are ignored.
func (p *pitchShifter) SetFactor(f float64, at time.Duration) {
	if f <= 0 {
		return
	}
	speaker.Lock()
	if at <= p.clk.Now() {
		p.factor = f
		p.pending = nil
	} else {
		p.pending = &pendingFactor{factor: f, at: at}
	}
	speaker.Unlock()
}

func (p *pitchShifter) Factor() float64 {
	speaker.Lock()
	defer speaker.Unlock()
	if p.pending != nil {
		return p.pending.factor
	}
	return p.factor
}

func (p *pitchShifter) Stream(samples [][2]float64) (int, bool) {
	if p.pending != nil && p.clk.Now() >= p.pending.at {
		p.factor = p.pending.factor
		p.pending = nil
	}

	if p.factor == 1 && len(p.out) == 0 && len(p.in) == 0 {
		return p.src.Stream(samples)
	}

	n := 0
	for n < len(samples) {
		if len(p.out) == 0 {
			p.synthesize()
		}
		c := copy(samples[n:], p.out)
		p.out = p.out[c:]
		n += c
	}
	return n, true
}

// synthesize produces one hop of output from the next grain.
func (p *pitchShifter) synthesize() {
	need := int(float64(grainSize)*p.factor) + 2
	if need < grainHop+1 {
		need = grainHop + 1
	}
	for len(p.in) < need {
		m, _ := p.src.Stream(p.block)
		if m == 0 {
			// Upstream stalled; pad with silence to keep the clock moving.
			m = len(p.block)
			for i := range p.block {
				p.block[i] = [2]float64{}
			}
		}
		p.in = append(p.in, p.block[:m]...)
	}

	for i := 0; i < grainSize; i++ {
		pos := float64(i) * p.factor
		idx := int(pos)
		frac := pos - float64(idx)
		if idx+1 >= len(p.in) {
			break
		}
		w := p.win[i]
		p.acc[i][0] += w * (p.in[idx][0] + (p.in[idx+1][0]-p.in[idx][0])*frac)
		p.acc[i][1] += w * (p.in[idx][1] + (p.in[idx+1][1]-p.in[idx][1])*frac)
	}

	p.out = append(p.out, p.acc[:grainHop]...)
	copy(p.acc, p.acc[grainHop:])
	for i := grainSize - grainHop; i < grainSize; i++ {
		p.acc[i] = [2]float64{}
	}
	p.in = p.in[grainHop:]
}

func (p *pitchShifter) Err() error { return p.src.Err() }
