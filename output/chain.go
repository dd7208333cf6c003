package output

import (
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/speaker"

	"resound/clock"
)

// Chain is the shared output path every voice feeds: voices mix into
// one Mixer, then pass through the pitch shifter, the stereo pan, the
// per-channel gains and the master volume before reaching the speaker.
// The root streamer advances the stream clock as frames are rendered.
// Parameter mutation happens under speaker.Lock; the speaker goroutine
// is the only other reader.
type Chain struct {
	mu sync.RWMutex

	Mixer *beep.Mixer

	pitch  *pitchShifter
	pan    *effects.Pan
	chGain *channelGain
	vol    *effects.Volume
	root   beep.Streamer

	volume float64
	pos    [3]float64
}

// NewChain builds the output path for the given sample rate. The
// returned chain is silent until voices are added to its Mixer.
func NewChain(rate beep.SampleRate, clk *clock.StreamClock) *Chain {
	mixer := &beep.Mixer{}
	pitch := newPitchShifter(mixer, clk)
	pan := &effects.Pan{Streamer: pitch, Pan: 0}
	chGain := &channelGain{streamer: pan, gain: [2]float64{1, 1}}
	vol := &effects.Volume{Streamer: chGain, Base: 2, Volume: 0, Silent: false}

	c := &Chain{
		Mixer:  mixer,
		pitch:  pitch,
		pan:    pan,
		chGain: chGain,
		vol:    vol,
		volume: 1,
		pos:    [3]float64{0, 0, -1},
	}
	c.root = &advance{streamer: vol, clk: clk}
	return c
}

// Streamer returns the root of the chain, to be handed to speaker.Play
// exactly once.
func (c *Chain) Streamer() beep.Streamer { return c.root }

// Add connects a voice's output into the shared mix.
func (c *Chain) Add(s beep.Streamer) {
	speaker.Lock()
	c.Mixer.Add(s)
	speaker.Unlock()
}

// SetVolume sets the linear master gain (>= 0, 0 silences).
func (c *Chain) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	c.mu.Lock()
	c.volume = v
	c.mu.Unlock()

	speaker.Lock()
	if v == 0 {
		c.vol.Silent = true
	} else {
		c.vol.Silent = false
		c.vol.Volume = math.Log2(v)
	}
	speaker.Unlock()
}

func (c *Chain) Volume() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.volume
}

// SetChannelGain sets the linear gain of one output channel (0 left,
// 1 right). Unknown channels are ignored.
func (c *Chain) SetChannelGain(ch int, g float64) {
	if ch < 0 || ch > 1 {
		return
	}
	if g < 0 {
		g = 0
	}
	speaker.Lock()
	c.chGain.gain[ch] = g
	speaker.Unlock()
}

func (c *Chain) ChannelGain(ch int) float64 {
	if ch < 0 || ch > 1 {
		return 0
	}
	speaker.Lock()
	defer speaker.Unlock()
	return c.chGain.gain[ch]
}

// SetPosition places the output on the unit circle; only x drives the
// stereo pan, y and z are kept for symmetry with spatial backends.
func (c *Chain) SetPosition(x, y, z float64) {
	c.mu.Lock()
	c.pos = [3]float64{x, y, z}
	c.mu.Unlock()

	speaker.Lock()
	c.pan.Pan = math.Max(-1, math.Min(1, x))
	speaker.Unlock()
}

func (c *Chain) Position() (x, y, z float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pos[0], c.pos[1], c.pos[2]
}

// SetFactor reconfigures the pitch shifter, effective at clock time at.
func (c *Chain) SetFactor(f float64, at time.Duration) {
	c.pitch.SetFactor(f, at)
}

// Factor reports the pitch factor currently in effect.
func (c *Chain) Factor() float64 { return c.pitch.Factor() }

// channelGain scales each output channel independently.
type channelGain struct {
	streamer beep.Streamer
	gain     [2]float64
}

func (g *channelGain) Stream(samples [][2]float64) (int, bool) {
	n, ok := g.streamer.Stream(samples)
	for i := 0; i < n; i++ {
		samples[i][0] *= g.gain[0]
		samples[i][1] *= g.gain[1]
	}
	return n, ok
}

func (g *channelGain) Err() error { return g.streamer.Err() }

// advance moves the stream clock forward as the speaker consumes frames.
type advance struct {
	streamer beep.Streamer
	clk      *clock.StreamClock
}

func (a *advance) Stream(samples [][2]float64) (int, bool) {
	n, ok := a.streamer.Stream(samples)
	a.clk.Advance(n)
	return n, ok
}

func (a *advance) Err() error { return a.streamer.Err() }
