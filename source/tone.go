package source

import (
	"context"
	"math"
	"time"

	"github.com/gopxl/beep/v2"
)

// Tone synthesizes a sine wave asset sliced into fixed-size chunks. It
// exists so the player can run without any media on disk and so the
// sequencer can be exercised against a source with exact, known content.
type Tone struct {
	rate      beep.SampleRate
	duration  time.Duration
	chunkSize time.Duration
	overlap   time.Duration
	freq      float64
}

// NewTone creates a sine source of the given total duration.
func NewTone(rate beep.SampleRate, duration, chunkSize, overlap time.Duration, freq float64) *Tone {
	return &Tone{
		rate:      rate,
		duration:  duration,
		chunkSize: chunkSize,
		overlap:   overlap,
		freq:      freq,
	}
}

func (t *Tone) Duration() time.Duration { return t.duration }

func (t *Tone) Resolve(_ context.Context, at time.Duration) (*Chunk, error) {
	if at < 0 || at >= t.duration {
		return nil, ErrOutOfRange
	}
	start := time.Duration(chunkIndex(at, t.chunkSize)) * t.chunkSize
	end := start + t.chunkSize + t.overlap
	if end > t.duration {
		end = t.duration
	}

	frames := t.rate.N(end - start)
	samples := make([][2]float64, frames)
	base := t.rate.N(start)
	for i := range samples {
		phase := 2 * math.Pi * t.freq * float64(base+i) / float64(t.rate)
		v := 0.4 * math.Sin(phase)
		samples[i][0] = v
		samples[i][1] = v
	}

	return &Chunk{
		Start:    start,
		Duration: t.rate.D(frames),
		Overlap:  t.overlap,
		Samples:  samples,
	}, nil
}
