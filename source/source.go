package source

import (
	"context"
	"errors"
	"time"
)

// ErrOutOfRange is returned when a chunk is requested past the end of
// the asset.
var ErrOutOfRange = errors.New("source: timestamp out of range")

// Chunk is one decoded, playable slice of the asset. Samples are stereo
// frames at the output sample rate. Duration covers exactly the frames
// in Samples; consecutive chunks overlap by Overlap at their boundary.
type Chunk struct {
	Start    time.Duration
	Duration time.Duration
	Overlap  time.Duration
	Samples  [][2]float64
}

// Source resolves the chunk covering a timestamp into a decoded buffer.
// Resolve blocks; callers that need it asynchronous dispatch it on a
// goroutine. Implementations must tolerate redundant and overlapping
// requests for the same chunk.
type Source interface {
	Resolve(ctx context.Context, at time.Duration) (*Chunk, error)
	Duration() time.Duration
}

// chunkIndex maps a timestamp to the index of the chunk covering it.
func chunkIndex(at, chunkSize time.Duration) int {
	if at < 0 {
		return 0
	}
	return int(at / chunkSize)
}
