package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gopxl/beep/v2"
)

// Dir serves chunks from a directory of pre-sliced files named
// chunk-0000.wav, chunk-0001.wav, ... (also .mp3 and .opus). Every file
// except the last holds chunkSize+overlap of audio; the last holds
// whatever remains of the asset.
type Dir struct {
	rate      beep.SampleRate
	chunkSize time.Duration
	overlap   time.Duration
	duration  time.Duration
	files     []string
}

// NewDir scans dir for chunk files and decodes the last one to learn
// the total asset duration.
func NewDir(dir string, rate beep.SampleRate, chunkSize, overlap time.Duration) (*Dir, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan chunk dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "chunk-") {
			continue
		}
		switch filepath.Ext(name) {
		case ".wav", ".mp3", ".opus":
			files = append(files, filepath.Join(dir, name))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no chunk files in %s", dir)
	}
	sort.Strings(files)

	d := &Dir{
		rate:      rate,
		chunkSize: chunkSize,
		overlap:   overlap,
		files:     files,
	}

	last, err := d.decode(files[len(files)-1])
	if err != nil {
		return nil, fmt.Errorf("decode last chunk: %w", err)
	}
	d.duration = time.Duration(len(files)-1)*chunkSize + rate.D(len(last))
	return d, nil
}

func (d *Dir) Duration() time.Duration { return d.duration }

func (d *Dir) Resolve(_ context.Context, at time.Duration) (*Chunk, error) {
	if at < 0 || at >= d.duration {
		return nil, ErrOutOfRange
	}
	idx := chunkIndex(at, d.chunkSize)
	if idx >= len(d.files) {
		return nil, ErrOutOfRange
	}

	samples, err := d.decode(d.files[idx])
	if err != nil {
		return nil, err
	}
	return &Chunk{
		Start:    time.Duration(idx) * d.chunkSize,
		Duration: d.rate.D(len(samples)),
		Overlap:  d.overlap,
		Samples:  samples,
	}, nil
}

func (d *Dir) decode(path string) ([][2]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chunk: %w", err)
	}
	defer f.Close()

	switch filepath.Ext(path) {
	case ".wav":
		return decodeWAV(f, d.rate)
	case ".mp3":
		return decodeMP3(f, d.rate)
	case ".opus":
		return decodeOpusFrames(f, d.rate)
	default:
		return nil, fmt.Errorf("unsupported chunk format %q", filepath.Ext(path))
	}
}
