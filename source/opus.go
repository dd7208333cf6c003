package source

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gopxl/beep/v2"
	"github.com/hraban/opus"
)

// Opus chunk files are a bare sequence of Opus frames, each prefixed by
// a big-endian uint16 byte length. Frames decode at 48kHz stereo.
const opusRate = beep.SampleRate(48000)

func decodeOpusFrames(r io.Reader, rate beep.SampleRate) ([][2]float64, error) {
	dec, err := opus.NewDecoder(int(opusRate), 2)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}

	var samples [][2]float64
	pcm := make([]int16, 5760*2)
	for {
		var frameLen uint16
		if err := binary.Read(r, binary.BigEndian, &frameLen); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read frame length: %w", err)
		}
		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		n, err := dec.Decode(frame, pcm)
		if err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		for i := 0; i < n; i++ {
			samples = append(samples, [2]float64{
				float64(pcm[i*2]) / 32768.0,
				float64(pcm[i*2+1]) / 32768.0,
			})
		}
	}

	if rate == opusRate {
		return samples, nil
	}
	return decodeStreamer(&frameStreamer{samples: samples}, beep.Format{SampleRate: opusRate, NumChannels: 2}, rate), nil
}

// frameStreamer streams an in-memory frame slice once.
type frameStreamer struct {
	samples [][2]float64
	pos     int
}

func (s *frameStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.pos >= len(s.samples) {
		return 0, false
	}
	n := copy(samples, s.samples[s.pos:])
	s.pos += n
	return n, true
}

func (s *frameStreamer) Err() error { return nil }
