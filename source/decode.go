package source

import (
	"fmt"
	"io"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"
)

// decodeStreamer drains a decoded streamer into stereo frames at the
// target sample rate, resampling when the encoded rate differs.
func decodeStreamer(s beep.Streamer, format beep.Format, rate beep.SampleRate) [][2]float64 {
	if format.SampleRate != rate {
		s = beep.Resample(4, format.SampleRate, rate, s)
	}

	var out [][2]float64
	block := make([][2]float64, 512)
	for {
		n, ok := s.Stream(block)
		out = append(out, block[:n]...)
		if !ok {
			return out
		}
	}
}

// decodeWAV decodes a complete WAV stream into frames at rate.
func decodeWAV(r io.Reader, rate beep.SampleRate) ([][2]float64, error) {
	streamer, format, err := wav.Decode(io.NopCloser(r))
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	defer streamer.Close()
	return decodeStreamer(streamer, format, rate), nil
}

// decodeMP3 decodes a complete MP3 stream into frames at rate.
func decodeMP3(r io.Reader, rate beep.SampleRate) ([][2]float64, error) {
	streamer, format, err := mp3.Decode(io.NopCloser(r))
	if err != nil {
		return nil, fmt.Errorf("decode mp3: %w", err)
	}
	defer streamer.Close()
	return decodeStreamer(streamer, format, rate), nil
}
