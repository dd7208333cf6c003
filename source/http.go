package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gopxl/beep/v2"
)

// HTTP fetches chunks from a remote chunk server. The server exposes
// GET {base}/meta returning the asset geometry and GET {base}/chunk?at=<ms>
// returning the encoded chunk covering that timestamp. Redundant
// requests for the same chunk are the sequencer's problem, not ours;
// superseded responses are simply discarded by the caller.
type HTTP struct {
	client    *http.Client
	base      string
	rate      beep.SampleRate
	chunkSize time.Duration
	overlap   time.Duration
	duration  time.Duration
}

type httpMeta struct {
	DurationMs int64 `json:"duration_ms"`
	ChunkMs    int64 `json:"chunk_ms"`
	OverlapMs  int64 `json:"overlap_ms"`
}

// NewHTTP fetches the asset metadata and returns a ready source.
func NewHTTP(ctx context.Context, client *http.Client, base string, rate beep.SampleRate) (*HTTP, error) {
	if client == nil {
		client = http.DefaultClient
	}
	base = strings.TrimRight(base, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/meta", nil)
	if err != nil {
		return nil, fmt.Errorf("meta request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch meta: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch meta: unexpected status %s", resp.Status)
	}

	var meta httpMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	if meta.ChunkMs <= 0 || meta.DurationMs <= 0 {
		return nil, fmt.Errorf("invalid meta: chunk=%dms duration=%dms", meta.ChunkMs, meta.DurationMs)
	}

	return &HTTP{
		client:    client,
		base:      base,
		rate:      rate,
		chunkSize: time.Duration(meta.ChunkMs) * time.Millisecond,
		overlap:   time.Duration(meta.OverlapMs) * time.Millisecond,
		duration:  time.Duration(meta.DurationMs) * time.Millisecond,
	}, nil
}

func (h *HTTP) Duration() time.Duration { return h.duration }

func (h *HTTP) Resolve(ctx context.Context, at time.Duration) (*Chunk, error) {
	if at < 0 || at >= h.duration {
		return nil, ErrOutOfRange
	}
	idx := chunkIndex(at, h.chunkSize)

	url := h.base + "/chunk?at=" + strconv.FormatInt((time.Duration(idx)*h.chunkSize).Milliseconds(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("chunk request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch chunk: unexpected status %s", resp.Status)
	}

	var samples [][2]float64
	switch ct := resp.Header.Get("Content-Type"); {
	case strings.Contains(ct, "mpeg"):
		samples, err = decodeMP3(resp.Body, h.rate)
	case strings.Contains(ct, "opus"):
		samples, err = decodeOpusFrames(resp.Body, h.rate)
	default:
		samples, err = decodeWAV(resp.Body, h.rate)
	}
	if err != nil {
		return nil, err
	}

	return &Chunk{
		Start:    time.Duration(idx) * h.chunkSize,
		Duration: h.rate.D(len(samples)),
		Overlap:  h.overlap,
		Samples:  samples,
	}, nil
}
