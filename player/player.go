package player

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"

	"resound/clock"
	"resound/config"
	"resound/logger"
	"resound/output"
	"resound/sequencer"
	"resound/source"
	"resound/voice"
)

// Player assembles a complete playback session from configuration: the
// speaker, the shared output chain, the voice pool and the sequencer.
type Player struct {
	cfg   *config.Config
	log   *slog.Logger
	clk   *clock.StreamClock
	chain *output.Chain
	src   source.Source
	seq   *sequencer.Sequencer
}

// New creates a Player; Initialize opens the audio device.
func New(cfg *config.Config) *Player {
	return &Player{
		cfg: cfg,
		log: logger.WithComponent("player"),
	}
}

// Initialize opens the speaker and wires every component together. The
// voices are connected to the shared mix exactly once, here.
func (p *Player) Initialize(ctx context.Context) error {
	rate := beep.SampleRate(p.cfg.Audio.SampleRate)
	lead := time.Duration(p.cfg.Audio.LeadMs) * time.Millisecond

	if err := speaker.Init(rate, rate.N(100*time.Millisecond)); err != nil {
		return fmt.Errorf("failed to initialize speaker: %w", err)
	}

	p.clk = clock.NewStream(rate, lead)
	p.chain = output.NewChain(rate, p.clk)

	src, err := p.buildSource(ctx, rate)
	if err != nil {
		return fmt.Errorf("failed to build chunk source: %w", err)
	}
	p.src = src

	voices := make([]sequencer.Voice, p.cfg.Audio.Voices)
	for i := range voices {
		v := voice.New(p.clk, rate)
		p.chain.Add(v)
		voices[i] = v
	}
	pool, err := sequencer.NewPool(voices...)
	if err != nil {
		return err
	}

	seq, err := sequencer.New(
		sequencer.Config{
			ChunkSize: time.Duration(p.cfg.Source.ChunkMs) * time.Millisecond,
			Interval:  time.Duration(p.cfg.Audio.TickMs) * time.Millisecond,
		},
		p.clk, src, pool,
		sequencer.Capabilities{Gain: p.chain, Pan: p.chain, Pitch: p.chain},
	)
	if err != nil {
		return err
	}
	p.seq = seq

	speaker.Play(p.chain.Streamer())

	p.log.Info("player initialized",
		slog.String("source", p.cfg.Source.Kind),
		slog.Duration("duration", src.Duration()),
		slog.Int("voices", p.cfg.Audio.Voices))
	return nil
}

func (p *Player) buildSource(ctx context.Context, rate beep.SampleRate) (source.Source, error) {
	chunkSize := time.Duration(p.cfg.Source.ChunkMs) * time.Millisecond
	overlap := time.Duration(p.cfg.Source.OverlapMs) * time.Millisecond

	switch p.cfg.Source.Kind {
	case "tone":
		return source.NewTone(rate,
			time.Duration(p.cfg.Source.ToneDurationMs)*time.Millisecond,
			chunkSize, overlap, p.cfg.Source.ToneFreq), nil
	case "dir":
		return source.NewDir(p.cfg.Source.Dir, rate, chunkSize, overlap)
	case "http":
		client := &http.Client{Timeout: p.cfg.Source.Timeout}
		return source.NewHTTP(ctx, client, p.cfg.Source.URL, rate)
	default:
		return nil, fmt.Errorf("unknown source kind %q", p.cfg.Source.Kind)
	}
}

// Sequencer exposes the transport surface of the session.
func (p *Player) Sequencer() *sequencer.Sequencer { return p.seq }

// Duration returns the total asset duration.
func (p *Player) Duration() time.Duration { return p.src.Duration() }

// Close shuts the session down and releases the audio device.
func (p *Player) Close() error {
	if p.seq != nil {
		if err := p.seq.Close(); err != nil {
			return err
		}
	}
	speaker.Close()
	p.log.Info("player closed")
	return nil
}

// FormatPosition renders a position as m:ss for display.
func FormatPosition(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
