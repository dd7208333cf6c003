package sequencer

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"resound/clock"
	"resound/source"
)

// --- test doubles ---

type startCall struct {
	offset time.Duration
	at     time.Duration
}

type rateCall struct {
	speed float64
	at    time.Duration
}

type fakeVoice struct {
	mu        sync.Mutex
	chunk     *source.Chunk
	scheduled bool
	starts    []startCall
	stops     []time.Duration
	rates     []rateCall
}

func (v *fakeVoice) SetChunk(c *source.Chunk) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.chunk = c
	if c == nil {
		v.scheduled = false
	}
}

func (v *fakeVoice) Chunk() *source.Chunk {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.chunk
}

func (v *fakeVoice) Start(offset, at time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.starts = append(v.starts, startCall{offset: offset, at: at})
	v.scheduled = true
}

func (v *fakeVoice) Stop(at time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.scheduled {
		return
	}
	v.stops = append(v.stops, at)
	v.scheduled = false
}

func (v *fakeVoice) Scheduled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scheduled
}

func (v *fakeVoice) SetRate(speed float64, at time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rates = append(v.rates, rateCall{speed: speed, at: at})
}

func (v *fakeVoice) startCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.starts)
}

func (v *fakeVoice) lastStart() startCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.starts[len(v.starts)-1]
}

func (v *fakeVoice) lastStop() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stops[len(v.stops)-1]
}

func (v *fakeVoice) lastRate() rateCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rates[len(v.rates)-1]
}

type fakeSource struct {
	mu        sync.Mutex
	duration  time.Duration
	chunkSize time.Duration
	overlap   time.Duration
	failures  map[time.Duration]int
	gate      chan struct{}
}

func (f *fakeSource) Resolve(ctx context.Context, at time.Duration) (*source.Chunk, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	if n := f.failures[at]; n > 0 {
		f.failures[at] = n - 1
		f.mu.Unlock()
		return nil, errors.New("resolve failed")
	}
	f.mu.Unlock()
	if at < 0 || at >= f.duration {
		return nil, source.ErrOutOfRange
	}
	start := at / f.chunkSize * f.chunkSize
	dur := f.chunkSize + f.overlap
	if start+dur > f.duration {
		dur = f.duration - start
	}
	return &source.Chunk{Start: start, Duration: dur, Overlap: f.overlap}, nil
}

func (f *fakeSource) Duration() time.Duration { return f.duration }

type fakeGain struct {
	mu  sync.Mutex
	vol float64
	ch  [2]float64
}

func (g *fakeGain) SetVolume(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vol = v
}

func (g *fakeGain) Volume() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.vol
}

func (g *fakeGain) SetChannelGain(ch int, v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ch[ch] = v
}

func (g *fakeGain) ChannelGain(ch int) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch[ch]
}

type fakePan struct {
	mu      sync.Mutex
	x, y, z float64
}

func (p *fakePan) SetPosition(x, y, z float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.x, p.y, p.z = x, y, z
}

func (p *fakePan) position() (x, y, z float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.x, p.y, p.z
}

type fakePitch struct {
	mu     sync.Mutex
	factor float64
	at     time.Duration
	calls  int
}

func (p *fakePitch) SetFactor(f float64, at time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factor = f
	p.at = at
	p.calls++
}

func (p *fakePitch) state() (float64, time.Duration, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.factor, p.at, p.calls
}

// --- fixture ---

const (
	testLead  = 50 * time.Millisecond
	testChunk = 2 * time.Second
)

type fixture struct {
	seq    *Sequencer
	clk    *clock.Manual
	src    *fakeSource
	voices []*fakeVoice
	gain   *fakeGain
	pan    *fakePan
	pitch  *fakePitch
}

func newFixture(t *testing.T, src *fakeSource) *fixture {
	t.Helper()

	clk := clock.NewManual(testLead)
	va, vb := &fakeVoice{}, &fakeVoice{}
	pool, err := NewPool(va, vb)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	gain := &fakeGain{vol: 1}
	pan := &fakePan{}
	pitch := &fakePitch{factor: 1}

	seq, err := New(Config{ChunkSize: src.chunkSize}, clk, src, pool,
		Capabilities{Gain: gain, Pan: pan, Pitch: pitch})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { seq.Close() })

	return &fixture{
		seq:    seq,
		clk:    clk,
		src:    src,
		voices: []*fakeVoice{va, vb},
		gain:   gain,
		pan:    pan,
		pitch:  pitch,
	}
}

func newToneFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixture(t, &fakeSource{duration: 10 * time.Second, chunkSize: testChunk})
}

func (f *fixture) current() *fakeVoice {
	f.seq.mu.Lock()
	defer f.seq.mu.Unlock()
	return f.seq.pool.Current().Voice.(*fakeVoice)
}

func (f *fixture) next() *fakeVoice {
	f.seq.mu.Lock()
	defer f.seq.mu.Unlock()
	return f.seq.pool.Next().Voice.(*fakeVoice)
}

func (f *fixture) hasChunk(v *fakeVoice, start time.Duration) func() bool {
	return func() bool {
		ch := v.Chunk()
		return ch != nil && ch.Start == start
	}
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// --- tests ---

func TestPlayAfterPrime(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	if !f.seq.Play() {
		t.Fatal("Play() = false, want true")
	}
	cur := f.current()
	if got := cur.lastStart(); got.offset != 0 || got.at != testLead {
		t.Errorf("start = %+v, want offset 0 at %v", got, testLead)
	}
	if f.seq.State() != StatePlaying {
		t.Errorf("State() = %v, want playing", f.seq.State())
	}
}

func TestPlayBeforeChunkResolvesDefersStart(t *testing.T) {
	src := &fakeSource{duration: 10 * time.Second, chunkSize: testChunk, gate: make(chan struct{})}
	f := newFixture(t, src)

	if !f.seq.Play() {
		t.Fatal("Play() = false, want true")
	}
	if f.seq.State() != StatePlaying {
		t.Errorf("State() = %v, want playing while waiting", f.seq.State())
	}
	if f.current().startCount() != 0 {
		t.Fatal("voice started before its chunk resolved")
	}

	close(src.gate)
	cur := f.current()
	waitFor(t, "deferred start", func() bool { return cur.startCount() > 0 })
	if got := cur.lastStart(); got.offset != 0 {
		t.Errorf("start offset = %v, want 0", got.offset)
	}
}

func TestPlayIdempotentWhileScheduled(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	f.seq.Play()
	f.seq.Play()
	f.seq.Play()
	if got := f.current().startCount(); got != 1 {
		t.Errorf("start count = %d, want 1", got)
	}
}

func TestPlayFromRange(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	tests := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"negative", -time.Millisecond, false},
		{"at end", 10 * time.Second, false},
		{"past end", 11 * time.Second, false},
		{"inside", 500 * time.Millisecond, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.seq.PlayFrom(tt.offset); got != tt.want {
				t.Errorf("PlayFrom(%v) = %v, want %v", tt.offset, got, tt.want)
			}
		})
	}
	if got := f.current().lastStart().offset; got != 500*time.Millisecond {
		t.Errorf("start offset = %v, want 500ms", got)
	}
}

func TestPauseFreezesPosition(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	f.seq.Play()
	f.clk.Set(testLead + 500*time.Millisecond)
	f.seq.Pause()

	if got := f.seq.Position(); got != 500*time.Millisecond {
		t.Errorf("Position() after pause = %v, want 500ms", got)
	}
	f.clk.Advance(3 * time.Second)
	if got := f.seq.Position(); got != 500*time.Millisecond {
		t.Errorf("Position() keeps moving while paused: %v", got)
	}
	if f.seq.State() != StatePaused {
		t.Errorf("State() = %v, want paused", f.seq.State())
	}
}

func TestResumeContinuesFromFrozenPosition(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	f.seq.Play()
	f.clk.Set(testLead + 700*time.Millisecond)
	f.seq.Pause()
	f.seq.Resume()

	cur := f.current()
	waitFor(t, "resume start", func() bool { return cur.startCount() >= 2 })
	got := cur.lastStart()
	if got.offset != 700*time.Millisecond {
		t.Errorf("resume offset = %v, want 700ms", got.offset)
	}
	if want := f.clk.Now() + testLead; got.at != want {
		t.Errorf("resume at = %v, want %v", got.at, want)
	}
}

func TestStopResetsAndNotifiesOnce(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	var mu sync.Mutex
	stops := 0
	f.seq.OnStop(func() {
		mu.Lock()
		stops++
		mu.Unlock()
	})

	f.seq.Play()
	f.clk.Advance(time.Second)
	f.seq.Stop()
	f.seq.Stop()

	mu.Lock()
	got := stops
	mu.Unlock()
	if got != 1 {
		t.Errorf("stop observer fired %d times, want 1", got)
	}
	if f.seq.Position() != 0 {
		t.Errorf("Position() after stop = %v, want 0", f.seq.Position())
	}
	if f.seq.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", f.seq.State())
	}
}

func TestStopReprimesFirstChunk(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	f.seq.Play()
	f.seq.Seek(4 * time.Second)
	f.seq.Stop()

	waitFor(t, "chunk zero reprimed", func() bool {
		ch := f.current().Chunk()
		return ch != nil && ch.Start == 0
	})
}

func TestSeekRoundTrip(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	if !f.seq.Seek(3500 * time.Millisecond) {
		t.Fatal("Seek(3.5s) = false, want true")
	}
	if got := f.seq.Position(); got != 3500*time.Millisecond {
		t.Errorf("Position() = %v, want 3.5s", got)
	}
	if f.seq.State() == StatePlaying {
		t.Error("seek while stopped must not start playback")
	}

	// The chunk resolves into the next role and the pool rotates once
	// the buffer is ready.
	waitFor(t, "seek target ready", func() bool {
		ch := f.current().Chunk()
		return ch != nil && ch.Start == 2*time.Second
	})

	f.seq.Play()
	if got := f.current().lastStart().offset; got != 1500*time.Millisecond {
		t.Errorf("start offset = %v, want 1.5s", got)
	}
}

func TestSeekWhilePlayingResumesAtTarget(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	f.seq.Play()
	f.clk.Advance(time.Second)
	if !f.seq.Seek(6300 * time.Millisecond) {
		t.Fatal("Seek(6.3s) = false, want true")
	}
	if f.seq.State() != StatePlaying {
		t.Errorf("State() = %v, want playing across a seek", f.seq.State())
	}

	cur := f.current()
	waitFor(t, "start at seek target", func() bool {
		return cur.startCount() > 0 && cur.lastStart().offset == 300*time.Millisecond
	})
	// The reported position trails the target by the scheduling lead
	// until the voice's start time arrives.
	if got := f.seq.Position(); got != 6250*time.Millisecond {
		t.Errorf("Position() = %v, want 6.25s", got)
	}
}

func TestSeekWithinCurrentChunk(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	f.seq.Play()
	start := f.current().startCount()
	if !f.seq.Seek(800 * time.Millisecond) {
		t.Fatal("Seek(800ms) = false, want true")
	}
	cur := f.current()
	waitFor(t, "restart within chunk", func() bool { return cur.startCount() > start })
	if got := cur.lastStart().offset; got != 800*time.Millisecond {
		t.Errorf("start offset = %v, want 800ms", got)
	}
}

func TestSeekOutOfRange(t *testing.T) {
	f := newToneFixture(t)

	tests := []struct {
		name   string
		target time.Duration
	}{
		{"negative", -time.Millisecond},
		{"at duration", 10 * time.Second},
		{"past duration", time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if f.seq.Seek(tt.target) {
				t.Errorf("Seek(%v) = true, want false", tt.target)
			}
			if got := f.seq.Position(); got != 0 {
				t.Errorf("Position() moved to %v on rejected seek", got)
			}
		})
	}
}

func TestStaleFetchDropped(t *testing.T) {
	src := &fakeSource{duration: 10 * time.Second, chunkSize: testChunk, gate: make(chan struct{})}
	f := newFixture(t, src)

	// Two quick seeks while every fetch is stalled; only the second
	// may ever surface.
	f.seq.Seek(4 * time.Second)
	f.seq.Seek(6 * time.Second)
	close(src.gate)

	waitFor(t, "second seek target ready", func() bool {
		ch := f.current().Chunk()
		return ch != nil && ch.Start == 6*time.Second
	})
	for _, v := range f.voices {
		if ch := v.Chunk(); ch != nil && ch.Start == 4*time.Second {
			t.Error("superseded chunk was installed")
		}
	}
	if got := f.seq.Position(); got != 6*time.Second {
		t.Errorf("Position() = %v, want 6s", got)
	}
}

func TestFetchFailureRetriedOnTick(t *testing.T) {
	src := &fakeSource{
		duration:  10 * time.Second,
		chunkSize: testChunk,
		failures:  map[time.Duration]int{0: 2},
	}
	f := newFixture(t, src)

	f.seq.Play()
	cur := f.current()
	for i := 0; i < 50 && cur.startCount() == 0; i++ {
		f.seq.tick()
		time.Sleep(time.Millisecond)
	}
	waitFor(t, "start after retries", func() bool { return cur.startCount() > 0 })
}

func TestTransitionHandoffIsGapless(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	f.seq.Play()
	old := f.current()
	next := f.next()
	waitFor(t, "next chunk prefetched", f.hasChunk(next, testChunk))

	// Inside the look-ahead window of the first chunk's end.
	f.clk.Set(1700 * time.Millisecond)
	f.seq.tick()

	wantAt := testLead + testChunk
	if got := next.lastStart(); got.offset != 0 || got.at != wantAt {
		t.Errorf("next start = %+v, want offset 0 at %v", got, wantAt)
	}
	if got := old.lastStop(); got != wantAt {
		t.Errorf("old stop = %v, want %v", got, wantAt)
	}
	// Position stays continuous even though the transport already
	// committed to the next chunk.
	if got := f.seq.Position(); got != 1650*time.Millisecond {
		t.Errorf("Position() = %v around the handoff, want 1.65s", got)
	}
}

func TestTransitionTooEarlyDoesNothing(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	f.seq.Play()
	next := f.next()
	waitFor(t, "next chunk prefetched", f.hasChunk(next, testChunk))

	f.clk.Set(time.Second)
	f.seq.tick()
	if next.startCount() != 0 {
		t.Error("transition fired outside the look-ahead window")
	}
}

func TestFinalChunkPlaysOutThenStops(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	var mu sync.Mutex
	stops := 0
	f.seq.OnStop(func() {
		mu.Lock()
		stops++
		mu.Unlock()
	})

	f.seq.Seek(9500 * time.Millisecond)
	waitFor(t, "final chunk ready", func() bool {
		ch := f.current().Chunk()
		return ch != nil && ch.Start == 8*time.Second
	})
	f.seq.Play()
	next := f.next()

	// Near the end of the final chunk: no transition may fire.
	f.clk.Set(400 * time.Millisecond)
	f.seq.tick()
	if next.startCount() != 0 {
		t.Fatal("transition fired past the end of the asset")
	}
	if f.seq.State() != StatePlaying {
		t.Fatalf("State() = %v, want playing before the end", f.seq.State())
	}

	// Past the end: stop fires exactly once.
	f.clk.Set(600 * time.Millisecond)
	f.seq.tick()
	f.seq.tick()

	mu.Lock()
	got := stops
	mu.Unlock()
	if got != 1 {
		t.Errorf("stop observer fired %d times, want 1", got)
	}
	if f.seq.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", f.seq.State())
	}
	if f.seq.Position() != 0 {
		t.Errorf("Position() = %v after end of asset, want 0", f.seq.Position())
	}
}

func TestSetSpeed(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	f.seq.Play()
	f.clk.Set(testLead + 950*time.Millisecond)

	if err := f.seq.SetSpeed(2); err != nil {
		t.Fatalf("SetSpeed(2) error = %v", err)
	}
	factor, at, _ := f.pitch.state()
	if factor != 0.5 {
		t.Errorf("pitch factor = %v, want 0.5", factor)
	}
	if at != f.clk.Now() {
		t.Errorf("pitch change at = %v, want %v", at, f.clk.Now())
	}
	for i, v := range f.voices {
		if got := v.lastRate(); got.speed != 2 {
			t.Errorf("voice %d rate = %v, want 2", i, got.speed)
		}
	}

	// Position advances at the new speed from the change onward.
	f.clk.Advance(500 * time.Millisecond)
	if got := f.seq.Position(); got != 1950*time.Millisecond {
		t.Errorf("Position() = %v, want 1.95s", got)
	}
}

func TestSetSpeedRejectsNonPositive(t *testing.T) {
	f := newToneFixture(t)

	if err := f.seq.SetSpeed(1.5); err != nil {
		t.Fatalf("SetSpeed(1.5) error = %v", err)
	}
	_, _, callsBefore := f.pitch.state()

	for _, bad := range []float64{0, -1} {
		if err := f.seq.SetSpeed(bad); !errors.Is(err, ErrInvalidSpeed) {
			t.Errorf("SetSpeed(%v) error = %v, want ErrInvalidSpeed", bad, err)
		}
	}
	if got := f.seq.Speed(); got != 1.5 {
		t.Errorf("Speed() = %v, want 1.5 after rejected calls", got)
	}
	if _, _, calls := f.pitch.state(); calls != callsBefore {
		t.Error("rejected SetSpeed reconfigured the pitch correction")
	}
}

func TestSetBalance(t *testing.T) {
	f := newToneFixture(t)

	tests := []struct {
		name  string
		in    float64
		want  float64
		wantX float64
	}{
		{"center", 0, 0, 0},
		{"hard right", 1, 1, 1},
		{"hard left", -1, -1, -1},
		{"clamped high", 2.5, 1, 1},
		{"clamped low", -7, -1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.seq.SetBalance(tt.in)
			if got := f.seq.Balance(); got != tt.want {
				t.Errorf("Balance() = %v, want %v", got, tt.want)
			}
			x, _, _ := f.pan.position()
			if math.Abs(x-tt.wantX) > 1e-9 {
				t.Errorf("pan x = %v, want %v", x, tt.wantX)
			}
		})
	}
}

func TestGainPassthrough(t *testing.T) {
	f := newToneFixture(t)

	f.seq.SetVolume(0.25)
	if got := f.seq.Volume(); got != 0.25 {
		t.Errorf("Volume() = %v, want 0.25", got)
	}
	f.seq.SetChannelGain(0, 0.5)
	f.seq.SetChannelGain(1, 0.75)
	if got := f.seq.ChannelGain(0); got != 0.5 {
		t.Errorf("ChannelGain(0) = %v, want 0.5", got)
	}
	if got := f.seq.ChannelGain(1); got != 0.75 {
		t.Errorf("ChannelGain(1) = %v, want 0.75", got)
	}
}

func TestStateListeners(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	var mu sync.Mutex
	var seen []State
	f.seq.AddStateListener(func(st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	f.seq.Play()
	f.seq.Pause()
	f.seq.Resume()
	f.seq.Stop()

	waitFor(t, "state sequence", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 4
	})
	mu.Lock()
	defer mu.Unlock()
	want := []State{StatePlaying, StatePaused, StatePlaying, StateStopped}
	for i, st := range want {
		if seen[i] != st {
			t.Fatalf("state[%d] = %v, want %v (full: %v)", i, seen[i], st, seen)
		}
	}
}

func TestCloseSilencesEverything(t *testing.T) {
	f := newToneFixture(t)
	waitFor(t, "first chunk primed", f.hasChunk(f.current(), 0))

	f.seq.Play()
	if err := f.seq.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if f.seq.Play() {
		t.Error("Play() after Close = true, want false")
	}
	if err := f.seq.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
