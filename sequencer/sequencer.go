package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"resound/clock"
	"resound/source"
)

// ErrInvalidSpeed is returned when a non-positive speed factor is set.
var ErrInvalidSpeed = errors.New("sequencer: speed factor must be > 0")

// DefaultInterval is the period of the look-ahead transition check.
const DefaultInterval = 200 * time.Millisecond

// State is the externally visible transport state.
type State int

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// Gain is the shared gain capability: master volume plus independent
// per-channel gains.
type Gain interface {
	SetVolume(v float64)
	Volume() float64
	SetChannelGain(ch int, g float64)
	ChannelGain(ch int) float64
}

// Pan is the shared spatialization capability.
type Pan interface {
	SetPosition(x, y, z float64)
}

// Pitch is the shared pitch-correction capability.
type Pitch interface {
	SetFactor(f float64, at time.Duration)
}

// Capabilities bundles the output-path controls the sequencer drives.
type Capabilities struct {
	Gain  Gain
	Pan   Pan
	Pitch Pitch
}

// Config holds the sequencer's fixed geometry.
type Config struct {
	// ChunkSize is the duration one chunk represents.
	ChunkSize time.Duration
	// Interval is the look-ahead check period; DefaultInterval if zero.
	Interval time.Duration
}

// pendingResume is the deferred start armed while the awaited chunk is
// not decoded yet. It fires exactly once, when a chunk whose start
// equals target resolves; anything else that arrives is stale.
type pendingResume struct {
	target time.Duration
}

// Sequencer owns the transport state of one chunked playback session
// and schedules gapless handoffs between consecutive chunks. All state
// lives behind one mutex: transport calls, the periodic look-ahead
// check and fetch completions each re-enter under it, so no two
// mutations ever interleave (last transport call wins over anything
// still pending).
type Sequencer struct {
	mu sync.Mutex

	cfg  Config
	clk  clock.Clock
	src  source.Source
	pool *Pool
	caps Capabilities
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	base   time.Duration // asset start of the current chunk
	offset time.Duration // position within chunk when not running

	scheduled   bool          // true iff actively playing
	scheduledAt time.Duration // clock time the current chunk started

	speed   float64
	balance float64

	overlap      time.Duration
	overlapKnown bool

	pending      *pendingResume
	rotateArmed  bool // rotate-on-ready after a seek that should not resume
	rotateTarget time.Duration

	tickStop chan struct{}
	closed   bool

	state     State
	onStop    func()
	listeners []func(State)
	notifs    []func()
}

// New creates a sequencer and primes the first chunk so a later Play
// can start as soon as it resolves.
func New(cfg Config, clk clock.Clock, src source.Source, pool *Pool, caps Capabilities) (*Sequencer, error) {
	if cfg.ChunkSize <= 0 {
		return nil, errors.New("sequencer: chunk size must be > 0")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sequencer{
		cfg:    cfg,
		clk:    clk,
		src:    src,
		pool:   pool,
		caps:   caps,
		log:    slog.With("component", "sequencer"),
		ctx:    ctx,
		cancel: cancel,
		speed:  1,
	}

	s.mu.Lock()
	s.primeLocked()
	s.mu.Unlock()
	return s, nil
}

// Close releases the session: playback stops, the look-ahead check is
// cancelled and in-flight fetches are abandoned.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	now := s.clk.Now()
	s.pool.Previous().Voice.Stop(now)
	s.pool.Current().Voice.Stop(now)
	s.stopTickLocked()
	s.pending = nil
	s.mu.Unlock()
	s.cancel()
	return nil
}

// OnStop registers the observer fired whenever playback stops, either
// by request or by reaching the end of the asset.
func (s *Sequencer) OnStop(fn func()) {
	s.mu.Lock()
	s.onStop = fn
	s.mu.Unlock()
}

// AddStateListener registers a callback invoked on transport state
// changes, outside the sequencer lock.
func (s *Sequencer) AddStateListener(fn func(State)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// State returns the current transport state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Play starts playback from the current position. Calling it while a
// voice is already scheduled is a no-op.
func (s *Sequencer) Play() bool {
	s.mu.Lock()
	ok := s.playLocked(nil)
	fns := s.takeNotifs()
	s.mu.Unlock()
	runAll(fns)
	return ok
}

// PlayFrom starts playback at the given offset within the current
// chunk. Offsets outside the playable range are not applied.
func (s *Sequencer) PlayFrom(offset time.Duration) bool {
	s.mu.Lock()
	ok := s.playLocked(&offset)
	fns := s.takeNotifs()
	s.mu.Unlock()
	runAll(fns)
	return ok
}

// Pause freezes the position and silences both active voices.
// Idempotent.
func (s *Sequencer) Pause() {
	s.mu.Lock()
	if s.state != StateStopped {
		s.pauseLocked()
	}
	fns := s.takeNotifs()
	s.mu.Unlock()
	runAll(fns)
}

// Resume continues playback from the frozen position.
func (s *Sequencer) Resume() {
	s.mu.Lock()
	if !s.closed && !s.scheduled && s.pending == nil {
		s.startLocked(s.clk.Now() + s.clk.LeadTime())
	}
	fns := s.takeNotifs()
	s.mu.Unlock()
	runAll(fns)
}

// Stop halts playback immediately, resets the position to zero, fires
// the stop observer and re-primes the first chunk.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	s.stopLocked()
	fns := s.takeNotifs()
	s.mu.Unlock()
	runAll(fns)
}

// Seek moves the position to target. Returns false when target lies
// outside [0, duration).
func (s *Sequencer) Seek(target time.Duration) bool {
	s.mu.Lock()
	ok := s.seekLocked(target)
	fns := s.takeNotifs()
	s.mu.Unlock()
	runAll(fns)
	return ok
}

// SetPosition is Seek under its transport-surface name.
func (s *Sequencer) SetPosition(target time.Duration) bool { return s.Seek(target) }

// Position returns the absolute playback position, clamped to the
// asset duration.
func (s *Sequencer) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

// Duration returns the total asset duration.
func (s *Sequencer) Duration() time.Duration { return s.src.Duration() }

// SetSpeed changes the playback speed, keeping pitch constant by
// reconfiguring the pitch correction to the reciprocal factor. Factors
// <= 0 are rejected and leave all state untouched.
func (s *Sequencer) SetSpeed(f float64) error {
	if f <= 0 {
		return ErrInvalidSpeed
	}
	s.mu.Lock()
	now := s.clk.Now()
	if s.scheduled {
		// Freeze the offset with the old speed so position math uses
		// the new speed only from this instant on.
		p := s.offset + scaled(now-s.scheduledAt, s.speed)
		if p < 0 {
			p = 0
		}
		s.offset = p
		s.scheduledAt = now
	}
	s.speed = f
	s.caps.Pitch.SetFactor(1/f, now)
	for _, sl := range s.pool.Slots() {
		sl.Voice.SetRate(f, now)
	}
	s.mu.Unlock()
	return nil
}

// Speed returns the current speed factor.
func (s *Sequencer) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// SetBalance sets the stereo balance in [-1, 1]; values outside the
// range are clamped. The balance maps to a unit-circle pan position.
func (s *Sequencer) SetBalance(b float64) {
	b = math.Max(-1, math.Min(1, b))
	s.mu.Lock()
	s.balance = b
	s.mu.Unlock()
	s.caps.Pan.SetPosition(math.Sin(b*math.Pi/2), 0, -math.Cos(b*math.Pi/2))
}

// Balance returns the current stereo balance.
func (s *Sequencer) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// SetVolume sets the master gain. No scheduling implications.
func (s *Sequencer) SetVolume(v float64) { s.caps.Gain.SetVolume(v) }

// Volume returns the master gain.
func (s *Sequencer) Volume() float64 { return s.caps.Gain.Volume() }

// SetChannelGain sets the gain of one output channel.
func (s *Sequencer) SetChannelGain(ch int, g float64) { s.caps.Gain.SetChannelGain(ch, g) }

// ChannelGain returns the gain of one output channel.
func (s *Sequencer) ChannelGain(ch int) float64 { return s.caps.Gain.ChannelGain(ch) }

// --- internals, all called with s.mu held ---

func (s *Sequencer) playLocked(offset *time.Duration) bool {
	if s.closed {
		return false
	}
	if offset == nil && s.pool.Current().Voice.Scheduled() {
		return true
	}
	off := s.chunkPosLocked()
	if offset != nil {
		off = *offset
	}
	if off < 0 || off >= s.src.Duration()-s.base {
		return false
	}
	s.offset = off
	s.startLocked(s.clk.Now() + s.clk.LeadTime())
	return true
}

// startLocked starts the current chunk at s.offset at clock time at,
// or arms a pending-resume when its buffer is not decoded yet. The
// previous-role voice is always told to stop at the same time, which
// is what makes the handoff gapless.
func (s *Sequencer) startLocked(at time.Duration) {
	s.scheduled = false

	slot := s.awaitSlotLocked()
	ch := slot.Voice.Chunk()
	if ch == nil || ch.Start != s.base {
		s.pool.Previous().Voice.Stop(at)
		s.pending = &pendingResume{target: s.base}
		s.ensureRequestLocked(slot, s.base)
		s.startTickLocked()
		s.setStateLocked(StatePlaying)
		return
	}

	if s.rotateArmed {
		s.pool.Rotate()
		s.rotateArmed = false
		slot = s.pool.Current()
	}

	s.pool.Previous().Voice.Stop(at)
	s.scheduledAt = at
	s.scheduled = true
	slot.Voice.SetRate(s.speed, at)
	slot.Voice.Start(s.offset, at)
	s.startTickLocked()
	s.prefetchLocked()
	s.setStateLocked(StatePlaying)
}

func (s *Sequencer) pauseLocked() {
	now := s.clk.Now()
	if s.scheduled {
		p := s.offset + scaled(now-s.scheduledAt, s.speed)
		if p < 0 {
			p = 0
		}
		s.offset = p
		s.scheduled = false
	}
	s.pool.Previous().Voice.Stop(now)
	s.pool.Current().Voice.Stop(now)
	s.stopTickLocked()
	s.pending = nil
	s.setStateLocked(StatePaused)
}

func (s *Sequencer) stopLocked() {
	now := s.clk.Now()
	s.pool.Previous().Voice.Stop(now)
	s.pool.Current().Voice.Stop(now)
	s.base = 0
	s.offset = 0
	s.scheduled = false
	s.pending = nil
	s.rotateArmed = false
	s.stopTickLocked()
	if s.state != StateStopped && s.onStop != nil {
		fn := s.onStop
		s.notifs = append(s.notifs, fn)
	}
	s.setStateLocked(StateStopped)
	if !s.closed {
		s.primeLocked()
	}
}

func (s *Sequencer) seekLocked(target time.Duration) bool {
	if s.closed || target < 0 || target >= s.src.Duration() {
		return false
	}
	off := target % s.cfg.ChunkSize
	newBase := target - off

	if newBase == s.base {
		if s.scheduled {
			return s.playLocked(&off)
		}
		s.offset = off
		return true
	}

	wasPlaying := s.scheduled || s.pending != nil
	if s.scheduled {
		s.pauseLocked()
	}
	s.pending = nil
	s.rotateArmed = false
	s.base = newBase
	s.offset = off

	if wasPlaying {
		s.pool.Rotate()
		s.pending = &pendingResume{target: newBase}
		s.requestLocked(s.pool.Current(), newBase+s.overlap)
		s.startTickLocked()
		s.setStateLocked(StatePlaying)
	} else {
		// Do not disturb a voice that may still be fading out; the
		// rotation happens once the buffer is seen ready.
		s.rotateArmed = true
		s.rotateTarget = newBase
		s.requestLocked(s.pool.Next(), newBase+s.overlap)
	}
	return true
}

// primeLocked prepares the very first chunk: the fetch is issued into
// the next role and the pool rotated forward, so the buffer lands in
// the slot that is current when Play arrives.
func (s *Sequencer) primeLocked() {
	s.requestLocked(s.pool.Next(), s.base+s.overlap)
	s.pool.Rotate()
}

// awaitSlotLocked returns the slot whose buffer a (pending) start
// waits on: the next role while a rotate-on-ready is armed, else the
// current one.
func (s *Sequencer) awaitSlotLocked() *Slot {
	if s.rotateArmed {
		return s.pool.Next()
	}
	return s.pool.Current()
}

// requestLocked issues a fetch for the chunk covering ts into the
// slot, superseding whatever the slot held or awaited before.
func (s *Sequencer) requestLocked(slot *Slot, ts time.Duration) {
	slot.Voice.SetChunk(nil)
	slot.want = ts
	slot.pendingFetch = true
	go s.fetch(slot, ts)
}

// ensureRequestLocked issues a fetch for the chunk at base unless the
// slot already holds it or is already waiting for it.
func (s *Sequencer) ensureRequestLocked(slot *Slot, base time.Duration) {
	ts := base + s.overlap
	if slot.pendingFetch && slot.want == ts {
		return
	}
	if ch := slot.Voice.Chunk(); ch != nil && ch.Start == base {
		return
	}
	s.requestLocked(slot, ts)
}

func (s *Sequencer) prefetchLocked() {
	next := s.base + s.cfg.ChunkSize
	if next >= s.src.Duration() {
		return
	}
	s.ensureRequestLocked(s.pool.Next(), next)
}

func (s *Sequencer) fetch(slot *Slot, ts time.Duration) {
	ch, err := s.src.Resolve(s.ctx, ts)
	s.chunkReady(slot, ts, ch, err)
}

// chunkReady is the single re-entry point for fetch completions.
func (s *Sequencer) chunkReady(slot *Slot, ts time.Duration, ch *source.Chunk, err error) {
	s.mu.Lock()
	if s.closed || !slot.pendingFetch || slot.want != ts {
		// Superseded by a newer transport call; silently dropped.
		s.mu.Unlock()
		return
	}
	slot.pendingFetch = false

	if err != nil {
		s.log.Warn("chunk fetch failed",
			slog.Duration("at", ts),
			slog.Any("error", err))
		s.mu.Unlock()
		return
	}

	slot.Voice.SetChunk(ch)
	if !s.overlapKnown {
		s.overlap = ch.Overlap
		s.overlapKnown = true
	}
	if s.rotateArmed && ch.Start == s.rotateTarget {
		s.pool.Rotate()
		s.rotateArmed = false
	}
	if s.pending != nil && s.pending.target == ch.Start {
		s.pending = nil
		s.startLocked(s.clk.Now() + s.clk.LeadTime())
	}
	fns := s.takeNotifs()
	s.mu.Unlock()
	runAll(fns)
}

// --- look-ahead check ---

func (s *Sequencer) startTickLocked() {
	if s.tickStop != nil {
		return
	}
	stop := make(chan struct{})
	s.tickStop = stop
	go func() {
		t := time.NewTicker(s.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.tick()
			}
		}
	}()
}

func (s *Sequencer) stopTickLocked() {
	if s.tickStop != nil {
		close(s.tickStop)
		s.tickStop = nil
	}
}

// tick is the periodic look-ahead check: it retries missing buffers
// and triggers the transition to the next chunk shortly before the
// current one runs out.
func (s *Sequencer) tick() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if s.pending != nil {
		// Still waiting on a buffer; re-issue the fetch if it failed.
		s.ensureRequestLocked(s.awaitSlotLocked(), s.pending.target)
		s.mu.Unlock()
		return
	}
	if !s.scheduled {
		s.mu.Unlock()
		return
	}

	dur := s.src.Duration()
	if s.positionLocked() >= dur {
		s.stopLocked()
		fns := s.takeNotifs()
		s.mu.Unlock()
		runAll(fns)
		return
	}

	s.prefetchLocked()

	ch := s.pool.Current().Voice.Chunk()
	if ch == nil {
		// Duration unknown until the buffer resolves; never fire early.
		s.mu.Unlock()
		return
	}

	// The buffer carries trailing overlap content; the handoff happens
	// at the logical chunk boundary so the overlap is never replayed.
	span := ch.Duration
	if span > s.cfg.ChunkSize {
		span = s.cfg.ChunkSize
	}
	pos := s.chunkPosLocked()
	timeLeft := scaled(span-pos, 1/s.speed) - s.clk.LeadTime()
	if timeLeft >= 2*s.cfg.Interval {
		s.mu.Unlock()
		return
	}

	next := s.base + s.cfg.ChunkSize
	if next >= dur {
		// Final chunk: let it play out; the position check above
		// fires the stop on a following tick.
		s.mu.Unlock()
		return
	}

	endAt := s.scheduledAt + scaled(span-s.offset, 1/s.speed)
	s.base = next
	s.offset = 0
	s.pool.Rotate()
	s.startLocked(endAt)

	fns := s.takeNotifs()
	s.mu.Unlock()
	runAll(fns)
}

// --- position math ---

// chunkPosLocked may return a negative value while the current chunk is
// scheduled but its start time has not arrived yet; positionLocked
// clamps the total, which keeps the reported position continuous across
// handoffs.
func (s *Sequencer) chunkPosLocked() time.Duration {
	if !s.scheduled {
		return s.offset
	}
	return s.offset + scaled(s.clk.Now()-s.scheduledAt, s.speed)
}

func (s *Sequencer) positionLocked() time.Duration {
	p := s.base + s.chunkPosLocked()
	if p < 0 {
		return 0
	}
	if dur := s.src.Duration(); p > dur {
		return dur
	}
	return p
}

// --- notifications ---

func (s *Sequencer) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	for _, l := range s.listeners {
		l := l
		s.notifs = append(s.notifs, func() { l(st) })
	}
}

func (s *Sequencer) takeNotifs() []func() {
	fns := s.notifs
	s.notifs = nil
	return fns
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func scaled(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}
