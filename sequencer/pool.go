package sequencer

import (
	"fmt"
	"time"

	"resound/source"
)

// Voice is one schedulable playback unit feeding the shared output mix.
type Voice interface {
	SetChunk(*source.Chunk)
	Chunk() *source.Chunk
	Start(offset, at time.Duration)
	Stop(at time.Duration)
	Scheduled() bool
	SetRate(speed float64, at time.Duration)
}

// Slot pairs a voice with its fetch bookkeeping: the timestamp of the
// fetch it is waiting for, if any. A new fetch supersedes an in-flight
// one; the superseded result is dropped on arrival.
type Slot struct {
	Voice        Voice
	want         time.Duration
	pendingFetch bool
}

// Pool owns a fixed rotation of voices with three named roles. Rotating
// advances the roles by one: next becomes current, current becomes
// previous. The pool is mutated only under the sequencer's lock.
type Pool struct {
	slots []*Slot
	cur   int
}

// NewPool builds a pool over the given voices. At least two are needed
// to hand off between consecutive chunks.
func NewPool(voices ...Voice) (*Pool, error) {
	if len(voices) < 2 {
		return nil, fmt.Errorf("voice pool needs at least 2 voices, got %d", len(voices))
	}
	slots := make([]*Slot, len(voices))
	for i, v := range voices {
		slots[i] = &Slot{Voice: v}
	}
	return &Pool{slots: slots}, nil
}

// Rotate advances the role assignment by one position.
func (p *Pool) Rotate() { p.cur = (p.cur + 1) % len(p.slots) }

// Current returns the slot holding the chunk being played (or primed).
func (p *Pool) Current() *Slot { return p.slots[p.cur] }

// Previous returns the slot that held current before the last rotation.
func (p *Pool) Previous() *Slot {
	return p.slots[(p.cur+len(p.slots)-1)%len(p.slots)]
}

// Next returns the slot that will become current on the next rotation.
func (p *Pool) Next() *Slot { return p.slots[(p.cur+1)%len(p.slots)] }

// Slots returns every slot, in rotation order.
func (p *Pool) Slots() []*Slot { return p.slots }

// Size returns the number of voices in the rotation.
func (p *Pool) Size() int { return len(p.slots) }
