// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"sync"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/fanout"
	"github.com/hyperbridge-labs/hyperbridge/lib/clock"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
)

// release is one item the resequencer lets through: an event, or a gap
// the session will never fill.
type release struct {
	event protocol.Event
	gap   *fanout.Gap
}

// resequencer restores per-session sequence order. It outlives
// individual links so that a resumed session continues where the
// previous link stopped.
type resequencer struct {
	window int
	clock  clock.Clock

	mu   sync.Mutex
	last uint64
	held map[uint64]protocol.Event

	// waitingSince is when the bridge started waiting on the current
	// hole. Zero when nothing is held.
	waitingSince time.Time
}

func newResequencer(window int, c clock.Clock) *resequencer {
	if window < 0 {
		window = 0
	}
	if c == nil {
		c = clock.Real()
	}
	return &resequencer{window: window, clock: c, held: make(map[uint64]protocol.Event)}
}

// offer accepts one data event and calls emit, in sequence order, for
// every release it unlocks. It reports whether the event was a
// duplicate and dropped. emit runs with the resequencer locked, which
// serializes delivery per session.
func (r *resequencer) offer(event protocol.Event, emit func(release)) (duplicate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sequence := event.Sequence
	if sequence <= r.last {
		return true
	}
	if _, ok := r.held[sequence]; ok {
		return true
	}
	before := r.last
	defer r.markWaitingLocked(before)
	if sequence != r.last+1 {
		r.held[sequence] = event
		for len(r.held) > r.window {
			r.skipHoleLocked(emit)
		}
		return false
	}

	r.last = sequence
	emit(release{event: event})
	r.drainLocked(emit)
	return false
}

// markWaitingLocked restarts the hole timer whenever the sequence moved
// past the hole it was timing.
func (r *resequencer) markWaitingLocked(before uint64) {
	switch {
	case len(r.held) == 0:
		r.waitingSince = time.Time{}
	case r.waitingSince.IsZero() || r.last != before:
		r.waitingSince = r.clock.Now()
	}
}

// skipHoleLocked publishes the lowest hole as a gap and releases what
// follows it.
func (r *resequencer) skipHoleLocked(emit func(release)) {
	lowest := r.lowestHeldLocked()
	emit(release{gap: &fanout.Gap{From: r.last + 1, To: lowest - 1}})
	r.last = lowest - 1
	r.drainLocked(emit)
}

// flushStale gives up on every hole once the bridge has waited at
// least timeout on the current one, publishing gaps and releasing all
// held events. It returns the number of gaps published.
func (r *resequencer) flushStale(timeout time.Duration, emit func(release)) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.held) == 0 || r.clock.Now().Sub(r.waitingSince) < timeout {
		return 0
	}
	return r.flushLocked(emit)
}

// flush gives up on every hole regardless of age.
func (r *resequencer) flush(emit func(release)) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(emit)
}

func (r *resequencer) flushLocked(emit func(release)) int {
	gaps := 0
	for len(r.held) > 0 {
		r.skipHoleLocked(emit)
		gaps++
	}
	r.waitingSince = time.Time{}
	return gaps
}

// drainLocked releases held events that now continue the sequence.
func (r *resequencer) drainLocked(emit func(release)) {
	for {
		next, ok := r.held[r.last+1]
		if !ok {
			return
		}
		delete(r.held, r.last+1)
		r.last++
		emit(release{event: next})
	}
}

func (r *resequencer) lowestHeldLocked() uint64 {
	var lowest uint64
	for sequence := range r.held {
		if lowest == 0 || sequence < lowest {
			lowest = sequence
		}
	}
	return lowest
}

// lastAccepted is the highest sequence released so far, gaps included.
func (r *resequencer) lastAccepted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// pending is the number of events held for an earlier hole.
func (r *resequencer) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}
