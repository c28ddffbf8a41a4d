// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hyperbridge-labs/hyperbridge/lib/clock"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
)

// offerAll feeds sequences through r and renders what it releases as
// "1 2 gap3-4 5", with duplicates shown as "dup7".
func offerAll(r *resequencer, sequences ...uint64) string {
	var released []string
	for _, sequence := range sequences {
		event := protocol.Event{Kind: protocol.KindProcessCreate, Sequence: sequence}
		duplicate := r.offer(event, func(next release) {
			if next.gap != nil {
				released = append(released, fmt.Sprintf("gap%d-%d", next.gap.From, next.gap.To))
				return
			}
			released = append(released, fmt.Sprint(next.event.Sequence))
		})
		if duplicate {
			released = append(released, fmt.Sprintf("dup%d", sequence))
		}
	}
	return strings.Join(released, " ")
}

func TestResequencer(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		window    int
		sequences []uint64
		want      string
		last      uint64
		pending   int
	}{
		{"in order", 4, []uint64{1, 2, 3}, "1 2 3", 3, 0},
		{"duplicates dropped", 4, []uint64{1, 2, 2, 1, 3}, "1 2 dup2 dup1 3", 3, 0},
		{"reordered within window", 4, []uint64{2, 3, 1, 4}, "1 2 3 4", 4, 0},
		{"held duplicate dropped", 4, []uint64{3, 3, 1}, "dup3 1", 1, 1},
		{"hole held until window overflows", 2, []uint64{1, 3, 4}, "1", 1, 2},
		{"overflow publishes the hole as a gap", 2, []uint64{1, 3, 4, 6}, "1 gap2-2 3 4", 4, 1},
		{"zero window never holds", 0, []uint64{1, 4, 5}, "1 gap2-3 4 5", 5, 0},
		{"late arrival after gap is a duplicate", 0, []uint64{3, 1, 2}, "gap1-2 3 dup1 dup2", 3, 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			sequencer := newResequencer(test.window, nil)
			if got := offerAll(sequencer, test.sequences...); got != test.want {
				t.Errorf("released %q, want %q", got, test.want)
			}
			if got := sequencer.lastAccepted(); got != test.last {
				t.Errorf("lastAccepted = %d, want %d", got, test.last)
			}
			if got := sequencer.pending(); got != test.pending {
				t.Errorf("pending = %d, want %d", got, test.pending)
			}
		})
	}
}

func TestResequencerContinuesAcrossOffers(t *testing.T) {
	t.Parallel()
	sequencer := newResequencer(8, nil)
	offerAll(sequencer, 1, 2, 3)
	if got := offerAll(sequencer, 5, 6, 4); got != "4 5 6" {
		t.Fatalf("second batch released %q, want %q", got, "4 5 6")
	}
}

// flushStale renders what one flushStale call releases, in offerAll's
// notation.
func flushStale(r *resequencer, timeout time.Duration) (string, int) {
	var released []string
	gaps := r.flushStale(timeout, func(next release) {
		if next.gap != nil {
			released = append(released, fmt.Sprintf("gap%d-%d", next.gap.From, next.gap.To))
			return
		}
		released = append(released, fmt.Sprint(next.event.Sequence))
	})
	return strings.Join(released, " "), gaps
}

func TestResequencerReleasesStaleHoles(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sequencer := newResequencer(8, fake)
	offerAll(sequencer, 1, 3)

	fake.Advance(4 * time.Second)
	if got, gaps := flushStale(sequencer, 5*time.Second); got != "" || gaps != 0 {
		t.Fatalf("flushed %q (%d gaps) before the timeout", got, gaps)
	}

	// A later arrival behind the same hole does not restart the wait.
	offerAll(sequencer, 5)
	fake.Advance(time.Second)
	got, gaps := flushStale(sequencer, 5*time.Second)
	if got != "gap2-2 3 gap4-4 5" || gaps != 2 {
		t.Fatalf("flushed %q (%d gaps), want %q (2 gaps)", got, gaps, "gap2-2 3 gap4-4 5")
	}
	if sequencer.pending() != 0 || sequencer.lastAccepted() != 5 {
		t.Fatalf("after flush pending = %d, last = %d", sequencer.pending(), sequencer.lastAccepted())
	}
	if got := offerAll(sequencer, 4, 6); got != "dup4 6" {
		t.Fatalf("after flush released %q, want %q", got, "dup4 6")
	}
}

func TestResequencerWaitRestartsWhenHoleFills(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sequencer := newResequencer(8, fake)
	offerAll(sequencer, 1, 3, 5)

	fake.Advance(4 * time.Second)
	// 2 arrives; 3 drains and the bridge now waits on 4 from this moment.
	if got := offerAll(sequencer, 2); got != "2 3" {
		t.Fatalf("filling hole released %q, want %q", got, "2 3")
	}
	fake.Advance(4 * time.Second)
	if got, gaps := flushStale(sequencer, 5*time.Second); gaps != 0 {
		t.Fatalf("flushed %q for a hole only 4s old", got)
	}
	fake.Advance(time.Second)
	if got, _ := flushStale(sequencer, 5*time.Second); got != "gap4-4 5" {
		t.Fatalf("flushed %q, want %q", got, "gap4-4 5")
	}
}

func TestResequencerFlushIgnoresAge(t *testing.T) {
	t.Parallel()
	sequencer := newResequencer(8, clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	offerAll(sequencer, 2, 4)

	var released []string
	gaps := sequencer.flush(func(next release) {
		if next.gap != nil {
			released = append(released, fmt.Sprintf("gap%d-%d", next.gap.From, next.gap.To))
			return
		}
		released = append(released, fmt.Sprint(next.event.Sequence))
	})
	if got := strings.Join(released, " "); got != "gap1-1 2 gap3-3 4" || gaps != 2 {
		t.Fatalf("flush released %q (%d gaps), want %q (2 gaps)", got, gaps, "gap1-1 2 gap3-3 4")
	}
	if gaps := sequencer.flush(func(release) { t.Fatal("empty flush released something") }); gaps != 0 {
		t.Fatalf("empty flush reported %d gaps", gaps)
	}
}
