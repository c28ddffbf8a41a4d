// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

// ring is a fixed-capacity circular buffer of event and gap
// deliveries. Pushing onto a full ring evicts the oldest entry. Not
// safe for concurrent use; the owning stream's lock guards it.
type ring struct {
	entries []Delivery
	start   int
	count   int
}

func newRing(capacity int) *ring {
	return &ring{entries: make([]Delivery, capacity)}
}

func (r *ring) push(delivery Delivery) {
	capacity := len(r.entries)
	if r.count < capacity {
		r.entries[(r.start+r.count)%capacity] = delivery
		r.count++
		return
	}
	r.entries[r.start] = delivery
	r.start = (r.start + 1) % capacity
}

func (r *ring) at(index int) Delivery {
	return r.entries[(r.start+index)%len(r.entries)]
}

// oldest returns the lowest sequence still retained and false when the
// ring is empty.
func (r *ring) oldest() (uint64, bool) {
	if r.count == 0 {
		return 0, false
	}
	return r.at(0).first(), true
}

// since returns the retained deliveries covering sequences after
// resumeFrom, trimming a gap that straddles it.
func (r *ring) since(resumeFrom uint64) []Delivery {
	var replay []Delivery
	for i := 0; i < r.count; i++ {
		delivery := r.at(i)
		if delivery.Sequence <= resumeFrom {
			continue
		}
		if delivery.Type == DeliveryGap && delivery.Gap.From <= resumeFrom {
			trimmed := *delivery.Gap
			trimmed.From = resumeFrom + 1
			delivery.Gap = &trimmed
		}
		replay = append(replay, delivery)
	}
	return replay
}
