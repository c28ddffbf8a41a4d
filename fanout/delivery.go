// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import "github.com/hyperbridge-labs/hyperbridge/protocol"

// DeliveryType tags a Delivery.
type DeliveryType string

const (
	DeliveryEvent DeliveryType = "event"
	DeliveryGap   DeliveryType = "gap"
	DeliveryState DeliveryType = "state"
	DeliveryEnd   DeliveryType = "end"
)

// End reasons.
const (
	ReasonLagged         = "lagged"
	ReasonSessionExpired = "session-expired"
	ReasonShutdown       = "shutdown"
	ReasonUnsubscribed   = "unsubscribed"
)

// Gap is an inclusive range of sequence numbers that will not be
// delivered.
type Gap struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// Delivery is one item on a subscriber's stream.
type Delivery struct {
	Type DeliveryType `json:"type"`

	// Sequence is the event's sequence for event deliveries and Gap.To
	// for gap deliveries. For end deliveries it is the last sequence
	// the subscriber was given, which is its resume point. Zero for
	// state deliveries.
	Sequence uint64 `json:"seq"`

	Event  *protocol.Event `json:"event,omitempty"`
	Gap    *Gap            `json:"gap,omitempty"`
	State  string          `json:"state,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// first returns the lowest sequence number the delivery accounts for.
func (d Delivery) first() uint64 {
	if d.Type == DeliveryGap {
		return d.Gap.From
	}
	return d.Sequence
}
