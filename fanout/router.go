// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hyperbridge-labs/hyperbridge/protocol"
	"github.com/hyperbridge-labs/hyperbridge/session"
)

var (
	// ErrUnknownSession means the registry does not know the session.
	ErrUnknownSession = errors.New("fanout: unknown session")

	// ErrSessionEnded means the session's stream was closed.
	ErrSessionEnded = errors.New("fanout: session ended")

	// ErrOutOfOrder means a publish did not continue the sequence.
	ErrOutOfOrder = errors.New("fanout: sequence out of order")

	// ErrClosed means the router was closed.
	ErrClosed = errors.New("fanout: router closed")

	// ErrResumeAhead means a subscriber asked to resume after a sequence
	// the session has not reached.
	ErrResumeAhead = errors.New("fanout: resume point beyond head")
)

// SessionLookup is the registry view consulted before subscribing.
type SessionLookup interface {
	Lookup(id string) (session.Session, error)
}

// Config configures a Router.
type Config struct {
	// ReplayWindow is the number of event and gap deliveries retained
	// per session.
	ReplayWindow int

	// SubscriberBuffer is the live backlog a subscriber may accumulate
	// before it is closed as lagged.
	SubscriberBuffer int

	// Sessions, when set, is consulted by Subscribe.
	Sessions SessionLookup

	Logger *slog.Logger
}

// Router owns every session's replay ring and subscriber set. Safe for
// concurrent use.
type Router struct {
	replayWindow int
	buffer       int
	sessions     SessionLookup
	logger       *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool

	indexMu sync.Mutex
	index   map[string]*Subscriber
}

// stream is one session's ring and subscribers. Lock order:
// Router.mu, then stream.mu, then Router.indexMu.
type stream struct {
	sessionID   string
	mu          sync.Mutex
	ring        *ring
	head        uint64
	subscribers map[string]*Subscriber
	ended       bool
}

// Subscriber is one consumer of a session's stream.
type Subscriber struct {
	id         string
	stream     *stream
	deliveries chan Delivery

	// Guarded by stream.mu.
	last   uint64
	closed bool
}

// ID returns the subscriber id.
func (s *Subscriber) ID() string { return s.id }

// SessionID returns the subscribed session.
func (s *Subscriber) SessionID() string { return s.stream.sessionID }

// Deliveries returns the delivery channel. It is closed after the end
// delivery, or without one after Unsubscribe.
func (s *Subscriber) Deliveries() <-chan Delivery { return s.deliveries }

// Start selects where a subscription begins.
type Start struct {
	// ResumeFrom is the last sequence the subscriber already has. Zero
	// means from the beginning of the session. A value past the
	// session's head is rejected with ErrResumeAhead.
	ResumeFrom uint64

	// Live skips replay and starts at the current head.
	Live bool
}

// New creates a Router.
func New(config Config) *Router {
	router := &Router{
		replayWindow: config.ReplayWindow,
		buffer:       config.SubscriberBuffer,
		sessions:     config.Sessions,
		logger:       config.Logger,
		streams:      make(map[string]*stream),
		index:        make(map[string]*Subscriber),
	}
	if router.replayWindow <= 0 {
		router.replayWindow = 4096
	}
	if router.buffer <= 0 {
		router.buffer = 256
	}
	if router.logger == nil {
		router.logger = slog.Default()
	}
	return router
}

func (r *Router) stream(sessionID string, create bool) (*stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	existing, ok := r.streams[sessionID]
	if ok || !create {
		return existing, nil
	}
	created := &stream{
		sessionID:   sessionID,
		ring:        newRing(r.replayWindow),
		subscribers: make(map[string]*Subscriber),
	}
	r.streams[sessionID] = created
	return created, nil
}

// Publish appends an accepted data event to its session's replay ring
// and delivers it to every subscriber. The event must carry its
// SessionID and continue the session's sequence.
func (r *Router) Publish(event protocol.Event) error {
	if event.SessionID == "" {
		return errors.New("fanout: event has no session id")
	}
	if event.Kind.IsControl() {
		return fmt.Errorf("fanout: control event %s is not published", event.Kind)
	}
	target, err := r.stream(event.SessionID, true)
	if err != nil {
		return err
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.ended {
		return ErrSessionEnded
	}
	if event.Sequence <= target.head {
		return fmt.Errorf("%w: %s sequence %d after %d", ErrOutOfOrder, event.SessionID, event.Sequence, target.head)
	}
	delivery := Delivery{Type: DeliveryEvent, Sequence: event.Sequence, Event: &event}
	target.ring.push(delivery)
	target.head = event.Sequence
	r.fanOutLocked(target, delivery)
	return nil
}

// PublishGap records that sequences from through to will never be
// published. from must be the sequence after the current head.
func (r *Router) PublishGap(sessionID string, from, to uint64) error {
	if to < from {
		return fmt.Errorf("fanout: invalid gap %d-%d", from, to)
	}
	target, err := r.stream(sessionID, true)
	if err != nil {
		return err
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.ended {
		return ErrSessionEnded
	}
	if from != target.head+1 {
		return fmt.Errorf("%w: %s gap starts at %d after %d", ErrOutOfOrder, sessionID, from, target.head)
	}
	delivery := Delivery{Type: DeliveryGap, Sequence: to, Gap: &Gap{From: from, To: to}}
	target.ring.push(delivery)
	target.head = to
	r.fanOutLocked(target, delivery)
	r.logger.Warn("sequence gap published", "session_id", sessionID, "from", from, "to", to)
	return nil
}

// NotifyState delivers a live-only state notice to the session's
// current subscribers.
func (r *Router) NotifyState(sessionID string, state session.State) {
	target, err := r.stream(sessionID, false)
	if err != nil || target == nil {
		return
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.ended {
		return
	}
	r.fanOutLocked(target, Delivery{Type: DeliveryState, State: state.String()})
}

// Subscribe attaches a subscriber to sessionID.
//
// With a ResumeFrom still covered by the replay window, everything
// after it is replayed before live delivery. When part of that range
// has been evicted, the subscriber instead receives one gap delivery
// up to the current head and continues live from there.
func (r *Router) Subscribe(sessionID string, start Start) (*Subscriber, error) {
	if r.sessions != nil {
		known, err := r.sessions.Lookup(sessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
		if known.State == session.Expired {
			return nil, fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
		}
	}
	target, err := r.stream(sessionID, true)
	if err != nil {
		return nil, err
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.ended {
		return nil, fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
	}
	if !start.Live && start.ResumeFrom > target.head {
		return nil, fmt.Errorf("%w: %s resume_from %d, head %d", ErrResumeAhead, sessionID, start.ResumeFrom, target.head)
	}

	var replay []Delivery
	if !start.Live && start.ResumeFrom < target.head {
		oldest, _ := target.ring.oldest()
		if start.ResumeFrom+1 < oldest {
			replay = []Delivery{{
				Type:     DeliveryGap,
				Sequence: target.head,
				Gap:      &Gap{From: start.ResumeFrom + 1, To: target.head},
			}}
		} else {
			replay = target.ring.since(start.ResumeFrom)
		}
	}

	subscriber := &Subscriber{
		id:         uuid.NewString(),
		stream:     target,
		deliveries: make(chan Delivery, len(replay)+r.buffer+1),
		last:       start.ResumeFrom,
	}
	if start.Live {
		subscriber.last = target.head
	}
	for _, delivery := range replay {
		subscriber.deliveries <- delivery
		subscriber.last = delivery.Sequence
	}
	target.subscribers[subscriber.id] = subscriber

	r.indexMu.Lock()
	r.index[subscriber.id] = subscriber
	r.indexMu.Unlock()

	r.logger.Debug("subscriber attached",
		"session_id", sessionID,
		"subscriber_id", subscriber.id,
		"resume_from", start.ResumeFrom,
		"replayed", len(replay),
		"head", target.head,
	)
	return subscriber, nil
}

// Unsubscribe detaches the subscriber and closes its channel without
// an end delivery. Unknown or already closed ids are ignored.
func (r *Router) Unsubscribe(id string) {
	r.indexMu.Lock()
	subscriber, ok := r.index[id]
	r.indexMu.Unlock()
	if !ok {
		return
	}
	target := subscriber.stream
	target.mu.Lock()
	defer target.mu.Unlock()
	r.detachLocked(target, subscriber)
}

// CloseSession sends an end delivery with reason to every subscriber
// of sessionID, closes them and discards the session's ring. Further
// publishes and subscriptions for the session fail with
// ErrSessionEnded. It returns the number of subscribers closed.
func (r *Router) CloseSession(sessionID, reason string) int {
	target, err := r.stream(sessionID, true)
	if err != nil {
		return 0
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	return r.endLocked(target, reason)
}

func (r *Router) endLocked(target *stream, reason string) int {
	if target.ended {
		return 0
	}
	target.ended = true
	target.ring = newRing(1)
	count := 0
	for _, subscriber := range target.subscribers {
		r.finishLocked(target, subscriber, reason)
		count++
	}
	return count
}

// Close ends every session's stream with ReasonShutdown and rejects
// further use.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	streams := make([]*stream, 0, len(r.streams))
	for _, target := range r.streams {
		streams = append(streams, target)
	}
	r.mu.Unlock()

	for _, target := range streams {
		target.mu.Lock()
		r.endLocked(target, ReasonShutdown)
		target.mu.Unlock()
	}
}

// Forget drops an ended session's stream record.
func (r *Router) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target, ok := r.streams[sessionID]; ok {
		target.mu.Lock()
		ended := target.ended
		target.mu.Unlock()
		if ended {
			delete(r.streams, sessionID)
		}
	}
}

// Head returns the highest sequence published for sessionID.
func (r *Router) Head(sessionID string) uint64 {
	target, err := r.stream(sessionID, false)
	if err != nil || target == nil {
		return 0
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	return target.head
}

// Subscribers returns the number of attached subscribers for sessionID.
func (r *Router) Subscribers(sessionID string) int {
	target, err := r.stream(sessionID, false)
	if err != nil || target == nil {
		return 0
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	return len(target.subscribers)
}

// fanOutLocked offers delivery to every subscriber of target, closing
// those with no room left.
func (r *Router) fanOutLocked(target *stream, delivery Delivery) {
	for _, subscriber := range target.subscribers {
		// The last slot is reserved for the end delivery.
		if len(subscriber.deliveries) >= cap(subscriber.deliveries)-1 {
			r.logger.Warn("subscriber lagged",
				"session_id", target.sessionID,
				"subscriber_id", subscriber.id,
				"last_sequence", subscriber.last,
			)
			r.finishLocked(target, subscriber, ReasonLagged)
			continue
		}
		subscriber.deliveries <- delivery
		if delivery.Sequence > 0 && delivery.Type != DeliveryEnd {
			subscriber.last = delivery.Sequence
		}
	}
}

// finishLocked sends the end delivery and closes the subscriber.
func (r *Router) finishLocked(target *stream, subscriber *Subscriber, reason string) {
	if subscriber.closed {
		return
	}
	subscriber.deliveries <- Delivery{Type: DeliveryEnd, Sequence: subscriber.last, Reason: reason}
	r.detachLocked(target, subscriber)
}

func (r *Router) detachLocked(target *stream, subscriber *Subscriber) {
	if subscriber.closed {
		return
	}
	subscriber.closed = true
	close(subscriber.deliveries)
	delete(target.subscribers, subscriber.id)
	r.indexMu.Lock()
	delete(r.index, subscriber.id)
	r.indexMu.Unlock()
}
