// Package streaming implements the per-execution broadcast buffer that
// delivers interpreter output to live subscribers with late-join replay.
package streaming

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/ces/internal/common/logger"
	v1 "github.com/kandev/ces/pkg/api/v1"
)

// Hub is the per-execution event bus: one producer (the execution engine),
// N subscribers (open stream connections). Events are retained in order so
// a subscriber joining late replays the full prefix before going live.
type Hub struct {
	execID string
	limit  int // max retained events before truncation
	subBuf int // per-subscriber queue capacity
	logger *logger.Logger

	mu      sync.Mutex
	events  []v1.OutputEvent
	dropped int64 // events discarded by truncation
	nextSeq int64
	closed  bool
	subs    map[*Subscription]struct{}
	tap     func(v1.OutputEvent)
}

// Subscription is one consumer's view of a hub: a replay snapshot taken at
// subscribe time plus a bounded live queue. The live channel is closed by
// the hub after the terminal event, or early if the consumer fell behind.
type Subscription struct {
	replay []v1.OutputEvent
	ch     chan v1.OutputEvent
	hub    *Hub
	lagged bool // guarded by hub.mu
}

// Replay returns the ordered events that were already published when the
// subscription was created.
func (s *Subscription) Replay() []v1.OutputEvent {
	return s.replay
}

// Events returns the live event channel. It is closed after the terminal
// event has been delivered, or when the subscriber is dropped for lagging.
func (s *Subscription) Events() <-chan v1.OutputEvent {
	return s.ch
}

// Lagged reports whether the hub dropped this subscription because its
// queue overflowed.
func (s *Subscription) Lagged() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.lagged
}

// NewHub creates a hub for one execution.
func NewHub(execID string, limit, subBuf int, log *logger.Logger) *Hub {
	return &Hub{
		execID: execID,
		limit:  limit,
		subBuf: subBuf,
		logger: log.WithFields(zap.String("component", "stream-hub")).WithExecID(execID),
		subs:   make(map[*Subscription]struct{}),
	}
}

// SetTap installs a callback invoked for every published event, in publish
// order. Used by the session to relay events onto its session-wide stream.
// Must be set before the first publish; the callback must not block.
func (h *Hub) SetTap(fn func(v1.OutputEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tap = fn
}

// Publish appends a non-terminal event and fans it out to subscribers.
func (h *Hub) Publish(kind v1.EventKind, payload any) v1.OutputEvent {
	return h.publish(kind, payload, false)
}

// PublishTerminal appends the final event and permanently closes the hub;
// subscriber channels are closed after it has been delivered.
func (h *Hub) PublishTerminal(kind v1.EventKind, payload any) v1.OutputEvent {
	return h.publish(kind, payload, true)
}

func (h *Hub) publish(kind v1.EventKind, payload any, terminal bool) v1.OutputEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		// No events are admitted after the terminal one.
		return v1.OutputEvent{}
	}

	ev := v1.OutputEvent{
		Seq:      h.nextSeq,
		Kind:     kind,
		Payload:  payload,
		Terminal: terminal,
	}
	h.nextSeq++

	h.events = append(h.events, ev)
	if len(h.events) > h.limit {
		over := len(h.events) - h.limit
		h.events = h.events[over:]
		h.dropped += int64(over)
	}

	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer: drop it rather than stall the publisher.
			sub.lagged = true
			delete(h.subs, sub)
			close(sub.ch)
			h.logger.Warn("dropping lagging subscriber",
				zap.Int64("seq", ev.Seq))
		}
	}

	if h.tap != nil {
		h.tap(ev)
	}

	if terminal {
		h.closed = true
		for sub := range h.subs {
			delete(h.subs, sub)
			close(sub.ch)
		}
	}

	return ev
}

// Subscribe returns a subscription positioned at sequence 0: the replay
// snapshot holds every retained event published so far (prefixed by a
// truncation marker if the buffer overflowed), and the live channel
// carries everything published afterwards.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{
		ch:  make(chan v1.OutputEvent, h.subBuf),
		hub: h,
	}

	replay := make([]v1.OutputEvent, 0, len(h.events)+1)
	if h.dropped > 0 {
		markerSeq := int64(0)
		if len(h.events) > 0 {
			markerSeq = h.events[0].Seq - 1
		}
		replay = append(replay, v1.OutputEvent{
			Seq:     markerSeq,
			Kind:    v1.EventTruncated,
			Payload: h.dropped,
		})
	}
	replay = append(replay, h.events...)
	sub.replay = replay

	if h.closed {
		// Nothing further will be published; the consumer drains the
		// replay and observes the closed channel.
		close(sub.ch)
	} else {
		h.subs[sub] = struct{}{}
	}
	return sub
}

// Unsubscribe detaches a subscription. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Closed reports whether the terminal event has been published.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ExecID returns the execution this hub belongs to.
func (h *Hub) ExecID() string {
	return h.execID
}
