package streaming

import (
	"sync"

	v1 "github.com/kandev/ces/pkg/api/v1"
)

// RelayEvent is one output event annotated with the execution it came
// from, as delivered on a session-wide stream.
type RelayEvent struct {
	ExecID string         `json:"exec_id"`
	Event  v1.OutputEvent `json:"event"`
}

// Relay fans every event of every execution in a session out to
// session-wide subscribers (the WebSocket stream). Unlike a Hub it keeps
// no history: consumers see only what happens while connected. Slow
// consumers lose events rather than stalling the session.
type Relay struct {
	mu     sync.RWMutex
	subs   map[chan RelayEvent]struct{}
	subBuf int
	closed bool
}

// NewRelay creates a session-wide relay.
func NewRelay(subBuf int) *Relay {
	return &Relay{
		subs:   make(map[chan RelayEvent]struct{}),
		subBuf: subBuf,
	}
}

// Forward delivers an event to every attached subscriber, non-blocking.
func (r *Relay) Forward(execID string, ev v1.OutputEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	msg := RelayEvent{ExecID: execID, Event: ev}
	for ch := range r.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe attaches a new session-wide consumer.
func (r *Relay) Subscribe() chan RelayEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan RelayEvent, r.subBuf)
	if r.closed {
		close(ch)
		return ch
	}
	r.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe detaches a consumer. Idempotent.
func (r *Relay) Unsubscribe(ch chan RelayEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
}

// Close detaches and closes every subscriber; used on session stop.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for ch := range r.subs {
		delete(r.subs, ch)
		close(ch)
	}
}
