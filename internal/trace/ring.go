package trace

import (
	"sync"
	"time"
)

// Recorder receives trace events. Implementations must be safe for
// concurrent use and must never block the caller for long; recording is on
// the hot path of every task execution.
type Recorder interface {
	Record(Event)
}

// NopRecorder discards all events.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(Event) {}

// DefaultRingCapacity is the number of events the ring retains.
const DefaultRingCapacity = 4096

// subscriberBuffer is the per-subscriber channel depth.
const subscriberBuffer = 256

// Ring is a bounded in-memory Recorder. The newest events overwrite the
// oldest once capacity is reached. Subscribers receive a live feed over
// buffered channels; when a subscriber falls behind, its oldest queued
// event is dropped to make room for the newest.
type Ring struct {
	mu      sync.Mutex
	buf     []Event
	next    int
	full    bool
	subs    map[int]chan Event
	nextSub int
}

// NewRing creates a ring holding capacity events. Non-positive capacity
// uses DefaultRingCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{
		buf:  make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Record implements Recorder.
func (r *Ring) Record(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}

	// Deliveries are non-blocking, so holding the lock here also serializes
	// sends against Unsubscribe closing the channel.
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind: drop its oldest queued event.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Subscribe returns a live event feed and an unsubscribe function. The
// channel is closed on unsubscribe.
func (r *Ring) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan Event, subscriberBuffer)
	r.subs[id] = ch

	unsubscribe := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Events returns the retained events in chronological order.
func (r *Ring) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Event, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// EventsForRoot returns the retained events belonging to one workflow
// execution, in chronological order.
func (r *Ring) EventsForRoot(rootID string) []Event {
	all := r.Events()
	out := make([]Event, 0, 16)
	for _, ev := range all {
		if ev.RootID == rootID {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of retained events.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
