// Package eventstest provides an in-memory event sink for tests.
package eventstest

import (
	"sync"

	"bluetooth-xfer/internal/events"
)

// Recorder keeps every published event in order.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

// Publish appends ev.
func (r *Recorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// OfKind returns recorded events of kind k.
func (r *Recorder) OfKind(k events.Kind) []events.Event {
	var out []events.Event
	for _, ev := range r.Events() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// Errors returns the failures recorded so far.
func (r *Recorder) Errors() []events.Failure {
	var out []events.Failure
	for _, ev := range r.OfKind(events.KindError) {
		out = append(out, *ev.Error)
	}
	return out
}

// States returns the target state of every recorded transition.
func (r *Recorder) States() []string {
	var out []string
	for _, ev := range r.OfKind(events.KindState) {
		out = append(out, ev.State.To)
	}
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
