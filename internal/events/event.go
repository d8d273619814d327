// Package events carries lifecycle, progress and error notifications from the
// session and the transfer engine to whoever presents them.
//
// Producers call Sink.Publish synchronously from the goroutine that owns the
// session or job at that moment. Marshaling onto another goroutine (a UI
// loop, a terminal printer) is the sink's concern.
package events

import (
	"time"

	"bluetooth-xfer/internal/errorkinds"
)

// Kind identifies an event and doubles as its bus topic.
type Kind uint

const (
	KindStatus Kind = iota + 1
	KindProgress
	KindError
	KindState
)

// AllKinds lists every event kind.
var AllKinds = []Kind{KindStatus, KindProgress, KindError, KindState}

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindProgress:
		return "progress"
	case KindError:
		return "error"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Progress reports bytes moved by one transfer job.
// TotalBytes is -1 when the size is unknown.
type Progress struct {
	JobID      uint64 `json:"job_id"`
	Direction  string `json:"direction"`
	BytesMoved int64  `json:"bytes_moved"`
	TotalBytes int64  `json:"total_bytes"`
}

// Failure describes an error in presentable form.
type Failure struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
	Issue  string `json:"issue,omitempty"`
}

// Transition reports a session state change.
type Transition struct {
	Role string `json:"role,omitempty"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Event is one notification. Exactly one payload field is set, matching Kind.
type Event struct {
	Kind     Kind        `json:"kind"`
	Time     time.Time   `json:"time"`
	Status   string      `json:"status,omitempty"`
	Progress *Progress   `json:"progress,omitempty"`
	Error    *Failure    `json:"error,omitempty"`
	State    *Transition `json:"state,omitempty"`
}

// Sink receives events.
type Sink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish calls f(ev).
func (f SinkFunc) Publish(ev Event) { f(ev) }

// Status builds a status event.
func Status(text string) Event {
	return Event{Kind: KindStatus, Time: time.Now(), Status: text}
}

// ProgressOf builds a progress event.
func ProgressOf(p Progress) Event {
	return Event{Kind: KindProgress, Time: time.Now(), Progress: &p}
}

// ErrorOf builds an error event from err, classifying it with errorkinds.
func ErrorOf(err error) Event {
	return Event{
		Kind: KindError,
		Time: time.Now(),
		Error: &Failure{
			Kind:   string(errorkinds.KindOf(err)),
			Reason: err.Error(),
			Issue:  errorkinds.Issue(err),
		},
	}
}

// StateOf builds a state transition event.
func StateOf(role, from, to string) Event {
	return Event{Kind: KindState, Time: time.Now(), State: &Transition{Role: role, From: from, To: to}}
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

// Nop returns a sink that drops everything.
func Nop() Sink { return nopSink{} }

type tee []Sink

func (t tee) Publish(ev Event) {
	for _, s := range t {
		s.Publish(ev)
	}
}

// Tee publishes every event to each non-nil sink, in order.
func Tee(sinks ...Sink) Sink {
	out := make(tee, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
