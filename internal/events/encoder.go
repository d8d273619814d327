package events

import (
	"io"
	"sync"
	"time"

	"github.com/ugorji/go/codec"
)

// record is the JSON shape of an Event: the kind is spelled out.
type record struct {
	Kind     string      `json:"kind"`
	Time     string      `json:"time"`
	Status   string      `json:"status,omitempty"`
	Progress *Progress   `json:"progress,omitempty"`
	Error    *Failure    `json:"error,omitempty"`
	State    *Transition `json:"state,omitempty"`
}

// Encoder writes events as JSON lines. It is safe for concurrent use and is
// itself a Sink.
type Encoder struct {
	mu     sync.Mutex
	w      io.Writer
	handle codec.JsonHandle
	enc    *codec.Encoder
	buf    []byte
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w, buf: make([]byte, 0, 512)}
	e.handle.TypeInfos = codec.NewTypeInfos([]string{"json"})
	e.enc = codec.NewEncoderBytes(&e.buf, &e.handle)
	return e
}

// Encode writes ev followed by a newline.
func (e *Encoder) Encode(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf = e.buf[:0]
	e.enc.ResetBytes(&e.buf)
	if err := e.enc.Encode(record{
		Kind:     ev.Kind.String(),
		Time:     ev.Time.UTC().Format(time.RFC3339Nano),
		Status:   ev.Status,
		Progress: ev.Progress,
		Error:    ev.Error,
		State:    ev.State,
	}); err != nil {
		return err
	}
	e.buf = append(e.buf, '\n')
	_, err := e.w.Write(e.buf)
	return err
}

// Publish encodes ev, dropping write errors.
func (e *Encoder) Publish(ev Event) {
	_ = e.Encode(ev)
}
