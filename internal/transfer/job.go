// Package transfer moves one file over a connected byte stream in bounded chunks.
//
// The wire payload is the raw file content: no length prefix, no name and no
// framing. A receiver treats end-of-stream as completion and therefore cannot
// tell a finished sender from a dropped link.
package transfer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Direction of a transfer relative to the local side.
type Direction uint8

const (
	// DirectionSend reads a local file and writes it to the stream.
	DirectionSend Direction = iota
	// DirectionReceive reads the stream into a new local file.
	DirectionReceive
)

func (d Direction) String() string {
	if d == DirectionReceive {
		return "receive"
	}
	return "send"
}

// Outcome of a job.
type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether o is a final outcome.
func (o Outcome) Terminal() bool { return o != OutcomePending }

// Job is one directed transfer. Its progress fields are written only by the
// engine goroutine running it; everyone else reads them through Snapshot.
type Job struct {
	ID        uint64
	Direction Direction

	mu         sync.Mutex
	path       string
	totalBytes int64
	bytesMoved int64
	outcome    Outcome
	err        error
	startedAt  time.Time
	finishedAt time.Time

	done chan struct{}
}

// NewJob returns a Pending job. For receive jobs path is empty until the
// destination file has been created.
func NewJob(id uint64, dir Direction, path string) *Job {
	return &Job{ID: id, Direction: dir, path: path, totalBytes: -1, done: make(chan struct{})}
}

// Snapshot is a point-in-time copy of a Job.
type Snapshot struct {
	ID         uint64
	Direction  Direction
	Path       string
	TotalBytes int64 // -1 when unknown
	BytesMoved int64
	Outcome    Outcome
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Snapshot returns the current view of the job.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:         j.ID,
		Direction:  j.Direction,
		Path:       j.path,
		TotalBytes: j.totalBytes,
		BytesMoved: j.bytesMoved,
		Outcome:    j.outcome,
		Err:        j.err,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
}

// Done is closed once the job reaches a terminal outcome.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job is terminal or ctx ends, and returns the final snapshot.
func (j *Job) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-j.done:
		return j.Snapshot(), nil
	case <-ctx.Done():
		return j.Snapshot(), ctx.Err()
	}
}

func (j *Job) start(path string, total int64, at time.Time) {
	j.mu.Lock()
	if path != "" {
		j.path = path
	}
	j.totalBytes = total
	j.startedAt = at
	j.mu.Unlock()
}

func (j *Job) add(n int) int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bytesMoved += int64(n)
	return j.bytesMoved
}

// finish records the terminal outcome once; later calls are ignored.
func (j *Job) finish(o Outcome, err error, at time.Time) bool {
	j.mu.Lock()
	if j.outcome.Terminal() {
		j.mu.Unlock()
		return false
	}
	j.outcome = o
	j.err = err
	j.finishedAt = at
	j.mu.Unlock()
	close(j.done)
	return true
}

// CancelFlag is raised by the stream owner before it closes the stream, so the
// engine reports the resulting I/O error as a cancellation. A nil flag is never raised.
type CancelFlag struct {
	raised atomic.Bool
}

// Raise marks the flag.
func (f *CancelFlag) Raise() {
	if f != nil {
		f.raised.Store(true)
	}
}

// Raised reports whether Raise was called.
func (f *CancelFlag) Raised() bool {
	return f != nil && f.raised.Load()
}
