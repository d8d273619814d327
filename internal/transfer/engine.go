package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"bluetooth-xfer/internal/errorkinds"
	"bluetooth-xfer/internal/events"
)

const (
	// ChunkSize is the default number of bytes moved per read/write.
	ChunkSize = 1024

	// MaxChunkSize bounds the per-chunk buffer.
	MaxChunkSize = 65536

	// ProgressEvery is the default number of chunks between progress events.
	ProgressEvery = 100
)

// ErrChunkSize is returned by NewEngine for a chunk size outside [1, MaxChunkSize].
var ErrChunkSize = errors.New("transfer: chunk size out of range")

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	ChunkSize     int
	ProgressEvery int
	// DownloadsDir receives incoming files; it is created when missing.
	DownloadsDir string
	Sink         events.Sink
	Logger       *zap.Logger
	Clock        TimeProvider
}

// Engine runs transfers. One Engine may run any number of jobs, each on the
// caller's goroutine.
type Engine struct {
	chunk int
	every int
	dir   string
	sink  events.Sink
	log   *zap.Logger
	clock TimeProvider
}

// NewEngine validates opts and returns an engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = ChunkSize
	}
	if opts.ChunkSize < 1 || opts.ChunkSize > MaxChunkSize {
		return nil, fmt.Errorf("%w: %d", ErrChunkSize, opts.ChunkSize)
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = ProgressEvery
	}
	if opts.DownloadsDir == "" {
		opts.DownloadsDir = "."
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = DefaultTimeProvider{}
	}
	return &Engine{
		chunk: opts.ChunkSize,
		every: opts.ProgressEvery,
		dir:   opts.DownloadsDir,
		sink:  opts.Sink,
		log:   opts.Logger.Named("transfer"),
		clock: opts.Clock,
	}, nil
}

// ChunkSize returns the configured chunk size.
func (e *Engine) ChunkSize() int { return e.chunk }

// flusher is implemented by buffered streams.
type flusher interface {
	Flush() error
}

// Send copies the file at job's path to w one chunk at a time and returns the
// job's terminal error (nil on success). BytesMoved counts only chunks whose
// write completed.
func (e *Engine) Send(job *Job, w io.Writer, flag *CancelFlag) error {
	path := job.Snapshot().Path
	log := e.log.With(zap.Uint64("job", job.ID), zap.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		job.start("", -1, e.clock.Now())
		return e.fail(job, flag, fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	total := int64(-1)
	if st, err := f.Stat(); err == nil && st.Mode().IsRegular() {
		total = st.Size()
	}
	job.start("", total, e.clock.Now())
	log.Info("sending", zap.Int64("size", total), zap.Int("chunk", e.chunk))

	buf := make([]byte, e.chunk)
	fl, _ := w.(flusher)
	var chunks int
	for {
		if flag.Raised() {
			return e.fail(job, flag, errors.New("stopped between chunks"))
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return e.fail(job, flag, fmt.Errorf("write stream: %w", werr))
			}
			if fl != nil {
				if ferr := fl.Flush(); ferr != nil {
					return e.fail(job, flag, fmt.Errorf("flush stream: %w", ferr))
				}
			}
			job.add(n)
			chunks++
			if chunks%e.every == 0 {
				e.progress(job)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return e.fail(job, flag, fmt.Errorf("read %s: %w", path, rerr))
		}
	}
	if fl != nil {
		if ferr := fl.Flush(); ferr != nil {
			return e.fail(job, flag, fmt.Errorf("flush stream: %w", ferr))
		}
	}
	e.succeed(job, "File sent")
	return nil
}

// Receive creates a new file under the downloads directory and appends
// everything read from r until end-of-stream. A partial file is kept on failure.
func (e *Engine) Receive(job *Job, r io.Reader, flag *CancelFlag) error {
	if flag.Raised() {
		job.start("", -1, e.clock.Now())
		return e.fail(job, flag, errors.New("stopped before start"))
	}

	started := e.clock.Now()
	f, path, err := createDestination(e.dir, started)
	if err != nil {
		job.start("", -1, started)
		return e.fail(job, flag, err)
	}
	job.start(path, -1, started)
	log := e.log.With(zap.Uint64("job", job.ID), zap.String("path", path))
	log.Info("receiving", zap.Int("chunk", e.chunk))

	buf := make([]byte, e.chunk)
	var chunks int
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				_ = f.Close()
				return e.fail(job, flag, fmt.Errorf("write %s: %w", path, werr))
			}
			job.add(n)
			chunks++
			if chunks%e.every == 0 {
				e.progress(job)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = f.Close()
			return e.fail(job, flag, fmt.Errorf("read stream: %w", rerr))
		}
		if flag.Raised() {
			_ = f.Close()
			return e.fail(job, flag, errors.New("stopped between chunks"))
		}
	}
	if err := f.Close(); err != nil {
		return e.fail(job, flag, fmt.Errorf("close %s: %w", path, err))
	}
	e.succeed(job, "File received: "+filepath.Base(path))
	return nil
}

func (e *Engine) progress(job *Job) {
	s := job.Snapshot()
	e.sink.Publish(events.ProgressOf(events.Progress{
		JobID:      s.ID,
		Direction:  s.Direction.String(),
		BytesMoved: s.BytesMoved,
		TotalBytes: s.TotalBytes,
	}))
}

func (e *Engine) succeed(job *Job, status string) {
	if !job.finish(OutcomeSucceeded, nil, e.clock.Now()) {
		return
	}
	e.progress(job)
	s := job.Snapshot()
	e.log.Info("transfer succeeded",
		zap.Uint64("job", s.ID),
		zap.Stringer("direction", s.Direction),
		zap.String("path", s.Path),
		zap.Int64("bytes", s.BytesMoved))
	e.sink.Publish(events.Status(status))
}

// fail ends job as Cancelled when flag is raised, Failed otherwise, and
// returns the classified error.
func (e *Engine) fail(job *Job, flag *CancelFlag, cause error) error {
	path := job.Snapshot().Path
	outcome, err := OutcomeFailed, errorkinds.TransferFailedError(path, cause)
	if flag.Raised() {
		outcome, err = OutcomeCancelled, errorkinds.CancelledError(cause)
	}
	if !job.finish(outcome, err, e.clock.Now()) {
		return job.Snapshot().Err
	}
	e.progress(job)
	s := job.Snapshot()
	e.log.Info("transfer ended",
		zap.Uint64("job", s.ID),
		zap.Stringer("direction", s.Direction),
		zap.Stringer("outcome", outcome),
		zap.Int64("bytes", s.BytesMoved),
		zap.Error(cause))
	e.sink.Publish(events.ErrorOf(err))
	return err
}
