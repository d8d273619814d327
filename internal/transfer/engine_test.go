package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-xfer/internal/errorkinds"
	"bluetooth-xfer/internal/events"
	"bluetooth-xfer/internal/events/eventstest"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testStamp = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func newEngine(t *testing.T, chunk int, sink events.Sink) *Engine {
	t.Helper()
	e, err := NewEngine(Options{
		ChunkSize:    chunk,
		DownloadsDir: t.TempDir(),
		Sink:         sink,
		Clock:        fixedClock{testStamp},
	})
	require.NoError(t, err)
	return e
}

func writeRandomFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	path := filepath.Join(t.TempDir(), fmt.Sprintf("payload-%d", size))
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

// roundTrip sends path through a pipe and returns both finished jobs.
func roundTrip(t *testing.T, sender, receiver *Engine, path string) (Snapshot, Snapshot) {
	t.Helper()
	a, b := net.Pipe()
	sendJob := NewJob(1, DirectionSend, path)
	recvJob := NewJob(2, DirectionReceive, "")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer a.Close()
		_ = sender.Send(sendJob, a, nil)
	}()
	_ = receiver.Receive(recvJob, b, nil)
	_ = b.Close()
	wg.Wait()
	return sendJob.Snapshot(), recvJob.Snapshot()
}

func progressSum(rec *eventstest.Recorder, jobID uint64) int64 {
	var last int64
	var sum int64
	for _, ev := range rec.OfKind(events.KindProgress) {
		if ev.Progress.JobID != jobID {
			continue
		}
		sum += ev.Progress.BytesMoved - last
		last = ev.Progress.BytesMoved
	}
	return sum
}

func TestRoundTripIdentity(t *testing.T) {
	for _, c := range []int{1, 7, 512, 1024, 4096} {
		for _, n := range []int{0, 1, c - 1, c, c + 1, 10 * c} {
			if n < 0 {
				continue
			}
			t.Run(fmt.Sprintf("chunk=%d/size=%d", c, n), func(t *testing.T) {
				var sendRec, recvRec eventstest.Recorder
				sender := newEngine(t, c, &sendRec)
				receiver := newEngine(t, c, &recvRec)
				path, data := writeRandomFile(t, n)

				s, r := roundTrip(t, sender, receiver, path)
				require.Equal(t, OutcomeSucceeded, s.Outcome, "send: %v", s.Err)
				require.Equal(t, OutcomeSucceeded, r.Outcome, "receive: %v", r.Err)

				got, err := os.ReadFile(r.Path)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(data, got))

				assert.Equal(t, int64(n), s.BytesMoved)
				assert.Equal(t, int64(n), s.TotalBytes)
				assert.Equal(t, int64(n), r.BytesMoved)
				assert.Equal(t, int64(-1), r.TotalBytes)
				assert.Equal(t, int64(n), progressSum(&sendRec, 1))
				assert.Equal(t, int64(n), progressSum(&recvRec, 2))
			})
		}
	}
}

func TestProgressCadence(t *testing.T) {
	var rec eventstest.Recorder
	e, err := NewEngine(Options{ChunkSize: 10, ProgressEvery: 3, Sink: &rec, Clock: fixedClock{testStamp}})
	require.NoError(t, err)
	path, _ := writeRandomFile(t, 75)

	job := NewJob(9, DirectionSend, path)
	require.NoError(t, e.Send(job, io.Discard, nil))

	var moved []int64
	for _, ev := range rec.OfKind(events.KindProgress) {
		assert.Equal(t, "send", ev.Progress.Direction)
		assert.Equal(t, int64(75), ev.Progress.TotalBytes)
		moved = append(moved, ev.Progress.BytesMoved)
	}
	// 8 chunks: reports after chunks 3 and 6, then the final one.
	assert.Equal(t, []int64{30, 60, 75}, moved)

	statuses := rec.OfKind(events.KindStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, "File sent", statuses[0].Status)
}

func TestReceiverForceClosesMidTransfer(t *testing.T) {
	const (
		size  = 5 << 20
		limit = 2 << 20
	)
	sender := newEngine(t, ChunkSize, nil)
	receiver := newEngine(t, ChunkSize, nil)
	path, _ := writeRandomFile(t, size)

	a, b := net.Pipe()
	sendJob := NewJob(1, DirectionSend, path)
	recvJob := NewJob(2, DirectionReceive, "")

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- sender.Send(sendJob, a, nil)
		_ = a.Close()
	}()

	// The receiving side hangs up once it has seen limit bytes.
	require.NoError(t, receiver.Receive(recvJob, &hangUpReader{conn: b, limit: limit}, nil))

	err := <-sendErr
	require.Error(t, err)
	assert.ErrorIs(t, err, errorkinds.ErrTransferFailed)

	s := sendJob.Snapshot()
	assert.Equal(t, OutcomeFailed, s.Outcome)
	assert.LessOrEqual(t, s.BytesMoved, int64(limit))

	r := recvJob.Snapshot()
	st, statErr := os.Stat(r.Path)
	require.NoError(t, statErr, "partial file is kept")
	assert.LessOrEqual(t, st.Size(), int64(limit))
	assert.Equal(t, r.BytesMoved, st.Size())
}

// hangUpReader reads at most limit bytes from conn, then closes it and reports EOF.
type hangUpReader struct {
	conn  net.Conn
	limit int64
	n     int64
}

func (h *hangUpReader) Read(p []byte) (int, error) {
	if h.n >= h.limit {
		_ = h.conn.Close()
		return 0, io.EOF
	}
	if rest := h.limit - h.n; int64(len(p)) > rest {
		p = p[:rest]
	}
	n, err := h.conn.Read(p)
	h.n += int64(n)
	return n, err
}

func TestSendCancelledByStreamClose(t *testing.T) {
	var rec eventstest.Recorder
	e := newEngine(t, ChunkSize, &rec)
	path, _ := writeRandomFile(t, 64*ChunkSize)

	a, b := net.Pipe()
	defer b.Close()
	flag := &CancelFlag{}
	job := NewJob(3, DirectionSend, path)

	errc := make(chan error, 1)
	go func() { errc <- e.Send(job, a, flag) }()

	// Nobody reads b, so the first write blocks until the stream is closed.
	time.Sleep(20 * time.Millisecond)
	flag.Raise()
	require.NoError(t, a.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, errorkinds.ErrCancelled)
		assert.Equal(t, errorkinds.Cancelled, errorkinds.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after stream close")
	}
	s := job.Snapshot()
	assert.Equal(t, OutcomeCancelled, s.Outcome)
	assert.Zero(t, s.BytesMoved)

	errs := rec.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, string(errorkinds.Cancelled), errs[0].Kind)
}

func TestReceiveCancelledByStreamClose(t *testing.T) {
	e := newEngine(t, ChunkSize, nil)
	a, b := net.Pipe()
	defer a.Close()
	flag := &CancelFlag{}
	job := NewJob(4, DirectionReceive, "")

	errc := make(chan error, 1)
	go func() { errc <- e.Receive(job, b, flag) }()

	_, err := a.Write([]byte("partial"))
	require.NoError(t, err)
	flag.Raise()
	require.NoError(t, b.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, errorkinds.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not return after stream close")
	}
	s := job.Snapshot()
	assert.Equal(t, OutcomeCancelled, s.Outcome)
	got, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(got))
}

func TestRaisedFlagStopsBeforeFirstChunk(t *testing.T) {
	e := newEngine(t, ChunkSize, nil)
	path, _ := writeRandomFile(t, 10)
	flag := &CancelFlag{}
	flag.Raise()

	job := NewJob(5, DirectionSend, path)
	var out bytes.Buffer
	err := e.Send(job, &out, flag)
	assert.ErrorIs(t, err, errorkinds.ErrCancelled)
	assert.Zero(t, out.Len())

	job = NewJob(6, DirectionReceive, "")
	err = e.Receive(job, bytes.NewReader([]byte("x")), flag)
	assert.ErrorIs(t, err, errorkinds.ErrCancelled)
	assert.Empty(t, job.Snapshot().Path)
}

func TestSendMissingFile(t *testing.T) {
	var rec eventstest.Recorder
	e := newEngine(t, ChunkSize, &rec)
	job := NewJob(7, DirectionSend, filepath.Join(t.TempDir(), "nope.bin"))

	err := e.Send(job, io.Discard, nil)
	require.ErrorIs(t, err, errorkinds.ErrTransferFailed)
	assert.ErrorIs(t, err, os.ErrNotExist)

	s := job.Snapshot()
	assert.Equal(t, OutcomeFailed, s.Outcome)
	assert.Equal(t, int64(-1), s.TotalBytes)
	require.Len(t, rec.Errors(), 1)
	assert.Equal(t, string(errorkinds.TransferFailed), rec.Errors()[0].Kind)
}

type failingWriter struct{ after int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after <= 0 {
		return len(p) / 2, io.ErrShortWrite
	}
	w.after--
	return len(p), nil
}

func TestFailedWriteNotCounted(t *testing.T) {
	e := newEngine(t, 100, nil)
	path, _ := writeRandomFile(t, 1000)
	job := NewJob(8, DirectionSend, path)

	err := e.Send(job, &failingWriter{after: 3}, nil)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, int64(300), job.Snapshot().BytesMoved)
}

func TestReceiveNamesNeverOverwrite(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(Options{DownloadsDir: filepath.Join(dir, "in"), Clock: fixedClock{testStamp}})
	require.NoError(t, err)

	var paths []string
	for i := 0; i < 3; i++ {
		job := NewJob(uint64(i), DirectionReceive, "")
		require.NoError(t, e.Receive(job, bytes.NewReader([]byte{byte(i)}), nil))
		paths = append(paths, filepath.Base(job.Snapshot().Path))
	}
	assert.Equal(t, []string{
		"recibido_20260314_150926.bin",
		"recibido_20260314_150926_1.bin",
		"recibido_20260314_150926_2.bin",
	}, paths)
	assert.Equal(t, paths[0], DestinationName(testStamp))
}

func TestNewEngineChunkBounds(t *testing.T) {
	_, err := NewEngine(Options{ChunkSize: -1})
	assert.ErrorIs(t, err, ErrChunkSize)
	_, err = NewEngine(Options{ChunkSize: MaxChunkSize + 1})
	assert.ErrorIs(t, err, ErrChunkSize)

	e, err := NewEngine(Options{})
	require.NoError(t, err)
	assert.Equal(t, ChunkSize, e.ChunkSize())
}

func TestJobWaitAndTimestamps(t *testing.T) {
	e := newEngine(t, ChunkSize, nil)
	path, _ := writeRandomFile(t, 3)
	job := NewJob(10, DirectionSend, path)
	assert.Equal(t, OutcomePending, job.Snapshot().Outcome)

	go func() { _ = e.Send(job, io.Discard, nil) }()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s, err := job.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, s.Outcome)
	assert.Equal(t, testStamp, s.StartedAt)
	assert.Equal(t, testStamp, s.FinishedAt)
	assert.True(t, s.Outcome.Terminal())
}
