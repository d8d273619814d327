// Package session owns one RFCOMM connection and its lifecycle:
//
//	Idle → Listening (server) | Discovering (client) → Connecting → Connected → Closing → Idle
//
// with Error reachable from every state but Idle. Blocking work (accept,
// connect, one transfer) runs on a single background goroutine at a time.
// Stop may be called from any goroutine and never waits for that work: it
// closes the handles the worker is blocked on and discards whatever the
// worker reports afterwards.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"bluetooth-xfer/internal/connmgr"
	"bluetooth-xfer/internal/errorkinds"
	"bluetooth-xfer/internal/events"
	"bluetooth-xfer/internal/peers"
	"bluetooth-xfer/internal/transfer"
)

// Options configures a Session.
type Options struct {
	// Factory yields a fresh connection manager for every role selection. Required.
	Factory connmgr.Factory

	// Server is used to register the listening endpoint; its UUID is also the
	// service a client connects to.
	Server connmgr.ServerOptions

	// Engine runs transfers; nil selects an engine with default options.
	Engine *transfer.Engine

	Sink   events.Sink
	Logger *zap.Logger

	// ReceiveOnConnect makes a server start receiving as soon as a client is accepted.
	ReceiveOnConnect bool
}

// Session is the connection state machine. The zero value is not usable; use New.
type Session struct {
	factory          connmgr.Factory
	server           connmgr.ServerOptions
	engine           *transfer.Engine
	sink             events.Sink
	log              *zap.Logger
	receiveOnConnect bool
	jobIDs           *xsync.Counter

	mu       sync.Mutex
	state    State
	role     Role
	peer     *peers.PeerDevice
	stream   connmgr.Stream
	mgr      connmgr.Mgr
	registry *peers.Registry
	cancel   context.CancelFunc
	flag     *transfer.CancelFlag
	attempt  *attempt
	job      *transfer.Job
	busy     bool
	lastErr  error
	// closing is closed once the session leaves Closing for Idle.
	closing chan struct{}
	// gen changes whenever the session leaves a connection; workers holding an
	// older value drop their results.
	gen uint64
}

// attempt tracks one accept or connect worker.
type attempt struct {
	done chan struct{}
	err  error
}

// New returns an Idle session.
func New(opts Options) (*Session, error) {
	if opts.Factory == nil {
		return nil, errors.New("session: connection manager factory required")
	}
	if opts.Engine == nil {
		e, err := transfer.NewEngine(transfer.Options{Sink: opts.Sink, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		opts.Engine = e
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Server.ServiceName == "" {
		opts.Server.ServiceName = connmgr.DefaultServiceName
	}
	return &Session{
		factory:          opts.Factory,
		server:           opts.Server,
		engine:           opts.Engine,
		sink:             opts.Sink,
		log:              opts.Logger.Named("session"),
		receiveOnConnect: opts.ReceiveOnConnect,
		jobIDs:           xsync.NewCounter(),
	}, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role returns the role of the current connection, RoleNone when Idle.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Peer returns the remote device once it is known.
func (s *Session) Peer() (peers.PeerDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return peers.PeerDevice{}, false
	}
	return *s.peer, true
}

// Err returns the failure that moved the session to Error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateError {
		return nil
	}
	return s.lastErr
}

// Job returns the most recent transfer job of the current or last connection.
func (s *Session) Job() *transfer.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// CurrentStream returns the connected stream.
func (s *Session) CurrentStream() (connmgr.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil, errorkinds.NotConnectedError(s.state.String())
	}
	return s.stream, nil
}

// setLocked moves to state to and returns the event describing the change.
func (s *Session) setLocked(to State) events.Event {
	from := s.state
	s.state = to
	return events.StateOf(s.role.String(), from.String(), to.String())
}

// beginClosingLocked enters Closing. finishClosing must follow.
func (s *Session) beginClosingLocked() events.Event {
	s.closing = make(chan struct{})
	return s.setLocked(StateClosing)
}

func (s *Session) emit(evs ...events.Event) {
	for _, ev := range evs {
		s.sink.Publish(ev)
	}
}

// StartServer registers the listening endpoint and waits for one client on a
// background goroutine. Only valid from Idle.
func (s *Session) StartServer(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		err := errorkinds.InvalidStateError("start server", s.state.String())
		s.mu.Unlock()
		return err
	}
	s.gen++
	gen := s.gen
	mgr := s.factory()
	wctx, cancel := context.WithCancel(context.Background())
	s.role = RoleServer
	s.mgr, s.cancel = mgr, cancel
	s.flag = &transfer.CancelFlag{}
	s.job, s.busy, s.lastErr = nil, false, nil
	a := &attempt{done: make(chan struct{})}
	s.attempt = a
	ev := s.setLocked(StateListening)
	s.mu.Unlock()
	s.emit(ev)

	if err := mgr.StartServer(ctx, s.server); err != nil {
		err = errorkinds.ConnectionFailedError("", err)
		a.err = err
		close(a.done)
		s.fail(gen, err)
		return err
	}
	s.log.Info("listening", zap.String("service", s.server.ServiceName))
	s.emit(events.Status("Waiting for a connection"))

	go func() {
		defer close(a.done)
		stream, dev, err := mgr.Accept(wctx)
		var peer peers.PeerDevice
		if err == nil {
			peer = peers.FromDevice(dev)
		}
		a.err = s.connected(gen, stream, peer, err)
	}()
	return nil
}

// StartClient moves to Discovering and returns the bonded peers. It never scans.
// Only valid from Idle.
func (s *Session) StartClient(ctx context.Context) ([]peers.PeerDevice, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		err := errorkinds.InvalidStateError("start client", s.state.String())
		s.mu.Unlock()
		return nil, err
	}
	s.gen++
	gen := s.gen
	mgr := s.factory()
	reg := peers.NewRegistry(mgr)
	s.role = RoleClient
	s.mgr, s.registry = mgr, reg
	s.flag = &transfer.CancelFlag{}
	s.job, s.busy, s.lastErr = nil, false, nil
	s.attempt = nil
	ev := s.setLocked(StateDiscovering)
	s.mu.Unlock()
	s.emit(ev)

	list, err := reg.ListBondedPeers(ctx)
	if err != nil {
		if !errors.Is(err, errorkinds.ErrAdapterUnavailable) {
			err = fmt.Errorf("list bonded peers: %w", err)
		}
		s.fail(gen, err)
		return nil, err
	}
	s.log.Info("bonded peers listed", zap.Int("count", len(list)))
	return list, nil
}

// Connect opens the outbound channel to peer on a background goroutine. Only
// valid from Discovering. Use AwaitConnection to wait for the result.
func (s *Session) Connect(peer peers.PeerDevice) error {
	s.mu.Lock()
	if s.state != StateDiscovering {
		err := errorkinds.InvalidStateError("connect", s.state.String())
		s.mu.Unlock()
		return err
	}
	gen := s.gen
	mgr, reg := s.mgr, s.registry
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	p := peer
	s.peer = &p
	a := &attempt{done: make(chan struct{})}
	s.attempt = a
	ev := s.setLocked(StateConnecting)
	s.mu.Unlock()
	s.emit(ev, events.Status("Connecting to "+peer.String()))

	service := s.server.UUID
	go func() {
		defer close(a.done)
		var (
			stream connmgr.Stream
			err    error
		)
		if _, ok := reg.Lookup(peer.Address); !ok {
			err = fmt.Errorf("%s: %w", peer.Address, errorkinds.ErrPeerNotBonded)
		} else {
			if derr := mgr.CancelDiscovery(ctx); derr != nil {
				s.log.Warn("cancel discovery", zap.Error(derr))
			}
			stream, err = mgr.Connect(ctx, peer.Address, service)
		}
		a.err = s.connected(gen, stream, peer, err)
	}()
	return nil
}

// AwaitConnection blocks until the pending accept or connect finishes and
// returns its failure, nil once the session got connected.
func (s *Session) AwaitConnection(ctx context.Context) error {
	s.mu.Lock()
	a, state := s.attempt, s.state
	s.mu.Unlock()
	if a == nil {
		return errorkinds.NotConnectedError(state.String())
	}
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connected records the result of an accept or connect worker and returns the
// error the attempt ended with.
func (s *Session) connected(gen uint64, stream connmgr.Stream, peer peers.PeerDevice, err error) error {
	s.mu.Lock()
	if s.gen != gen || (s.state != StateListening && s.state != StateConnecting) {
		s.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return errorkinds.CancelledError(err)
	}
	if err != nil {
		s.mu.Unlock()
		err = errorkinds.ConnectionFailedError(peer.Address, err)
		s.fail(gen, err)
		return err
	}
	s.stream = stream
	p := peer
	s.peer = &p
	role := s.role
	ev := s.setLocked(StateConnected)
	s.mu.Unlock()

	s.log.Info("connected", zap.Stringer("role", role), zap.String("peer", peer.Address))
	s.emit(ev, events.Status("Connected to "+peer.String()))

	if role == RoleServer && s.receiveOnConnect {
		if _, rerr := s.Receive(); rerr != nil {
			s.log.Warn("start receive", zap.Error(rerr))
		}
	}
	return nil
}

// fail moves the session to Error and releases every handle, unless the
// session already moved past generation gen.
func (s *Session) fail(gen uint64, err error) {
	s.enterError(gen, err, true)
}

// enterError moves to Error and drops the connection. report is false when
// err was already published, as the engine does for a failed transfer.
func (s *Session) enterError(gen uint64, err error, report bool) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateIdle || s.state == StateClosing || s.state == StateError {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	stream, mgr, cancel := s.releaseLocked()
	ev := s.setLocked(StateError)
	s.mu.Unlock()

	closeAll(stream, mgr, cancel)
	s.log.Warn("session failed", zap.Error(err))
	if !report {
		s.emit(ev)
		return
	}
	s.emit(ev, events.ErrorOf(err))
}

// releaseLocked detaches the handles owned by the current connection.
func (s *Session) releaseLocked() (connmgr.Stream, connmgr.Mgr, context.CancelFunc) {
	stream, mgr, cancel := s.stream, s.mgr, s.cancel
	s.stream, s.mgr, s.cancel, s.registry = nil, nil, nil, nil
	s.busy = false
	return stream, mgr, cancel
}

func closeAll(stream connmgr.Stream, mgr connmgr.Mgr, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
	if mgr != nil {
		_ = mgr.Close()
	}
}

// Stop cancels whatever is in flight and returns the session to Idle. It may
// be called from any state and any goroutine. From Idle it does nothing.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	if s.state == StateClosing {
		// Another goroutine is already tearing down; wait for Idle.
		done := s.closing
		s.mu.Unlock()
		<-done
		return
	}
	s.gen++
	s.flag.Raise()
	s.lastErr = nil
	s.attempt = nil
	stream, mgr, cancel := s.releaseLocked()
	ev := s.beginClosingLocked()
	s.mu.Unlock()
	s.emit(ev)

	closeAll(stream, mgr, cancel)
	s.finishClosing()
}

// finishClosing completes Closing → Idle.
func (s *Session) finishClosing() {
	s.mu.Lock()
	if s.state != StateClosing {
		s.mu.Unlock()
		return
	}
	ev := s.setLocked(StateIdle)
	s.role = RoleNone
	s.peer = nil
	done := s.closing
	s.closing = nil
	s.mu.Unlock()
	s.log.Info("session idle")
	s.emit(ev)
	close(done)
}

// Send transfers the file at path to the peer on a background goroutine.
// Only valid while Connected with no transfer running.
func (s *Session) Send(path string) (*transfer.Job, error) {
	return s.startJob(transfer.DirectionSend, path)
}

// Receive stores whatever the peer sends into a new file under the downloads
// directory. Only valid while Connected with no transfer running.
func (s *Session) Receive() (*transfer.Job, error) {
	return s.startJob(transfer.DirectionReceive, "")
}

func (s *Session) startJob(dir transfer.Direction, path string) (*transfer.Job, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		err := errorkinds.NotConnectedError(s.state.String())
		s.mu.Unlock()
		return nil, err
	}
	if s.busy {
		s.mu.Unlock()
		return nil, errorkinds.TransferInProgressError()
	}
	s.jobIDs.Inc()
	job := transfer.NewJob(uint64(s.jobIDs.Value()), dir, path)
	s.job, s.busy = job, true
	stream, flag, gen := s.stream, s.flag, s.gen
	s.mu.Unlock()

	s.log.Info("transfer started", zap.Uint64("job", job.ID), zap.Stringer("direction", dir), zap.String("path", path))
	go func() {
		if dir == transfer.DirectionSend {
			_ = s.engine.Send(job, stream, flag)
		} else {
			_ = s.engine.Receive(job, stream, flag)
		}
		s.jobFinished(gen, job)
	}()
	return job, nil
}

// jobFinished closes the connection once its transfer is over. Closing the
// stream is what tells the peer the file is complete.
func (s *Session) jobFinished(gen uint64, job *transfer.Job) {
	snap := job.Snapshot()
	if snap.Outcome == transfer.OutcomeFailed {
		s.enterError(gen, snap.Err, false)
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	stream, mgr, cancel := s.releaseLocked()
	ev := s.beginClosingLocked()
	s.mu.Unlock()
	s.emit(ev)

	closeAll(stream, mgr, cancel)
	s.finishClosing()
}
