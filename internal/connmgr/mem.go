package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"bluetooth-xfer/internal/errorkinds"
)

// MemNetwork is an in-process stand-in for a Bluetooth radio using net.Pipe.
// Devices are registered with AddDevice and bonded with Pair; a manager bound to
// one device can then serve or connect to its bonded peers.
type MemNetwork struct {
	mu        sync.Mutex
	devices   map[string]Device
	bonds     map[string]map[string]bool
	listeners map[string]*memListener
	down      bool
}

// NewMemNetwork returns an empty network with the adapter available.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		devices:   make(map[string]Device),
		bonds:     make(map[string]map[string]bool),
		listeners: make(map[string]*memListener),
	}
}

func normAddr(a string) string { return strings.ToUpper(a) }

// AddDevice makes d known to the network.
func (n *MemNetwork) AddDevice(d Device) {
	n.mu.Lock()
	defer n.mu.Unlock()
	d.Address = normAddr(d.Address)
	n.devices[d.Address] = d
}

// Pair bonds a and b with each other.
func (n *MemNetwork) Pair(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	a, b = normAddr(a), normAddr(b)
	for _, p := range [][2]string{{a, b}, {b, a}} {
		if n.bonds[p[0]] == nil {
			n.bonds[p[0]] = make(map[string]bool)
		}
		n.bonds[p[0]][p[1]] = true
	}
}

// SetAdapterAvailable toggles whether managers see a working adapter.
func (n *MemNetwork) SetAdapterAvailable(ok bool) {
	n.mu.Lock()
	n.down = !ok
	n.mu.Unlock()
}

// Listening reports whether a server endpoint is registered for address.
func (n *MemNetwork) Listening(address string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.listeners[normAddr(address)]
	return ok
}

// Factory returns a Factory producing managers bound to the local address.
func (n *MemNetwork) Factory(local string) Factory {
	return func() Mgr { return n.NewMgr(local) }
}

// NewMgr returns a fresh manager bound to the local address.
func (n *MemNetwork) NewMgr(local string) Mgr {
	return &memMgr{net: n, local: normAddr(local), done: make(chan struct{})}
}

func (n *MemNetwork) adapterErr() error {
	if n.down {
		return errorkinds.AdapterUnavailableError(errors.New("mem: adapter down"))
	}
	return nil
}

func (n *MemNetwork) deviceLocked(addr string) Device {
	if d, ok := n.devices[addr]; ok {
		return d
	}
	return Device{Address: addr}
}

type memListener struct {
	uuid  uuid.UUID
	newCh chan memConn
}

type memConn struct {
	conn net.Conn
	peer Device
}

type memMgr struct {
	net   *MemNetwork
	local string

	mu          sync.Mutex
	closed      bool
	done        chan struct{}
	role        role
	listener    *memListener
	acceptUsed  bool
	connectUsed bool
}

func (m *memMgr) StartServer(_ context.Context, opts ServerOptions) error {
	opts = opts.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mem: %w", errorkinds.ErrClosed)
	}
	if m.role == roleClient {
		return errors.New("mem: already used as client")
	}
	if m.listener != nil || m.acceptUsed {
		return errors.New("mem: server already started")
	}
	if opts.ServiceName == "" {
		return errors.New("mem: ServiceName required")
	}

	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if err := m.net.adapterErr(); err != nil {
		return err
	}
	if _, ok := m.net.listeners[m.local]; ok {
		return errors.New("mem: channel already in use")
	}
	l := &memListener{uuid: opts.UUID, newCh: make(chan memConn, 1)}
	m.net.listeners[m.local] = l
	m.listener = l
	m.role = roleServer
	return nil
}

// unlisten removes l from the network if it is still registered, closing a
// connection nobody accepted.
func (m *memMgr) unlisten(l *memListener) {
	m.net.mu.Lock()
	if m.net.listeners[m.local] == l {
		delete(m.net.listeners, m.local)
	}
	m.net.mu.Unlock()
	select {
	case c := <-l.newCh:
		_ = c.conn.Close()
	default:
	}
}

func (m *memMgr) Accept(ctx context.Context) (Stream, Device, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, Device{}, fmt.Errorf("mem: %w", errorkinds.ErrClosed)
	}
	if m.role != roleServer || m.listener == nil {
		m.mu.Unlock()
		return nil, Device{}, errors.New("mem: server not started")
	}
	if m.acceptUsed {
		m.mu.Unlock()
		return nil, Device{}, errors.New("mem: Accept already used")
	}
	m.acceptUsed = true
	l := m.listener
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		m.unlisten(l)
		return nil, Device{}, fmt.Errorf("mem: accept canceled: %w", ctx.Err())
	case <-m.done:
		m.unlisten(l)
		return nil, Device{}, fmt.Errorf("mem: accept: %w", errorkinds.ErrClosed)
	case c := <-l.newCh:
		m.unlisten(l)
		return c.conn, c.peer, nil
	}
}

func (m *memMgr) BondedDevices(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("mem: %w", errorkinds.ErrClosed)
	}

	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if err := m.net.adapterErr(); err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(m.net.bonds[m.local]))
	for addr := range m.net.bonds[m.local] {
		d := m.net.deviceLocked(addr)
		d.Paired = true
		out = append(out, d)
	}
	sortDevices(out)
	return out, nil
}

func (m *memMgr) CancelDiscovery(_ context.Context) error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	return m.net.adapterErr()
}

func (m *memMgr) Connect(ctx context.Context, address string, service uuid.UUID) (Stream, error) {
	if address == "" {
		return nil, errors.New("mem: device address required")
	}
	if service == uuid.Nil {
		service = ServiceUUID
	}
	address = normAddr(address)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("mem: %w", errorkinds.ErrClosed)
	}
	if m.role == roleServer {
		m.mu.Unlock()
		return nil, errors.New("mem: already used as server")
	}
	if m.connectUsed {
		m.mu.Unlock()
		return nil, errors.New("mem: Connect already used")
	}
	m.connectUsed = true
	m.role = roleClient
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mem: connect canceled: %w", err)
	}

	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if err := m.net.adapterErr(); err != nil {
		return nil, err
	}
	if !m.net.bonds[m.local][address] {
		return nil, fmt.Errorf("mem: %s: %w", address, errorkinds.ErrPeerNotBonded)
	}
	l := m.net.listeners[address]
	if l == nil || l.uuid != service {
		return nil, fmt.Errorf("mem: %s: no service listening", address)
	}

	srv, cli := net.Pipe()
	select {
	case l.newCh <- memConn{conn: srv, peer: m.net.deviceLocked(m.local)}:
	default:
		_ = srv.Close()
		_ = cli.Close()
		return nil, fmt.Errorf("mem: %s: connection rejected", address)
	}
	// One connection per listener; later connects find nothing.
	delete(m.net.listeners, address)
	return cli, nil
}

func (m *memMgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	l := m.listener
	m.mu.Unlock()

	if l != nil {
		m.unlisten(l)
	}
	return nil
}

func sortDevices(ds []Device) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Address < ds[j].Address })
}
