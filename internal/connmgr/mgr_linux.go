//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"bluetooth-xfer/internal/errorkinds"
)

// New creates a new BlueZ-backed manager instance. A nil logger disables logging.
func New(log *zap.Logger) Mgr {
	if log == nil {
		log = zap.NewNop()
	}
	return &mgr{log: log.Named("connmgr"), done: make(chan struct{})}
}

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"

	errServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
	errRejected       = "org.bluez.Error.Rejected"
)

var pathCounter uint64

type mgr struct {
	log *zap.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	bus *dbus.Conn

	role role

	// server state
	serverExported bool
	acceptUsed     bool
	srvProf        *profile
	serverPath     dbus.ObjectPath
	releaseServer  func()

	// client state
	connectUsed bool
	cliProf     *profile
	clientPath  dbus.ObjectPath

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// ensureBusLocked connects to the system bus if not yet connected.
func (m *mgr) ensureBusLocked() error {
	if m.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return errorkinds.AdapterUnavailableError(fmt.Errorf("connmgr: connect system bus: %w", err))
	}
	m.bus = c
	// Close the bus last during cleanup.
	m.cleanup = append(m.cleanup, func() { m.bus.Close() })
	return nil
}

// profile implements org.bluez.Profile1 and forwards NewConnection events.
type profile struct {
	log *zap.Logger

	mu       sync.Mutex
	ch       chan acceptResult // buffered; receives the single accepted connection
	accepted bool              // true after first delivery; subsequent connections are rejected/closed
}

type acceptResult struct {
	file *os.File
	dev  Device
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the stream owner closes its side.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the incoming RFCOMM socket to the waiting goroutine.
// Only the first connection is kept.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	mac := macFromPath(dev)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accepted {
		_ = unix.Close(int(fd))
		p.log.Info("rejecting additional connection", zap.String("peer", mac))
		return dbus.NewError(errRejected, []interface{}{"already accepted"})
	}

	// A non-blocking descriptor lands in the runtime poller, so Close on the
	// *os.File interrupts a blocked Read or Write.
	if err := unix.SetNonblock(int(fd), true); err != nil {
		_ = unix.Close(int(fd))
		return dbus.NewError(errRejected, []interface{}{err.Error()})
	}
	file := os.NewFile(uintptr(fd), "rfcomm:"+mac)

	select {
	case p.ch <- acceptResult{file: file, dev: Device{Path: string(dev), Address: mac}}:
		p.accepted = true
		return nil
	default:
		// No receiver; close the socket and reject to avoid leaks.
		_ = file.Close()
		return dbus.NewError(errRejected, []interface{}{"no receiver"})
	}
}

func (m *mgr) exportProfileLocked(kind string) (*profile, dbus.ObjectPath, error) {
	p := &profile{log: m.log, ch: make(chan acceptResult, 1)}
	// Unique object path per instance to avoid collisions.
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_xfer/connmgr/" + kind + "/p" + strconv.FormatUint(id, 10))
	if err := m.bus.Export(p, path, profileInterfaceName); err != nil {
		return nil, "", fmt.Errorf("connmgr: export %s profile: %w", kind, err)
	}
	return p, path, nil
}

func (m *mgr) StartServer(ctx context.Context, opts ServerOptions) error {
	opts = opts.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("connmgr: %w", errorkinds.ErrClosed)
	}
	if m.role == roleClient || m.connectUsed {
		return errors.New("connmgr: already used as client")
	}
	if m.serverExported {
		return errors.New("connmgr: server already started")
	}
	if opts.ServiceName == "" {
		return errors.New("connmgr: ServiceName required")
	}
	if err := m.ensureBusLocked(); err != nil {
		return err
	}
	if _, err := listAdapters(ctx, m.bus); err != nil {
		return err
	}

	prof, path, err := m.exportProfileLocked("server")
	if err != nil {
		return err
	}
	m.srvProf, m.serverPath = prof, path
	m.serverExported = true

	optsMap := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(opts.ServiceName),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel":               dbus.MakeVariant(uint16(opts.Channel)),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, m.serverPath, opts.UUID.String(), optsMap); call.Err != nil {
		_ = m.bus.Export(nil, m.serverPath, profileInterfaceName)
		return fmt.Errorf("connmgr: RegisterProfile(server): %w", call.Err)
	}

	var once sync.Once
	m.releaseServer = func() {
		once.Do(func() {
			_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, m.serverPath).Err
			// Unexport the object path (best-effort).
			_ = m.bus.Export(nil, m.serverPath, profileInterfaceName)
		})
	}
	// On close, unregister server profile before closing the bus.
	m.cleanup = append(m.cleanup, m.releaseServer)
	m.role = roleServer

	m.log.Info("service registered",
		zap.String("name", opts.ServiceName),
		zap.Stringer("uuid", opts.UUID),
		zap.Uint8("channel", opts.Channel))
	return nil
}

func (m *mgr) Accept(ctx context.Context) (Stream, Device, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, Device{}, fmt.Errorf("connmgr: %w", errorkinds.ErrClosed)
	}
	if m.role != roleServer || !m.serverExported {
		m.mu.Unlock()
		return nil, Device{}, errors.New("connmgr: server not started")
	}
	if m.acceptUsed {
		m.mu.Unlock()
		return nil, Device{}, errors.New("connmgr: Accept already used")
	}
	m.acceptUsed = true
	ch := m.srvProf.ch
	release := m.releaseServer
	bus := m.bus
	done := m.done
	m.mu.Unlock()

	// A single accepted socket is sufficient; the listening endpoint goes away
	// on every path out of Accept.
	defer release()

	select {
	case <-ctx.Done():
		return nil, Device{}, fmt.Errorf("connmgr: accept canceled: %w", ctx.Err())
	case <-done:
		return nil, Device{}, fmt.Errorf("connmgr: accept: %w", errorkinds.ErrClosed)
	case res := <-ch:
		dev := res.dev
		if props, err := deviceProps(bus, dbus.ObjectPath(dev.Path)); err == nil {
			if d, ok := deviceFromProps(dbus.ObjectPath(dev.Path), props); ok {
				dev = d
			}
		}
		m.log.Info("connection accepted", zap.String("peer", dev.Address), zap.String("name", dev.DisplayName()))
		return res.file, dev, nil
	}
}

func (m *mgr) BondedDevices(ctx context.Context) ([]Device, error) {
	bus, err := m.busForCall()
	if err != nil {
		return nil, err
	}

	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	adapters := adaptersFrom(objs)
	if len(adapters) == 0 {
		return nil, errorkinds.AdapterUnavailableError(errors.New("connmgr: no adapter found"))
	}

	out := make([]Device, 0)
	for path, ifaces := range objs {
		dev, ok := deviceFromIfaces(path, ifaces)
		if !ok || !dev.Paired {
			continue
		}
		if !adapters[adapterOf(path)] {
			// Adapter powered off: its bonded devices are unreachable.
			continue
		}
		out = append(out, dev)
	}
	sortDevices(out)
	return out, nil
}

func (m *mgr) CancelDiscovery(ctx context.Context) error {
	bus, err := m.busForCall()
	if err != nil {
		return err
	}
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return err
	}
	for path, ifaces := range objs {
		props, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		if discovering, _ := props["Discovering"].Value().(bool); !discovering {
			continue
		}
		if call := bus.Object(bluezService, path).CallWithContext(ctx, adapterIface+".StopDiscovery", 0); call.Err != nil {
			return fmt.Errorf("connmgr: StopDiscovery(%s): %w", path, call.Err)
		}
		m.log.Debug("discovery stopped", zap.String("adapter", string(path)))
	}
	return nil
}

func (m *mgr) Connect(ctx context.Context, address string, service uuid.UUID) (Stream, error) {
	if address == "" {
		return nil, errors.New("connmgr: device address required")
	}
	if service == uuid.Nil {
		service = ServiceUUID
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("connmgr: %w", errorkinds.ErrClosed)
	}
	if m.role == roleServer || m.acceptUsed {
		m.mu.Unlock()
		return nil, errors.New("connmgr: already used as server")
	}
	if m.connectUsed {
		m.mu.Unlock()
		return nil, errors.New("connmgr: Connect already used")
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.connectUsed = true

	// Export Profile1 for client role.
	prof, path, err := m.exportProfileLocked("client")
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.cliProf, m.clientPath = prof, path
	pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	optsMap := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, m.clientPath, service.String(), optsMap); call.Err != nil {
		_ = m.bus.Export(nil, m.clientPath, profileInterfaceName)
		m.mu.Unlock()
		return nil, fmt.Errorf("connmgr: RegisterProfile(client): %w", call.Err)
	}
	// Unregister client profile on close.
	m.cleanup = append(m.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, m.clientPath).Err
		_ = m.bus.Export(nil, m.clientPath, profileInterfaceName)
	})
	m.role = roleClient
	ch := m.cliProf.ch
	bus := m.bus
	done := m.done
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Re-resolve the device object from its address; only the address crosses goroutines.
	devPath, dev, err := resolveDevice(ctx, bus, address)
	if err != nil {
		return nil, err
	}
	if !dev.Paired {
		return nil, fmt.Errorf("connmgr: %s: %w", address, errorkinds.ErrPeerNotBonded)
	}

	devObj := bus.Object(bluezService, devPath)
	m.log.Info("connecting", zap.String("peer", address), zap.Stringer("uuid", service))
	// ConnectProfile returns once BlueZ has delivered the socket through NewConnection
	// or the platform connect timeout has fired.
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, service.String()); call.Err != nil {
		// Release whatever half-open channel BlueZ may still hold.
		_ = devObj.Call(deviceIface+".DisconnectProfile", 0, service.String()).Err
		drain(ch)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("connmgr: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		_ = devObj.Call(deviceIface+".DisconnectProfile", 0, service.String()).Err
		drain(ch)
		return nil, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	case res := <-ch:
		return res.file, nil
	}
}

// drain closes a socket delivered after the caller gave up.
func drain(ch chan acceptResult) {
	select {
	case res := <-ch:
		_ = res.file.Close()
	default:
	}
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	cleanup := m.cleanup
	// Clear to allow GC of captured resources.
	m.cleanup = nil
	m.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

func (m *mgr) busForCall() (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("connmgr: %w", errorkinds.ErrClosed)
	}
	if err := m.ensureBusLocked(); err != nil {
		return nil, err
	}
	return m.bus, nil
}

// Helpers

type objectMap = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func managedObjects(ctx context.Context, bus *dbus.Conn) (objectMap, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs objectMap
	call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		if isDBusError(call.Err, errServiceUnknown) {
			return nil, errorkinds.AdapterUnavailableError(fmt.Errorf("connmgr: bluetoothd not running: %w", call.Err))
		}
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// listAdapters fails with ErrAdapterUnavailable when no adapter exists.
func listAdapters(ctx context.Context, bus *dbus.Conn) (map[dbus.ObjectPath]bool, error) {
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	adapters := adaptersFrom(objs)
	if len(adapters) == 0 {
		return nil, errorkinds.AdapterUnavailableError(errors.New("connmgr: no adapter found"))
	}
	return adapters, nil
}

// adaptersFrom maps every adapter path to its Powered property.
func adaptersFrom(objs objectMap) map[dbus.ObjectPath]bool {
	out := make(map[dbus.ObjectPath]bool)
	for path, ifaces := range objs {
		props, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		powered, _ := props["Powered"].Value().(bool)
		out[path] = powered
	}
	return out
}

func resolveDevice(ctx context.Context, bus *dbus.Conn, address string) (dbus.ObjectPath, Device, error) {
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return "", Device{}, err
	}
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces); ok && strings.EqualFold(dev.Address, address) {
			return path, dev, nil
		}
	}
	return "", Device{}, fmt.Errorf("connmgr: unknown device %s: %w", address, errorkinds.ErrPeerNotBonded)
}

func deviceProps(bus *dbus.Conn, path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	call := bus.Object(bluezService, path).Call(propsIface+".GetAll", 0, deviceIface)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&props); err != nil {
		return nil, err
	}
	return props, nil
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	return deviceFromProps(path, props)
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) (Device, bool) {
	var mac, name, alias string
	var paired bool
	if v, ok := props["Address"]; ok {
		mac, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		alias, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		paired, _ = v.Value().(bool)
	}
	if mac == "" {
		mac = macFromPath(path)
	}
	if mac == "" {
		return Device{}, false
	}
	return Device{
		Address: strings.ToUpper(mac),
		Path:    string(path),
		Name:    name,
		Alias:   alias,
		Paired:  paired,
	}, true
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+5:]
	mac = strings.ReplaceAll(mac, "_", ":")
	return mac
}

// adapterOf returns the adapter path owning a device path (/org/bluez/hci0/dev_... → /org/bluez/hci0).
func adapterOf(p dbus.ObjectPath) dbus.ObjectPath {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return dbus.ObjectPath(s[:idx])
}

func isDBusError(err error, name string) bool {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name == name
	}
	var dep *dbus.Error
	if errors.As(err, &dep) {
		return dep.Name == name
	}
	return false
}
