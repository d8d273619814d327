// Package connmgr defines the public interfaces,
// responsible for opening RFCOMM streams for the file transfer service.
//
// Thread-safety: except for Close(), methods are not safe for concurrent use.
// Callers must serialize StartServer, Accept, BondedDevices, CancelDiscovery and
// Connect. Close is safe to call concurrently and is idempotent; it unblocks a
// pending Accept or Connect.
package connmgr

import (
	"context"
	"io"

	"github.com/google/uuid"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint8 = 22

	// DefaultServiceName is advertised in the service record when none is configured.
	DefaultServiceName = "BTXfer"
)

// ServiceUUID is SPPUUID parsed.
var ServiceUUID = uuid.MustParse(SPPUUID)

// Stream is a connected RFCOMM byte stream. Close interrupts a blocked Read or Write.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Device represents the minimum information needed to display and connect.
//
// Address is required. Other fields are optional and may be empty depending on
// what the platform pairing store knows about the device.
type Device struct {
	Address string // required: Bluetooth device address (XX:XX:XX:XX:XX:XX)
	Path    string // optional: platform handle, e.g. BlueZ Device1 object path
	Name    string // optional: Device1.Name
	Alias   string // optional: Device1.Alias
	Paired  bool
}

// DisplayName prefers the user-set alias over the remote name.
func (d Device) DisplayName() string {
	if d.Alias != "" && d.Alias != d.Address {
		return d.Alias
	}
	return d.Name
}

// ServerOptions controls server-side profile registration.
type ServerOptions struct {
	// ServiceName is required and is advertised in the service record.
	ServiceName string

	// UUID identifies the service; uuid.Nil selects ServiceUUID.
	UUID uuid.UUID

	// Channel is the RFCOMM channel; zero selects DefaultRFCOMMChannel.
	Channel uint8
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.UUID == uuid.Nil {
		o.UUID = ServiceUUID
	}
	if o.Channel == 0 {
		o.Channel = DefaultRFCOMMChannel
	}
	return o
}

// Mgr is the single public interface for bonded-device listing and connections.
// Responsibilities end at handing a stream to the caller; reconnect is out of scope.
type Mgr interface {
	// StartServer registers the service (Role="server").
	// After a successful call, use Accept to wait for exactly one incoming connection.
	// State/usage constraints:
	//   - Must be called before Accept; calling Accept without a prior StartServer returns an error.
	//   - Calling StartServer more than once returns an error.
	//   - A Mgr instance is single-role: if Connect has been used on this instance,
	//     StartServer returns an error (and vice versa).
	//   - If the RFCOMM channel is already in use, an error is returned.
	StartServer(ctx context.Context, opts ServerOptions) error

	// Accept blocks until a connection is established, ctx is canceled or Close is called.
	// It returns the peer device information and a stream that the caller owns.
	// Server semantics:
	//   - Accept may be called at most once. Multiple connections or re-listen are not supported.
	//   - The listening endpoint is released before Accept returns, on success and on failure;
	//     later incoming connections are rejected.
	//   - The returned stream is never closed by the manager; ownership is entirely with the caller.
	//   - If the peer cannot be resolved, the returned Device carries whatever is known
	//     (at minimum the address when the platform provides it).
	Accept(ctx context.Context) (Stream, Device, error)

	// BondedDevices returns the devices paired with any powered adapter.
	// It does not start discovery and does not modify adapter state.
	// It fails with errorkinds.ErrAdapterUnavailable when no adapter exists and
	// returns an empty slice when adapters are powered off or nothing is paired.
	BondedDevices(ctx context.Context) ([]Device, error)

	// CancelDiscovery stops any inquiry running on the local adapters.
	// An RFCOMM connect is unreliable while the adapter is discovering.
	CancelDiscovery(ctx context.Context) error

	// Connect initiates an outgoing connection to the service on the device with the
	// given address. The platform handle is resolved from the address inside the call.
	// State/usage constraints:
	//   - address must be non-empty.
	//   - A Mgr instance is single-role and Connect may be called at most once.
	//   - On failure any partially opened channel is released.
	// Context cancellation and Close both unblock a pending Connect.
	Connect(ctx context.Context, address string, service uuid.UUID) (Stream, error)

	// Close releases resources held by the manager. It never closes a stream already
	// handed to the caller.
	// Contract:
	//   - Safe for concurrent use; redundant calls are allowed (idempotent).
	//   - After Close, all other methods return an error.
	Close() error
}

// role records which side a manager instance has committed to.
type role int

const (
	roleNone role = iota
	roleServer
	roleClient
)

// Factory creates a fresh, unused manager. A Session asks for one per role selection.
type Factory func() Mgr
