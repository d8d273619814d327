// Package peers lists the devices already bonded with the local adapter.
package peers

import (
	"context"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"bluetooth-xfer/internal/connmgr"
)

// PeerDevice identifies a remote device. It is a plain value and is safe to
// hand between goroutines; platform handles are never stored in it.
type PeerDevice struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name,omitempty"`
}

// String returns the display name, or the address when there is none.
func (p PeerDevice) String() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Address
}

// Lister is the part of connmgr.Mgr the registry needs.
type Lister interface {
	BondedDevices(ctx context.Context) ([]connmgr.Device, error)
}

// Registry is a read-only view over the pairing store.
type Registry struct {
	lister Lister
	known  *xsync.MapOf[string, PeerDevice]
}

// NewRegistry returns a registry backed by lister.
func NewRegistry(lister Lister) *Registry {
	return &Registry{lister: lister, known: xsync.NewMapOf[string, PeerDevice]()}
}

// ListBondedPeers returns the bonded devices in address order. It never scans.
// Errors from the pairing store (errorkinds.ErrAdapterUnavailable among them)
// are returned as is.
func (r *Registry) ListBondedPeers(ctx context.Context) ([]PeerDevice, error) {
	devs, err := r.lister.BondedDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PeerDevice, 0, len(devs))
	seen := make(map[string]struct{}, len(devs))
	for _, d := range devs {
		p := FromDevice(d)
		if p.Address == "" {
			continue
		}
		if _, dup := seen[p.Address]; dup {
			continue
		}
		seen[p.Address] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	r.known.Clear()
	for _, p := range out {
		r.known.Store(p.Address, p)
	}
	return out, nil
}

// Lookup returns the peer with address from the last listing.
func (r *Registry) Lookup(address string) (PeerDevice, bool) {
	return r.known.Load(strings.ToUpper(address))
}

// FromDevice converts a platform device into a PeerDevice.
func FromDevice(d connmgr.Device) PeerDevice {
	return PeerDevice{Address: strings.ToUpper(d.Address), DisplayName: d.DisplayName()}
}
