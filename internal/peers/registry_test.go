package peers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-xfer/internal/connmgr"
	"bluetooth-xfer/internal/errorkinds"
)

type fakeLister struct {
	devs  []connmgr.Device
	err   error
	calls int
}

func (f *fakeLister) BondedDevices(context.Context) ([]connmgr.Device, error) {
	f.calls++
	return f.devs, f.err
}

func TestListBondedPeers(t *testing.T) {
	f := &fakeLister{devs: []connmgr.Device{
		{Address: "aa:bb:cc:dd:ee:01", Name: "Phone", Alias: "Work phone", Paired: true},
		{Address: "AA:BB:CC:DD:EE:02", Name: "Speaker", Paired: true},
		{Address: "AA:BB:CC:DD:EE:03", Paired: true},
		{Address: "AA:BB:CC:DD:EE:02", Name: "dup", Paired: true},
		{Name: "no address"},
	}}
	r := NewRegistry(f)

	got, err := r.ListBondedPeers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []PeerDevice{
		{Address: "AA:BB:CC:DD:EE:01", DisplayName: "Work phone"},
		{Address: "AA:BB:CC:DD:EE:02", DisplayName: "Speaker"},
		{Address: "AA:BB:CC:DD:EE:03"},
	}, got)

	p, ok := r.Lookup("aa:bb:cc:dd:ee:02")
	require.True(t, ok)
	assert.Equal(t, "Speaker", p.String())

	// Repeatable, and the cache follows the latest listing.
	f.devs = f.devs[:1]
	got, err = r.ListBondedPeers(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 2, f.calls)
	_, ok = r.Lookup("AA:BB:CC:DD:EE:02")
	assert.False(t, ok)
}

func TestListBondedPeersEmpty(t *testing.T) {
	r := NewRegistry(&fakeLister{})
	got, err := r.ListBondedPeers(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestListBondedPeersAdapterUnavailable(t *testing.T) {
	r := NewRegistry(&fakeLister{err: errorkinds.AdapterUnavailableError(nil)})
	_, err := r.ListBondedPeers(context.Background())
	assert.ErrorIs(t, err, errorkinds.ErrAdapterUnavailable)
	assert.Equal(t, errorkinds.AdapterUnavailable, errorkinds.KindOf(err))
}

func TestRegistryOverMemNetwork(t *testing.T) {
	n := connmgr.NewMemNetwork()
	n.AddDevice(connmgr.Device{Address: "11:11:11:11:11:11", Name: "desk"})
	n.Pair("22:22:22:22:22:22", "11:11:11:11:11:11")
	m := n.NewMgr("22:22:22:22:22:22")
	defer m.Close()

	got, err := NewRegistry(m).ListBondedPeers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []PeerDevice{{Address: "11:11:11:11:11:11", DisplayName: "desk"}}, got)
}

func TestPeerDeviceString(t *testing.T) {
	assert.Equal(t, "AA", PeerDevice{Address: "AA"}.String())
	assert.Equal(t, "x", PeerDevice{Address: "AA", DisplayName: "x"}.String())
}
