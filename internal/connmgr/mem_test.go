package connmgr

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-xfer/internal/errorkinds"
)

const (
	addrA = "AA:AA:AA:AA:AA:01"
	addrB = "BB:BB:BB:BB:BB:02"
	addrC = "CC:CC:CC:CC:CC:03"
)

func newPairedNetwork() *MemNetwork {
	n := NewMemNetwork()
	n.AddDevice(Device{Address: addrA, Name: "laptop"})
	n.AddDevice(Device{Address: addrB, Name: "phone", Alias: "Pocket"})
	n.AddDevice(Device{Address: addrC})
	n.Pair(addrA, addrB)
	return n
}

func TestMemConnectAcceptRoundTrip(t *testing.T) {
	n := newPairedNetwork()
	srv := n.NewMgr(addrB)
	cli := n.NewMgr(addrA)
	defer srv.Close()
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.StartServer(ctx, ServerOptions{ServiceName: DefaultServiceName}))
	assert.True(t, n.Listening(addrB))

	type accepted struct {
		s   Stream
		dev Device
		err error
	}
	got := make(chan accepted, 1)
	go func() {
		s, dev, err := srv.Accept(ctx)
		got <- accepted{s, dev, err}
	}()

	cs, err := cli.Connect(ctx, "bb:bb:bb:bb:bb:02", ServiceUUID)
	require.NoError(t, err)
	defer cs.Close()

	a := <-got
	require.NoError(t, a.err)
	defer a.s.Close()
	assert.Equal(t, addrA, a.dev.Address)
	assert.Equal(t, "laptop", a.dev.DisplayName())
	assert.False(t, n.Listening(addrB), "listener must be released after accept")

	go func() {
		_, _ = cs.Write([]byte("hello"))
		_ = cs.Close()
	}()
	b, err := io.ReadAll(a.s)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestMemSecondConnectRejected(t *testing.T) {
	n := newPairedNetwork()
	srv := n.NewMgr(addrB)
	defer srv.Close()
	ctx := context.Background()
	require.NoError(t, srv.StartServer(ctx, ServerOptions{ServiceName: "x"}))

	first, err := n.NewMgr(addrA).Connect(ctx, addrB, ServiceUUID)
	require.NoError(t, err)
	defer first.Close()

	_, err = n.NewMgr(addrA).Connect(ctx, addrB, ServiceUUID)
	assert.Error(t, err)
}

func TestMemConnectErrors(t *testing.T) {
	n := newPairedNetwork()
	ctx := context.Background()

	_, err := n.NewMgr(addrA).Connect(ctx, addrC, ServiceUUID)
	assert.ErrorIs(t, err, errorkinds.ErrPeerNotBonded)

	_, err = n.NewMgr(addrA).Connect(ctx, addrB, ServiceUUID)
	assert.ErrorContains(t, err, "no service listening")

	srv := n.NewMgr(addrB)
	defer srv.Close()
	require.NoError(t, srv.StartServer(ctx, ServerOptions{ServiceName: "x"}))
	_, err = n.NewMgr(addrA).Connect(ctx, addrB, uuid.New())
	assert.ErrorContains(t, err, "no service listening")

	n.SetAdapterAvailable(false)
	_, err = n.NewMgr(addrA).Connect(ctx, addrB, ServiceUUID)
	assert.ErrorIs(t, err, errorkinds.ErrAdapterUnavailable)

	_, err = n.NewMgr(addrA).Connect(ctx, "", ServiceUUID)
	assert.Error(t, err)
}

func TestMemSingleRole(t *testing.T) {
	n := newPairedNetwork()
	ctx := context.Background()

	m := n.NewMgr(addrB)
	defer m.Close()
	require.NoError(t, m.StartServer(ctx, ServerOptions{ServiceName: "x"}))
	assert.Error(t, m.StartServer(ctx, ServerOptions{ServiceName: "x"}))
	_, err := m.Connect(ctx, addrA, ServiceUUID)
	assert.Error(t, err)

	other := n.NewMgr(addrB)
	defer other.Close()
	assert.Error(t, other.StartServer(ctx, ServerOptions{ServiceName: "x"}), "channel in use")

	_, _, err = n.NewMgr(addrA).Accept(ctx)
	assert.Error(t, err, "accept without server")
}

func TestMemCloseUnblocksAccept(t *testing.T) {
	n := newPairedNetwork()
	m := n.NewMgr(addrB)
	require.NoError(t, m.StartServer(context.Background(), ServerOptions{ServiceName: "x"}))

	errc := make(chan error, 1)
	go func() {
		_, _, err := m.Accept(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, errorkinds.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Accept did not return after Close")
	}
	assert.False(t, n.Listening(addrB))

	_, err := m.BondedDevices(context.Background())
	assert.ErrorIs(t, err, errorkinds.ErrClosed)
}

func TestMemAcceptContextCanceled(t *testing.T) {
	n := newPairedNetwork()
	m := n.NewMgr(addrB)
	defer m.Close()
	require.NoError(t, m.StartServer(context.Background(), ServerOptions{ServiceName: "x"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := m.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, n.Listening(addrB))
}

func TestMemBondedDevices(t *testing.T) {
	n := newPairedNetwork()
	n.Pair(addrA, addrC)
	m := n.NewMgr(addrA)
	defer m.Close()

	devs, err := m.BondedDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, addrB, devs[0].Address)
	assert.Equal(t, "Pocket", devs[0].DisplayName())
	assert.True(t, devs[0].Paired)
	assert.Equal(t, addrC, devs[1].Address)
	assert.Empty(t, devs[1].DisplayName())

	lonely := NewMemNetwork().NewMgr(addrC)
	devs, err = lonely.BondedDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devs)

	n.SetAdapterAvailable(false)
	_, err = m.BondedDevices(context.Background())
	assert.ErrorIs(t, err, errorkinds.ErrAdapterUnavailable)
	assert.ErrorIs(t, m.CancelDiscovery(context.Background()), errorkinds.ErrAdapterUnavailable)
}

func TestDeviceDisplayName(t *testing.T) {
	assert.Equal(t, "Alias", Device{Address: addrA, Name: "Name", Alias: "Alias"}.DisplayName())
	assert.Equal(t, "Name", Device{Address: addrA, Name: "Name", Alias: addrA}.DisplayName())
	assert.Equal(t, "", Device{Address: addrA}.DisplayName())
}
