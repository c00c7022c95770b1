package discovery

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/kadnode/dht"
	"github.com/opd-ai/kadnode/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachDoesNotBlockPacketHandler(t *testing.T) {
	network := transport.NewMemoryNetwork()
	mock := newMockClock()
	svc := newTestService(t, network, "10.0.2.1:7000", mock, nil)
	require.NoError(t, svc.Start())

	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }

	opts := dht.NewOptions()
	opts.ListenAddr = netip.MustParseAddrPort("10.0.2.1:6346")
	opts.DataDir = t.TempDir()
	opts.FallbackHosts = nil
	opts.RequestTimeout = time.Minute
	opts.Listen = func(addr netip.AddrPort) (transport.Transport, error) {
		<-release
		tr, err := network.Listen(addr)
		if err != nil {
			return nil, err
		}
		return tr, nil
	}
	m := dht.NewManager(opts, svc)
	t.Cleanup(func() { _ = m.Close() })
	t.Cleanup(unblock)
	svc.Attach(m, dht.ModeActive)

	peerDHT := netip.MustParseAddrPort("10.0.2.2:6346")
	p := &transport.Packet{
		PacketType: transport.PacketAnnounce,
		Data: (&message{
			GUID:    uuid.New(),
			Mode:    dht.ModeActive,
			Member:  true,
			DHTAddr: peerDHT,
		}).marshal(),
	}

	done := make(chan error, 1)
	go func() { done <- svc.handlePacket(p, netip.MustParseAddrPort("10.0.2.2:7000")) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("packet handler waited for the engine to bind")
	}
	assert.False(t, m.IsRunning(), "engine still binding")

	unblock()
	require.Eventually(t, func() bool {
		return m.Mode() == dht.ModeActive && m.IsRunning() && !m.IsWaitingForNodes()
	}, waitFor, tick, "peer offered while the engine was binding is pinged")
}
