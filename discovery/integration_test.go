package discovery

import (
	"net/netip"
	"testing"
	"time"

	"github.com/opd-ai/kadnode/dht"
	"github.com/opd-ai/kadnode/transport"
	"github.com/stretchr/testify/require"
)

type testPeer struct {
	manager   *dht.Manager
	discovery *Service
}

func startPeer(t *testing.T, network *transport.MemoryNetwork, ip string, seeds ...netip.AddrPort) *testPeer {
	t.Helper()

	tr, err := network.Listen(netip.MustParseAddrPort(ip + ":7000"))
	require.NoError(t, err)
	svc, err := New(Config{
		Transport:        tr,
		Seeds:            seeds,
		AnnounceInterval: 50 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
	})
	require.NoError(t, err)

	opts := dht.NewOptions()
	opts.ListenAddr = netip.MustParseAddrPort(ip + ":6346")
	opts.DataDir = t.TempDir()
	opts.FallbackHosts = nil
	opts.RequestTimeout = 200 * time.Millisecond
	opts.Listen = func(addr netip.AddrPort) (transport.Transport, error) {
		tr, err := network.Listen(addr)
		if err != nil {
			return nil, err
		}
		return tr, nil
	}
	m := dht.NewManager(opts, svc)
	svc.Attach(m, dht.ModeActive)

	t.Cleanup(func() {
		_ = m.Close()
		_ = svc.Close()
	})
	require.NoError(t, svc.Start())
	return &testPeer{manager: m, discovery: svc}
}

func TestPeersBootstrapThroughDiscovery(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startPeer(t, network, "10.0.1.1")
	b := startPeer(t, network, "10.0.1.2", netip.MustParseAddrPort("10.0.1.1:7000"))

	require.Eventually(t, func() bool {
		return a.manager.IsMemberOfDHT() && b.manager.IsMemberOfDHT()
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		caps := a.discovery.Capabilities()
		return caps.Mode == dht.ModeActive && caps.Member
	}, 5*time.Second, 10*time.Millisecond)

	nodes := b.manager.ActiveNodes(5)
	require.Contains(t, nodes, netip.MustParseAddrPort("10.0.1.2:6346"))
	require.Contains(t, nodes, netip.MustParseAddrPort("10.0.1.1:6346"))
}
