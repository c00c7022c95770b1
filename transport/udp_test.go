package transport

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	packet *Packet
	from   netip.AddrPort
}

func TestUDPTransportRoundTrip(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	b, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	got := make(chan received, 1)
	b.RegisterHandler(PacketPing, func(p *Packet, from netip.AddrPort) error {
		got <- received{p, from}
		return nil
	})

	require.NoError(t, a.Send(&Packet{PacketType: PacketPing, Data: []byte("hi")}, b.LocalAddr()))

	select {
	case r := <-got:
		assert.Equal(t, []byte("hi"), r.packet.Data)
		assert.Equal(t, a.LocalAddr(), r.from)
	case <-time.After(2 * time.Second):
		t.Fatal("packet not received")
	}
}

func TestUDPTransportLocalAddrIsUnmapped(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer tr.Close()

	addr := tr.LocalAddr()
	assert.True(t, addr.Addr().Is4())
	assert.NotZero(t, addr.Port())
}

func TestUDPTransportCloseIsIdempotent(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())

	err = tr.Send(&Packet{PacketType: PacketPing, Data: []byte{}}, netip.MustParseAddrPort("127.0.0.1:9"))
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestNewUDPTransportRejectsBadAddress(t *testing.T) {
	_, err := NewUDPTransport("not an address")
	assert.Error(t, err)
}
