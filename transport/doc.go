// Package transport provides the datagram layer used by the kadnode DHT
// engine and the host discovery service.
//
// # Architecture
//
// The core abstraction is the Transport interface:
//
//	type Transport interface {
//	    Send(packet *Packet, addr netip.AddrPort) error
//	    Close() error
//	    LocalAddr() netip.AddrPort
//	    RegisterHandler(packetType PacketType, handler PacketHandler)
//	}
//
// Two implementations are provided:
//
// UDP Transport:
//
//	tr, err := transport.NewUDPTransport("0.0.0.0:6346")
//	// one goroutine reads datagrams and dispatches them by packet type
//
// Memory Transport:
//
//	network := transport.NewMemoryNetwork()
//	a, _ := network.Listen(netip.MustParseAddrPort("10.0.0.1:1000"))
//	b, _ := network.Listen(netip.MustParseAddrPort("10.0.0.2:1000"))
//	// packets sent from a to b are delivered in-process and logged
//
// # Packet Format
//
// Every datagram is a single type byte followed by the payload:
//
//	[packet type (1 byte)][data (variable length)]
//
// Datagrams larger than limits.MaxPacket are rejected on both send and
// receive.
//
// # Thread Safety
//
// All transports are safe for concurrent use. Handlers are invoked on their
// own goroutine so a slow handler never blocks the read loop.
package transport
