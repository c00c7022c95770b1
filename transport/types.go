package transport

import (
	"net/netip"
)

// PacketHandler is a function that processes incoming packets.
type PacketHandler func(packet *Packet, addr netip.AddrPort) error

// Transport defines the interface for datagram transports used by the DHT
// engine and the discovery service.
type Transport interface {
	// Send sends a packet to the specified address.
	Send(packet *Packet, addr netip.AddrPort) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() netip.AddrPort

	// RegisterHandler registers a handler for a specific packet type.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}
