package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrAddressInUse is returned by MemoryNetwork.Listen for a taken address.
var ErrAddressInUse = errors.New("address already in use")

// DeliveryRecord describes one packet handed to a MemoryNetwork.
type DeliveryRecord struct {
	From       netip.AddrPort
	To         netip.AddrPort
	PacketType PacketType
	PacketSize int
	Timestamp  time.Time
	Delivered  bool
}

// MemoryNetwork delivers packets between MemoryTransports in-process. It keeps
// a delivery log so tests can assert on traffic without real sockets.
type MemoryNetwork struct {
	mu         sync.RWMutex
	endpoints  map[netip.AddrPort]*MemoryTransport
	log        []DeliveryRecord
	dropFilter func(from, to netip.AddrPort, p *Packet) bool
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[netip.AddrPort]*MemoryTransport),
	}
}

// Listen attaches a new transport to the network at addr.
func (n *MemoryNetwork) Listen(addr netip.AddrPort) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.endpoints[addr]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}

	t := &MemoryTransport{
		network:  n,
		addr:     addr,
		handlers: make(map[PacketType]PacketHandler),
	}
	n.endpoints[addr] = t
	return t, nil
}

// SetDropFilter installs a predicate that silently drops matching packets.
// A nil filter delivers everything.
func (n *MemoryNetwork) SetDropFilter(filter func(from, to netip.AddrPort, p *Packet) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropFilter = filter
}

// DeliveryLog returns a copy of every packet sent on the network so far.
func (n *MemoryNetwork) DeliveryLog() []DeliveryRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()

	result := make([]DeliveryRecord, len(n.log))
	copy(result, n.log)
	return result
}

// ClearDeliveryLog resets the delivery log.
func (n *MemoryNetwork) ClearDeliveryLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = nil
}

// broadcastAddr is the limited broadcast address. MemoryNetwork delivers
// packets sent to it to every other endpoint on the same port.
var broadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})

func (n *MemoryNetwork) deliver(from, to netip.AddrPort, p *Packet, size int) {
	n.mu.Lock()
	var targets []*MemoryTransport
	if to.Addr() == broadcastAddr {
		for addr, ep := range n.endpoints {
			if addr != from && addr.Port() == to.Port() {
				targets = append(targets, ep)
			}
		}
	} else if ep, exists := n.endpoints[to]; exists {
		targets = append(targets, ep)
	}
	if n.dropFilter != nil && n.dropFilter(from, to, p) {
		targets = nil
	}
	n.log = append(n.log, DeliveryRecord{
		From:       from,
		To:         to,
		PacketType: p.PacketType,
		PacketSize: size,
		Timestamp:  time.Now(),
		Delivered:  len(targets) > 0,
	})
	n.mu.Unlock()

	if len(targets) == 0 {
		logrus.WithFields(logrus.Fields{
			"function":    "MemoryNetwork.deliver",
			"from":        from.String(),
			"to":          to.String(),
			"packet_type": p.PacketType.String(),
		}).Debug("Packet dropped")
		return
	}

	for _, target := range targets {
		copied := &Packet{PacketType: p.PacketType, Data: append([]byte(nil), p.Data...)}
		target.dispatch(copied, from)
	}
}

func (n *MemoryNetwork) detach(addr netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// MemoryTransport is a Transport attached to a MemoryNetwork.
type MemoryTransport struct {
	network  *MemoryNetwork
	addr     netip.AddrPort
	handlers map[PacketType]PacketHandler
	closed   bool
	mu       sync.RWMutex
}

// Send delivers packet to addr if a transport is listening there.
func (t *MemoryTransport) Send(packet *Packet, addr netip.AddrPort) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}

	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	t.network.deliver(t.addr, addr, packet, len(data))
	return nil
}

// Close detaches the transport from its network.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.network.detach(t.addr)
	return nil
}

// LocalAddr returns the address the transport was attached at.
func (t *MemoryTransport) LocalAddr() netip.AddrPort {
	return t.addr
}

// RegisterHandler registers a handler for a specific packet type.
func (t *MemoryTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

func (t *MemoryTransport) dispatch(packet *Packet, from netip.AddrPort) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.PacketType]
	closed := t.closed
	t.mu.RUnlock()

	if !exists || closed {
		return
	}
	go func() {
		_ = handler(packet, from)
	}()
}
