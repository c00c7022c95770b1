package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/opd-ai/kadnode/limits"
	"github.com/sirupsen/logrus"
)

// ErrTransportClosed is returned when sending on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// UDPTransport implements the Transport interface over a UDP socket.
type UDPTransport struct {
	conn     *net.UDPConn
	handlers map[PacketType]PacketHandler
	mu       sync.RWMutex

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewUDPTransport creates a UDP transport listening on listenAddr and starts
// its read loop.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	t := &UDPTransport{
		conn:     conn,
		handlers: make(map[PacketType]PacketHandler),
		done:     make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"local":    conn.LocalAddr().String(),
	}).Debug("UDP transport listening")

	t.wg.Add(1)
	go t.processPackets()

	return t, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

// Send sends a packet to the specified address.
func (t *UDPTransport) Send(packet *Packet, addr netip.AddrPort) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	_, err = t.conn.WriteToUDPAddrPort(data, addr)
	return err
}

// Close shuts down the transport and waits for the read loop to exit.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	ap := t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (t *UDPTransport) processPackets() {
	defer t.wg.Done()

	buffer := make([]byte, limits.MaxPacket+1)
	for {
		select {
		case <-t.done:
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := t.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "processPackets",
				"error":    err.Error(),
			}).Debug("UDP read failed")
			continue
		}

		packet, err := ParsePacket(buffer[:n])
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "processPackets",
				"from":     addr.String(),
				"size":     n,
				"error":    err.Error(),
			}).Debug("Dropping malformed datagram")
			continue
		}

		t.dispatch(packet, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()))
	}
}

func (t *UDPTransport) dispatch(packet *Packet, addr netip.AddrPort) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.PacketType]
	t.mu.RUnlock()

	if !exists {
		return
	}
	go func() {
		if err := handler(packet, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "dispatch",
				"packet_type": packet.PacketType.String(),
				"from":        addr.String(),
				"error":       err.Error(),
			}).Debug("Packet handler failed")
		}
	}()
}
