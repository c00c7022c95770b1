package transport

import (
	"errors"
	"fmt"

	"github.com/opd-ai/kadnode/limits"
)

// PacketType identifies the type of a kadnode datagram.
type PacketType byte

const (
	// DHT packet types
	PacketPing PacketType = iota + 1
	PacketPong
	PacketFindNode
	PacketNodes

	// Host discovery packet types
	PacketProbe      PacketType = 0x10
	PacketProbeReply PacketType = 0x11
	PacketAnnounce   PacketType = 0x12
	PacketContacts   PacketType = 0x13
)

var (
	// ErrPacketTooShort is returned when a datagram has no type byte.
	ErrPacketTooShort = errors.New("packet too short")

	// ErrNilData is returned when serializing a packet without a payload.
	ErrNilData = errors.New("packet data is nil")
)

// String returns a human readable packet type name for logging.
func (t PacketType) String() string {
	switch t {
	case PacketPing:
		return "PING"
	case PacketPong:
		return "PONG"
	case PacketFindNode:
		return "FIND_NODE"
	case PacketNodes:
		return "NODES"
	case PacketProbe:
		return "PROBE"
	case PacketProbeReply:
		return "PROBE_REPLY"
	case PacketAnnounce:
		return "ANNOUNCE"
	case PacketContacts:
		return "CONTACTS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// Packet is a single kadnode datagram.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, ErrNilData
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	if err := limits.ValidatePacket(result); err != nil {
		return nil, fmt.Errorf("serialize %s: %w", p.PacketType, err)
	}
	return result, nil
}

// ParsePacket converts a received datagram to a Packet. The payload is
// copied so the caller may reuse its read buffer.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, ErrPacketTooShort
	}
	if err := limits.ValidatePacket(data); err != nil {
		return nil, err
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
