package discovery

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
	"github.com/opd-ai/kadnode/dht"
	"github.com/opd-ai/kadnode/limits"
	"github.com/opd-ai/kadnode/routing"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedMessage is returned when decoding a corrupt discovery message.
var ErrMalformedMessage = errors.New("malformed discovery message")

const (
	fieldMessageGUID     protowire.Number = 1
	fieldMessageMode     protowire.Number = 2
	fieldMessageMember   protowire.Number = 3
	fieldMessageDHTAddr  protowire.Number = 4
	fieldMessageEndpoint protowire.Number = 5
	fieldMessageContact  protowire.Number = 6
)

// message is the payload of every discovery packet. Each message carries
// the sender's capabilities so any packet refreshes the host cache.
type message struct {
	GUID    uuid.UUID
	Mode    dht.Mode
	Member  bool
	DHTAddr netip.AddrPort

	// Endpoints are the DHT addresses carried by a PROBE_REPLY.
	Endpoints []netip.AddrPort
	// Contacts are the route table contacts carried by CONTACTS.
	Contacts []*routing.Contact
}

func (m *message) marshal() []byte {
	var b []byte
	if m.GUID != uuid.Nil {
		b = protowire.AppendTag(b, fieldMessageGUID, protowire.BytesType)
		b = protowire.AppendBytes(b, m.GUID[:])
	}
	b = protowire.AppendTag(b, fieldMessageMode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Mode))
	if m.Member {
		b = protowire.AppendTag(b, fieldMessageMember, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if m.DHTAddr.IsValid() {
		addr, _ := m.DHTAddr.MarshalBinary()
		b = protowire.AppendTag(b, fieldMessageDHTAddr, protowire.BytesType)
		b = protowire.AppendBytes(b, addr)
	}
	for i, e := range m.Endpoints {
		if i >= limits.MaxContactsPerPacket {
			break
		}
		addr, _ := e.MarshalBinary()
		b = protowire.AppendTag(b, fieldMessageEndpoint, protowire.BytesType)
		b = protowire.AppendBytes(b, addr)
	}
	for i, c := range m.Contacts {
		if i >= limits.MaxContactsPerPacket {
			break
		}
		b = protowire.AppendTag(b, fieldMessageContact, protowire.BytesType)
		b = protowire.AppendBytes(b, routing.MarshalContact(c))
	}
	return b
}

func unmarshalMessage(b []byte) (*message, error) {
	m := &message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType && (num == fieldMessageMode || num == fieldMessageMember) {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldMessageMode {
				m.Mode = dht.Mode(v)
			} else {
				m.Member = protowire.DecodeBool(v)
			}
			continue
		}
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldMessageGUID:
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: guid: %v", ErrMalformedMessage, err)
			}
			m.GUID = id
		case fieldMessageDHTAddr:
			if err := m.DHTAddr.UnmarshalBinary(raw); err != nil {
				return nil, fmt.Errorf("%w: dht addr: %v", ErrMalformedMessage, err)
			}
		case fieldMessageEndpoint:
			var addr netip.AddrPort
			if err := addr.UnmarshalBinary(raw); err != nil {
				return nil, fmt.Errorf("%w: endpoint: %v", ErrMalformedMessage, err)
			}
			m.Endpoints = append(m.Endpoints, addr)
		case fieldMessageContact:
			c, err := routing.UnmarshalContact(raw)
			if err != nil {
				return nil, err
			}
			m.Contacts = append(m.Contacts, c)
		}
	}

	if !m.Mode.IsValid() {
		return nil, fmt.Errorf("%w: unknown mode %d", ErrMalformedMessage, m.Mode)
	}
	return m, nil
}
