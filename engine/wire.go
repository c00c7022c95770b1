package engine

import (
	"errors"
	"fmt"

	"github.com/opd-ai/kadnode/limits"
	"github.com/opd-ai/kadnode/routing"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedMessage is returned when decoding a corrupt DHT message.
var ErrMalformedMessage = errors.New("malformed DHT message")

const (
	fieldMessageRequestID protowire.Number = 1
	fieldMessageSender    protowire.Number = 2
	fieldMessageTarget    protowire.Number = 3
	fieldMessageContact   protowire.Number = 4
)

// message is the payload of every PING, PONG, FIND_NODE and NODES packet.
type message struct {
	RequestID uint64
	Sender    *routing.Contact
	Target    routing.KUID
	Contacts  []*routing.Contact
}

func (m *message) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMessageRequestID, protowire.VarintType)
	b = protowire.AppendVarint(b, m.RequestID)
	if m.Sender != nil {
		b = protowire.AppendTag(b, fieldMessageSender, protowire.BytesType)
		b = protowire.AppendBytes(b, routing.MarshalContact(m.Sender))
	}
	if !m.Target.IsZero() {
		b = protowire.AppendTag(b, fieldMessageTarget, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Target[:])
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

		if num == fieldMessageRequestID && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: request id: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			m.RequestID = v
			b = b[n:]
			continue
		}
		if typ != protowire.BytesType || num < fieldMessageSender || num > fieldMessageContact {
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
		case fieldMessageSender:
			c, err := routing.UnmarshalContact(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: sender: %v", ErrMalformedMessage, err)
			}
			m.Sender = c
		case fieldMessageTarget:
			id, err := routing.KUIDFromBytes(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: target: %v", ErrMalformedMessage, err)
			}
			m.Target = id
		case fieldMessageContact:
			if len(m.Contacts) >= limits.MaxContactsPerPacket {
				continue
			}
			c, err := routing.UnmarshalContact(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: contact: %v", ErrMalformedMessage, err)
			}
			m.Contacts = append(m.Contacts, c)
		}
	}
	if m.Sender == nil {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	}
	return m, nil
}
