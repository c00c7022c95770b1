package routing

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedContact is returned when decoding a corrupt contact record.
var ErrMalformedContact = errors.New("malformed contact record")

const (
	fieldContactID         protowire.Number = 1
	fieldContactAddr       protowire.Number = 2
	fieldContactTimestamp  protowire.Number = 3
	fieldContactState      protowire.Number = 4
	fieldContactFirewalled protowire.Number = 5
	fieldContactPriority   protowire.Number = 6
	fieldContactFailures   protowire.Number = 7
)

// MarshalContact encodes c as a protobuf-wire record.
func MarshalContact(c *Contact) []byte {
	return AppendContact(nil, c)
}

// AppendContact appends the encoding of c to b.
func AppendContact(b []byte, c *Contact) []byte {
	addr, _ := c.Addr.MarshalBinary()

	b = protowire.AppendTag(b, fieldContactID, protowire.BytesType)
	b = protowire.AppendBytes(b, c.ID[:])
	b = protowire.AppendTag(b, fieldContactAddr, protowire.BytesType)
	b = protowire.AppendBytes(b, addr)
	if !c.Timestamp.IsZero() {
		b = protowire.AppendTag(b, fieldContactTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Timestamp.UnixNano()))
	}
	if c.State != StateUnknown {
		b = protowire.AppendTag(b, fieldContactState, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.State))
	}
	if c.Firewalled {
		b = protowire.AppendTag(b, fieldContactFirewalled, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if c.Priority {
		b = protowire.AppendTag(b, fieldContactPriority, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if c.Failures > 0 {
		b = protowire.AppendTag(b, fieldContactFailures, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Failures))
	}
	return b
}

// UnmarshalContact decodes a record produced by MarshalContact. Unknown
// fields are skipped.
func UnmarshalContact(b []byte) (*Contact, error) {
	c := &Contact{}
	var haveID, haveAddr bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedContact, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldContactID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: id: %v", ErrMalformedContact, protowire.ParseError(n))
			}
			id, err := KUIDFromBytes(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedContact, err)
			}
			c.ID, haveID = id, true
			b = b[n:]
		case num == fieldContactAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: addr: %v", ErrMalformedContact, protowire.ParseError(n))
			}
			var addr netip.AddrPort
			if err := addr.UnmarshalBinary(v); err != nil {
				return nil, fmt.Errorf("%w: addr: %v", ErrMalformedContact, err)
			}
			c.Addr, haveAddr = addr, true
			b = b[n:]
		case typ == protowire.VarintType && num >= fieldContactTimestamp && num <= fieldContactFailures:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedContact, num, protowire.ParseError(n))
			}
			setContactVarint(c, num, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedContact, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !haveID || !haveAddr {
		return nil, fmt.Errorf("%w: missing id or address", ErrMalformedContact)
	}
	return c, nil
}

func setContactVarint(c *Contact, num protowire.Number, v uint64) {
	switch num {
	case fieldContactTimestamp:
		c.Timestamp = time.Unix(0, int64(v))
	case fieldContactState:
		c.State = State(v)
	case fieldContactFirewalled:
		c.Firewalled = protowire.DecodeBool(v)
	case fieldContactPriority:
		c.Priority = protowire.DecodeBool(v)
	case fieldContactFailures:
		c.Failures = int(v)
	}
}
