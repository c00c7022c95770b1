package routing

import (
	"fmt"
	"net/netip"
	"time"
)

// State is the liveness classification of a contact.
type State uint8

const (
	StateUnknown State = iota
	StateAlive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Contact is a peer's DHT identity: node ID, address and liveness metadata.
type Contact struct {
	ID         KUID
	Addr       netip.AddrPort
	Timestamp  time.Time
	State      State
	Firewalled bool
	// Priority contacts are sorted ahead of every other contact when
	// selecting the most recently seen nodes.
	Priority bool
	Failures int
}

// NewContact creates an alive contact last seen at now.
func NewContact(id KUID, addr netip.AddrPort, now time.Time) *Contact {
	return &Contact{
		ID:        id,
		Addr:      addr,
		Timestamp: now,
		State:     StateAlive,
	}
}

// Clone returns a copy safe to hand out of the table lock.
func (c *Contact) Clone() *Contact {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// IsAlive reports whether the contact has answered and not since failed.
func (c *Contact) IsAlive() bool {
	return c.State == StateAlive
}

// IsDead reports whether the contact exceeded its failure budget.
func (c *Contact) IsDead() bool {
	return c.State == StateDead
}

func (c *Contact) String() string {
	return fmt.Sprintf("%s@%s (%s)", c.ID.String()[:8], c.Addr, c.State)
}
