package routing

import (
	"net/netip"
)

// ClassC returns the network block used to limit contacts per network:
// the /24 for IPv4 and the /64 for IPv6.
func ClassC(addr netip.Addr) netip.Prefix {
	addr = addr.Unmap()
	bits := 24
	if addr.Is6() {
		bits = 64
	}
	p, err := addr.Prefix(bits)
	if err != nil {
		return netip.Prefix{}
	}
	return p
}

// classCCounter counts contacts per ClassC block. A zero limit disables it.
type classCCounter struct {
	limit  int
	counts map[netip.Prefix]int
}

func newClassCCounter(limit int) *classCCounter {
	return &classCCounter{limit: limit, counts: make(map[netip.Prefix]int)}
}

func (c *classCCounter) okayToAdd(contact *Contact) bool {
	if c.limit <= 0 {
		return true
	}
	return c.counts[ClassC(contact.Addr.Addr())] < c.limit
}

func (c *classCCounter) increment(contact *Contact) {
	c.counts[ClassC(contact.Addr.Addr())]++
}

func (c *classCCounter) decrement(contact *Contact) {
	key := ClassC(contact.Addr.Addr())
	if c.counts[key] <= 1 {
		delete(c.counts, key)
		return
	}
	c.counts[key]--
}

func (c *classCCounter) reset() {
	c.counts = make(map[netip.Prefix]int)
}
