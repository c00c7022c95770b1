package routing

import (
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultLeafLimit bounds the number of leaves a PassiveTable tracks.
const DefaultLeafLimit = 30

// PassiveTable is a Table that also tracks the DHT-capable leaves connected
// to this node. Leaves are added as priority contacts so they are returned
// first when selecting most recently seen nodes.
type PassiveTable struct {
	*Table

	leafMu sync.Mutex
	leaves map[netip.AddrPort]KUID
	limit  int
}

// NewPassiveTable wraps t. A non-positive limit selects DefaultLeafLimit.
func NewPassiveTable(t *Table, limit int) *PassiveTable {
	if limit <= 0 {
		limit = DefaultLeafLimit
	}
	return &PassiveTable{
		Table:  t,
		leaves: make(map[netip.AddrPort]KUID),
		limit:  limit,
	}
}

// AddLeaf records that the leaf connected from addr answered as c and adds
// it to the table as a priority contact. It reports false when the leaf
// limit is reached and addr is not already tracked.
func (p *PassiveTable) AddLeaf(addr netip.AddrPort, c *Contact) bool {
	p.leafMu.Lock()
	previous, known := p.leaves[addr]
	if !known && len(p.leaves) >= p.limit {
		p.leafMu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "AddLeaf",
			"addr":     addr.String(),
			"limit":    p.limit,
		}).Debug("Leaf limit reached")
		return false
	}
	p.leaves[addr] = c.ID
	p.leafMu.Unlock()

	if !known || previous != c.ID {
		leaf := c.Clone()
		leaf.Priority = true
		leaf.State = StateAlive
		leaf.Timestamp = p.Table.config.Clock.Now()
		p.Table.Add(leaf)
	}
	return true
}

// RemoveLeaf forgets the leaf at addr and replaces its contact with the most
// recently seen cached contact of the same bucket. It reports whether addr
// was a tracked leaf.
func (p *PassiveTable) RemoveLeaf(addr netip.AddrPort) bool {
	p.leafMu.Lock()
	id, ok := p.leaves[addr]
	delete(p.leaves, addr)
	p.leafMu.Unlock()

	if !ok {
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "RemoveLeaf",
		"addr":     addr.String(),
		"id":       id.String(),
	}).Debug("Removed leaf")

	p.Table.RemoveActiveAndPromote(id)
	return true
}

// HasLeaves reports whether any leaf is tracked.
func (p *PassiveTable) HasLeaves() bool {
	p.leafMu.Lock()
	defer p.leafMu.Unlock()
	return len(p.leaves) > 0
}

// Leaves returns the addresses of the tracked leaves.
func (p *PassiveTable) Leaves() []netip.AddrPort {
	p.leafMu.Lock()
	defer p.leafMu.Unlock()

	out := make([]netip.AddrPort, 0, len(p.leaves))
	for addr := range p.leaves {
		out = append(out, addr)
	}
	return out
}
