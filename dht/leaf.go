package dht

import (
	"net/netip"

	"github.com/opd-ai/kadnode/routing"
)

// PassiveLeafController runs the firewalled DHT node of a leaf. It never
// bootstraps and keeps no state across restarts; its supernode feeds it
// contacts through AddContact.
type PassiveLeafController struct {
	*controller
	table *routing.LeafTable
}

// NewPassiveLeafController creates a passive leaf controller.
func NewPassiveLeafController(opts *Options, host Host, events dispatcher, metrics *Metrics) *PassiveLeafController {
	opts = opts.withDefaults()

	local := routing.NewContact(routing.RandomKUID(), netip.AddrPort{}, opts.Clock.Now())
	local.Firewalled = true
	table := routing.NewLeafTable(local, opts.K, 0)

	return &PassiveLeafController{
		controller: newController(ModePassiveLeaf, opts, host, events, metrics, table),
		table:      table,
	}
}

// Contacts returns the cached contacts, most recently used first.
func (l *PassiveLeafController) Contacts() []*routing.Contact {
	return l.table.Contacts()
}
