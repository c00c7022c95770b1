package dht

import (
	"net/netip"

	"github.com/opd-ai/kadnode/routing"
	"github.com/sirupsen/logrus"
)

// ActiveController runs a reachable DHT node. The whole route table, the
// local node ID and optionally the local values survive restarts.
type ActiveController struct {
	*controller
	table *routing.Table
}

// NewActiveController creates an active controller, restoring the route
// table snapshot when its version matches ActiveRouteTableVersion.
func NewActiveController(opts *Options, host Host, events dispatcher, metrics *Metrics) *ActiveController {
	opts = opts.withDefaults()

	var snap *Snapshot
	if opts.PersistActiveRouteTable {
		snap = loadSnapshot(opts.snapshotPath(ActiveSnapshotFile), func(v int) bool {
			return v == opts.ActiveRouteTableVersion
		})
	}

	id := routing.RandomKUID()
	if snap != nil && snap.Local != nil {
		id = snap.Local.ID
	}
	local := routing.NewContact(id, netip.AddrPort{}, opts.Clock.Now())
	table := routing.NewTable(local, &routing.TableConfig{K: opts.K, Clock: opts.Clock})

	if snap != nil {
		for _, c := range snap.Contacts {
			table.Add(c)
		}
		if opts.MaxContactAge > 0 {
			table.Purge(opts.MaxContactAge)
		}
		logrus.WithFields(logrus.Fields{
			"function": "NewActiveController",
			"contacts": table.Size() - 1,
			"id":       id.String(),
		}).Info("Restored active route table")
	}

	a := &ActiveController{
		controller: newController(ModeActive, opts, host, events, metrics, table),
		table:      table,
	}
	if snap != nil && opts.PersistDatabase {
		db := a.dht.Database()
		for _, v := range snap.Values {
			db.Put(v)
		}
	}
	return a
}

// Stop stops the node and persists its route table if it was running.
func (a *ActiveController) Stop() error {
	return stopAndPersist(a.controller, a.persist)
}

func (a *ActiveController) persist() {
	if !a.opts.PersistActiveRouteTable {
		return
	}

	snap := &Snapshot{
		Version: a.opts.ActiveRouteTableVersion,
		Local:   a.table.LocalNode(),
	}
	for _, c := range a.table.Contacts() {
		if !a.table.IsLocalNode(c) {
			snap.Contacts = append(snap.Contacts, c)
		}
	}
	if a.opts.PersistDatabase {
		snap.Values = a.dht.Database().Values()
	}
	saveSnapshot(a.opts.snapshotPath(ActiveSnapshotFile), snap)
}

// ActiveNodes returns the local node followed by the most recently seen
// contacts, or nothing until the node is bootstrapped.
func (a *ActiveController) ActiveNodes(max int) []netip.AddrPort {
	if max <= 0 || !a.IsRunning() || !a.IsBootstrapped() {
		return nil
	}
	out := make([]netip.AddrPort, 0, max)
	if local := a.table.LocalNode(); local.Addr.IsValid() {
		out = append(out, local.Addr)
	}
	return append(out, a.mrsNodes(max-len(out), true)...)
}
