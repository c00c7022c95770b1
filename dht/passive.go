package dht

import (
	"net/netip"

	"github.com/opd-ai/kadnode/engine"
	"github.com/opd-ai/kadnode/routing"
	"github.com/sirupsen/logrus"
)

// PassiveController runs the firewalled DHT node of a supernode. It tracks
// the DHT capable leaves connected to the supernode, whose contacts are the
// most reliable it has, and persists a short list of most recently seen
// contacts to bootstrap the next session. The node ID is not kept.
type PassiveController struct {
	*controller
	table *routing.PassiveTable
}

// NewPassiveController creates a passive controller, restoring the MRS
// contacts of a snapshot whose version is at least
// PassiveRouteTableVersion.
func NewPassiveController(opts *Options, host Host, events dispatcher, metrics *Metrics) *PassiveController {
	opts = opts.withDefaults()

	local := routing.NewContact(routing.RandomKUID(), netip.AddrPort{}, opts.Clock.Now())
	local.Firewalled = true
	table := routing.NewPassiveTable(
		routing.NewTable(local, &routing.TableConfig{K: opts.K, Clock: opts.Clock}),
		opts.PassiveLeafLimit,
	)

	if opts.PersistPassiveRouteTable {
		snap := loadSnapshot(opts.snapshotPath(PassiveSnapshotFile), func(v int) bool {
			return v >= opts.PassiveRouteTableVersion
		})
		if snap != nil {
			for _, c := range snap.Contacts {
				table.Add(c)
			}
			logrus.WithFields(logrus.Fields{
				"function": "NewPassiveController",
				"contacts": len(snap.Contacts),
			}).Info("Restored passive route table")
		}
	}

	return &PassiveController{
		controller: newController(ModePassive, opts, host, events, metrics, table),
		table:      table,
	}
}

// Stop stops the node and, if it was running with at least one remote
// contact, persists its most recently seen contacts.
func (p *PassiveController) Stop() error {
	return stopAndPersist(p.controller, p.persist)
}

func (p *PassiveController) persist() {
	if !p.opts.PersistPassiveRouteTable {
		return
	}
	contacts := p.table.ActiveContacts()
	if len(contacts) < 2 {
		return
	}

	snap := &Snapshot{Version: p.opts.PassiveRouteTableVersion}
	for _, c := range routing.SortMRS(contacts, p.opts.MaxPersistedNodes) {
		if !p.table.IsLocalNode(c) {
			snap.Contacts = append(snap.Contacts, c)
		}
	}
	saveSnapshot(p.opts.snapshotPath(PassiveSnapshotFile), snap)
}

// ActiveNodes returns the most recently seen contacts, leaves first.
func (p *PassiveController) ActiveNodes(max int) []netip.AddrPort {
	if !p.IsRunning() || !p.IsBootstrapped() {
		return nil
	}
	return p.mrsNodes(max, true)
}

// Leaves returns the DHT addresses of the tracked leaves.
func (p *PassiveController) Leaves() []netip.AddrPort {
	return p.table.Leaves()
}

// HandleConnectionEvent tracks leaves: a leaf running an active DHT node is
// added, one running a passive node is probed for DHT hosts, any other or
// closed connection is removed.
func (p *PassiveController) HandleConnectionEvent(e ConnectionEvent) {
	peer := e.Peer
	if !peer.Addr.IsValid() && !peer.DHTAddr.IsValid() {
		return
	}

	fields := logrus.Fields{
		"function": "PassiveController.HandleConnectionEvent",
		"event":    e.Type.String(),
		"peer":     peer.Addr.String(),
		"mode":     peer.Mode.String(),
	}

	switch e.Type {
	case ConnectionClosed:
		logrus.WithFields(fields).Debug("Leaf connection closed")
		p.removeLeaf(peer.dhtAddr())
	case ConnectionCapabilities:
		switch peer.Mode {
		case ModeActive:
			logrus.WithFields(fields).Debug("Connection is an active DHT node")
			p.addLeaf(peer.dhtAddr())
		case ModePassive:
			logrus.WithFields(fields).Debug("Connection is a passive DHT node")
			addr := peer.Addr
			if !addr.IsValid() {
				addr = peer.DHTAddr
			}
			p.AddPassiveNode(addr)
		default:
			logrus.WithFields(fields).Debug("Connection is not a DHT node")
			p.removeLeaf(peer.dhtAddr())
		}
	}
}

// addLeaf offers addr to the bootstrapper and pings it to learn its node ID
// before tracking it as a leaf.
func (p *PassiveController) addLeaf(addr netip.AddrPort) {
	if !p.IsRunning() {
		return
	}
	p.addActiveNode(addr, false)

	p.dht.Ping(addr).OnComplete(func(res engine.PingResult, err error) {
		if err != nil || res.Contact == nil {
			logrus.WithFields(logrus.Fields{
				"function": "addLeaf",
				"addr":     addr.String(),
			}).Debug("Leaf did not answer DHT ping")
			return
		}
		if !p.IsRunning() {
			return
		}
		p.table.AddLeaf(addr, res.Contact)
	})
}

func (p *PassiveController) removeLeaf(addr netip.AddrPort) {
	if !p.IsRunning() {
		return
	}
	p.table.RemoveLeaf(addr)
}
