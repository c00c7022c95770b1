package engine

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/kadnode/routing"
	"github.com/opd-ai/kadnode/transport"
	"github.com/sirupsen/logrus"
)

// MaintenanceConfig holds configuration for route table maintenance.
type MaintenanceConfig struct {
	// How often to ping contacts that have gone quiet
	PingInterval time.Duration
	// How often to look up random IDs
	LookupInterval time.Duration
	// How long a contact can be silent before it is pinged
	NodeTimeout time.Duration
	// How long before a silent contact is purged
	PruneTimeout time.Duration
}

// DefaultMaintenanceConfig returns sensible defaults for route table
// maintenance.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		PingInterval:   1 * time.Minute,
		LookupInterval: 5 * time.Minute,
		NodeTimeout:    10 * time.Minute,
		PruneTimeout:   1 * time.Hour,
	}
}

// Maintainer keeps a node's route table fresh: it pings quiet contacts,
// looks up random IDs through the closest contacts, and purges contacts
// silent for longer than PruneTimeout.
type Maintainer struct {
	node   *Node
	config *MaintenanceConfig

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewMaintainer creates a maintainer for node.
func NewMaintainer(node *Node, config *MaintenanceConfig) *Maintainer {
	if config == nil {
		config = DefaultMaintenanceConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Maintainer{
		node:   node,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the maintenance routines.
func (m *Maintainer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return
	}

	m.isRunning = true
	m.wg.Add(3)

	go m.every(m.config.PingInterval, m.pingQuietContacts)
	go m.every(m.config.LookupInterval, m.lookupRandomIDs)
	go m.every(m.config.PingInterval, m.pruneSilentContacts)
}

// Stop halts all maintenance routines and waits for them to exit.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Maintainer) every(interval time.Duration, task func()) {
	defer m.wg.Done()

	ticker := m.node.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			task()
		}
	}
}

// pingQuietContacts pings active contacts not heard from within half the
// node timeout. Failures are recorded by the request timeout.
func (m *Maintainer) pingQuietContacts() {
	table := m.node.RouteTable()
	now := m.node.clock.Now()

	pinged := 0
	for _, c := range table.ActiveContacts() {
		if table.IsLocalNode(c) || now.Sub(c.Timestamp) < m.config.NodeTimeout/2 {
			continue
		}
		m.node.pingContact(c)
		pinged++
	}

	logrus.WithFields(logrus.Fields{
		"function": "pingQuietContacts",
		"node":     m.node.Name(),
		"pinged":   pinged,
	}).Debug("Pinged quiet contacts")
}

// lookupRandomIDs sends FIND_NODE for the local ID and two random IDs to
// the closest known contacts and pings every unknown contact returned.
func (m *Maintainer) lookupRandomIDs() {
	table := m.node.RouteTable()
	targets := []routing.KUID{m.node.LocalNodeID(), routing.RandomKUID(), routing.RandomKUID()}

	for _, target := range targets {
		for _, c := range table.SelectN(target, 3) {
			if table.IsLocalNode(c) {
				continue
			}
			req := m.node.request(transport.PacketFindNode, c.Addr, &message{Target: target}, c.ID)
			req.OnComplete(func(reply *message, err error) {
				if err != nil {
					return
				}
				for _, found := range reply.Contacts {
					if table.Get(found.ID) == nil && !table.IsLocalNode(found) && !found.Firewalled {
						m.node.pingContact(found)
					}
				}
			})
		}
	}
}

func (m *Maintainer) pruneSilentContacts() {
	m.node.RouteTable().Purge(m.config.PruneTimeout)
}
