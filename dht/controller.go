package dht

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/opd-ai/kadnode/engine"
	"github.com/opd-ai/kadnode/routing"
	"github.com/sirupsen/logrus"
)

// Controller runs the DHT engine of one mode.
type Controller interface {
	Mode() Mode
	// Start binds and starts the engine and, except for passive leaves,
	// begins bootstrapping. It does nothing when already running or when
	// the host network is not connected and ForceConnect is off.
	Start() error
	// Stop stops the helpers, closes the engine and persists state.
	Stop() error
	IsRunning() bool
	IsBootstrapped() bool
	IsWaitingForNodes() bool
	// AddActiveNode hands addr to the bootstrapper, or to the random node
	// adder once bootstrapped.
	AddActiveNode(addr netip.AddrPort)
	// AddPassiveNode asks the node fetcher to probe addr while waiting for
	// nodes.
	AddPassiveNode(addr netip.AddrPort)
	// AddContact stores a contact forwarded by the supernode. Only passive
	// leaves accept contacts.
	AddContact(c *routing.Contact)
	// ActiveNodes returns up to max DHT addresses to advertise.
	ActiveNodes(max int) []netip.AddrPort
	HandleConnectionEvent(e ConnectionEvent)
	DHT() engine.DHT
}

// controller holds the behavior shared by every mode.
type controller struct {
	mode   Mode
	opts   *Options
	host   Host
	events dispatcher

	dht          engine.DHT
	bootstrapper *Bootstrapper
	adder        *nodeAdder
	forwarder    *contactForwarder

	// engineMu serializes Start and Stop with the helpers using the engine.
	engineMu sync.Mutex
}

func newController(mode Mode, opts *Options, host Host, events dispatcher, metrics *Metrics, table routing.RouteTable) *controller {
	c := &controller{
		mode:   mode,
		opts:   opts,
		host:   host,
		events: events,
	}
	c.dht = opts.NewEngine(EngineConfig{
		Name:  engineName(mode),
		Mode:  mode,
		Table: table,
	})
	c.dht.SetHostFilter(host.Allow)

	c.bootstrapper = NewBootstrapper(c.dht, BootstrapperConfig{
		HostSetSize:   opts.HostSetSize,
		FallbackHosts: opts.FallbackHosts,
		NewFetcher: NewFetcherFactory(host, host, NodeFetcherConfig{
			Interval:     opts.FetcherInterval,
			MaxWait:      opts.FetcherMaxWait,
			FilterClassC: opts.FilterClassC,
			Clock:        opts.Clock,
			Metrics:      metrics,
		}),
		OnBootstrapped: c.sendUpdatedCapabilities,
		Reporter:       opts.ErrorReporter,
		Metrics:        metrics,
	})
	c.adder = newNodeAdder(c)
	c.forwarder = newContactForwarder(c)

	// Supernodes pass new contacts on to their passive leaves.
	if host.IsActiveSupernode() {
		table := c.dht.RouteTable()
		table.AddListener(func(e routing.Event) {
			switch e.Type {
			case routing.EventAddActive, routing.EventAddCached, routing.EventUpdate:
				if mode == ModeActive || !table.IsLocalNode(e.Contact) {
					c.forwarder.add(e.Contact)
				}
			}
		})
	}
	return c
}

func engineName(mode Mode) string {
	switch mode {
	case ModeActive:
		return "ActiveDHT"
	case ModePassive:
		return "PassiveDHT"
	case ModePassiveLeaf:
		return "PassiveLeafDHT"
	default:
		return "DHT"
	}
}

func (c *controller) Mode() Mode { return c.mode }

func (c *controller) DHT() engine.DHT { return c.dht }

func (c *controller) Start() error {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()

	if c.dht.IsRunning() || (!c.opts.ForceConnect && !c.host.IsConnected()) {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"mode":     c.mode.String(),
		"addr":     c.opts.ListenAddr.String(),
	}).Info("Starting DHT controller")

	if err := c.dht.Bind(c.opts.ListenAddr); err != nil {
		c.opts.ErrorReporter.Report(err)
		return fmt.Errorf("bind %s DHT: %w", c.mode, err)
	}
	if err := c.dht.Start(); err != nil {
		c.opts.ErrorReporter.Report(err)
		return fmt.Errorf("start %s DHT: %w", c.mode, err)
	}
	if c.host.IsActiveSupernode() {
		c.forwarder.start()
	}

	c.host.UpdateCapabilities(Capabilities{
		Mode:    c.mode,
		DHTAddr: c.dht.RouteTable().LocalNode().Addr,
	})

	if c.mode != ModePassiveLeaf {
		c.bootstrapper.Bootstrap()
	}

	c.events.dispatch(Event{Type: EventStarting, Mode: c.mode})
	return nil
}

func (c *controller) Stop() error {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"mode":     c.mode.String(),
	}).Debug("Shutting down DHT controller")

	running := c.dht.IsRunning()
	wasMember := running && c.dht.IsBootstrapped()

	c.bootstrapper.Stop()
	c.adder.stop()
	c.forwarder.stop()
	err := c.dht.Close()
	if !running {
		return err
	}

	c.host.UpdateCapabilities(Capabilities{Mode: ModeInactive})
	if wasMember {
		c.host.SendUpdatedCapabilities()
	}

	c.events.dispatch(Event{Type: EventStopped, Mode: c.mode})
	return err
}

func (c *controller) IsRunning() bool { return c.dht.IsRunning() }

func (c *controller) IsBootstrapped() bool { return c.dht.IsBootstrapped() }

func (c *controller) IsWaitingForNodes() bool { return c.bootstrapper.IsWaitingForNodes() }

func (c *controller) AddActiveNode(addr netip.AddrPort) {
	c.addActiveNode(addr, true)
}

func (c *controller) addActiveNode(addr netip.AddrPort, retain bool) {
	if !c.dht.IsBootstrapped() {
		c.bootstrapper.AddBootstrapHost(addr)
	} else if retain {
		c.adder.add(addr)
		c.adder.start()
	}
}

func (c *controller) AddPassiveNode(addr netip.AddrPort) {
	if !c.dht.IsBootstrapped() {
		c.bootstrapper.AddPassiveNode(addr)
	}
}

func (c *controller) AddContact(contact *routing.Contact) {
	if c.mode == ModePassiveLeaf {
		c.dht.RouteTable().Add(contact)
	}
}

func (c *controller) ActiveNodes(int) []netip.AddrPort { return nil }

func (c *controller) HandleConnectionEvent(ConnectionEvent) {}

// Bootstrapper returns the controller's bootstrapper.
func (c *controller) Bootstrapper() *Bootstrapper { return c.bootstrapper }

// mrsNodes returns the addresses of up to n most recently seen active
// contacts.
func (c *controller) mrsNodes(n int, excludeLocal bool) []netip.AddrPort {
	if n <= 0 {
		return nil
	}
	table := c.dht.RouteTable()
	// One more than needed: the local node is among the active contacts.
	sorted := routing.SortMRS(table.ActiveContacts(), n+1)
	out := make([]netip.AddrPort, 0, n)
	for _, contact := range sorted {
		if excludeLocal && table.IsLocalNode(contact) {
			continue
		}
		if !contact.Addr.IsValid() {
			continue
		}
		out = append(out, contact.Addr)
		if len(out) == n {
			break
		}
	}
	return out
}

// sendUpdatedCapabilities tells the host network this node can now be
// bootstrapped from.
func (c *controller) sendUpdatedCapabilities() {
	logrus.WithFields(logrus.Fields{
		"function": "sendUpdatedCapabilities",
		"mode":     c.mode.String(),
	}).Debug("Sending updated capabilities")

	c.host.UpdateCapabilities(Capabilities{
		Mode:    c.mode,
		Member:  c.dht.IsRunning() && c.dht.IsBootstrapped(),
		DHTAddr: c.dht.RouteTable().LocalNode().Addr,
	})
	c.host.SendUpdatedCapabilities()

	if c.dht.IsRunning() {
		c.events.dispatch(Event{Type: EventConnected, Mode: c.mode})
	}
}

// stopAndPersist stops c and runs persist when it was running. Persistence
// failures are logged by persist and never returned.
func stopAndPersist(c *controller, persist func()) error {
	wasRunning := c.IsRunning()
	err := c.Stop()
	if wasRunning && persist != nil {
		persist()
	}
	return err
}

var (
	_ Controller = (*ActiveController)(nil)
	_ Controller = (*PassiveController)(nil)
	_ Controller = (*PassiveLeafController)(nil)
)
