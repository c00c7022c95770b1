package engine

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/kadnode/routing"
	"github.com/opd-ai/kadnode/transport"
	"github.com/sirupsen/logrus"
)

// DefaultRequestTimeout bounds every request sent by a Node.
const DefaultRequestTimeout = 10 * time.Second

// ListenFunc opens the datagram transport a Node serves on.
type ListenFunc func(addr netip.AddrPort) (transport.Transport, error)

// ListenUDP is the default ListenFunc.
func ListenUDP(addr netip.AddrPort) (transport.Transport, error) {
	return transport.NewUDPTransport(addr.String())
}

// Config configures a Node.
type Config struct {
	// Name identifies the node in logs.
	Name string
	// RouteTable stores contacts. When nil a routing.Table is created for
	// LocalID.
	RouteTable routing.RouteTable
	// LocalID is used when RouteTable is nil. A zero ID is replaced by a
	// random one.
	LocalID routing.KUID
	// Firewalled marks the local contact as unable to receive unsolicited
	// traffic. Firewalled nodes are never added to remote route tables.
	Firewalled bool
	// K is the number of contacts returned for FIND_NODE.
	K int
	// RequestTimeout bounds PING and FIND_NODE round trips.
	RequestTimeout time.Duration
	// Maintenance enables periodic refresh. Nil disables it.
	Maintenance *MaintenanceConfig
	// Listen opens the transport. Defaults to ListenUDP.
	Listen ListenFunc
	// Clock drives timeouts. Defaults to the wall clock.
	Clock clock.Clock
}

type pendingRequest struct {
	addr   netip.AddrPort
	expect routing.KUID
	future *Future[*message]
	timer  *clock.Timer
}

// Node is a minimal Kademlia engine speaking PING/PONG and FIND_NODE/NODES
// over a Transport. It implements DHT.
type Node struct {
	config Config
	table  routing.RouteTable
	db     *Database
	clock  clock.Clock

	mu           sync.Mutex
	bindAddr     netip.AddrPort
	transport    transport.Transport
	running      bool
	bootstrapped bool
	filter       HostFilter
	pending      map[uint64]*pendingRequest
	nextID       uint64
	maintainer   *Maintainer
}

// NewNode creates a stopped node.
func NewNode(config Config) *Node {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.K <= 0 {
		config.K = routing.DefaultK
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.Listen == nil {
		config.Listen = ListenUDP
	}
	if config.Name == "" {
		config.Name = "kadnode"
	}

	table := config.RouteTable
	if table == nil {
		id := config.LocalID
		if id.IsZero() {
			id = routing.RandomKUID()
		}
		local := routing.NewContact(id, netip.AddrPort{}, config.Clock.Now())
		local.Firewalled = config.Firewalled
		table = routing.NewTable(local, &routing.TableConfig{K: config.K, Clock: config.Clock})
	}

	return &Node{
		config:  config,
		table:   table,
		db:      NewDatabase(),
		clock:   config.Clock,
		pending: make(map[uint64]*pendingRequest),
	}
}

// Name returns the configured node name.
func (n *Node) Name() string { return n.config.Name }

// RouteTable returns the node's contact storage.
func (n *Node) RouteTable() routing.RouteTable { return n.table }

// LocalNodeID returns the local node ID.
func (n *Node) LocalNodeID() routing.KUID { return n.table.LocalNode().ID }

// Database returns the local value store.
func (n *Node) Database() *Database { return n.db }

// IsFirewalled reports whether the local contact is firewalled.
func (n *Node) IsFirewalled() bool { return n.config.Firewalled }

// SetHostFilter installs a filter consulted for every inbound and outbound
// packet. Nil allows everything.
func (n *Node) SetHostFilter(filter HostFilter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = filter
}

// Bind sets the local address used by Start.
func (n *Node) Bind(addr netip.AddrPort) error {
	if !addr.Addr().IsValid() {
		return fmt.Errorf("%w: bind address %s", ErrInvalidArgument, addr)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrAlreadyRunning
	}
	n.bindAddr = addr
	return nil
}

// Start opens the transport and begins serving requests.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return ErrAlreadyRunning
	}
	if !n.bindAddr.IsValid() {
		return ErrNotBound
	}

	tr, err := n.config.Listen(n.bindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.bindAddr, err)
	}

	tr.RegisterHandler(transport.PacketPing, n.handlePing)
	tr.RegisterHandler(transport.PacketFindNode, n.handleFindNode)
	tr.RegisterHandler(transport.PacketPong, n.handleResponse)
	tr.RegisterHandler(transport.PacketNodes, n.handleResponse)

	n.transport = tr
	n.running = true
	n.table.SetLocalAddr(tr.LocalAddr())

	if n.config.Maintenance != nil {
		n.maintainer = NewMaintainer(n, n.config.Maintenance)
		n.maintainer.Start()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Start",
		"node":       n.config.Name,
		"local":      tr.LocalAddr().String(),
		"id":         n.LocalNodeID().String(),
		"firewalled": n.config.Firewalled,
	}).Info("DHT node started")

	return nil
}

// Close stops the node. Pending requests fail with ErrClosed.
func (n *Node) Close() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.bootstrapped = false
	tr := n.transport
	n.transport = nil
	maintainer := n.maintainer
	n.maintainer = nil
	pending := n.pending
	n.pending = make(map[uint64]*pendingRequest)
	n.mu.Unlock()

	if maintainer != nil {
		maintainer.Stop()
	}
	err := tr.Close()

	for _, req := range pending {
		req.timer.Stop()
		req.future.Fail(ErrClosed)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"node":     n.config.Name,
		"pending":  len(pending),
	}).Info("DHT node stopped")

	return err
}

// IsRunning reports whether the node is serving requests.
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// IsBootstrapped reports whether a bootstrap has succeeded since Start.
func (n *Node) IsBootstrapped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bootstrapped
}

// Ping sends a PING to addr.
func (n *Node) Ping(addr netip.AddrPort) *Future[PingResult] {
	return n.ping(addr, routing.KUID{})
}

func (n *Node) pingContact(c *routing.Contact) *Future[PingResult] {
	return n.ping(c.Addr, c.ID)
}

func (n *Node) ping(addr netip.AddrPort, expect routing.KUID) *Future[PingResult] {
	out := NewFuture[PingResult]()
	start := n.clock.Now()

	req := n.request(transport.PacketPing, addr, &message{}, expect)
	out.OnCancel(func() { req.Cancel() })
	req.OnComplete(func(m *message, err error) {
		if err != nil {
			out.Fail(err)
			return
		}
		out.Complete(PingResult{Contact: m.Sender, RTT: n.clock.Since(start)})
	})
	return out
}

// FindActiveContact pings the route table contacts most recently seen first
// and completes with the first that answers. It fails with ErrNoContacts when
// the table is empty or nobody answers.
func (n *Node) FindActiveContact() *Future[PingResult] {
	var candidates []*routing.Contact
	for _, c := range n.table.ActiveContacts() {
		if !n.table.IsLocalNode(c) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return Failed[PingResult](ErrNoContacts)
	}
	candidates = routing.SortMRS(candidates, 0)

	out := NewFuture[PingResult]()
	go func() {
		for _, c := range candidates {
			ping := n.pingContact(c)
			select {
			case <-out.Done():
				ping.Cancel()
				return
			case <-ping.Done():
			}
			if res, err := ping.Wait(context.Background()); err == nil {
				out.Complete(res)
				return
			}
		}
		out.Fail(ErrNoContacts)
	}()
	return out
}

// Bootstrap asks c for the contacts closest to the local node and pings
// every contact returned. The node is bootstrapped once c answers.
func (n *Node) Bootstrap(c *routing.Contact) *Future[BootstrapResult] {
	if c == nil {
		return Failed[BootstrapResult](fmt.Errorf("%w: nil contact", ErrInvalidArgument))
	}

	out := NewFuture[BootstrapResult]()
	start := n.clock.Now()

	req := n.request(transport.PacketFindNode, c.Addr, &message{Target: n.LocalNodeID()}, c.ID)
	out.OnCancel(func() { req.Cancel() })
	req.OnComplete(func(m *message, err error) {
		if err != nil {
			out.Fail(err)
			return
		}
		if m.Sender.Firewalled {
			out.Complete(BootstrapResult{Contact: m.Sender, Type: BootstrapFailed, Duration: n.clock.Since(start)})
			return
		}

		found := n.pingAll(out, m.Contacts)
		if out.IsDone() {
			return
		}

		n.mu.Lock()
		n.bootstrapped = n.running
		n.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Bootstrap",
			"node":     n.config.Name,
			"via":      m.Sender.String(),
			"found":    found,
		}).Info("Bootstrap complete")

		out.Complete(BootstrapResult{
			Contact:  m.Sender,
			Type:     BootstrapSucceeded,
			Duration: n.clock.Since(start),
			Found:    found,
		})
	})
	return out
}

// pingAll pings contacts concurrently and returns how many answered. The
// pings are cancelled if parent completes first.
func (n *Node) pingAll(parent *Future[BootstrapResult], contacts []*routing.Contact) int {
	var pings []*Future[PingResult]
	for _, c := range contacts {
		if n.table.IsLocalNode(c) || c.Firewalled {
			continue
		}
		pings = append(pings, n.pingContact(c))
	}
	parent.OnCancel(func() {
		for _, p := range pings {
			p.Cancel()
		}
	})

	found := 0
	for _, p := range pings {
		if _, err := p.Wait(context.Background()); err == nil {
			found++
		}
	}
	return found
}

func (n *Node) request(typ transport.PacketType, addr netip.AddrPort, msg *message, expect routing.KUID) *Future[*message] {
	if !addr.IsValid() || addr.Port() == 0 {
		return Failed[*message](fmt.Errorf("%w: address %s", ErrInvalidArgument, addr))
	}

	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return Failed[*message](ErrClosed)
	}
	if n.filter != nil && !n.filter(addr) {
		n.mu.Unlock()
		return Failed[*message](fmt.Errorf("%w: %s rejected by host filter", ErrUnreachable, addr))
	}

	n.nextID++
	id := n.nextID
	f := NewFuture[*message]()
	n.pending[id] = &pendingRequest{
		addr:   addr,
		expect: expect,
		future: f,
		timer:  n.clock.AfterFunc(n.config.RequestTimeout, func() { n.expire(id) }),
	}
	tr := n.transport
	n.mu.Unlock()

	f.OnCancel(func() { n.removePending(id) })

	msg.RequestID = id
	msg.Sender = n.table.LocalNode()
	if err := tr.Send(&transport.Packet{PacketType: typ, Data: msg.marshal()}, addr); err != nil {
		n.removePending(id)
		f.Fail(fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	return f
}

func (n *Node) removePending(id uint64) *pendingRequest {
	n.mu.Lock()
	defer n.mu.Unlock()

	req, ok := n.pending[id]
	if !ok {
		return nil
	}
	delete(n.pending, id)
	req.timer.Stop()
	return req
}

func (n *Node) expire(id uint64) {
	req := n.removePending(id)
	if req == nil {
		return
	}
	if !req.expect.IsZero() {
		n.table.HandleFailure(req.expect, req.addr)
	}
	req.future.Fail(fmt.Errorf("%w: %s", ErrTimeout, req.addr))
}

func (n *Node) allowed(addr netip.AddrPort) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running && (n.filter == nil || n.filter(addr))
}

func (n *Node) reply(typ transport.PacketType, to netip.AddrPort, msg *message) error {
	n.mu.Lock()
	tr := n.transport
	n.mu.Unlock()
	if tr == nil {
		return ErrClosed
	}

	msg.Sender = n.table.LocalNode()
	return tr.Send(&transport.Packet{PacketType: typ, Data: msg.marshal()}, to)
}

// learn adds the sender of a packet received from addr to the route table.
func (n *Node) learn(sender *routing.Contact, from netip.AddrPort) {
	if sender.Firewalled || n.table.IsLocalNode(sender) {
		return
	}
	c := sender.Clone()
	c.Addr = from
	c.Timestamp = n.clock.Now()
	c.State = routing.StateAlive
	c.Failures = 0
	c.Priority = false
	n.table.Add(c)
}

func (n *Node) handlePing(p *transport.Packet, from netip.AddrPort) error {
	if !n.allowed(from) {
		return nil
	}
	m, err := unmarshalMessage(p.Data)
	if err != nil {
		return err
	}

	n.learn(m.Sender, from)
	return n.reply(transport.PacketPong, from, &message{RequestID: m.RequestID})
}

func (n *Node) handleFindNode(p *transport.Packet, from netip.AddrPort) error {
	if !n.allowed(from) {
		return nil
	}
	m, err := unmarshalMessage(p.Data)
	if err != nil {
		return err
	}

	var contacts []*routing.Contact
	for _, c := range n.table.SelectN(m.Target, n.config.K+2) {
		if c.ID != m.Sender.ID && !n.table.IsLocalNode(c) && len(contacts) < n.config.K {
			contacts = append(contacts, c)
		}
	}

	n.learn(m.Sender, from)
	return n.reply(transport.PacketNodes, from, &message{RequestID: m.RequestID, Contacts: contacts})
}

func (n *Node) handleResponse(p *transport.Packet, from netip.AddrPort) error {
	if !n.allowed(from) {
		return nil
	}
	m, err := unmarshalMessage(p.Data)
	if err != nil {
		return err
	}

	n.mu.Lock()
	req, ok := n.pending[m.RequestID]
	if ok && req.addr != from {
		ok = false
	}
	if ok {
		delete(n.pending, m.RequestID)
		req.timer.Stop()
	}
	n.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":   "handleResponse",
			"node":       n.config.Name,
			"from":       from.String(),
			"request_id": m.RequestID,
		}).Debug("Dropping unsolicited response")
		return nil
	}

	n.learn(m.Sender, from)
	m.Sender.Addr = from
	req.future.Complete(m)
	return nil
}

var _ DHT = (*Node)(nil)
