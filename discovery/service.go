package discovery

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/opd-ai/kadnode/dht"
	"github.com/opd-ai/kadnode/limits"
	"github.com/opd-ai/kadnode/routing"
	"github.com/opd-ai/kadnode/transport"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var (
	// ErrNoTransport is returned by New without a transport.
	ErrNoTransport = errors.New("discovery: no transport")
	// ErrNotRunning is returned when sending through a stopped service.
	ErrNotRunning = errors.New("discovery: service not running")
	// ErrNoHosts is returned for a broadcast probe with nobody to send to.
	ErrNoHosts = errors.New("discovery: no hosts to probe")
)

// Config configures a Service.
type Config struct {
	Transport transport.Transport
	// Seeds are announced to on Start.
	Seeds []netip.AddrPort
	// BroadcastAddr also receives untargeted probes. Invalid disables it.
	BroadcastAddr netip.AddrPort
	// Supernode makes the node serve passive leaves.
	Supernode bool
	// Blocked addresses are refused by Allow.
	Blocked []netip.Prefix

	// CacheSize bounds the host cache.
	CacheSize int
	// HostTTL forgets hosts not heard from for this long.
	HostTTL time.Duration
	// AnnounceInterval re-announces the local capabilities to every host.
	AnnounceInterval time.Duration
	// ProbeExpiry bounds probes sent without an expiry.
	ProbeExpiry time.Duration
	// PollInterval is the period of the expiry sweep and of probe
	// cancellation polling.
	PollInterval time.Duration
	Clock        clock.Clock
}

func (c *Config) setDefaults() {
	if c.CacheSize <= 0 {
		c.CacheSize = 256
	}
	if c.HostTTL <= 0 {
		c.HostTTL = 10 * time.Minute
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = c.HostTTL / 3
	}
	if c.ProbeExpiry <= 0 {
		c.ProbeExpiry = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

type host struct {
	endpoint dht.Endpoint
	member   bool
	seen     time.Time
}

type pendingProbe struct {
	probe    *dht.Probe
	deadline time.Time
	single   bool
}

// Service is the host network seen by the DHT. Hosts announce their DHT
// capabilities to each other and answer probes with the DHT capable hosts
// they know. Service implements dht.Host.
type Service struct {
	config Config
	tr     transport.Transport

	mu           sync.Mutex
	hosts        *simplelru.LRU[netip.AddrPort, *host]
	evicted      []dht.Endpoint
	caps         dht.Capabilities
	probes       map[uuid.UUID]*pendingProbe
	running      bool
	stop         chan struct{}
	lastAnnounce time.Time

	onConnection func(dht.ConnectionEvent)
	onContacts   func([]*routing.Contact)

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ dht.Host = (*Service)(nil)

// New creates a stopped service over config.Transport.
func New(config Config) (*Service, error) {
	if config.Transport == nil {
		return nil, ErrNoTransport
	}
	config.setDefaults()

	s := &Service{
		config: config,
		tr:     config.Transport,
		probes: make(map[uuid.UUID]*pendingProbe),
	}
	hosts, err := simplelru.NewLRU[netip.AddrPort, *host](config.CacheSize, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create host cache: %w", err)
	}
	s.hosts = hosts
	return s, nil
}

// onEvict runs under s.mu for every host leaving the cache.
func (s *Service) onEvict(_ netip.AddrPort, h *host) {
	s.evicted = append(s.evicted, h.endpoint)
}

// SetConnectionHandler installs the receiver of connection events.
func (s *Service) SetConnectionHandler(fn func(dht.ConnectionEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnection = fn
}

// SetContactsHandler installs the receiver of contacts forwarded by a
// supernode.
func (s *Service) SetContactsHandler(fn func([]*routing.Contact)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onContacts = fn
}

// Start registers the packet handlers, announces to the seeds and starts
// the expiry sweep. It does nothing when already running.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stop = make(chan struct{})
	s.lastAnnounce = s.config.Clock.Now()
	ticker := s.config.Clock.Ticker(s.config.PollInterval)
	s.wg.Add(1)
	go s.loop(ticker, s.stop)
	s.mu.Unlock()

	for _, typ := range []transport.PacketType{
		transport.PacketProbe,
		transport.PacketProbeReply,
		transport.PacketAnnounce,
		transport.PacketContacts,
	} {
		s.tr.RegisterHandler(typ, s.handlePacket)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"local":    s.tr.LocalAddr().String(),
		"seeds":    len(s.config.Seeds),
	}).Info("Host discovery started")

	for _, seed := range s.config.Seeds {
		s.AddHost(seed)
	}
	return nil
}

// Close stops the service, abandons outstanding probes and closes the
// transport. A closed service cannot be restarted.
func (s *Service) Close() error {
	s.mu.Lock()
	wasRunning := s.running
	if wasRunning {
		s.running = false
		close(s.stop)
	}
	probes := s.probes
	s.probes = make(map[uuid.UUID]*pendingProbe)
	s.mu.Unlock()

	s.wg.Wait()
	for _, p := range probes {
		if p.probe.OnDone != nil {
			p.probe.OnDone()
		}
	}

	var err error
	s.closeOnce.Do(func() {
		err = s.tr.Close()
		if wasRunning {
			logrus.WithFields(logrus.Fields{
				"function": "Close",
			}).Info("Host discovery stopped")
		}
	})
	return err
}

// AddHost announces the local capabilities to addr. The host is cached
// once it answers.
func (s *Service) AddHost(addr netip.AddrPort) {
	if !addr.IsValid() {
		return
	}
	if err := s.send(transport.PacketAnnounce, s.localMessage(uuid.Nil), addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AddHost",
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to announce to host")
	}
}

// Hosts returns every cached host, most recently seen first.
func (s *Service) Hosts() []dht.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpointsLocked()
}

func (s *Service) endpointsLocked() []dht.Endpoint {
	values := s.hosts.Values()
	out := make([]dht.Endpoint, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		out = append(out, values[i].endpoint)
	}
	return out
}

// IsConnected reports whether any host is known.
func (s *Service) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.hosts.Len() > 0
}

// DHTHosts returns the hosts running a DHT node, active ones first and
// most recently seen first within a mode.
func (s *Service) DHTHosts() []dht.Endpoint {
	s.mu.Lock()
	all := s.endpointsLocked()
	s.mu.Unlock()

	out := make([]dht.Endpoint, 0, len(all))
	for _, e := range all {
		if e.Mode != dht.ModeInactive {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b dht.Endpoint) int {
		aActive, bActive := a.Mode == dht.ModeActive, b.Mode == dht.ModeActive
		switch {
		case aActive && !bActive:
			return -1
		case bActive && !aActive:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Send sends p to its targets, or to every known host and the broadcast
// address when it has none.
func (s *Service) Send(p *dht.Probe) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	targets := p.Targets
	if len(targets) == 0 {
		for _, e := range s.endpointsLocked() {
			targets = append(targets, e.Addr)
		}
		if s.config.BroadcastAddr.IsValid() {
			targets = append(targets, s.config.BroadcastAddr)
		}
	}
	if len(targets) == 0 {
		s.mu.Unlock()
		return ErrNoHosts
	}

	expiry := p.Expiry
	if expiry <= 0 {
		expiry = s.config.ProbeExpiry
	}
	guid := uuid.New()
	s.probes[guid] = &pendingProbe{
		probe:    p,
		deadline: s.config.Clock.Now().Add(expiry),
		single:   len(p.Targets) == 1,
	}
	s.mu.Unlock()

	msg := s.localMessage(guid)
	var err error
	sent := 0
	for _, to := range targets {
		if sendErr := s.send(transport.PacketProbe, msg, to); sendErr != nil {
			err = multierr.Append(err, fmt.Errorf("probe %s: %w", to, sendErr))
			continue
		}
		sent++
	}

	logrus.WithFields(logrus.Fields{
		"function": "Send",
		"guid":     guid.String(),
		"targets":  len(targets),
		"sent":     sent,
	}).Debug("Sent DHT host probe")

	if sent == 0 {
		s.mu.Lock()
		delete(s.probes, guid)
		s.mu.Unlock()
		return err
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"guid":     guid.String(),
			"error":    err.Error(),
		}).Warn("Probe partially sent")
	}
	return nil
}

// IsActiveSupernode reports whether the node serves passive leaves.
func (s *Service) IsActiveSupernode() bool {
	return s.config.Supernode
}

// Allow refuses invalid and blocked addresses.
func (s *Service) Allow(addr netip.AddrPort) bool {
	if !addr.IsValid() {
		return false
	}
	ip := addr.Addr().Unmap()
	for _, p := range s.config.Blocked {
		if p.Contains(ip) {
			return false
		}
	}
	return true
}

// UpdateCapabilities records what the node advertises.
func (s *Service) UpdateCapabilities(c dht.Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = c
}

// Capabilities returns what the node advertises.
func (s *Service) Capabilities() dht.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// SendUpdatedCapabilities announces the local capabilities to every known
// host.
func (s *Service) SendUpdatedCapabilities() {
	s.mu.Lock()
	hosts := s.endpointsLocked()
	s.lastAnnounce = s.config.Clock.Now()
	s.mu.Unlock()

	s.announce(hosts)
}

func (s *Service) announce(hosts []dht.Endpoint) {
	msg := s.localMessage(uuid.Nil)
	for _, h := range hosts {
		if err := s.send(transport.PacketAnnounce, msg, h.Addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "announce",
				"addr":     h.Addr.String(),
				"error":    err.Error(),
			}).Debug("Failed to announce capabilities")
		}
	}
}

// PassiveLeaves returns the known hosts running a passive leaf DHT node.
func (s *Service) PassiveLeaves() []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []netip.AddrPort
	for _, e := range s.endpointsLocked() {
		if e.Mode == dht.ModePassiveLeaf {
			out = append(out, e.Addr)
		}
	}
	return out
}

// SendContacts forwards contacts to the host at to.
func (s *Service) SendContacts(to netip.AddrPort, contacts []*routing.Contact) error {
	msg := s.localMessage(uuid.Nil)
	msg.Contacts = contacts
	return s.send(transport.PacketContacts, msg, to)
}

func (s *Service) localMessage(guid uuid.UUID) *message {
	caps := s.Capabilities()
	return &message{
		GUID:    guid,
		Mode:    caps.Mode,
		Member:  caps.Member,
		DHTAddr: caps.DHTAddr,
	}
}

func (s *Service) send(typ transport.PacketType, msg *message, to netip.AddrPort) error {
	return s.tr.Send(&transport.Packet{PacketType: typ, Data: msg.marshal()}, to)
}

func (s *Service) handlePacket(p *transport.Packet, from netip.AddrPort) error {
	if !s.Allow(from) {
		return nil
	}
	msg, err := unmarshalMessage(p.Data)
	if err != nil {
		return fmt.Errorf("%s from %s: %w", p.PacketType, from, err)
	}

	isNew := s.learn(from, msg)

	switch p.PacketType {
	case transport.PacketAnnounce:
		if isNew {
			// Introduce ourselves so the new host caches us too.
			s.AddHost(from)
		}
	case transport.PacketProbe:
		s.answerProbe(from, msg)
	case transport.PacketProbeReply:
		s.handleReply(from, msg)
	case transport.PacketContacts:
		s.mu.Lock()
		fn := s.onContacts
		s.mu.Unlock()
		if fn != nil && len(msg.Contacts) > 0 {
			fn(msg.Contacts)
		}
	}
	return nil
}

// learn caches the sender and reports whether it was unknown.
func (s *Service) learn(from netip.AddrPort, msg *message) bool {
	endpoint := dht.Endpoint{Addr: from, DHTAddr: msg.DHTAddr, Mode: msg.Mode}

	s.mu.Lock()
	old, known := s.hosts.Get(from)
	changed := !known || old.endpoint != endpoint || old.member != msg.Member
	s.hosts.Add(from, &host{
		endpoint: endpoint,
		member:   msg.Member,
		seen:     s.config.Clock.Now(),
	})
	events := s.takeEvictedLocked()
	if changed {
		events = append(events, dht.ConnectionEvent{Type: dht.ConnectionCapabilities, Peer: endpoint})
	}
	s.mu.Unlock()

	s.emit(events)
	return !known
}

func (s *Service) answerProbe(from netip.AddrPort, msg *message) {
	caps := s.Capabilities()

	var endpoints []netip.AddrPort
	if caps.Member && caps.DHTAddr.IsValid() {
		endpoints = append(endpoints, caps.DHTAddr)
	}
	for _, e := range s.DHTHosts() {
		if len(endpoints) >= limits.MaxContactsPerPacket {
			break
		}
		if e.Mode != dht.ModeActive || e.Addr == from {
			continue
		}
		if addr := e.DHTAddr; addr.IsValid() {
			endpoints = append(endpoints, addr)
		} else {
			endpoints = append(endpoints, e.Addr)
		}
	}

	reply := s.localMessage(msg.GUID)
	reply.Endpoints = endpoints
	if err := s.send(transport.PacketProbeReply, reply, from); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "answerProbe",
			"to":       from.String(),
			"error":    err.Error(),
		}).Debug("Failed to answer probe")
	}
}

func (s *Service) handleReply(from netip.AddrPort, msg *message) {
	s.mu.Lock()
	pending, ok := s.probes[msg.GUID]
	if ok && pending.single {
		delete(s.probes, msg.GUID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "handleReply",
		"from":      from.String(),
		"guid":      msg.GUID.String(),
		"endpoints": len(msg.Endpoints),
	}).Debug("Received probe reply")

	if pending.probe.OnReply != nil {
		pending.probe.OnReply(from, msg.Endpoints)
	}
	if pending.single && pending.probe.OnDone != nil {
		pending.probe.OnDone()
	}
}

func (s *Service) loop(ticker *clock.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep forgets silent hosts, retires expired or cancelled probes and
// re-announces when due.
func (s *Service) sweep() {
	now := s.config.Clock.Now()

	s.mu.Lock()
	wasConnected := s.hosts.Len() > 0
	for _, addr := range s.hosts.Keys() {
		if h, ok := s.hosts.Peek(addr); ok && now.Sub(h.seen) > s.config.HostTTL {
			s.hosts.Remove(addr)
		}
	}
	events := s.takeEvictedLocked()
	if wasConnected && s.hosts.Len() == 0 {
		events = append(events, dht.ConnectionEvent{Type: dht.NetworkDisconnected})
	}

	var announceTo []dht.Endpoint
	if now.Sub(s.lastAnnounce) >= s.config.AnnounceInterval {
		s.lastAnnounce = now
		announceTo = s.endpointsLocked()
	}

	probes := make(map[uuid.UUID]*pendingProbe, len(s.probes))
	for guid, p := range s.probes {
		probes[guid] = p
	}
	s.mu.Unlock()

	s.emit(events)
	if len(announceTo) > 0 {
		s.announce(announceTo)
	}

	// Cancelled may call back into the service, so it runs unlocked.
	for guid, p := range probes {
		expired := !now.Before(p.deadline)
		if !expired && (p.probe.Cancelled == nil || !p.probe.Cancelled()) {
			continue
		}
		s.mu.Lock()
		_, still := s.probes[guid]
		delete(s.probes, guid)
		s.mu.Unlock()

		if !still {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "sweep",
			"guid":     guid.String(),
			"expired":  expired,
		}).Debug("Retiring probe")
		if p.probe.OnDone != nil {
			p.probe.OnDone()
		}
	}
}

func (s *Service) takeEvictedLocked() []dht.ConnectionEvent {
	if len(s.evicted) == 0 {
		return nil
	}
	events := make([]dht.ConnectionEvent, 0, len(s.evicted))
	for _, e := range s.evicted {
		events = append(events, dht.ConnectionEvent{Type: dht.ConnectionClosed, Peer: e})
	}
	s.evicted = nil
	return events
}

func (s *Service) emit(events []dht.ConnectionEvent) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	fn := s.onConnection
	s.mu.Unlock()
	if fn == nil {
		return
	}
	for _, e := range events {
		fn(e)
	}
}
