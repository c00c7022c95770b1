package dht

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/kadnode/engine"
	"github.com/opd-ai/kadnode/routing"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func addrN(n int) netip.AddrPort {
	return netip.MustParseAddrPort(fmt.Sprintf("10.0.%d.%d:6346", n/256, n%256))
}

func idWithPrefix(b byte, n int) routing.KUID {
	var id routing.KUID
	id[0] = b
	id[routing.KUIDLength-1] = byte(n)
	return id
}

func newMockClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return mock
}

type pingCall struct {
	addr   netip.AddrPort
	future *engine.Future[engine.PingResult]
}

type bootstrapCall struct {
	contact *routing.Contact
	future  *engine.Future[engine.BootstrapResult]
}

// fakeDHT is an engine whose futures are completed by the test.
type fakeDHT struct {
	name  string
	table routing.RouteTable
	db    *engine.Database

	mu           sync.Mutex
	running      bool
	bootstrapped bool
	bindAddr     netip.AddrPort
	startErr     error
	filter       engine.HostFilter
	pings        []pingCall
	finds        []*engine.Future[engine.PingResult]
	bootstraps   []bootstrapCall
	starts       int
	closes       int
}

func newFakeDHT(name string, table routing.RouteTable) *fakeDHT {
	if table == nil {
		local := routing.NewContact(idWithPrefix(0x00, 0), netip.AddrPort{}, time.Now())
		table = routing.NewTable(local, nil)
	}
	return &fakeDHT{name: name, table: table, db: engine.NewDatabase()}
}

func (d *fakeDHT) Name() string { return d.name }

func (d *fakeDHT) Bind(addr netip.AddrPort) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindAddr = addr
	return nil
}

func (d *fakeDHT) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.running = true
	d.starts++
	d.table.SetLocalAddr(d.bindAddr)
	return nil
}

func (d *fakeDHT) Close() error {
	d.mu.Lock()
	d.running = false
	d.bootstrapped = false
	d.closes++
	pings := d.pings
	finds := d.finds
	bootstraps := d.bootstraps
	d.mu.Unlock()

	for _, p := range pings {
		p.future.Fail(engine.ErrClosed)
	}
	for _, f := range finds {
		f.Fail(engine.ErrClosed)
	}
	for _, b := range bootstraps {
		b.future.Fail(engine.ErrClosed)
	}
	return nil
}

func (d *fakeDHT) Ping(addr netip.AddrPort) *engine.Future[engine.PingResult] {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := engine.NewFuture[engine.PingResult]()
	d.pings = append(d.pings, pingCall{addr: addr, future: f})
	return f
}

func (d *fakeDHT) FindActiveContact() *engine.Future[engine.PingResult] {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := engine.NewFuture[engine.PingResult]()
	d.finds = append(d.finds, f)
	return f
}

func (d *fakeDHT) Bootstrap(c *routing.Contact) *engine.Future[engine.BootstrapResult] {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := engine.NewFuture[engine.BootstrapResult]()
	d.bootstraps = append(d.bootstraps, bootstrapCall{contact: c, future: f})
	return f
}

func (d *fakeDHT) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *fakeDHT) IsBootstrapped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bootstrapped
}

func (d *fakeDHT) IsFirewalled() bool { return d.table.LocalNode().Firewalled }

func (d *fakeDHT) RouteTable() routing.RouteTable { return d.table }

func (d *fakeDHT) LocalNodeID() routing.KUID { return d.table.LocalNode().ID }

func (d *fakeDHT) Database() *engine.Database { return d.db }

func (d *fakeDHT) SetHostFilter(filter engine.HostFilter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter = filter
}

func (d *fakeDHT) setRunning(running bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = running
}

func (d *fakeDHT) pingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pings)
}

func (d *fakeDHT) ping(i int) pingCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pings[i]
}

func (d *fakeDHT) findCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.finds)
}

func (d *fakeDHT) find(i int) *engine.Future[engine.PingResult] {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finds[i]
}

func (d *fakeDHT) bootstrapCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bootstraps)
}

func (d *fakeDHT) bootstrapCall(i int) bootstrapCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bootstraps[i]
}

// completeBootstrap resolves bootstrap i, marking the engine bootstrapped
// first on success as a real engine does.
func (d *fakeDHT) completeBootstrap(i int, typ engine.BootstrapType) {
	call := d.bootstrapCall(i)
	if typ == engine.BootstrapSucceeded {
		d.mu.Lock()
		d.bootstrapped = true
		d.mu.Unlock()
	}
	call.future.Complete(engine.BootstrapResult{Contact: call.contact, Type: typ})
}

// fakeEngines records the engines created through an EngineFactory.
type fakeEngines struct {
	mu      sync.Mutex
	engines []*fakeDHT
}

func (f *fakeEngines) factory(config EngineConfig) engine.DHT {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := newFakeDHT(config.Name, config.Table)
	f.engines = append(f.engines, d)
	return d
}

func (f *fakeEngines) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *fakeEngines) last() *fakeDHT {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

// fakeFetcher records the bootstrapper's calls.
type fakeFetcher struct {
	sink HostSink

	mu       sync.Mutex
	running  bool
	starts   int
	stops    int
	requests []netip.AddrPort
}

func (f *fakeFetcher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.starts++
}

func (f *fakeFetcher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
}

func (f *fakeFetcher) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeFetcher) RequestHost(addr netip.AddrPort) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, addr)
}

func (f *fakeFetcher) requested() []netip.AddrPort {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netip.AddrPort(nil), f.requests...)
}

// fakeFetchers is a FetcherFactory keeping every fetcher it created.
type fakeFetchers struct {
	mu       sync.Mutex
	fetchers []*fakeFetcher
}

func (f *fakeFetchers) factory(sink HostSink) Fetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff := &fakeFetcher{sink: sink}
	f.fetchers = append(f.fetchers, ff)
	return ff
}

func (f *fakeFetchers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetchers)
}

func (f *fakeFetchers) last() *fakeFetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fetchers) == 0 {
		return nil
	}
	return f.fetchers[len(f.fetchers)-1]
}

// fakeHost is a scriptable host network.
type fakeHost struct {
	mu           sync.Mutex
	connected    bool
	supernode    bool
	hosts        []Endpoint
	leaves       []netip.AddrPort
	probes       []*Probe
	sendErr      error
	capabilities []Capabilities
	announced    int
	forwarded    map[netip.AddrPort][][]*routing.Contact
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		connected: true,
		forwarded: make(map[netip.AddrPort][][]*routing.Contact),
	}
}

func (h *fakeHost) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *fakeHost) setConnected(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = connected
}

func (h *fakeHost) DHTHosts() []Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Endpoint(nil), h.hosts...)
}

func (h *fakeHost) setHosts(hosts ...Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hosts = hosts
}

func (h *fakeHost) Send(p *Probe) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.probes = append(h.probes, p)
	return nil
}

func (h *fakeHost) sentProbes() []*Probe {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Probe(nil), h.probes...)
}

func (h *fakeHost) IsActiveSupernode() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.supernode
}

func (h *fakeHost) Allow(netip.AddrPort) bool { return true }

func (h *fakeHost) UpdateCapabilities(c Capabilities) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.capabilities = append(h.capabilities, c)
}

func (h *fakeHost) lastCapabilities() Capabilities {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.capabilities) == 0 {
		return Capabilities{}
	}
	return h.capabilities[len(h.capabilities)-1]
}

func (h *fakeHost) SendUpdatedCapabilities() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.announced++
}

func (h *fakeHost) announcements() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.announced
}

func (h *fakeHost) PassiveLeaves() []netip.AddrPort {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]netip.AddrPort(nil), h.leaves...)
}

func (h *fakeHost) SendContacts(to netip.AddrPort, contacts []*routing.Contact) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forwarded[to] = append(h.forwarded[to], contacts)
	return nil
}

func (h *fakeHost) forwardedTo(addr netip.AddrPort) [][]*routing.Contact {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]*routing.Contact(nil), h.forwarded[addr]...)
}

// recordingDispatcher keeps dispatched events in order.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingDispatcher) dispatch(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingDispatcher) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// recordingListener is an EventListener keeping events in order.
type recordingListener struct {
	recordingDispatcher
}

func (l *recordingListener) HandleDHTEvent(e Event) { l.dispatch(e) }

// testOptions returns options wired to fake engines and a mock clock.
func testOptions(t *testing.T) (*Options, *fakeEngines, *clock.Mock) {
	t.Helper()
	engines := &fakeEngines{}
	mock := newMockClock()
	opts := NewOptions()
	opts.ListenAddr = netip.MustParseAddrPort("127.0.0.1:6346")
	opts.DataDir = t.TempDir()
	opts.FallbackHosts = nil
	opts.Clock = mock
	opts.NewEngine = engines.factory
	return opts, engines, mock
}

func requireEventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitFor, tick, msg)
}
