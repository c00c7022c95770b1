package dht

import (
	"net/netip"
	"sync"

	"github.com/opd-ai/kadnode/engine"
	"github.com/opd-ai/kadnode/routing"
	"github.com/sirupsen/logrus"
)

// BootstrapState is the phase of a Bootstrapper.
type BootstrapState uint8

const (
	StateIdle BootstrapState = iota
	StatePingingFromRouteTable
	StatePingingFromHostSet
	StateBootstrapping
)

func (s BootstrapState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePingingFromRouteTable:
		return "pinging_route_table"
	case StatePingingFromHostSet:
		return "pinging_host_set"
	case StateBootstrapping:
		return "bootstrapping"
	default:
		return "unknown"
	}
}

// HostSink receives bootstrap host candidates.
type HostSink interface {
	AddBootstrapHost(addr netip.AddrPort)
}

// Fetcher finds bootstrap hosts through the host network. Stop must not
// block on work that calls back into the HostSink.
type Fetcher interface {
	Start()
	Stop()
	IsRunning() bool
	RequestHost(addr netip.AddrPort)
}

// FetcherFactory creates the fetcher feeding sink.
type FetcherFactory func(sink HostSink) Fetcher

// BootstrapperConfig configures a Bootstrapper.
type BootstrapperConfig struct {
	// HostSetSize bounds the host set. Defaults to 50.
	HostSetSize int
	// FallbackHosts are "ip:port" addresses tried after the route table.
	FallbackHosts []string
	// NewFetcher creates the node fetcher. Nil disables the last tier.
	NewFetcher FetcherFactory
	// OnBootstrapped runs once per successful bootstrap, without the
	// bootstrapper lock held.
	OnBootstrapped func()
	// Reporter receives unexpected engine errors.
	Reporter ErrorReporter
	Metrics  *Metrics
}

// Bootstrapper finds a first responsive contact and bootstraps the engine
// from it. Candidates come, in order, from the host set, the route table
// (once), a fallback host and finally the node fetcher.
//
// Every operation it starts is tagged with a generation number. A completion
// whose generation is no longer current is discarded, which makes
// cancellation racing with completion harmless.
type Bootstrapper struct {
	dht    engine.DHT
	config BootstrapperConfig

	mu              sync.Mutex
	hosts           *HostSet
	triedRouteTable bool
	fromRouteTable  bool
	generation      uint64
	ping            *engine.Future[engine.PingResult]
	pingGen         uint64
	pingSource      string
	bootstrap       *engine.Future[engine.BootstrapResult]
	bootstrapGen    uint64
	fetcher         Fetcher
}

// NewBootstrapper creates a bootstrapper driving dht.
func NewBootstrapper(dht engine.DHT, config BootstrapperConfig) *Bootstrapper {
	if config.HostSetSize <= 0 {
		config.HostSetSize = 50
	}
	if config.Reporter == nil {
		config.Reporter = logReporter{}
	}
	return &Bootstrapper{
		dht:    dht,
		config: config,
		hosts:  NewHostSet(config.HostSetSize),
	}
}

// Bootstrap runs the strategy from the top: the host set when it is not
// empty, the route table otherwise. It does nothing once bootstrapped.
func (b *Bootstrapper) Bootstrap() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bootstrapLocked()
}

func (b *Bootstrapper) bootstrapLocked() {
	if b.dht.IsBootstrapped() {
		return
	}
	if b.hosts.IsEmpty() {
		b.tryRouteTableLocked()
	} else {
		b.tryHostSetLocked()
	}
}

// AddBootstrapHost makes addr the newest host set candidate and tries it
// right away unless a bootstrap is already in flight. A route table ping in
// flight is cancelled in favour of the new candidate.
func (b *Bootstrapper) AddBootstrapHost(addr netip.AddrPort) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addHostLocked(addr)
}

func (b *Bootstrapper) addHostLocked(addr netip.AddrPort) {
	if !b.dht.IsRunning() || b.dht.IsBootstrapped() {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "AddBootstrapHost",
		"addr":     addr.String(),
	}).Debug("Adding bootstrap host")

	b.hosts.Add(addr)
	b.tryHostSetLocked()
}

// AddPassiveNode asks the node fetcher to probe addr while the bootstrapper
// waits for nodes.
func (b *Bootstrapper) AddPassiveNode(addr netip.AddrPort) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fetcher == nil || !b.isWaitingLocked() {
		return
	}
	b.fetcher.RequestHost(addr)
}

// Stop cancels the operations in flight, stops the node fetcher and resets
// the route table flags. The host set is kept.
func (b *Bootstrapper) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Bootstrapper) stopLocked() {
	b.cancelPingLocked()
	if b.bootstrap != nil {
		f := b.bootstrap
		b.bootstrap, b.bootstrapGen = nil, 0
		f.Cancel()
	}
	b.stopFetcherLocked()
	b.triedRouteTable = false
	b.fromRouteTable = false
}

// IsWaitingForNodes reports whether the engine is not bootstrapped and no
// bootstrap operation is in flight.
func (b *Bootstrapper) IsWaitingForNodes() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isWaitingLocked()
}

func (b *Bootstrapper) isWaitingLocked() bool {
	return !b.dht.IsBootstrapped() && b.bootstrap == nil
}

// State returns the current phase.
func (b *Bootstrapper) State() BootstrapState {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.bootstrap != nil:
		return StateBootstrapping
	case b.ping != nil && b.fromRouteTable:
		return StatePingingFromRouteTable
	case b.ping != nil:
		return StatePingingFromHostSet
	default:
		return StateIdle
	}
}

// Hosts returns the host set candidates, newest first.
func (b *Bootstrapper) Hosts() []netip.AddrPort {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hosts.Addrs()
}

// TriedRouteTable reports whether the route table was tried since the last
// Stop.
func (b *Bootstrapper) TriedRouteTable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.triedRouteTable
}

// FetcherRunning reports whether a node fetcher was started and not stopped.
func (b *Bootstrapper) FetcherRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetcher != nil
}

func (b *Bootstrapper) nextGeneration() uint64 {
	b.generation++
	return b.generation
}

func (b *Bootstrapper) tryRouteTableLocked() {
	if b.triedRouteTable {
		return
	}
	if b.ping != nil || b.bootstrap != nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "tryRouteTable",
		"dht":      b.dht.Name(),
	}).Debug("Bootstrapping from route table")

	b.startPingLocked(b.dht.FindActiveContact(), sourceRouteTable)
	b.triedRouteTable = true
	b.fromRouteTable = true
}

func (b *Bootstrapper) tryHostSetLocked() {
	if b.bootstrap != nil {
		return
	}

	// Fresh candidates beat stale route table contacts.
	if b.fromRouteTable {
		b.fromRouteTable = false
		if b.ping != nil {
			logrus.WithFields(logrus.Fields{
				"function": "tryHostSet",
				"dht":      b.dht.Name(),
			}).Debug("Cancelling route table ping for host set candidate")
			b.cancelPingLocked()
		}
	}

	if b.ping != nil {
		return
	}

	addr, ok := b.hosts.Pop()
	if !ok {
		return
	}
	b.startPingLocked(b.dht.Ping(addr), sourceHostSet)
}

func (b *Bootstrapper) tryFallbackLocked(addr netip.AddrPort) {
	if !b.dht.IsRunning() || b.dht.IsBootstrapped() {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "tryFallback",
		"addr":     addr.String(),
	}).Debug("Bootstrapping from fallback host")

	b.fromRouteTable = false
	b.startPingLocked(b.dht.Ping(addr), sourceFallback)
}

func (b *Bootstrapper) startPingLocked(f *engine.Future[engine.PingResult], source string) {
	gen := b.nextGeneration()
	b.ping, b.pingGen, b.pingSource = f, gen, source
	b.config.Metrics.pingSent(source)
	f.OnComplete(func(res engine.PingResult, err error) {
		b.onPing(gen, res, err)
	})
}

func (b *Bootstrapper) cancelPingLocked() {
	if b.ping == nil {
		return
	}
	f := b.ping
	b.ping, b.pingGen, b.pingSource = nil, 0, ""
	f.Cancel()
}

func (b *Bootstrapper) stopFetcherLocked() {
	if b.fetcher != nil {
		b.fetcher.Stop()
		b.fetcher = nil
	}
}

// retryLocked moves to the next source: the host set while it has
// candidates, the route table if it was not tried, then the node fetcher.
// The fetcher re-enters through AddBootstrapHost.
func (b *Bootstrapper) retryLocked() {
	if b.dht.IsBootstrapped() {
		return
	}
	switch {
	case !b.hosts.IsEmpty():
		b.tryHostSetLocked()
	case !b.triedRouteTable:
		b.tryRouteTableLocked()
	case b.fetcher == nil && b.config.NewFetcher != nil:
		logrus.WithFields(logrus.Fields{
			"function": "retry",
			"dht":      b.dht.Name(),
		}).Debug("Starting node fetcher")
		b.fetcher = b.config.NewFetcher(b)
		b.fetcher.Start()
	}
}

func (b *Bootstrapper) onPing(gen uint64, res engine.PingResult, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ping == nil || b.pingGen != gen {
		logrus.WithFields(logrus.Fields{
			"function":   "onPing",
			"generation": gen,
		}).Debug("Discarding stale ping completion")
		return
	}
	source := b.pingSource
	fromRouteTable := b.fromRouteTable
	b.ping, b.pingGen, b.pingSource = nil, 0, ""

	if err == nil {
		b.onPingSuccessLocked(res.Contact)
		return
	}

	b.config.Metrics.pingFailed(source)
	fields := logrus.Fields{
		"function": "onPing",
		"source":   source,
		"error":    err.Error(),
	}

	switch classify(err) {
	case classTransient:
		logrus.WithFields(fields).Debug("Bootstrap ping failed")
		b.fromRouteTable = false
		if fromRouteTable {
			if addr, ok := b.fallbackHost(); ok {
				b.tryFallbackLocked(addr)
				return
			}
		}
		b.retryLocked()
	case classInvalid:
		logrus.WithFields(fields).Error("Invalid bootstrap candidate")
	case classCancelled, classClosed:
		logrus.WithFields(fields).Debug("Bootstrap ping cancelled")
		b.stopLocked()
	default:
		b.config.Reporter.Report(err)
		b.stopLocked()
	}
}

func (b *Bootstrapper) onPingSuccessLocked(c *routing.Contact) {
	if c == nil {
		b.retryLocked()
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "onPing",
		"contact":  c.String(),
	}).Debug("Bootstrap candidate answered")

	// The candidate answered, the fetcher is no longer needed.
	b.stopFetcherLocked()

	gen := b.nextGeneration()
	f := b.dht.Bootstrap(c)
	b.bootstrap, b.bootstrapGen = f, gen
	f.OnComplete(func(res engine.BootstrapResult, err error) {
		b.onBootstrap(gen, res, err)
	})
}

func (b *Bootstrapper) onBootstrap(gen uint64, res engine.BootstrapResult, err error) {
	finished := false
	func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.bootstrap == nil || b.bootstrapGen != gen {
			return
		}
		b.bootstrap, b.bootstrapGen = nil, 0

		if err != nil {
			b.onBootstrapErrorLocked(err)
			return
		}

		logrus.WithFields(logrus.Fields{
			"function": "onBootstrap",
			"result":   res.Type.String(),
			"found":    res.Found,
			"duration": res.Duration,
		}).Debug("Bootstrap completed")
		b.config.Metrics.bootstrapDone(res.Type.String())

		switch res.Type {
		case engine.BootstrapSucceeded:
			finished = true
		case engine.BootstrapFailed:
			b.retryLocked()
		}
	}()

	if finished {
		logrus.WithFields(logrus.Fields{
			"function": "onBootstrap",
			"dht":      b.dht.Name(),
		}).Info("DHT bootstrapped")
		if b.config.OnBootstrapped != nil {
			b.config.OnBootstrapped()
		}
	}
}

func (b *Bootstrapper) onBootstrapErrorLocked(err error) {
	fields := logrus.Fields{
		"function": "onBootstrap",
		"error":    err.Error(),
	}
	switch classify(err) {
	case classTransient:
		logrus.WithFields(fields).Debug("Bootstrap failed")
		b.config.Metrics.bootstrapDone(engine.BootstrapFailed.String())
		b.retryLocked()
	case classInvalid:
		logrus.WithFields(fields).Error("Invalid bootstrap contact")
	case classCancelled, classClosed:
		logrus.WithFields(fields).Debug("Bootstrap cancelled")
		b.stopLocked()
	default:
		b.config.Reporter.Report(err)
		b.stopLocked()
	}
}

// fallbackHost returns the fallback host responsible for the key space of
// the local node ID. Unparseable entries are logged and skipped.
func (b *Bootstrapper) fallbackHost() (netip.AddrPort, bool) {
	return selectFallbackHost(b.config.FallbackHosts, b.dht.LocalNodeID())
}

func selectFallbackHost(hosts []string, local routing.KUID) (netip.AddrPort, bool) {
	list := make([]netip.AddrPort, 0, len(hosts))
	for _, h := range hosts {
		addr, err := netip.ParseAddrPort(h)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "selectFallbackHost",
				"host":     h,
				"error":    err.Error(),
			}).Error("Invalid fallback host")
			continue
		}
		list = append(list, addr)
	}
	if len(list) == 0 {
		return netip.AddrPort{}, false
	}

	// Each host covers a sixteenth of the key space, by the top four bits.
	prefix := int((local[0] & 0xF0) >> 4)
	index := int(float32(len(list)) / 16 * float32(prefix))
	return list[index], true
}
