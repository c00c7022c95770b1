package dht

import (
	"math/rand/v2"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/kadnode/routing"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Probe kinds, used as metric labels.
const (
	probeRanked    = "ranked"
	probeBroadcast = "broadcast"
	probeSingle    = "single"
)

// NodeFetcherConfig configures a NodeFetcher.
type NodeFetcherConfig struct {
	// Interval is the delay between rounds and the minimum delay between
	// two multi-host probes.
	Interval time.Duration
	// MaxWait abandons a multi-host probe after this long.
	MaxWait time.Duration
	// SingleExpiry bounds single host probes. Zero uses the prober default.
	SingleExpiry time.Duration
	// FilterClassC keeps one replied host per class C network.
	FilterClassC bool
	Clock        clock.Clock
	Metrics      *Metrics
	// InitialDelay picks the delay before the first round. Defaults to a
	// uniform random delay in [0, Interval).
	InitialDelay func(interval time.Duration) time.Duration
}

// NodeFetcher asks the host network for DHT capable hosts and hands them to
// a HostSink. Known active hosts are handed over directly; otherwise a probe
// goes to the DHT capable hosts, or to every host when none is known.
type NodeFetcher struct {
	sink    HostSink
	catcher HostCatcher
	prober  Prober
	config  NodeFetcherConfig
	limiter *rate.Limiter

	pingingSingle atomic.Bool
	lastRequest   atomic.Int64

	requestMu sync.Mutex

	mu   sync.Mutex
	stop chan struct{}
}

// NewNodeFetcher creates a stopped fetcher.
func NewNodeFetcher(sink HostSink, catcher HostCatcher, prober Prober, config NodeFetcherConfig) *NodeFetcher {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Minute
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.InitialDelay == nil {
		config.InitialDelay = randomDelay
	}
	return &NodeFetcher{
		sink:    sink,
		catcher: catcher,
		prober:  prober,
		config:  config,
		limiter: rate.NewLimiter(rate.Every(config.Interval), 1),
	}
}

// randomDelay draws uniformly from [0, interval].
func randomDelay(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(interval) + 1))
}

// NewFetcherFactory returns a FetcherFactory building NodeFetchers over
// catcher and prober.
func NewFetcherFactory(catcher HostCatcher, prober Prober, config NodeFetcherConfig) FetcherFactory {
	return func(sink HostSink) Fetcher {
		return NewNodeFetcher(sink, catcher, prober, config)
	}
}

// Start schedules RequestHosts every Interval after a random initial delay.
// It does nothing when already running.
func (f *NodeFetcher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stop != nil {
		return
	}
	stop := make(chan struct{})
	f.stop = stop

	delay := f.config.InitialDelay(f.config.Interval)
	logrus.WithFields(logrus.Fields{
		"function":      "Start",
		"initial_delay": delay,
		"interval":      f.config.Interval,
	}).Debug("Starting node fetcher")

	go f.run(stop, delay)
}

func (f *NodeFetcher) run(stop <-chan struct{}, delay time.Duration) {
	timer := f.config.Clock.Timer(delay)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			f.RequestHosts()
			timer.Reset(f.config.Interval)
		}
	}
}

// Stop cancels the schedule. It never blocks and is idempotent.
func (f *NodeFetcher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stop != nil {
		close(f.stop)
		f.stop = nil
	}
}

// IsRunning reports whether the schedule is active.
func (f *NodeFetcher) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stop != nil
}

// RequestHosts runs one fetcher round. It does nothing while disconnected
// from the host network.
func (f *NodeFetcher) RequestHosts() {
	f.requestMu.Lock()
	defer f.requestMu.Unlock()

	if !f.catcher.IsConnected() {
		return
	}

	hosts := f.catcher.DHTHosts()

	// Active hosts come first; stop at the first one that is not.
	haveActive := false
	for _, h := range hosts {
		if h.Mode != ModeActive {
			break
		}
		haveActive = true
		logrus.WithFields(logrus.Fields{
			"function": "RequestHosts",
			"addr":     h.dhtAddr().String(),
		}).Debug("Adding active host from host cache")
		f.sink.AddBootstrapHost(h.dhtAddr())
	}
	if haveActive {
		return
	}

	if f.pingingSingle.Load() {
		return
	}
	now := f.config.Clock.Now()
	if !f.limiter.AllowN(now, 1) {
		return
	}
	f.lastRequest.Store(now.UnixNano())

	var targets []netip.AddrPort
	for _, h := range hosts {
		if h.Addr.IsValid() {
			targets = append(targets, h.Addr)
		}
	}
	kind := probeRanked
	if len(targets) == 0 {
		kind = probeBroadcast
	}

	logrus.WithFields(logrus.Fields{
		"function": "RequestHosts",
		"kind":     kind,
		"targets":  len(targets),
	}).Debug("Requesting DHT hosts")

	err := f.prober.Send(&Probe{
		Targets:   targets,
		Expiry:    f.config.MaxWait,
		Cancelled: f.cancelled,
		OnReply:   f.handleReply,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RequestHosts",
			"error":    err.Error(),
		}).Warn("Failed to send DHT host probe")
		return
	}
	f.config.Metrics.probeSent(kind)
}

// RequestHost probes a single host known to relay DHT hosts. Multi-host
// probes are abandoned while it is outstanding.
func (f *NodeFetcher) RequestHost(addr netip.AddrPort) {
	if !f.catcher.IsConnected() || !addr.IsValid() {
		return
	}
	if f.pingingSingle.Swap(true) {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "RequestHost",
		"addr":     addr.String(),
	}).Debug("Requesting DHT hosts from host")

	err := f.prober.Send(&Probe{
		Targets: []netip.AddrPort{addr},
		Expiry:  f.config.SingleExpiry,
		OnReply: func(from netip.AddrPort, hosts []netip.AddrPort) {
			f.handleReply(from, hosts)
			f.pingingSingle.Store(false)
		},
		OnDone: func() {
			f.pingingSingle.Store(false)
		},
	})
	if err != nil {
		f.pingingSingle.Store(false)
		logrus.WithFields(logrus.Fields{
			"function": "RequestHost",
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to send DHT host probe")
		return
	}
	f.config.Metrics.probeSent(probeSingle)
}

// PingingSingleHost reports whether a single host probe is outstanding.
func (f *NodeFetcher) PingingSingleHost() bool {
	return f.pingingSingle.Load()
}

// cancelled abandons multi-host probes once a single host probe is sent,
// MaxWait has elapsed, the host network is gone or the fetcher stopped.
func (f *NodeFetcher) cancelled() bool {
	last := time.Unix(0, f.lastRequest.Load())
	delay := f.config.Clock.Since(last)
	cancel := f.pingingSingle.Load() ||
		delay > f.config.MaxWait ||
		!f.catcher.IsConnected() ||
		!f.IsRunning()
	if cancel {
		logrus.WithFields(logrus.Fields{
			"function": "cancelled",
			"delay":    delay,
		}).Debug("Cancelling DHT host probe")
	}
	return cancel
}

func (f *NodeFetcher) handleReply(from netip.AddrPort, hosts []netip.AddrPort) {
	if !f.IsRunning() {
		return
	}
	if f.config.FilterClassC {
		hosts = FilterOnePerClassC(hosts)
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleReply",
		"from":     from.String(),
		"hosts":    len(hosts),
	}).Debug("Received DHT hosts")

	for _, h := range hosts {
		f.sink.AddBootstrapHost(h)
	}
}

// FilterOnePerClassC keeps the first address of every class C network.
func FilterOnePerClassC(addrs []netip.AddrPort) []netip.AddrPort {
	seen := make(map[netip.Prefix]struct{}, len(addrs))
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		p := routing.ClassC(a.Addr())
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, a)
	}
	return out
}
