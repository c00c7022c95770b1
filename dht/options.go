package dht

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/kadnode/engine"
	"github.com/opd-ai/kadnode/routing"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a Manager and the controllers it creates.
type Options struct {
	// ListenAddr is the address every DHT engine binds to.
	ListenAddr netip.AddrPort
	// DataDir holds the persisted route tables. Empty disables persistence.
	DataDir string
	// ForceConnect starts controllers without a host network connection and
	// keeps them running when the host network goes away.
	ForceConnect bool

	// K is the route table bucket size.
	K int
	// RequestTimeout bounds engine round trips.
	RequestTimeout time.Duration

	// HostSetSize bounds the bootstrap host set.
	HostSetSize int
	// FallbackHosts are "host:port" addresses used when the host set and
	// the route table are exhausted.
	FallbackHosts []string

	// FetcherInterval is the delay between node fetcher rounds and the
	// minimum delay between two broadcast probes.
	FetcherInterval time.Duration
	// FetcherMaxWait abandons a probe round after this long.
	FetcherMaxWait time.Duration
	// FilterClassC keeps one fetched host per class C network.
	FilterClassC bool

	// NodeAdderDelay is the period of the random node adder.
	NodeAdderDelay time.Duration
	// NodeAdderSize bounds the addresses waiting for the node adder.
	NodeAdderSize int

	// ActiveRouteTableVersion tags active snapshots.
	ActiveRouteTableVersion int
	// PassiveRouteTableVersion tags passive snapshots.
	PassiveRouteTableVersion int
	// PersistActiveRouteTable saves the active route table on stop.
	PersistActiveRouteTable bool
	// PersistPassiveRouteTable saves the passive MRS contacts on stop.
	PersistPassiveRouteTable bool
	// PersistDatabase adds the local values to the active snapshot.
	PersistDatabase bool
	// MaxPersistedNodes bounds the passive snapshot.
	MaxPersistedNodes int
	// MaxContactAge purges restored contacts older than this. Zero keeps
	// every contact.
	MaxContactAge time.Duration

	// EnablePassiveLeaf allows forwarding contacts to passive leaves.
	EnablePassiveLeaf bool
	// PassiveLeafLimit bounds the leaves a passive node tracks.
	PassiveLeafLimit int
	// ForwarderInterval is the period of the contact forwarder.
	ForwarderInterval time.Duration
	// ForwarderBuffer bounds the contacts waiting to be forwarded.
	ForwarderBuffer int

	// Clock drives every timer. Defaults to the wall clock.
	Clock clock.Clock
	// Registerer receives the metrics. Nil disables registration.
	Registerer prometheus.Registerer
	// ErrorReporter receives unexpected engine errors. Defaults to logging.
	ErrorReporter ErrorReporter
	// NewEngine creates the engine of each controller. Defaults to
	// NodeEngine.
	NewEngine EngineFactory
	// Listen opens the transport of NodeEngine engines. Defaults to UDP.
	Listen engine.ListenFunc
}

// NewOptions returns the default options.
func NewOptions() *Options {
	return &Options{
		ListenAddr:               netip.AddrPortFrom(netip.IPv4Unspecified(), 6346),
		K:                        routing.DefaultK,
		RequestTimeout:           10 * time.Second,
		HostSetSize:              50,
		FallbackHosts:            []string{"38.108.107.68:6002"},
		FetcherInterval:          30 * time.Minute,
		FetcherMaxWait:           30 * time.Second,
		FilterClassC:             true,
		NodeAdderDelay:           30 * time.Minute,
		NodeAdderSize:            30,
		ActiveRouteTableVersion:  1,
		PassiveRouteTableVersion: 0,
		PersistActiveRouteTable:  true,
		PersistPassiveRouteTable: true,
		PersistDatabase:          false,
		MaxPersistedNodes:        40,
		EnablePassiveLeaf:        true,
		PassiveLeafLimit:         routing.DefaultLeafLimit,
		ForwarderInterval:        60 * time.Second,
		ForwarderBuffer:          10,
	}
}

// withDefaults fills zero values so partially built options stay usable.
func (o *Options) withDefaults() *Options {
	if o == nil {
		return NewOptions().withDefaults()
	}
	c := *o
	d := NewOptions()
	if c.K <= 0 {
		c.K = d.K
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.HostSetSize <= 0 {
		c.HostSetSize = d.HostSetSize
	}
	if c.FetcherInterval <= 0 {
		c.FetcherInterval = d.FetcherInterval
	}
	if c.FetcherMaxWait <= 0 {
		c.FetcherMaxWait = d.FetcherMaxWait
	}
	if c.NodeAdderDelay <= 0 {
		c.NodeAdderDelay = d.NodeAdderDelay
	}
	if c.NodeAdderSize <= 0 {
		c.NodeAdderSize = d.NodeAdderSize
	}
	if c.MaxPersistedNodes <= 0 {
		c.MaxPersistedNodes = d.MaxPersistedNodes
	}
	if c.PassiveLeafLimit <= 0 {
		c.PassiveLeafLimit = d.PassiveLeafLimit
	}
	if c.ForwarderInterval <= 0 {
		c.ForwarderInterval = d.ForwarderInterval
	}
	if c.ForwarderBuffer <= 0 {
		c.ForwarderBuffer = d.ForwarderBuffer
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.ErrorReporter == nil {
		c.ErrorReporter = logReporter{}
	}
	if c.NewEngine == nil {
		c.NewEngine = NodeEngine(&c)
	}
	return &c
}

// routeTableVersion returns the snapshot version for mode, or -1 for modes
// that do not persist.
func (o *Options) routeTableVersion(mode Mode) int {
	switch mode {
	case ModeActive:
		return o.ActiveRouteTableVersion
	case ModePassive:
		return o.PassiveRouteTableVersion
	default:
		return -1
	}
}
