package dht

import (
	"net/netip"
	"time"

	"github.com/opd-ai/kadnode/routing"
)

// Endpoint is a host known to the host network.
type Endpoint struct {
	// Addr is the host network address. It is invalid for hosts learned
	// only from another host's reply.
	Addr netip.AddrPort
	// DHTAddr is the address the host's DHT node listens on.
	DHTAddr netip.AddrPort
	// Mode is the DHT mode the host advertises.
	Mode Mode
}

// dhtAddr returns DHTAddr, or Addr when the host did not advertise one.
func (e Endpoint) dhtAddr() netip.AddrPort {
	if e.DHTAddr.IsValid() {
		return e.DHTAddr
	}
	return e.Addr
}

// HostCatcher knows the hosts of the host network.
type HostCatcher interface {
	// IsConnected reports whether the node is connected to the host network.
	IsConnected() bool
	// DHTHosts returns the hosts advertising a DHT mode, active ones first.
	DHTHosts() []Endpoint
}

// Probe asks hosts for the DHT capable hosts they know.
type Probe struct {
	// Targets are host network addresses. Empty sends the probe to every
	// known host.
	Targets []netip.AddrPort
	// Expiry bounds the probe lifetime. Zero uses the prober default.
	Expiry time.Duration
	// Cancelled is polled while the probe is outstanding. Returning true
	// abandons it.
	Cancelled func() bool
	// OnReply receives the DHT addresses carried by each reply.
	OnReply func(from netip.AddrPort, hosts []netip.AddrPort)
	// OnDone runs once when the probe is abandoned or expires, and after the
	// first reply of a single target probe.
	OnDone func()
}

// Prober sends probes through the host network.
type Prober interface {
	Send(p *Probe) error
}

// Capabilities is what the local node advertises to the host network.
type Capabilities struct {
	Mode    Mode
	Member  bool
	DHTAddr netip.AddrPort
}

// Host is the host network as seen by the controllers.
type Host interface {
	HostCatcher
	Prober

	// IsActiveSupernode reports whether the node serves leaves on the host
	// network.
	IsActiveSupernode() bool
	// Allow is installed as the engine host filter.
	Allow(addr netip.AddrPort) bool
	// UpdateCapabilities records what the node advertises.
	UpdateCapabilities(c Capabilities)
	// SendUpdatedCapabilities announces the recorded capabilities to the
	// connected hosts.
	SendUpdatedCapabilities()
	// PassiveLeaves returns the connected leaves running a passive leaf DHT
	// node.
	PassiveLeaves() []netip.AddrPort
	// SendContacts forwards contacts to a connected host.
	SendContacts(to netip.AddrPort, contacts []*routing.Contact) error
}

// ConnectionEventType classifies host network connection events.
type ConnectionEventType uint8

const (
	// ConnectionCapabilities is sent when a peer advertises new capabilities.
	ConnectionCapabilities ConnectionEventType = iota + 1
	// ConnectionClosed is sent when a peer disconnects.
	ConnectionClosed
	// NetworkDisconnected is sent when the last peer is gone.
	NetworkDisconnected
	// NoInternet is sent when the host network detects no connectivity.
	NoInternet
)

func (t ConnectionEventType) String() string {
	switch t {
	case ConnectionCapabilities:
		return "capabilities"
	case ConnectionClosed:
		return "closed"
	case NetworkDisconnected:
		return "disconnected"
	case NoInternet:
		return "no_internet"
	default:
		return "unknown"
	}
}

// ConnectionEvent is a host network connection lifecycle event.
type ConnectionEvent struct {
	Type ConnectionEventType
	// Peer is unset for NetworkDisconnected and NoInternet.
	Peer Endpoint
}

// isDisconnect reports whether the event means the host network is gone.
func (e ConnectionEvent) isDisconnect() bool {
	return e.Type == NetworkDisconnected || e.Type == NoInternet
}
