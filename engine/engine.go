package engine

import (
	"net/netip"

	"github.com/opd-ai/kadnode/routing"
)

// HostFilter reports whether traffic with addr is allowed.
type HostFilter func(addr netip.AddrPort) bool

// DHT is the engine contract consumed by the node controllers.
type DHT interface {
	// Name identifies the engine instance in logs.
	Name() string
	// Bind sets the local address used by Start.
	Bind(addr netip.AddrPort) error
	// Start opens the socket and begins serving requests.
	Start() error
	// Close stops the engine and fails every pending operation.
	Close() error

	// Ping sends a liveness probe to addr.
	Ping(addr netip.AddrPort) *Future[PingResult]
	// FindActiveContact pings route table contacts, most recently seen
	// first, until one answers.
	FindActiveContact() *Future[PingResult]
	// Bootstrap joins the network through c.
	Bootstrap(c *routing.Contact) *Future[BootstrapResult]

	IsRunning() bool
	IsBootstrapped() bool
	IsFirewalled() bool

	RouteTable() routing.RouteTable
	LocalNodeID() routing.KUID
	Database() *Database
	SetHostFilter(filter HostFilter)
}
