package routing

import (
	"net/netip"
	"time"
)

// DefaultK is the Kademlia bucket size and replication parameter.
const DefaultK = 20

// DefaultMaxFailures is the number of consecutive failures after which a
// contact is considered dead.
const DefaultMaxFailures = 3

// RouteTable is the contact storage consumed by the DHT engine.
type RouteTable interface {
	// Add inserts or refreshes a contact. The local node is ignored.
	Add(c *Contact)
	// Get returns the contact with id, or nil.
	Get(id KUID) *Contact
	// Select returns the live contact closest to target, or nil.
	Select(target KUID) *Contact
	// SelectN returns up to n live contacts closest to target.
	SelectN(target KUID, n int) []*Contact
	// ActiveContacts returns every active contact, local node included.
	ActiveContacts() []*Contact
	// CachedContacts returns every replacement-cache contact.
	CachedContacts() []*Contact
	// Contacts returns active and cached contacts.
	Contacts() []*Contact
	// LocalNode returns the local contact.
	LocalNode() *Contact
	// IsLocalNode reports whether c carries the local node ID.
	IsLocalNode(c *Contact) bool
	// SetLocalAddr updates the address advertised for the local node.
	SetLocalAddr(addr netip.AddrPort)
	// HandleFailure records a failed exchange with id at addr.
	HandleFailure(id KUID, addr netip.AddrPort)
	// Purge removes contacts not seen within maxAge.
	Purge(maxAge time.Duration)
	// AddListener registers a change listener.
	AddListener(l Listener)
	// Size returns the number of contacts, local node included.
	Size() int
	// Clear removes every contact except the local node.
	Clear()
}

var (
	_ RouteTable = (*Table)(nil)
	_ RouteTable = (*PassiveTable)(nil)
	_ RouteTable = (*LeafTable)(nil)
)
