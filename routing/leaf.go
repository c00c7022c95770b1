package routing

import (
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LeafTable is a fixed-size LRU contact cache for passive leaf nodes. It
// stores no firewalled contacts, never evicts for staleness, and falls back
// to the local node when a lookup finds nothing.
type LeafTable struct {
	mu      sync.Mutex
	local   *Contact
	cache   *lru.Cache[KUID, *Contact]
	counter *classCCounter
}

// NewLeafTable creates a cache holding up to k contacts. perClassC limits
// contacts per ClassC block; zero disables the limit.
func NewLeafTable(local *Contact, k, perClassC int) *LeafTable {
	if k <= 0 {
		k = DefaultK
	}
	l := &LeafTable{
		local:   local.Clone(),
		counter: newClassCCounter(perClassC),
	}
	l.local.State = StateAlive
	l.local.Firewalled = true

	cache, err := lru.NewWithEvict[KUID, *Contact](k, func(_ KUID, c *Contact) {
		l.counter.decrement(c)
	})
	if err != nil {
		panic(err)
	}
	l.cache = cache
	return l
}

// Add caches c as the most recently used contact. The local node and
// firewalled contacts are ignored.
func (l *LeafTable) Add(c *Contact) {
	if c == nil || c.Firewalled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if c.ID == l.local.ID {
		return
	}

	c = c.Clone()
	if existing, ok := l.cache.Peek(c.ID); ok {
		l.counter.decrement(existing)
		l.counter.increment(c)
		l.cache.Add(c.ID, c)
		return
	}
	if !l.counter.okayToAdd(c) {
		return
	}
	l.counter.increment(c)
	l.cache.Add(c.ID, c)
}

// Get returns the contact with id and marks it recently used. The local
// node is returned for its own ID.
func (l *LeafTable) Get(id KUID) *Contact {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id == l.local.ID {
		return l.local.Clone()
	}
	c, ok := l.cache.Get(id)
	if !ok {
		return nil
	}
	return c.Clone()
}

// mrsLocked returns cached contacts most recently used first.
func (l *LeafTable) mrsLocked() []*Contact {
	values := l.cache.Values()
	out := make([]*Contact, len(values))
	for i, c := range values {
		out[len(values)-1-i] = c.Clone()
	}
	return out
}

// Select returns the most recently used contact, or the local node when the
// cache is empty.
func (l *LeafTable) Select(_ KUID) *Contact {
	l.mu.Lock()
	defer l.mu.Unlock()

	if mrs := l.mrsLocked(); len(mrs) > 0 {
		return mrs[0]
	}
	return l.local.Clone()
}

// SelectN returns up to n contacts most recently used first, padded with the
// local node when fewer than n are cached.
func (l *LeafTable) SelectN(_ KUID, n int) []*Contact {
	if n <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.mrsLocked()
	if len(out) >= n {
		return out[:n]
	}
	return append(out, l.local.Clone())
}

// ActiveContacts returns the cached contacts and the local node.
func (l *LeafTable) ActiveContacts() []*Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append(l.mrsLocked(), l.local.Clone())
}

// CachedContacts always returns nil; a leaf table has no replacement cache.
func (l *LeafTable) CachedContacts() []*Contact {
	return nil
}

// Contacts returns the cached contacts without the local node.
func (l *LeafTable) Contacts() []*Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mrsLocked()
}

// LocalNode returns a copy of the local contact.
func (l *LeafTable) LocalNode() *Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local.Clone()
}

// IsLocalNode reports whether c carries the local node ID.
func (l *LeafTable) IsLocalNode(c *Contact) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return c != nil && c.ID == l.local.ID
}

// SetLocalAddr updates the address of the local contact.
func (l *LeafTable) SetLocalAddr(addr netip.AddrPort) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.local.Addr = addr
}

// HandleFailure drops the contact immediately.
func (l *LeafTable) HandleFailure(id KUID, _ netip.AddrPort) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Remove(id)
}

// Purge is a no-op; the upstream peer keeps the cache fresh.
func (l *LeafTable) Purge(time.Duration) {}

// AddListener is a no-op; a leaf table emits no events.
func (l *LeafTable) AddListener(Listener) {}

// Size returns the number of cached contacts plus the local node.
func (l *LeafTable) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Len() + 1
}

// Clear empties the cache.
func (l *LeafTable) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Purge()
	l.counter.reset()
}
