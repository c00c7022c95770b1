package routing

import (
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// TableConfig configures a Table.
type TableConfig struct {
	// K is the bucket size. Defaults to DefaultK.
	K int
	// MaxFailures is the failure budget before a contact is dead.
	// Defaults to DefaultMaxFailures.
	MaxFailures int
	// MaxPerClassC limits active contacts per ClassC block within a bucket.
	// Zero disables the limit.
	MaxPerClassC int
	// Clock supplies timestamps. Defaults to the wall clock.
	Clock clock.Clock
}

func (c *TableConfig) withDefaults() TableConfig {
	out := TableConfig{}
	if c != nil {
		out = *c
	}
	if out.K <= 0 {
		out.K = DefaultK
	}
	if out.MaxFailures <= 0 {
		out.MaxFailures = DefaultMaxFailures
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// Table is a Kademlia routing table with one bucket per shared prefix length.
type Table struct {
	mu        sync.RWMutex
	local     *Contact
	buckets   [KUIDLength * 8]*bucket
	config    TableConfig
	listeners []Listener
}

// NewTable creates a table for the local contact.
func NewTable(local *Contact, config *TableConfig) *Table {
	cfg := config.withDefaults()
	t := &Table{
		local:  local.Clone(),
		config: cfg,
	}
	if t.local.Timestamp.IsZero() {
		t.local.Timestamp = cfg.Clock.Now()
	}
	t.local.State = StateAlive
	return t
}

func (t *Table) bucketFor(id KUID) *bucket {
	i := t.local.ID.CommonPrefixLen(id)
	if i >= len(t.buckets) {
		i = len(t.buckets) - 1
	}
	if t.buckets[i] == nil {
		t.buckets[i] = newBucket(t.config.K, t.config.MaxPerClassC)
	}
	return t.buckets[i]
}

// Add inserts or refreshes a contact.
func (t *Table) Add(c *Contact) {
	if c == nil || c.ID == t.localID() {
		return
	}

	t.mu.Lock()
	events := t.addLocked(c.Clone())
	listeners := t.snapshotListenersLocked()
	t.mu.Unlock()

	notify(listeners, events)
}

func (t *Table) localID() KUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local.ID
}

func (t *Table) addLocked(c *Contact) []Event {
	if c.Timestamp.IsZero() {
		c.Timestamp = t.config.Clock.Now()
	}
	b := t.bucketFor(c.ID)

	if existing := b.get(c.ID); existing != nil {
		return t.updateLocked(b, existing, c)
	}

	if !b.isActiveFull() && b.counter.okayToAdd(c) {
		b.addActive(c)
		return []Event{{Type: EventAddActive, Contact: c.Clone()}}
	}

	if dead := b.firstDead(); dead != nil && b.counter.okayToAdd(c) {
		b.removeActive(dead.ID)
		b.addActive(c)
		return []Event{{Type: EventAddActive, Contact: c.Clone(), Replaced: dead.Clone()}}
	}

	if c.Priority {
		if victim := b.leastRecentlySeenNonPriority(); victim != nil {
			b.removeActive(victim.ID)
			b.addActive(c)
			events := []Event{{Type: EventAddActive, Contact: c.Clone(), Replaced: victim.Clone()}}
			if evicted := b.addCached(victim); evicted != nil {
				events = append(events, Event{Type: EventRemove, Contact: evicted.Clone()})
			}
			return events
		}
	}

	events := []Event{{Type: EventAddCached, Contact: c.Clone()}}
	if evicted := b.addCached(c); evicted != nil {
		events = append(events, Event{Type: EventRemove, Contact: evicted.Clone()})
	}
	return events
}

func (t *Table) updateLocked(b *bucket, existing, c *Contact) []Event {
	existing.Addr = c.Addr
	existing.Firewalled = c.Firewalled
	existing.Priority = existing.Priority || c.Priority
	if c.Timestamp.After(existing.Timestamp) {
		existing.Timestamp = c.Timestamp
	}
	if c.State == StateAlive {
		existing.State = StateAlive
		existing.Failures = 0
	}

	if indexOf(b.active, existing.ID) >= 0 {
		touch(b.active, existing.ID)
		return []Event{{Type: EventUpdate, Contact: existing.Clone()}}
	}

	touch(b.cache, existing.ID)
	if !b.isActiveFull() && b.counter.okayToAdd(existing) {
		b.removeCached(existing.ID)
		b.addActive(existing)
		return []Event{{Type: EventAddActive, Contact: existing.Clone()}}
	}
	return []Event{{Type: EventUpdate, Contact: existing.Clone()}}
}

// Get returns the contact with id, the local node included, or nil.
func (t *Table) Get(id KUID) *Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if id == t.local.ID {
		return t.local.Clone()
	}
	i := t.local.ID.CommonPrefixLen(id)
	if i >= len(t.buckets) || t.buckets[i] == nil {
		return nil
	}
	return t.buckets[i].get(id).Clone()
}

// Select returns the live contact closest to target.
func (t *Table) Select(target KUID) *Contact {
	if closest := t.SelectN(target, 1); len(closest) > 0 {
		return closest[0]
	}
	return nil
}

// SelectN returns up to n non-dead active contacts closest to target. The
// local node is a candidate.
func (t *Table) SelectN(target KUID, n int) []*Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	candidates := []*Contact{t.local}
	for _, b := range t.buckets {
		if b == nil {
			continue
		}
		for _, c := range b.active {
			if !c.IsDead() {
				candidates = append(candidates, c)
			}
		}
	}
	return cloneAll(closestN(candidates, target, n))
}

// ActiveContacts returns every active contact, the local node first.
func (t *Table) ActiveContacts() []*Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := []*Contact{t.local.Clone()}
	for _, b := range t.buckets {
		if b == nil {
			continue
		}
		out = append(out, cloneAll(b.active)...)
	}
	return out
}

// CachedContacts returns every replacement-cache contact.
func (t *Table) CachedContacts() []*Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Contact
	for _, b := range t.buckets {
		if b == nil {
			continue
		}
		out = append(out, cloneAll(b.cache)...)
	}
	return out
}

// Contacts returns the active contacts followed by the cached ones.
func (t *Table) Contacts() []*Contact {
	return append(t.ActiveContacts(), t.CachedContacts()...)
}

// LocalNode returns a copy of the local contact.
func (t *Table) LocalNode() *Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local.Clone()
}

// IsLocalNode reports whether c carries the local node ID.
func (t *Table) IsLocalNode(c *Contact) bool {
	return c != nil && c.ID == t.localID()
}

// SetLocalAddr updates the address of the local contact.
func (t *Table) SetLocalAddr(addr netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local.Addr = addr
}

// HandleFailure records a failed exchange. Failures reported for a different
// address than the stored one are ignored. A dead active contact is replaced
// by the most recently seen cached contact when one exists; a dead cached
// contact is dropped.
func (t *Table) HandleFailure(id KUID, addr netip.AddrPort) {
	if id == t.localID() {
		return
	}

	t.mu.Lock()
	events := t.handleFailureLocked(id, addr)
	listeners := t.snapshotListenersLocked()
	t.mu.Unlock()

	notify(listeners, events)
}

func (t *Table) handleFailureLocked(id KUID, addr netip.AddrPort) []Event {
	b := t.bucketFor(id)
	c := b.get(id)
	if c == nil {
		return nil
	}
	if addr.IsValid() && c.Addr != addr {
		logrus.WithFields(logrus.Fields{
			"function": "HandleFailure",
			"contact":  c.String(),
			"addr":     addr.String(),
		}).Debug("Ignoring failure for mismatched address")
		return nil
	}

	c.Failures++
	if c.Failures < t.config.MaxFailures {
		c.State = StateUnknown
		return nil
	}
	c.State = StateDead

	if indexOf(b.active, id) >= 0 {
		if len(b.cache) == 0 {
			return nil
		}
		_, events := t.removeAndPromoteLocked(b, id)
		return events
	}
	b.removeCached(id)
	return []Event{{Type: EventRemove, Contact: c.Clone()}}
}

// RemoveActiveAndPromote removes the active contact id and replaces it with
// the most recently seen cached contact of its bucket that fits the ClassC
// limit. A cached contact with id is removed instead. Reports whether an
// active contact was removed.
func (t *Table) RemoveActiveAndPromote(id KUID) bool {
	t.mu.Lock()
	removed, events := t.removeAndPromoteLocked(t.bucketFor(id), id)
	listeners := t.snapshotListenersLocked()
	t.mu.Unlock()

	notify(listeners, events)
	return removed
}

func (t *Table) removeAndPromoteLocked(b *bucket, id KUID) (bool, []Event) {
	removed := b.removeActive(id)
	if removed == nil {
		if c := b.removeCached(id); c != nil {
			return false, []Event{{Type: EventRemove, Contact: c.Clone()}}
		}
		return false, nil
	}

	events := []Event{{Type: EventRemove, Contact: removed.Clone()}}
	for {
		mrs := b.mostRecentlySeenCached()
		if mrs == nil {
			break
		}
		b.removeCached(mrs.ID)
		if b.counter.okayToAdd(mrs) {
			b.addActive(mrs)
			events = append(events, Event{Type: EventAddActive, Contact: mrs.Clone(), Replaced: removed.Clone()})
			break
		}
	}
	return true, events
}

// Purge removes contacts whose timestamp is older than maxAge and refills
// active slots from the replacement cache.
func (t *Table) Purge(maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}

	t.mu.Lock()
	cutoff := t.config.Clock.Now().Add(-maxAge)
	var events []Event
	for _, b := range t.buckets {
		if b == nil {
			continue
		}
		for _, c := range append(cloneAll(b.active), cloneAll(b.cache)...) {
			if c.Timestamp.Before(cutoff) {
				if b.removeActive(c.ID) == nil {
					b.removeCached(c.ID)
				}
				events = append(events, Event{Type: EventRemove, Contact: c})
			}
		}
		for !b.isActiveFull() {
			mrs := b.mostRecentlySeenCached()
			if mrs == nil {
				break
			}
			b.removeCached(mrs.ID)
			b.addActive(mrs)
			events = append(events, Event{Type: EventAddActive, Contact: mrs.Clone()})
		}
	}
	listeners := t.snapshotListenersLocked()
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Purge",
		"max_age":  maxAge.String(),
		"removed":  countType(events, EventRemove),
	}).Debug("Purged stale contacts")

	notify(listeners, events)
}

// AddListener registers l for change notifications.
func (t *Table) AddListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Size returns the number of active and cached contacts plus the local node.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 1
	for _, b := range t.buckets {
		if b != nil {
			n += len(b.active) + len(b.cache)
		}
	}
	return n
}

// Clear removes every contact except the local node.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.buckets {
		if b != nil {
			b.clear()
		}
	}
}

func (t *Table) snapshotListenersLocked() []Listener {
	if len(t.listeners) == 0 {
		return nil
	}
	out := make([]Listener, len(t.listeners))
	copy(out, t.listeners)
	return out
}

func notify(listeners []Listener, events []Event) {
	for _, e := range events {
		for _, l := range listeners {
			l(e)
		}
	}
}

func countType(events []Event, typ EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func cloneAll(in []*Contact) []*Contact {
	out := make([]*Contact, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}
