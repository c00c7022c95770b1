package routing

// bucket holds the active contacts and replacement cache for one shared
// prefix length. Both lists are ordered least recently seen first. A bucket
// has no lock of its own; the owning table serializes access.
type bucket struct {
	active  []*Contact
	cache   []*Contact
	maxSize int
	counter *classCCounter
}

func newBucket(maxSize, perClassC int) *bucket {
	return &bucket{
		active:  make([]*Contact, 0, maxSize),
		maxSize: maxSize,
		counter: newClassCCounter(perClassC),
	}
}

func indexOf(list []*Contact, id KUID) int {
	for i, c := range list {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func removeAt(list []*Contact, i int) []*Contact {
	copy(list[i:], list[i+1:])
	list[len(list)-1] = nil
	return list[:len(list)-1]
}

func (b *bucket) get(id KUID) *Contact {
	if i := indexOf(b.active, id); i >= 0 {
		return b.active[i]
	}
	if i := indexOf(b.cache, id); i >= 0 {
		return b.cache[i]
	}
	return nil
}

func (b *bucket) isActiveFull() bool {
	return len(b.active) >= b.maxSize
}

// addActive appends c as the most recently seen active contact.
func (b *bucket) addActive(c *Contact) {
	b.active = append(b.active, c)
	b.counter.increment(c)
}

func (b *bucket) removeActive(id KUID) *Contact {
	i := indexOf(b.active, id)
	if i < 0 {
		return nil
	}
	c := b.active[i]
	b.active = removeAt(b.active, i)
	b.counter.decrement(c)
	return c
}

// addCached appends c to the replacement cache and returns the contact it
// evicted, if any.
func (b *bucket) addCached(c *Contact) *Contact {
	b.cache = append(b.cache, c)
	if len(b.cache) <= b.maxSize {
		return nil
	}
	evicted := b.cache[0]
	b.cache = removeAt(b.cache, 0)
	return evicted
}

func (b *bucket) removeCached(id KUID) *Contact {
	i := indexOf(b.cache, id)
	if i < 0 {
		return nil
	}
	c := b.cache[i]
	b.cache = removeAt(b.cache, i)
	return c
}

// touch moves the contact with id to the most recently seen end of list.
func touch(list []*Contact, id KUID) {
	i := indexOf(list, id)
	if i < 0 || i == len(list)-1 {
		return
	}
	c := list[i]
	copy(list[i:], list[i+1:])
	list[len(list)-1] = c
}

// mostRecentlySeenCached returns the cached contact with the newest
// timestamp.
func (b *bucket) mostRecentlySeenCached() *Contact {
	var mrs *Contact
	for _, c := range b.cache {
		if mrs == nil || !c.Timestamp.Before(mrs.Timestamp) {
			mrs = c
		}
	}
	return mrs
}

func (b *bucket) firstDead() *Contact {
	for _, c := range b.active {
		if c.IsDead() {
			return c
		}
	}
	return nil
}

func (b *bucket) leastRecentlySeenNonPriority() *Contact {
	for _, c := range b.active {
		if !c.Priority {
			return c
		}
	}
	return nil
}

func (b *bucket) clear() {
	b.active = b.active[:0]
	b.cache = nil
	b.counter.reset()
}
