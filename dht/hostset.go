package dht

import (
	"net/netip"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// HostSet is a bounded set of addresses iterated newest first. Adding past
// capacity evicts the oldest address. Re-adding an address makes it the
// newest. HostSet is not safe for concurrent use.
type HostSet struct {
	lru *simplelru.LRU[netip.AddrPort, struct{}]
}

// NewHostSet creates a set holding at most size addresses.
func NewHostSet(size int) *HostSet {
	if size <= 0 {
		size = 1
	}
	lru, err := simplelru.NewLRU[netip.AddrPort, struct{}](size, nil)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &HostSet{lru: lru}
}

// Add inserts addr as the newest address.
func (s *HostSet) Add(addr netip.AddrPort) {
	s.lru.Add(addr, struct{}{})
}

// Pop removes and returns the newest address.
func (s *HostSet) Pop() (netip.AddrPort, bool) {
	keys := s.lru.Keys()
	if len(keys) == 0 {
		return netip.AddrPort{}, false
	}
	newest := keys[len(keys)-1]
	s.lru.Remove(newest)
	return newest, true
}

// Contains reports whether addr is in the set.
func (s *HostSet) Contains(addr netip.AddrPort) bool {
	return s.lru.Contains(addr)
}

// Addrs returns the addresses, newest first.
func (s *HostSet) Addrs() []netip.AddrPort {
	keys := s.lru.Keys()
	out := make([]netip.AddrPort, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		out = append(out, keys[i])
	}
	return out
}

// Drain removes and returns every address, newest first.
func (s *HostSet) Drain() []netip.AddrPort {
	out := s.Addrs()
	s.lru.Purge()
	return out
}

// Len returns the number of addresses.
func (s *HostSet) Len() int { return s.lru.Len() }

// IsEmpty reports whether the set holds no address.
func (s *HostSet) IsEmpty() bool { return s.lru.Len() == 0 }

// Clear removes every address.
func (s *HostSet) Clear() { s.lru.Purge() }
