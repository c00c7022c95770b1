package dht

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostSetNewestFirst(t *testing.T) {
	s := NewHostSet(50)
	for i := 0; i < 3; i++ {
		s.Add(addrN(i))
	}
	assert.Equal(t, []netip.AddrPort{addrN(2), addrN(1), addrN(0)}, s.Addrs())

	addr, ok := s.Pop()
	require.True(t, ok)
	assert.Equal(t, addrN(2), addr)
	assert.Equal(t, 2, s.Len())
	assert.False(t, s.Contains(addrN(2)))
}

func TestHostSetEvictsOldest(t *testing.T) {
	s := NewHostSet(50)
	for i := 0; i < 60; i++ {
		s.Add(addrN(i))
		assert.LessOrEqual(t, s.Len(), 50)
	}

	assert.Equal(t, 50, s.Len())
	for i := 0; i < 10; i++ {
		assert.False(t, s.Contains(addrN(i)), "oldest evicted")
	}
	addrs := s.Addrs()
	assert.Equal(t, addrN(59), addrs[0])
	assert.Equal(t, addrN(10), addrs[49])
}

func TestHostSetReAddMakesNewest(t *testing.T) {
	s := NewHostSet(3)
	s.Add(addrN(1))
	s.Add(addrN(2))
	s.Add(addrN(1))
	assert.Equal(t, []netip.AddrPort{addrN(1), addrN(2)}, s.Addrs())
}

func TestHostSetDrainAndClear(t *testing.T) {
	s := NewHostSet(0)
	s.Add(addrN(1))
	s.Add(addrN(2))
	assert.Equal(t, 1, s.Len(), "non-positive size holds one address")

	assert.Equal(t, []netip.AddrPort{addrN(2)}, s.Drain())
	assert.True(t, s.IsEmpty())

	_, ok := s.Pop()
	assert.False(t, ok)

	s.Add(addrN(3))
	s.Clear()
	assert.True(t, s.IsEmpty())
}
