package routing

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLeafTable(k, perClassC int) *LeafTable {
	local := NewContact(kuidWithPrefix(0xFF, 0), netip.MustParseAddrPort("127.0.0.1:6346"), time.Now())
	return NewLeafTable(local, k, perClassC)
}

func TestLeafTableFallsBackToLocal(t *testing.T) {
	table := newTestLeafTable(3, 0)
	local := table.LocalNode()

	assert.Equal(t, local.ID, table.Select(RandomKUID()).ID)
	selected := table.SelectN(RandomKUID(), 2)
	require.Len(t, selected, 1)
	assert.Equal(t, local.ID, selected[0].ID)
	assert.Equal(t, local.ID, table.Get(local.ID).ID)
	assert.Nil(t, table.Get(RandomKUID()))
	assert.True(t, table.LocalNode().Firewalled)
}

func TestLeafTableEvictsLeastRecentlyUsed(t *testing.T) {
	table := newTestLeafTable(2, 0)
	now := time.Now()
	a := NewContact(kuidWithPrefix(1, 1), addrN(1), now)
	b := NewContact(kuidWithPrefix(2, 2), addrN(2), now)
	c := NewContact(kuidWithPrefix(3, 3), addrN(3), now)

	table.Add(a)
	table.Add(b)
	require.NotNil(t, table.Get(a.ID))
	table.Add(c)

	assert.NotNil(t, table.Get(a.ID))
	assert.Nil(t, table.Get(b.ID))
	assert.Equal(t, 3, table.Size())
}

func TestLeafTableRejectsFirewalledAndLocal(t *testing.T) {
	table := newTestLeafTable(3, 0)
	fw := NewContact(kuidWithPrefix(1, 1), addrN(1), time.Now())
	fw.Firewalled = true
	table.Add(fw)
	table.Add(table.LocalNode())

	assert.Equal(t, 1, table.Size())
	assert.Empty(t, table.Contacts())
}

func TestLeafTableSelectMostRecentFirst(t *testing.T) {
	table := newTestLeafTable(5, 0)
	now := time.Now()
	a := NewContact(kuidWithPrefix(1, 1), addrN(1), now)
	b := NewContact(kuidWithPrefix(2, 2), addrN(2), now)
	table.Add(a)
	table.Add(b)

	assert.Equal(t, b.ID, table.Select(RandomKUID()).ID)
	selected := table.SelectN(RandomKUID(), 2)
	require.Len(t, selected, 2)
	assert.Equal(t, b.ID, selected[0].ID)
	assert.Equal(t, a.ID, selected[1].ID)

	active := table.ActiveContacts()
	assert.Len(t, active, 3)
	assert.Nil(t, table.CachedContacts())
}

func TestLeafTableClassCLimitAndFailure(t *testing.T) {
	table := newTestLeafTable(5, 1)
	now := time.Now()
	a := NewContact(kuidWithPrefix(1, 1), netip.MustParseAddrPort("192.168.1.10:1"), now)
	b := NewContact(kuidWithPrefix(2, 2), netip.MustParseAddrPort("192.168.1.20:1"), now)

	table.Add(a)
	table.Add(b)
	assert.Nil(t, table.Get(b.ID))

	table.HandleFailure(a.ID, a.Addr)
	table.Add(b)
	assert.NotNil(t, table.Get(b.ID), "removal frees the class C slot")

	table.Clear()
	assert.Equal(t, 1, table.Size())
}
