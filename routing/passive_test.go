package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassiveTableAddLeafIsPriority(t *testing.T) {
	table, clk := newTestTable(t, nil)
	passive := NewPassiveTable(table, 2)

	leaf := NewContact(kuidWithPrefix(0x80, 1), addrN(1), clk.Now())
	require.True(t, passive.AddLeaf(leaf.Addr, leaf))

	got := passive.Get(leaf.ID)
	require.NotNil(t, got)
	assert.True(t, got.Priority)
	assert.True(t, passive.HasLeaves())
	assert.Equal(t, leaf.Addr, passive.Leaves()[0])

	mrs := SortMRS(passive.ActiveContacts(), 1)
	assert.Equal(t, leaf.ID, mrs[0].ID)
}

func TestPassiveTableLeafLimit(t *testing.T) {
	table, clk := newTestTable(t, nil)
	passive := NewPassiveTable(table, 1)

	require.True(t, passive.AddLeaf(addrN(1), NewContact(kuidWithPrefix(0x80, 1), addrN(1), clk.Now())))
	assert.False(t, passive.AddLeaf(addrN(2), NewContact(kuidWithPrefix(0x80, 2), addrN(2), clk.Now())))
	assert.True(t, passive.AddLeaf(addrN(1), NewContact(kuidWithPrefix(0x80, 1), addrN(1), clk.Now())), "known leaf is refreshed")
	assert.Len(t, passive.Leaves(), 1)
}

func TestPassiveTableRemoveLeafPromotesCached(t *testing.T) {
	table, clk := newTestTable(t, &TableConfig{K: 1})
	passive := NewPassiveTable(table, 0)

	leaf := NewContact(kuidWithPrefix(0x80, 1), addrN(1), clk.Now())
	require.True(t, passive.AddLeaf(leaf.Addr, leaf))

	cached := NewContact(kuidWithPrefix(0x80, 2), addrN(2), clk.Now())
	passive.Add(cached)
	require.Len(t, passive.CachedContacts(), 1)

	assert.True(t, passive.RemoveLeaf(leaf.Addr))
	assert.Nil(t, passive.Get(leaf.ID))
	assert.NotNil(t, passive.Get(cached.ID))
	assert.Empty(t, passive.CachedContacts())
	assert.False(t, passive.HasLeaves())

	assert.False(t, passive.RemoveLeaf(leaf.Addr))
}
