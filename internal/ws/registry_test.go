package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLastWriteWins(t *testing.T) {
	r := NewRegistry()
	c1, c2 := newConn(nil), newConn(nil)

	assert.Nil(t, r.Register("u1", c1))
	assert.Equal(t, c1, r.Register("u1", c2))

	got, ok := r.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, c2, got)
	assert.False(t, c1.Closed(), "superseded connection is not closed")

	assert.False(t, r.Unregister("u1", c1), "stale unregister must not evict the newer connection")
	got, ok = r.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, c2, got)

	assert.True(t, r.Unregister("u1", c2))
	_, ok = r.Lookup("u1")
	assert.False(t, ok)
}

func TestRegistryUnknownUser(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("ghost")
	assert.False(t, ok)
	assert.NotPanics(t, func() {
		assert.False(t, r.Unregister("ghost", newConn(nil)))
		assert.False(t, r.Unregister("ghost", nil))
	})
}

func TestRegistryForcedUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", newConn(nil))
	assert.True(t, r.Unregister("u1", nil))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRegisterSameConnTwice(t *testing.T) {
	r := NewRegistry()
	c := newConn(nil)
	r.Register("u1", c)
	assert.Nil(t, r.Register("u1", c))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryListAllIsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", newConn(nil))
	r.Register("u2", newConn(nil))

	all := r.ListAll()
	require.Len(t, all, 2)

	r.Unregister("u1", nil)
	r.Register("u3", newConn(nil))
	r.Register("u4", newConn(nil))
	assert.Len(t, all, 2)
	assert.Equal(t, 3, r.Len())
}
