package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobIDMonotonic(t *testing.T) {
	a := NewJobIDAllocator(100, 200, func(uint32) bool { return false })

	prev := uint32(0)
	for i := 0; i < 50; i++ {
		id, err := a.Next()
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestJobIDWrapSkipsLiveIDs(t *testing.T) {
	live := map[uint32]bool{11: true, 12: true}
	a := NewJobIDAllocator(10, 13, func(id uint32) bool { return live[id] })

	ids := make([]uint32, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := a.Next()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// 11 and 12 are held by live records; the allocator wraps around them.
	assert.Equal(t, []uint32{10, 13, 10, 13}, ids)
}

func TestJobIDExhaustion(t *testing.T) {
	a := NewJobIDAllocator(1, 4, func(uint32) bool { return true })
	_, err := a.Next()
	assert.Error(t, err)
}

func TestJobIDRestore(t *testing.T) {
	a := NewJobIDAllocator(1, 1000, func(uint32) bool { return false })
	a.Restore(500)

	id, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(500), id)
	assert.Equal(t, uint32(501), a.NextPending())
}
