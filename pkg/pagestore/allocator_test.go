package pagestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageAllocatorInitNewAllFree(t *testing.T) {
	a := NewPageAllocator(10)
	buf := make([]byte, RequiredSpace(10))
	a.InitNew(buf, 10)
	assert.Equal(t, 10, a.CountFreePages(buf))
}

func TestPageAllocatorInitNewMasksTrailingBits(t *testing.T) {
	a := NewPageAllocator(5)
	buf := make([]byte, RequiredSpace(5)) // 1 byte, bits 5-7 are padding
	a.InitNew(buf, 5)
	assert.Equal(t, byte(0b1110_0000), buf[0])
	assert.Equal(t, 5, a.CountFreePages(buf))
}

func TestPageAllocatorAllocExhaustion(t *testing.T) {
	a := NewPageAllocator(3)
	buf := make([]byte, RequiredSpace(3))
	a.InitNew(buf, 3)

	seen := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		idx, ok := a.Alloc(buf)
		require.True(t, ok)
		assert.False(t, seen[idx])
		seen[idx] = true
	}

	_, ok := a.Alloc(buf)
	assert.False(t, ok, "allocator should be exhausted")
	assert.Equal(t, 0, a.CountFreePages(buf))
}

func TestPageAllocatorFreeThenRealloc(t *testing.T) {
	a := NewPageAllocator(2)
	buf := make([]byte, RequiredSpace(2))
	a.InitNew(buf, 2)

	idx, ok := a.Alloc(buf)
	require.True(t, ok)

	a.Free(buf, idx)
	assert.Equal(t, 2, a.CountFreePages(buf))

	idx2, ok := a.Alloc(buf)
	require.True(t, ok)
	assert.Equal(t, idx, idx2, "freed index should be reused by a first-fit scan")
}

func TestPageAllocatorRecordAlloc(t *testing.T) {
	a := NewPageAllocator(8)
	buf := make([]byte, RequiredSpace(8))
	a.InitNew(buf, 8)

	a.RecordAlloc(buf, 3)
	assert.Equal(t, 7, a.CountFreePages(buf))

	// Re-recording an already-allocated index is a no-op, not a double count.
	a.RecordAlloc(buf, 3)
	assert.Equal(t, 7, a.CountFreePages(buf))
}
