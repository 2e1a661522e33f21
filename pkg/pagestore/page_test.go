package pagestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageNumberRoundTrip(t *testing.T) {
	cases := []PageNumber{
		{Index: 0, Order: 0},
		{Index: 1, Order: 0},
		{Index: 1<<48 - 1, Order: 0},
		{Index: 42, Order: 3},
		{Index: 1<<48 - 1, Order: 255},
	}
	for _, pn := range cases {
		got := PageNumberFromBytes(pn.ToBytes())
		assert.Equal(t, pn, got)
	}
}

func TestPageNumberIsNull(t *testing.T) {
	assert.True(t, NullPageNumber().IsNull())
	assert.False(t, PageNumber{Index: 1}.IsNull())
}

func TestPageNumberAddressRange(t *testing.T) {
	pn := PageNumber{Index: 3, Order: 0}
	lo, hi := pn.AddressRange(4096)
	assert.Equal(t, 3*4096, lo)
	assert.Equal(t, 4*4096, hi)
}

func TestPageNumberAddressRangeHigherOrder(t *testing.T) {
	pn := PageNumber{Index: 1, Order: 2} // spans 4 base pages
	lo, hi := pn.AddressRange(4096)
	assert.Equal(t, 1*4*4096, lo)
	assert.Equal(t, 2*4*4096, hi)
	assert.Equal(t, 4*4096, pn.ByteLen(4096))
}

func TestPageMutReleaseIsIdempotent(t *testing.T) {
	set := newDirtyPageSet()
	pn := PageNumber{Index: 5}
	set.insert(pn)

	pm := &PageMut{mem: make([]byte, 8), number: pn, openDirty: set}
	require.True(t, set.contains(pn))

	pm.Release()
	assert.False(t, set.contains(pn))

	// Second release must not panic or double-remove something else.
	pm.Release()
	assert.False(t, set.contains(pn))
}
