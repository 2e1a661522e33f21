package pagestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectSlotFollowsPrimaryBit(t *testing.T) {
	mem := make([]byte, DBMetapageSize)

	mem[primaryBitOffset] = 0
	assert.Equal(t, mem[transactionSlot0Off:transactionSlot0Off+transactionSlotSize], primarySlot(mem))
	assert.Equal(t, mem[transactionSlot1Off:transactionSlot1Off+transactionSlotSize], secondarySlot(mem))

	mem[primaryBitOffset] = 1
	assert.Equal(t, mem[transactionSlot1Off:transactionSlot1Off+transactionSlotSize], primarySlot(mem))
	assert.Equal(t, mem[transactionSlot0Off:transactionSlot0Off+transactionSlotSize], secondarySlot(mem))
}

func TestMetaMutatorRootPageRoundTrip(t *testing.T) {
	slot := make([]byte, transactionSlotSize)
	m := metaMutator{mem: slot}

	pn := PageNumber{Index: 77, Order: 1}
	m.setRootPage(pn, 123)

	got, validBytes := metaAccessor{mem: slot}.rootPage()
	assert.Equal(t, pn, got)
	assert.Equal(t, uint32(123), validBytes)
}

func TestMetaMutatorTransactionIDRoundTrip(t *testing.T) {
	slot := make([]byte, transactionSlotSize)
	m := metaMutator{mem: slot}

	m.setLastCommittedTransactionID(0xdeadbeef)
	assert.Equal(t, uint64(0xdeadbeef), m.lastCommittedTransactionID())
	assert.Equal(t, uint64(0xdeadbeef), metaAccessor{mem: slot}.lastCommittedTransactionID())

	// High 8 bytes of the on-disk u128-shaped field must stay zeroed.
	for i := 0; i < 8; i++ {
		assert.Equal(t, byte(0), slot[txnIDOffset+i])
	}
}

func TestMetaMutatorAllocatorDataRoundTrip(t *testing.T) {
	slot := make([]byte, transactionSlotSize)
	m := metaMutator{mem: slot}

	m.setAllocatorData(1000, 250)
	start, end := m.allocatorData()
	assert.Equal(t, 1000, start)
	assert.Equal(t, 1250, end)
	assert.Equal(t, start, func() int { s, _ := metaAccessor{mem: slot}.allocatorData(); return s }())
}

func TestMetaMutatorAllocatorDirtyFlag(t *testing.T) {
	slot := make([]byte, transactionSlotSize)
	m := metaMutator{mem: slot}

	assert.False(t, m.allocatorDirty())
	m.setAllocatorDirty(true)
	assert.True(t, m.allocatorDirty())
	assert.True(t, metaAccessor{mem: slot}.allocatorDirty())
	m.setAllocatorDirty(false)
	assert.False(t, m.allocatorDirty())
}
