package pagestore

import "encoding/binary"

// Byte-exact file format, per spec.md §6.
const (
	magicOffset        = 0
	magicLen           = 4
	versionOffset      = magicOffset + magicLen // 4
	pageSizeLog2Offset = versionOffset + 1       // 5
	dbSizeOffset       = pageSizeLog2Offset + 1  // 6
	primaryBitOffset   = dbSizeOffset + 8        // 14

	transactionSlotSize = 128
	transactionSlot0Off = 128
	transactionSlot1Off = transactionSlot0Off + transactionSlotSize // 256

	// DBMetapageSize is the fixed size of the metapage region at byte 0.
	DBMetapageSize = transactionSlot1Off + transactionSlotSize // 384

	// metadataPageIndex is the PageNumber.Index reserved for the metapage.
	metadataPageIndex = 0
)

var magicNumber = [magicLen]byte{'r', 'e', 'd', 'b'}

const currentVersion = 1

// Offsets within one 128-byte transaction slot.
const (
	rootPageOffset        = 0
	rootPageLen           = 8
	rootValidBytesOffset  = rootPageOffset + rootPageLen // 8
	rootValidBytesLen     = 4
	txnIDOffset           = rootValidBytesOffset + rootValidBytesLen // 12
	txnIDLen              = 16                                       // u128 on disk; API surface uses uint64
	allocatorPtrOffset    = txnIDOffset + txnIDLen // 28
	allocatorPtrLen       = 8
	allocatorLenOffset    = allocatorPtrOffset + allocatorPtrLen // 36
	allocatorLenLen       = 8
	allocatorDirtyOffset  = allocatorLenOffset + allocatorLenLen // 44
)

// primarySlot returns the 128-byte slot selected by the metapage's primary
// bit (byte 14 of metapage).
func primarySlot(metapage []byte) []byte {
	return selectSlot(metapage, metapage[primaryBitOffset] == 0)
}

// secondarySlot returns the slot NOT selected by the primary bit.
func secondarySlot(metapage []byte) []byte {
	return selectSlot(metapage, metapage[primaryBitOffset] != 0)
}

func selectSlot(metapage []byte, wantSlot0 bool) []byte {
	if wantSlot0 {
		return metapage[transactionSlot0Off : transactionSlot0Off+transactionSlotSize]
	}
	return metapage[transactionSlot1Off : transactionSlot1Off+transactionSlotSize]
}

// metaAccessor is a read-only view over one transaction slot, requiring the
// metapage mutex to have been held by the caller for its whole lifetime.
type metaAccessor struct {
	mem []byte
}

func (a metaAccessor) rootPage() (PageNumber, uint32) {
	var raw [8]byte
	copy(raw[:], a.mem[rootPageOffset:rootPageOffset+rootPageLen])
	pn := PageNumberFromBytes(raw)
	validBytes := binary.BigEndian.Uint32(a.mem[rootValidBytesOffset : rootValidBytesOffset+rootValidBytesLen])
	return pn, validBytes
}

func (a metaAccessor) lastCommittedTransactionID() uint64 {
	return binary.BigEndian.Uint64(a.mem[txnIDOffset+8 : txnIDOffset+txnIDLen])
}

func (a metaAccessor) allocatorDirty() bool {
	return a.mem[allocatorDirtyOffset] == 1
}

func (a metaAccessor) allocatorData() (start, end int) {
	ptr := binary.BigEndian.Uint64(a.mem[allocatorPtrOffset : allocatorPtrOffset+allocatorPtrLen])
	length := binary.BigEndian.Uint64(a.mem[allocatorLenOffset : allocatorLenOffset+allocatorLenLen])
	return int(ptr), int(ptr + length)
}

// metaMutator is an exclusive, read-write view over one transaction slot.
type metaMutator struct {
	mem []byte
}

func (m metaMutator) setRootPage(pn PageNumber, validMessageBytes uint32) {
	raw := pn.ToBytes()
	copy(m.mem[rootPageOffset:rootPageOffset+rootPageLen], raw[:])
	binary.BigEndian.PutUint32(m.mem[rootValidBytesOffset:rootValidBytesOffset+rootValidBytesLen], validMessageBytes)
}

func (m metaMutator) setLastCommittedTransactionID(id uint64) {
	for i := 0; i < 8; i++ {
		m.mem[txnIDOffset+i] = 0
	}
	binary.BigEndian.PutUint64(m.mem[txnIDOffset+8:txnIDOffset+txnIDLen], id)
}

func (m metaMutator) lastCommittedTransactionID() uint64 {
	return binary.BigEndian.Uint64(m.mem[txnIDOffset+8 : txnIDOffset+txnIDLen])
}

func (m metaMutator) setAllocatorData(start, length int) {
	binary.BigEndian.PutUint64(m.mem[allocatorPtrOffset:allocatorPtrOffset+allocatorPtrLen], uint64(start))
	binary.BigEndian.PutUint64(m.mem[allocatorLenOffset:allocatorLenOffset+allocatorLenLen], uint64(length))
}

func (m metaMutator) allocatorData() (start, end int) {
	ptr := binary.BigEndian.Uint64(m.mem[allocatorPtrOffset : allocatorPtrOffset+allocatorPtrLen])
	length := binary.BigEndian.Uint64(m.mem[allocatorLenOffset : allocatorLenOffset+allocatorLenLen])
	return int(ptr), int(ptr + length)
}

func (m metaMutator) setAllocatorDirty(dirty bool) {
	if dirty {
		m.mem[allocatorDirtyOffset] = 1
	} else {
		m.mem[allocatorDirtyOffset] = 0
	}
}

func (m metaMutator) allocatorDirty() bool {
	return m.mem[allocatorDirtyOffset] == 1
}
