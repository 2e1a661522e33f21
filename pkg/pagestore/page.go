package pagestore

import "encoding/binary"

// pageOrderShift is the bit position where the page order is packed into
// the big-endian 8-byte encoding of a PageNumber: the low 48 bits hold the
// page index, the high 8 bits hold the order.
const pageOrderShift = 56

// pageIndexMask isolates the low 48 bits (the page index) of the packed
// 64-bit representation.
const pageIndexMask = (uint64(1) << 48) - 1

// PageNumber identifies a page, or a run of 2^Order consecutive base pages
// starting at Index. Only Order 0 is issued by the current allocator;
// higher orders are reserved for a future multi-page allocation scheme.
//
// Index 0 is reserved for the metapage. A root PageNumber with Index 0
// means "no root".
type PageNumber struct {
	Index uint64
	Order uint8
}

// NullPageNumber is the PageNumber stored to mean "no root page".
func NullPageNumber() PageNumber {
	return PageNumber{}
}

// IsNull reports whether p represents "no root page".
func (p PageNumber) IsNull() bool {
	return p.Index == 0
}

// ToBytes encodes p as 8 big-endian bytes: order in the high byte, index in
// the low 6 bytes.
func (p PageNumber) ToBytes() [8]byte {
	packed := (p.Index & pageIndexMask) | (uint64(p.Order) << pageOrderShift)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], packed)
	return buf
}

// PageNumberFromBytes decodes the encoding produced by ToBytes.
func PageNumberFromBytes(b [8]byte) PageNumber {
	packed := binary.BigEndian.Uint64(b[:])
	return PageNumber{
		Index: packed & pageIndexMask,
		Order: uint8(packed >> pageOrderShift),
	}
}

// pageCount returns 2^Order, the number of base pages this PageNumber spans.
func (p PageNumber) pageCount() uint64 {
	return uint64(1) << p.Order
}

// AddressRange returns the half-open byte range [lo, hi) this page occupies
// within a mapping using the given base page size.
func (p PageNumber) AddressRange(pageSize int) (lo, hi int) {
	span := int(p.pageCount()) * pageSize
	lo = int(p.Index) * span
	hi = lo + span
	return lo, hi
}

// ByteLen returns the number of bytes spanned by this page at the given
// base page size.
func (p PageNumber) ByteLen(pageSize int) int {
	return int(p.pageCount()) * pageSize
}

// Page is a read-only view of a committed page's bytes.
type Page struct {
	mem    []byte
	number PageNumber
}

// Memory returns the page's bytes. The slice aliases the backing mapping
// and must not be retained past the operation that produced this Page.
func (p Page) Memory() []byte {
	return p.mem
}

// Number returns the identity of the page.
func (p Page) Number() PageNumber {
	return p.number
}

// PageMut is an exclusive, writable view of a page. It must be released
// with Release before the page becomes visible to a subsequent commit.
type PageMut struct {
	mem        []byte
	number     PageNumber
	openDirty  *dirtyPageSet
	released   bool
}

// MemoryMut returns the page's bytes for in-place mutation. The slice
// aliases the backing mapping directly.
func (p *PageMut) MemoryMut() []byte {
	return p.mem
}

// Number returns the identity of the page.
func (p *PageMut) Number() PageNumber {
	return p.number
}

// Release removes this handle's page number from the open-dirty-pages set,
// the Go equivalent of the original's RAII Drop. Mutable handles must be
// released before Commit/NonDurableCommit/RollbackUncommittedWrites, which
// all assert the open-dirty-pages set is empty.
func (p *PageMut) Release() {
	if p.released {
		return
	}
	p.released = true
	p.openDirty.remove(p.number)
}
