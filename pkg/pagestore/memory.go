package pagestore

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"pagestore/internal/logger"
	"pagestore/internal/metrics"
)

// TransactionalMemory is the crash-safe page manager built on top of a
// Mapping. It is grounded end-to-end on the TransactionalMemory impl of
// page_manager.rs: double-buffered metapage slots selected by a primary
// bit, a bitmap page allocator treated as a cache of the metapage, and a
// single-writer discipline enforced by the caller rather than by locking
// every call.
//
// Unlike the Rust original, there is no separate RefCell/unsafe-pointer
// dance to get a &mut []byte out from behind an immutable mmap handle:
// mapping.Bytes() already returns a plain mutable slice, so metaMu alone
// is enough to serialize access to the metapage and allocator state.
type TransactionalMemory struct {
	mapping Mapping
	pageSize int

	metaMu sync.Mutex

	pageAllocator *PageAllocator

	allocatedSinceCommit map[PageNumber]struct{}
	freedSinceCommit     []PageNumber
	openDirtyPages       *dirtyPageSet

	readFromSecondary atomic.Bool
	lastTransactionID uint64

	log *logger.Logger
	met *metrics.Metrics
}

// Options configures Open.
type Options struct {
	// RequestedPageSize, if nonzero, must be a power of two at least
	// DBMetapageSize, and must match the page size an existing file was
	// created with.
	RequestedPageSize int
	Log               *logger.Logger
	Metrics           *metrics.Metrics
}

// calculateUsablePages finds a fixed point for the number of base pages a
// mapping of mmapSize bytes can hold once two copies of the bitmap
// allocator state are carved out of the end of the mapping, mirroring
// page_manager.rs's calculate_usable_pages.
func calculateUsablePages(mmapSize, pageSize int) int {
	guess := mmapSize / pageSize
	newGuess := (mmapSize - 2*RequiredSpace(guess)) / pageSize
	for i := 0; guess != newGuess && i < 1000; i++ {
		guess = newGuess
		newGuess = (mmapSize - 2*RequiredSpace(guess)) / pageSize
	}
	return guess
}

// Open opens mapping as a transactional page store, initializing it as a
// fresh, empty database if its magic number is absent. Per spec.md §4.5,
// initialization writes every durable structure and flushes twice, only
// writing the magic number on the final flush so a crash mid-init leaves
// a file indistinguishable from one that was never created.
func Open(mapping Mapping, opts Options) (*TransactionalMemory, error) {
	log := opts.Log
	if log == nil {
		log = logger.Disabled()
	}
	log = log.PageManagerLogger()

	mem := mapping.Bytes()
	if len(mem) < DBMetapageSize {
		return nil, ErrMappingTooSmall
	}

	initializedNow := false
	if !hasMagic(mem) {
		if err := initializeNew(mapping, opts.RequestedPageSize); err != nil {
			return nil, err
		}
		initializedNow = true
		mem = mapping.Bytes()
	}

	pageSize := 1 << mem[pageSizeLog2Offset]
	if opts.RequestedPageSize != 0 && pageSize != opts.RequestedPageSize {
		return nil, ErrPageSizeMismatch
	}

	dbSize := beUint64(mem[dbSizeOffset : dbSizeOffset+8])
	if int(dbSize) != mapping.Len() {
		return nil, ErrDBSizeMismatch
	}

	usablePages := calculateUsablePages(mapping.Len(), pageSize)
	allocator := NewPageAllocator(usablePages)

	primary := metaAccessor{mem: primarySlot(mem)}
	secondary := metaAccessor{mem: secondarySlot(mem)}
	if primary.allocatorDirty() || secondary.allocatorDirty() {
		return nil, ErrDirtyOnOpen
	}

	tm := &TransactionalMemory{
		mapping:              mapping,
		pageSize:             pageSize,
		pageAllocator:        allocator,
		allocatedSinceCommit: make(map[PageNumber]struct{}),
		openDirtyPages:       newDirtyPageSet(),
		log:                  log,
		met:                  opts.Metrics,
	}

	log.LogOpen(fmt.Sprintf("%T", mapping), pageSize, initializedNow)

	return tm, nil
}

func hasMagic(mem []byte) bool {
	for i, b := range magicNumber {
		if mem[magicOffset+i] != b {
			return false
		}
	}
	return true
}

func initializeNew(mapping Mapping, requestedPageSize int) error {
	mem := mapping.Bytes()

	pageSize := requestedPageSize
	if pageSize == 0 {
		pageSize = defaultPageSize()
	}
	if pageSize < DBMetapageSize {
		return fmt.Errorf("pagestore: page size %d smaller than metapage size %d", pageSize, DBMetapageSize)
	}
	if pageSize&(pageSize-1) != 0 {
		return fmt.Errorf("pagestore: page size %d is not a power of two", pageSize)
	}

	usablePages := calculateUsablePages(len(mem), pageSize)
	if usablePages <= metadataPageIndex+1 {
		return ErrMappingTooSmall
	}
	allocator := NewPageAllocator(usablePages)

	for i := 0; i < DBMetapageSize; i++ {
		mem[i] = 0
	}
	for i := usablePages * pageSize; i < len(mem); i++ {
		mem[i] = 0
	}

	allocatorStateSize := RequiredSpace(usablePages)

	mem[pageSizeLog2Offset] = byte(trailingZeros(pageSize))
	putBeUint64(mem[dbSizeOffset:dbSizeOffset+8], uint64(len(mem)))

	// Set to 1 so the secondary slot (index 0) is mutable first.
	mem[primaryBitOffset] = 1

	start := len(mem) - 2*allocatorStateSize
	{
		mutator := metaMutator{mem: secondarySlot(mem)}
		mutator.setRootPage(NullPageNumber(), 0)
		mutator.setLastCommittedTransactionID(0)
		mutator.setAllocatorDirty(false)
		mutator.setAllocatorData(start, allocatorStateSize)
	}
	allocator.InitNew(mem[start:start+allocatorStateSize], usablePages)
	allocator.RecordAlloc(mem[start:start+allocatorStateSize], metadataPageIndex)

	// The slot we just wrote becomes the primary.
	mem[primaryBitOffset] = 0

	secondaryStart := len(mem) - allocatorStateSize
	{
		mutator := metaMutator{mem: secondarySlot(mem)}
		mutator.setAllocatorDirty(false)
		mutator.setAllocatorData(secondaryStart, allocatorStateSize)
	}
	allocator.InitNew(mem[secondaryStart:secondaryStart+allocatorStateSize], usablePages)
	allocator.RecordAlloc(mem[secondaryStart:secondaryStart+allocatorStateSize], metadataPageIndex)

	mem[versionOffset] = currentVersion

	if err := mapping.Flush(); err != nil {
		return err
	}

	// Write the magic number only after everything else is durable.
	copy(mem[magicOffset:magicOffset+magicLen], magicNumber[:])
	return mapping.Flush()
}

func defaultPageSize() int {
	return os.Getpagesize()
}

func trailingZeros(n int) int {
	count := 0
	for n > 1 {
		n >>= 1
		count++
	}
	return count
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func putBeUint64(b []byte, v uint64) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// metapage returns the full metapage slice under metaMu,
// which the caller must hold for the lifetime of the returned slice.
func (t *TransactionalMemory) metapage() []byte {
	return t.mapping.Bytes()[0:DBMetapageSize]
}

// acquireMutablePageAllocator dirties the allocator cache (flushing first
// if it was clean, since the allocator state is only a cache of whichever
// slot's flush already made the rest of that slot durable) and returns the
// byte range backing it. Caller must hold metaMu.
func (t *TransactionalMemory) acquireMutablePageAllocator(mutator metaMutator) ([]byte, error) {
	if !mutator.allocatorDirty() {
		mutator.setAllocatorDirty(true)
		if err := t.mapping.Flush(); err != nil {
			return nil, err
		}
	}
	start, end := mutator.allocatorData()
	if end > t.mapping.Len() {
		return nil, fmt.Errorf("pagestore: allocator region [%d,%d) exceeds mapping length %d", start, end, t.mapping.Len())
	}
	return t.mapping.Bytes()[start:end], nil
}

// GetPage returns a read-only view of page. It is an error (programmer
// error, not a recoverable one) to call this while a PageMut for the same
// page is outstanding.
func (t *TransactionalMemory) GetPage(number PageNumber) Page {
	assertInvariant(!t.openDirtyPages.contains(number), "GetPage on page %v with an outstanding mutable handle", number)
	lo, hi := number.AddressRange(t.pageSize)
	return Page{mem: t.mapping.Bytes()[lo:hi], number: number}
}

// GetPageMut returns an exclusive, writable view of number. The returned
// handle must be Released before any commit-family call.
func (t *TransactionalMemory) GetPageMut(number PageNumber) *PageMut {
	t.openDirtyPages.insert(number)
	lo, hi := number.AddressRange(t.pageSize)
	if t.met != nil {
		t.met.OpenDirtyPages.Set(float64(len(t.openDirtyPages.pages)))
	}
	return &PageMut{mem: t.mapping.Bytes()[lo:hi], number: number, openDirty: t.openDirtyPages}
}

// Allocate reserves a new page of size bytes, zeroes it, and returns a
// mutable handle to it. size must not exceed the configured page size,
// matching page_manager.rs's assert!(allocation_size <= self.page_size):
// the allocator only ever hands out whole pages, so a caller asking for
// more than one page's worth is a programmer error. The page is tracked as
// uncommitted until the next Commit or NonDurableCommit.
func (t *TransactionalMemory) Allocate(size int) (*PageMut, error) {
	assertInvariant(size <= t.pageSize, "Allocate size %d exceeds page size %d", size, t.pageSize)

	t.metaMu.Lock()
	mutator := metaMutator{mem: secondarySlot(t.metapage())}
	mem, err := t.acquireMutablePageAllocator(mutator)
	if err != nil {
		t.metaMu.Unlock()
		return nil, err
	}
	index, ok := t.pageAllocator.Alloc(mem)
	t.metaMu.Unlock()
	if !ok {
		if t.met != nil {
			t.met.AllocateFailures.Inc()
		}
		return nil, ErrAllocatorFull
	}

	number := PageNumber{Index: index, Order: 0}
	t.allocatedSinceCommit[number] = struct{}{}
	t.openDirtyPages.insert(number)

	lo, hi := number.AddressRange(t.pageSize)
	dst := t.mapping.Bytes()[lo:hi]
	for i := range dst {
		dst[i] = 0
	}

	if t.met != nil {
		t.met.AllocateTotal.Inc()
		t.met.OpenDirtyPages.Set(float64(len(t.openDirtyPages.pages)))
	}
	t.log.LogAllocate(index)

	return &PageMut{mem: dst, number: number, openDirty: t.openDirtyPages}, nil
}

// Free marks page as free as of the next commit. It remains valid to read
// until then.
func (t *TransactionalMemory) Free(page PageNumber) error {
	t.metaMu.Lock()
	mutator := metaMutator{mem: secondarySlot(t.metapage())}
	mem, err := t.acquireMutablePageAllocator(mutator)
	if err != nil {
		t.metaMu.Unlock()
		return err
	}
	t.pageAllocator.Free(mem, page.Index)
	t.metaMu.Unlock()

	t.freedSinceCommit = append(t.freedSinceCommit, page)
	if t.met != nil {
		t.met.FreeTotal.Inc()
	}
	t.log.LogFree(page.Index, false)
	return nil
}

// FreeIfUncommitted frees page immediately if it was allocated since the
// last commit, reporting whether it did so. Used to undo an allocation
// within the same transaction without waiting for a rollback.
func (t *TransactionalMemory) FreeIfUncommitted(page PageNumber) (bool, error) {
	if _, ok := t.allocatedSinceCommit[page]; !ok {
		return false, nil
	}
	delete(t.allocatedSinceCommit, page)

	t.metaMu.Lock()
	mutator := metaMutator{mem: secondarySlot(t.metapage())}
	mem, err := t.acquireMutablePageAllocator(mutator)
	if err != nil {
		t.metaMu.Unlock()
		return false, err
	}
	t.pageAllocator.Free(mem, page.Index)
	t.metaMu.Unlock()

	if t.met != nil {
		t.met.FreeTotal.Inc()
	}
	t.log.LogFree(page.Index, true)
	return true, nil
}

// Uncommitted reports whether page was allocated since the last commit.
func (t *TransactionalMemory) Uncommitted(page PageNumber) bool {
	_, ok := t.allocatedSinceCommit[page]
	return ok
}

// GetPrimaryRootPage returns the root page and its valid-message-bytes
// count as of the last durable or non-durable commit, whichever is more
// recent.
func (t *TransactionalMemory) GetPrimaryRootPage() (PageNumber, uint32) {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()
	mem := t.metapage()
	var slot []byte
	if t.readFromSecondary.Load() {
		slot = secondarySlot(mem)
	} else {
		slot = primarySlot(mem)
	}
	return metaAccessor{mem: slot}.rootPage()
}

// GetLastCommittedTransactionID returns the transaction ID of the last
// durable or non-durable commit, whichever is more recent.
func (t *TransactionalMemory) GetLastCommittedTransactionID() uint64 {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()
	mem := t.metapage()
	var slot []byte
	if t.readFromSecondary.Load() {
		slot = secondarySlot(mem)
	} else {
		slot = primarySlot(mem)
	}
	return metaAccessor{mem: slot}.lastCommittedTransactionID()
}

// SetSecondaryRootPage stages root as the root page that the next commit
// will publish.
func (t *TransactionalMemory) SetSecondaryRootPage(root PageNumber, validMessageBytes uint32) {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()
	mutator := metaMutator{mem: secondarySlot(t.metapage())}
	mutator.setRootPage(root, validMessageBytes)
}

// CountFreePages returns the number of free pages in the allocator state
// currently backing the writer's in-progress transaction.
// TODO: this goes through the mutator path and dirties the allocator cache
// even though it only reads; a read-only accessor path would avoid that.
func (t *TransactionalMemory) CountFreePages() (int, error) {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()
	mutator := metaMutator{mem: secondarySlot(t.metapage())}
	mem, err := t.acquireMutablePageAllocator(mutator)
	if err != nil {
		return 0, err
	}
	count := t.pageAllocator.CountFreePages(mem)
	if t.met != nil {
		t.met.FreePages.Set(float64(count))
	}
	return count, nil
}

// Commit makes every write performed by the current transaction durable
// and visible as the primary, flipping the primary bit only after the
// transaction ID and the secondary's clean allocator flag are themselves
// durable. The metapage is updated in three flushed steps: the transaction
// ID; then the clearing of the secondary's allocator dirty flag; then the
// primary bit flip together with marking the new secondary dirty. A crash
// before the last flush leaves the previous primary intact.
func (t *TransactionalMemory) Commit(transactionID uint64) error {
	start := time.Now()
	err := t.commit(transactionID)
	if t.met != nil {
		t.met.RecordCommit("durable", err, time.Since(start))
	}
	t.log.LogCommit("commit", transactionID, time.Since(start), err)
	return err
}

func (t *TransactionalMemory) commit(transactionID uint64) error {
	assertInvariant(t.openDirtyPages.empty(), "commit called with open mutable page handles")

	t.metaMu.Lock()
	mutator := metaMutator{mem: secondarySlot(t.metapage())}
	mutator.setLastCommittedTransactionID(transactionID)
	t.metaMu.Unlock()

	if err := t.mapping.Flush(); err != nil {
		return err
	}

	t.metaMu.Lock()
	mem := t.metapage()
	next := byte(1)
	if mem[primaryBitOffset] == 1 {
		next = 0
	}

	// Mark the slot about to become primary (currently the secondary) clean
	// before flipping, since its allocator state is about to stop being
	// mutated directly.
	metaMutator{mem: secondarySlot(mem)}.setAllocatorDirty(false)
	t.metaMu.Unlock()

	if err := t.mapping.Flush(); err != nil {
		return err
	}

	t.metaMu.Lock()
	mem = t.metapage()
	mem[primaryBitOffset] = next

	// The slot we just made secondary (the old primary, now deselected by
	// the flipped bit) must be marked dirty since we are about to replay
	// the allocator deltas into it.
	newSecondaryMutator := metaMutator{mem: secondarySlot(mem)}
	newSecondaryMutator.setAllocatorDirty(true)
	t.metaMu.Unlock()

	if err := t.mapping.Flush(); err != nil {
		return err
	}

	t.metaMu.Lock()
	allocMem, err := t.acquireMutablePageAllocator(newSecondaryMutator)
	if err != nil {
		t.metaMu.Unlock()
		return err
	}
	for number := range t.allocatedSinceCommit {
		t.pageAllocator.RecordAlloc(allocMem, number.Index)
	}
	t.allocatedSinceCommit = make(map[PageNumber]struct{})
	for _, number := range t.freedSinceCommit {
		t.pageAllocator.Free(allocMem, number.Index)
	}
	t.freedSinceCommit = nil
	t.metaMu.Unlock()

	t.readFromSecondary.Store(false)
	t.lastTransactionID = transactionID
	return nil
}

// NonDurableCommit makes the current transaction's writes visible to
// future readers without a durability guarantee: the caller accepts that
// a crash before the next durable Commit may roll these writes back.
// Because it writes directly into the primary allocator state, it first
// marks the primary slot dirty and flushes, unless that slot was already
// dirty, so a crash never observes that state half-written behind a clean
// flag.
func (t *TransactionalMemory) NonDurableCommit(transactionID uint64) error {
	start := time.Now()
	err := t.nonDurableCommit(transactionID)
	if t.met != nil {
		t.met.RecordCommit("non_durable", err, time.Since(start))
	}
	t.log.LogCommit("non_durable_commit", transactionID, time.Since(start), err)
	return err
}

func (t *TransactionalMemory) nonDurableCommit(transactionID uint64) error {
	assertInvariant(t.openDirtyPages.empty(), "non-durable commit called with open mutable page handles")

	t.metaMu.Lock()
	metaMutator{mem: secondarySlot(t.metapage())}.setLastCommittedTransactionID(transactionID)

	primaryMutator := metaMutator{mem: primarySlot(t.metapage())}
	needsFlush := !primaryMutator.allocatorDirty()
	if needsFlush {
		primaryMutator.setAllocatorDirty(true)
	}
	t.metaMu.Unlock()

	if needsFlush {
		if err := t.mapping.Flush(); err != nil {
			return err
		}
	}

	t.metaMu.Lock()
	allocMem, err := t.acquireMutablePageAllocator(primaryMutator)
	if err != nil {
		t.metaMu.Unlock()
		return err
	}
	for number := range t.allocatedSinceCommit {
		t.pageAllocator.RecordAlloc(allocMem, number.Index)
	}
	t.allocatedSinceCommit = make(map[PageNumber]struct{})
	assertInvariant(len(t.freedSinceCommit) == 0, "non-durable commit cannot include freed pages")
	t.metaMu.Unlock()

	t.readFromSecondary.Store(true)
	t.lastTransactionID = transactionID
	return nil
}

// RollbackUncommittedWrites discards every allocation and free made since
// the last commit, restoring the secondary allocator state (marking the
// secondary slot dirty if it was clean) without touching the primary slot.
func (t *TransactionalMemory) RollbackUncommittedWrites() error {
	start := time.Now()
	err := t.rollback()
	if t.met != nil {
		t.met.RollbacksTotal.Inc()
	}
	t.log.LogCommit("rollback", 0, time.Since(start), err)
	return err
}

func (t *TransactionalMemory) rollback() error {
	assertInvariant(t.openDirtyPages.empty(), "rollback called with open mutable page handles")

	t.metaMu.Lock()
	defer t.metaMu.Unlock()
	mutator := metaMutator{mem: secondarySlot(t.metapage())}
	mem, err := t.acquireMutablePageAllocator(mutator)
	if err != nil {
		return err
	}
	for number := range t.allocatedSinceCommit {
		t.pageAllocator.Free(mem, number.Index)
	}
	t.allocatedSinceCommit = make(map[PageNumber]struct{})
	for _, number := range t.freedSinceCommit {
		t.pageAllocator.RecordAlloc(mem, number.Index)
	}
	t.freedSinceCommit = nil
	return nil
}

// Close finalizes any outstanding non-durable commit and releases the
// underlying mapping. Go's answer to the original's Drop impl: if a
// non-durable commit left read_from_secondary set, Close performs one
// last durable Commit with the most recently published transaction ID so
// nothing is silently lost. Either way, a successful Close always leaves
// the secondary slot's allocator_dirty flag cleared and flushed, since
// Open rejects a mapping with either slot dirty (see ErrDirtyOnOpen) and
// an ordinary commit() leaves its new secondary dirty by design, as the
// working cache for whatever transaction comes next. An error here
// indicates possible corruption requiring repair on next open.
func (t *TransactionalMemory) Close() error {
	var err error
	if t.readFromSecondary.Load() {
		err = t.commit(t.lastTransactionID)
	}
	if err == nil {
		t.metaMu.Lock()
		metaMutator{mem: secondarySlot(t.metapage())}.setAllocatorDirty(false)
		t.metaMu.Unlock()
		err = t.mapping.Flush()
	}
	if closeErr := t.mapping.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
