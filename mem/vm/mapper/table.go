package mapper

import "sync/atomic"

// Geometry of the translation table.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1

	// EntrySize is the size in bytes of one hardware translation word.
	EntrySize = 4

	// TransPerPage is the number of translation words in one table page.
	TransPerPage = PageSize / EntrySize

	// MinZoneSize is the smallest block, in pages, the allocator hands out.
	MinZoneSize = 4

	// MaxNumZones covers 31 bits of IOVA space mapped in 16K super pages.
	MaxNumZones = 31 - 14

	// ValidBit marks a translation word as trusted by the table walker.
	ValidBit uint32 = 1 << 31

	ppnMask = ValidBit - 1
)

// A PageIndex addresses one slot of the table. It is also the IOVA page
// number the slot translates.
type PageIndex uint32

// IOAddress returns the IOVA of the first byte of the page.
func (p PageIndex) IOAddress() uint64 {
	return uint64(p) << PageShift
}

// A PPN is a physical page number.
type PPN uint32

// Addr returns the physical address of the first byte of the page.
func (p PPN) Addr() uint64 {
	return uint64(p) << PageShift
}

// MappedEntry is the view of a slot that holds a valid translation.
type MappedEntry struct {
	PPN PPN
}

// FreeBlock is the header of a block. A block on a free list has InUse
// cleared; an allocated block keeps an InUse header until it is freed.
type FreeBlock struct {
	InUse bool
	Zone  int
	Next  PageIndex
	Prev  PageIndex
}

type header struct {
	FreeBlock
	present bool
}

// A Table is the translation table shared with the hardware walker. Each slot
// is either a mapped entry (its word has ValidBit set), the header of a free
// block, or invalid.
//
// Words are read by the hardware at any time, so they are atomic. Headers are
// CPU-only and are touched only under the mapper's allocation mutex.
type Table struct {
	words    []atomic.Uint32
	headers  []header
	basePhys uint64
}

func newTable(numEntries int, basePhys uint64) *Table {
	return &Table{
		words:    make([]atomic.Uint32, numEntries),
		headers:  make([]header, numEntries),
		basePhys: basePhys,
	}
}

// Len returns the number of slots.
func (t *Table) Len() int {
	return len(t.words)
}

// BasePhys returns the physical address of slot 0.
func (t *Table) BasePhys() uint64 {
	return t.basePhys
}

// WordAddr returns the physical address of the word of slot i.
func (t *Table) WordAddr(i PageIndex) uint64 {
	return t.basePhys + uint64(i)*EntrySize
}

// Word returns the hardware word of slot i. Slots past the end read as zero.
func (t *Table) Word(i PageIndex) uint32 {
	if int(i) >= len(t.words) {
		return 0
	}

	return t.words[i].Load()
}

func (t *Table) inRange(i PageIndex) bool {
	return int(i) < len(t.words)
}

func (t *Table) mapped(i PageIndex) (MappedEntry, bool) {
	w := t.Word(i)
	if w&ValidBit == 0 {
		return MappedEntry{}, false
	}

	return MappedEntry{PPN: PPN(w & ppnMask)}, true
}

func (t *Table) freeBlock(i PageIndex) (FreeBlock, bool) {
	if !t.inRange(i) {
		return FreeBlock{}, false
	}

	if t.words[i].Load()&ValidBit != 0 {
		return FreeBlock{}, false
	}

	h := t.headers[i]
	if !h.present {
		return FreeBlock{}, false
	}

	return h.FreeBlock, true
}

// allocatedBlock returns the header of a block handed out by the allocator.
func (t *Table) allocatedBlock(i PageIndex) (FreeBlock, bool) {
	if !t.inRange(i) {
		return FreeBlock{}, false
	}

	h := t.headers[i]
	if !h.present || !h.InUse {
		return FreeBlock{}, false
	}

	return h.FreeBlock, true
}

func (t *Table) setHeader(i PageIndex, b FreeBlock) {
	t.headers[i] = header{FreeBlock: b, present: true}
}

func (t *Table) header(i PageIndex) *FreeBlock {
	h := &t.headers[i]
	if !h.present {
		panic("slot does not hold a free block header")
	}

	return &h.FreeBlock
}

func (t *Table) clearHeader(i PageIndex) {
	t.headers[i] = header{}
}

func (t *Table) setMapped(i PageIndex, ppn PPN) {
	t.words[i].Store(uint32(ppn) | ValidBit)
}

func (t *Table) fillMapped(first PageIndex, n int, ppn PPN) {
	w := uint32(ppn) | ValidBit
	for i := 0; i < n; i++ {
		t.words[int(first)+i].Store(w)
	}
}

// clearRange returns n slots to the invalid state. Large ranges drop their
// headers in bulk.
func (t *Table) clearRange(first PageIndex, n int, bulk bool) {
	lo, hi := int(first), int(first)+n

	if bulk {
		clear(t.headers[lo:hi])
		for i := lo; i < hi; i++ {
			t.words[i].Store(0)
		}

		return
	}

	for i := lo; i < hi; i++ {
		t.words[i].Store(0)
		t.headers[i] = header{}
	}
}
