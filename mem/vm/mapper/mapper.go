// Package mapper manages the I/O virtual address space of a DMA remapping
// unit. It hands out ranges of IOVA pages, keeps the hardware-walked
// translation table for those pages, and keeps the CPU cache and the device
// TLB coherent with the table whenever a mapping changes.
package mapper

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/iommu/mem/vm"
	"github.com/sarchlab/iommu/sim/hooking"
)

// PageInfo is one element of a platform scatter/gather page list.
type PageInfo struct {
	PhysPage PPN
}

// A Mapper owns one address remapping table.
type Mapper struct {
	hooking.HookableBase

	name string

	// lock is the allocation mutex. freeCond is signalled by Free.
	lock     sync.Mutex
	freeCond *sync.Cond
	alloc    allocator

	table  *Table
	syncer *synchronizer

	regionPages int
	artPages    int

	host       vm.PageAllocator
	dummyVAddr uint64
	dummyPage  PPN

	faultHandler FaultHandler
	detached     atomic.Bool

	numAllocs        atomic.Uint64
	numFrees         atomic.Uint64
	numInserts       atomic.Uint64
	numInvalidations atomic.Uint64
	numRetries       atomic.Uint64
}

// Name returns the name of the mapper.
func (m *Mapper) Name() string {
	return m.name
}

// Table returns the translation table shared with the hardware.
func (m *Mapper) Table() *Table {
	return m.table
}

// RegionPages returns the number of IOVA pages the mapper translates.
func (m *Mapper) RegionPages() int {
	return m.regionPages
}

// NumZones returns the number of block size classes.
func (m *Mapper) NumZones() int {
	return m.alloc.numZones
}

// DummyPage returns the physical page every fresh allocation points at until
// it is populated.
func (m *Mapper) DummyPage() PPN {
	return m.dummyPage
}

func (m *Mapper) fatal(kind FatalKind, op, detail string) {
	err := &FatalError{Kind: kind, Mapper: m.name, Op: op, Detail: detail}

	if m.faultHandler != nil {
		m.faultHandler(err)
	}

	panic(err)
}

func (m *Mapper) mustBeAttached(op string) {
	if m.detached.Load() {
		m.fatal(FatalDetached, op, "mapper has been closed")
	}
}

// Allocate reserves a block holding at least pages+1 IOVA pages and returns
// its first page. Every slot of the block points at the dummy page until it
// is populated with Insert. If no block is large enough, Allocate blocks
// until another caller frees one. Page 0 is never returned.
func (m *Mapper) Allocate(pages int) PageIndex {
	m.mustBeAttached("Allocate")

	rounded, ok := m.alloc.roundRequest(pages)
	if !ok {
		m.fatal(FatalRequestTooLarge, "Allocate",
			fmt.Sprintf("%d pages, region holds %d", pages, m.regionPages))
	}

	zone := zoneFor(rounded)

	m.lock.Lock()

	found, base := m.alloc.findFree(zone)
	for base == 0 {
		m.alloc.sleepers++
		m.InvokeHook(hooking.HookCtx{
			Domain: m,
			Pos:    HookPosSleep,
			Item:   SleepEvent{Zone: zone, Sleepers: m.alloc.sleepers},
		})

		m.freeCond.Wait()

		m.alloc.sleepers--
		m.InvokeHook(hooking.HookCtx{
			Domain: m,
			Pos:    HookPosWake,
			Item:   SleepEvent{Zone: zone, Sleepers: m.alloc.sleepers},
		})

		found, base = m.alloc.findFree(zone)
	}

	m.alloc.popHead(found)
	if found != zone {
		m.alloc.breakUp(zone, found, base)
	}

	m.alloc.markInUse(base, zone)

	m.table.fillMapped(base, rounded, m.dummyPage)

	m.lock.Unlock()

	m.numAllocs.Add(1)
	m.InvokeHook(hooking.HookCtx{
		Domain: m,
		Pos:    HookPosAlloc,
		Item: AllocEvent{
			Base:      base,
			Requested: pages,
			Pages:     rounded,
			Zone:      zone,
			FoundZone: found,
		},
	})

	return base
}

// Free returns a block obtained from Allocate. pages must be the count passed
// to Allocate. The block's translations are invalidated in the table, the
// cache, and the TLB before the block can be handed out again.
func (m *Mapper) Free(base PageIndex, pages int) {
	m.mustBeAttached("Free")

	rounded, ok := m.alloc.roundRequest(pages)
	if !ok {
		m.fatal(FatalRequestTooLarge, "Free",
			fmt.Sprintf("%d pages, region holds %d", pages, m.regionPages))
	}

	zone := zoneFor(rounded)
	m.blockMustBeFreeable(base, zone)

	merged, mergedZone, retries := m.release(base, rounded, zone)

	m.numFrees.Add(1)
	m.countInvalidation(base, rounded, retries)
	m.InvokeHook(hooking.HookCtx{
		Domain: m,
		Pos:    HookPosFree,
		Item: FreeEvent{
			Base:       base,
			Pages:      rounded,
			Zone:       zone,
			MergedBase: merged,
			MergedZone: mergedZone,
		},
	})
}

func (m *Mapper) release(
	base PageIndex,
	pages, zone int,
) (merged PageIndex, mergedZone, retries int) {
	m.lock.Lock()
	defer m.lock.Unlock()

	block, allocated := m.table.allocatedBlock(base)
	switch {
	case !allocated:
		m.fatal(FatalBadFree, "Free",
			fmt.Sprintf("page %d does not start an allocated block", base))
	case block.Zone != zone:
		m.fatal(FatalBadFree, "Free",
			fmt.Sprintf("block at page %d holds %d pages, not %d",
				base, zoneSize(block.Zone), zoneSize(zone)))
	}

	retries = m.syncer.invalidateRegion(base, pages)
	merged, mergedZone = m.alloc.release(base, zone)

	if m.alloc.sleepers > 0 {
		m.freeCond.Broadcast()
	}

	return merged, mergedZone, retries
}

func (m *Mapper) blockMustBeFreeable(base PageIndex, zone int) {
	size := PageIndex(zoneSize(zone))

	switch {
	case base == 0:
		m.fatal(FatalBadFree, "Free", "page 0 is reserved")
	case base%size != 0:
		m.fatal(FatalBadFree, "Free",
			fmt.Sprintf("page %d is not aligned to a %d-page block", base, size))
	case int(base)+int(size) > m.alloc.coveredPages():
		m.fatal(FatalBadFree, "Free",
			fmt.Sprintf("block [%d, %d) is outside the region",
				base, int(base)+int(size)))
	}
}

func (m *Mapper) countInvalidation(first PageIndex, n, retries int) {
	m.numInvalidations.Add(1)
	m.numRetries.Add(uint64(retries))

	m.InvokeHook(hooking.HookCtx{
		Domain: m,
		Pos:    HookPosInvalidate,
		Item:   InvalidateEvent{First: first, Count: n, Retries: retries},
	})
}

// Insert maps the page at base+offset to a physical page.
func (m *Mapper) Insert(base PageIndex, offset int, page PPN) {
	m.insert("Insert", base, offset, 1, func(int) PPN { return page })
}

// InsertPages maps consecutive pages starting at base+offset to the given
// physical pages.
func (m *Mapper) InsertPages(base PageIndex, offset int, pages []PPN) {
	m.insert("InsertPages", base, offset, len(pages),
		func(i int) PPN { return pages[i] })
}

// InsertPageInfo maps consecutive pages starting at base+offset to the pages
// of a scatter/gather list.
func (m *Mapper) InsertPageInfo(base PageIndex, offset int, pages []PageInfo) {
	m.insert("InsertPageInfo", base, offset, len(pages),
		func(i int) PPN { return pages[i].PhysPage })
}

func (m *Mapper) insert(
	op string,
	base PageIndex,
	offset, count int,
	pageAt func(i int) PPN,
) {
	m.mustBeAttached(op)

	if offset < 0 || int(base)+offset+count > m.table.Len() {
		m.fatal(FatalOutOfRange, op,
			fmt.Sprintf("pages [%d, %d) outside a %d-page table",
				int(base)+offset, int(base)+offset+count, m.table.Len()))
	}

	first := base + PageIndex(offset)
	for i := 0; i < count; i++ {
		ppn := pageAt(i)
		if uint32(ppn)&ValidBit != 0 {
			m.fatal(FatalOutOfRange, op,
				fmt.Sprintf("physical page %#x does not fit 31 bits", uint32(ppn)))
		}

		m.table.setMapped(first+PageIndex(i), ppn)
	}

	m.syncer.flush(first, count)
	retries := m.syncer.tlbInvalidate(first, count)

	m.numInserts.Add(1)
	m.countInvalidation(first, count, retries)
	m.InvokeHook(hooking.HookCtx{
		Domain: m,
		Pos:    HookPosInsert,
		Item:   InsertEvent{Base: base, Offset: offset, Count: count},
	})
}

// Translate returns the physical address an I/O address maps to. Addresses
// past the mapped region are not translated by this unit and are returned
// unchanged. Translating an address inside the region that holds no valid
// mapping is fatal.
func (m *Mapper) Translate(ioAddress uint64) uint64 {
	m.mustBeAttached("Translate")

	pAddr, ok := m.Lookup(ioAddress)
	if !ok {
		m.fatal(FatalUnmappedAddress, "Translate",
			fmt.Sprintf("%#x not mapped for I/O", ioAddress))
	}

	return pAddr
}

// Lookup is Translate without the fault: it reports false for an address
// inside the region that holds no valid mapping.
func (m *Mapper) Lookup(ioAddress uint64) (uint64, bool) {
	if ioAddress >= uint64(m.regionPages)<<PageShift {
		return ioAddress, true
	}

	entry, ok := m.table.mapped(PageIndex(ioAddress >> PageShift))
	if !ok {
		return 0, false
	}

	return entry.PPN.Addr() | ioAddress&PageMask, true
}

// Close detaches the mapper and releases the dummy page. Any later call is
// fatal.
func (m *Mapper) Close() {
	if m.detached.Swap(true) {
		return
	}

	m.host.FreePage(m.dummyVAddr)
}

// ZoneStats describes the free list of one zone.
type ZoneStats struct {
	Zone       int `json:"zone"`
	BlockPages int `json:"block_pages"`
	FreeBlocks int `json:"free_blocks"`
}

// Stats is a snapshot of the mapper state.
type Stats struct {
	Name          string      `json:"name"`
	RegionPages   int         `json:"region_pages"`
	ARTPages      int         `json:"art_pages"`
	NumZones      int         `json:"num_zones"`
	FreePages     int         `json:"free_pages"`
	Sleepers      int         `json:"sleepers"`
	Zones         []ZoneStats `json:"zones"`
	Allocations   uint64      `json:"allocations"`
	Frees         uint64      `json:"frees"`
	Inserts       uint64      `json:"inserts"`
	Invalidations uint64      `json:"invalidations"`
	Retries       uint64      `json:"retries"`
}

// Stats returns a snapshot of the free lists and the operation counters.
func (m *Mapper) Stats() Stats {
	m.lock.Lock()
	blocks := m.alloc.freeBlocks()
	sleepers := m.alloc.sleepers
	m.lock.Unlock()

	s := Stats{
		Name:          m.name,
		RegionPages:   m.regionPages,
		ARTPages:      m.artPages,
		NumZones:      m.alloc.numZones,
		Sleepers:      sleepers,
		Zones:         make([]ZoneStats, m.alloc.numZones),
		Allocations:   m.numAllocs.Load(),
		Frees:         m.numFrees.Load(),
		Inserts:       m.numInserts.Load(),
		Invalidations: m.numInvalidations.Load(),
		Retries:       m.numRetries.Load(),
	}

	for z := range s.Zones {
		s.Zones[z] = ZoneStats{Zone: z, BlockPages: zoneSize(z)}
	}

	for _, b := range blocks {
		s.Zones[b.zone].FreeBlocks++
		s.FreePages += zoneSize(b.zone)
	}

	return s
}
