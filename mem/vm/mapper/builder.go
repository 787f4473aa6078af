package mapper

import (
	"fmt"
	"log"
	"math/bits"
	"sync"
	"time"

	"github.com/sarchlab/iommu/mem/vm"
)

// Default table sizes, in table pages.
const (
	// SysARTSize maps 2 GiB.
	SysARTSize = (2 << 30) / PageSize / TransPerPage

	// RegARTSize maps 32 MiB.
	RegARTSize = (32 << 20) / PageSize / TransPerPage
)

// A Builder can build Mappers.
type Builder struct {
	system        bool
	artPages      int
	regionPages   int
	tableBase     uint64
	cacheLineSize int
	bootArgs      BootArgs

	register     Register
	cache        CacheController
	host         vm.HostMemory
	faultHandler FaultHandler

	pollWindow time.Duration
	maxLoops   int
	clock      func() time.Time
	quiet      bool
}

// MakeBuilder creates a new builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		tableBase:  0x1000_0000,
		pollWindow: 100 * time.Nanosecond,
		maxLoops:   10,
		clock:      time.Now,
	}
}

// WithSystem marks the mapper as the system mapper. The system mapper maps
// 2 GiB by default and flushes 128-byte cache lines.
func (b Builder) WithSystem(system bool) Builder {
	b.system = system
	return b
}

// WithARTSize sets the size of the translation table in table pages. Each
// table page maps TransPerPage IOVA pages.
func (b Builder) WithARTSize(pages int) Builder {
	b.artPages = pages
	return b
}

// WithRegionSize sets the number of IOVA pages to map directly. It takes
// precedence over WithARTSize.
func (b Builder) WithRegionSize(pages int) Builder {
	b.regionPages = pages
	return b
}

// WithBootArgs applies boot-time overrides. They are only consulted by Build.
func (b Builder) WithBootArgs(args BootArgs) Builder {
	b.bootArgs = args
	return b
}

// WithTableBase sets the physical address of the translation table.
func (b Builder) WithTableBase(addr uint64) Builder {
	b.tableBase = addr
	return b
}

// WithCacheLineSize sets the CPU cache line size in bytes. It must be a power
// of two.
func (b Builder) WithCacheLineSize(n int) Builder {
	b.cacheLineSize = n
	return b
}

// WithRegister sets the control register of the remapping unit.
func (b Builder) WithRegister(r Register) Builder {
	b.register = r
	return b
}

// WithCache sets the cache controller used to push table updates to memory.
func (b Builder) WithCache(c CacheController) Builder {
	b.cache = c
	return b
}

// WithHostMemory sets where the dummy page comes from.
func (b Builder) WithHostMemory(h vm.HostMemory) Builder {
	b.host = h
	return b
}

// WithFaultHandler sets the function that receives fatal errors.
func (b Builder) WithFaultHandler(h FaultHandler) Builder {
	b.faultHandler = h
	return b
}

// WithPollWindow sets how long a single poll of the TLB invalidate
// acknowledgement lasts.
func (b Builder) WithPollWindow(d time.Duration) Builder {
	b.pollWindow = d
	return b
}

// WithMaxInvalidateLoops sets how many times the invalidate request is
// reasserted before the mapper gives up.
func (b Builder) WithMaxInvalidateLoops(n int) Builder {
	b.maxLoops = n
	return b
}

// WithClock replaces the clock used to time the acknowledgement polls.
func (b Builder) WithClock(now func() time.Time) Builder {
	b.clock = now
	return b
}

// WithQuiet suppresses the enable message.
func (b Builder) WithQuiet(quiet bool) Builder {
	b.quiet = quiet
	return b
}

// Build sizes the table, programs the control register, invalidates the
// whole table and threads it onto the free lists.
func (b Builder) Build(name string) (*Mapper, error) {
	err := b.mustHaveCollaborators()
	if err != nil {
		return nil, fmt.Errorf("building mapper %s: %w", name, err)
	}

	lineSize := b.lineSize()
	if !validLineSize(lineSize) {
		return nil, fmt.Errorf("building mapper %s (%d-byte lines): %w",
			name, lineSize, ErrBadCacheLineSize)
	}

	artPages, regionPages := b.tableSize(name)

	numZones, err := zonesForRegion(regionPages)
	if err != nil {
		return nil, fmt.Errorf("building mapper %s (%d pages): %w",
			name, regionPages, err)
	}

	m := &Mapper{
		name:         name,
		regionPages:  regionPages,
		artPages:     artPages,
		host:         b.host,
		faultHandler: b.faultHandler,
	}
	m.freeCond = sync.NewCond(&m.lock)
	m.table = newTable(regionPages, b.tableBase)
	m.alloc = allocator{
		table:       m.table,
		freeLists:   make([]PageIndex, numZones),
		numZones:    numZones,
		regionPages: regionPages,
	}
	m.syncer = &synchronizer{
		table:      m.table,
		reg:        b.register,
		cache:      b.cache,
		lineSize:   uint64(lineSize),
		pollWindow: b.pollWindow,
		maxLoops:   b.maxLoops,
		now:        b.clock,
		fault:      m.fatal,
	}

	b.attachTable(m.table)

	err = b.setupDummyPage(m)
	if err != nil {
		return nil, fmt.Errorf("building mapper %s: %w", name, err)
	}

	ctrl := ControlValue(b.tableBase, artPages)
	b.register.Write(ctrl)
	b.cache.Sync()

	m.syncer.ctrl = ctrl | CtrlInvalidateTLB
	m.syncer.invalidateRegion(0, regionPages)

	m.lock.Lock()
	m.alloc.reset()
	m.lock.Unlock()

	if !b.quiet {
		log.Printf("%s: DART enabled, %d pages in %d zones\n",
			name, regionPages, numZones)
	}

	return m, nil
}

func (b Builder) mustHaveCollaborators() error {
	switch {
	case b.register == nil:
		return ErrNoRegister
	case b.cache == nil:
		return ErrNoCache
	case b.host == nil:
		return ErrNoHostMemory
	}

	return nil
}

func (b Builder) tableSize(name string) (artPages, regionPages int) {
	artPages = b.artPages
	if artPages == 0 {
		artPages = RegARTSize
		if b.system {
			artPages = SysARTSize
		}
	}

	if b.bootArgs.ARTSize > 0 {
		log.Printf("%s: table size overridden at boot: %d pages\n",
			name, b.bootArgs.ARTSize)
		artPages = b.bootArgs.ARTSize
	}

	regionPages = artPages * TransPerPage
	if b.regionPages > 0 && b.bootArgs.ARTSize == 0 {
		regionPages = b.regionPages
		artPages = (regionPages + TransPerPage - 1) / TransPerPage
	}

	return artPages, regionPages
}

func (b Builder) lineSize() int {
	switch {
	case b.bootArgs.CacheLineSize > 0:
		return b.bootArgs.CacheLineSize
	case b.cacheLineSize > 0:
		return b.cacheLineSize
	case b.system:
		return 128
	default:
		return 32
	}
}

func validLineSize(n int) bool {
	return n >= EntrySize && n&(n-1) == 0
}

// zonesForRegion derives the number of zones from the region size, allowing
// for the bit-length overshoot and the minimum block.
func zonesForRegion(regionPages int) (int, error) {
	if regionPages <= 0 || regionPages&(regionPages-1) != 0 {
		return 0, ErrRegionNotPowerOfTwo
	}

	numZones := bits.Len(uint(regionPages)) - 3

	switch {
	case numZones < 2:
		return 0, ErrTooFewZones
	case numZones > MaxNumZones:
		return 0, ErrTooManyZones
	}

	return numZones, nil
}

func (b Builder) attachTable(t *Table) {
	attached := map[TableAttacher]bool{}

	for _, c := range []any{b.register, b.cache} {
		a, ok := c.(TableAttacher)
		if !ok || attached[a] {
			continue
		}

		a.AttachTable(t)
		attached[a] = true
	}
}

func (b Builder) setupDummyPage(m *Mapper) error {
	page, err := b.host.AllocPage()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDummyPage, err)
	}

	ppn, found := b.host.FindPhys(page.VAddr)
	if !found || uint32(ppn)&ValidBit != 0 || ppn > uint64(ppnMask) {
		b.host.FreePage(page.VAddr)
		return fmt.Errorf("%w: page %#x has no usable physical page",
			ErrDummyPage, page.VAddr)
	}

	m.dummyVAddr = page.VAddr
	m.dummyPage = PPN(ppn)

	return nil
}
