// Package vm provides the host-side memory services that the IOMMU mapper
// relies on: wired page allocation and reverse physical-page lookup.
package vm

import (
	"errors"
	"sync"
)

// ErrOutOfMemory is returned when the host has no free physical page left.
var ErrOutOfMemory = errors.New("host memory exhausted")

// A Page is a wired host page, maintaining the information about how to
// translate its kernel virtual address to a physical address.
type Page struct {
	VAddr    uint64
	PAddr    uint64
	PageSize uint64
}

// PPN returns the physical page number of the page.
func (p Page) PPN(log2PageSize uint64) uint64 {
	return p.PAddr >> log2PageSize
}

// A PageAllocator hands out wired, page-aligned host pages.
type PageAllocator interface {
	AllocPage() (Page, error)
	FreePage(vAddr uint64)
}

// A PageFinder performs reverse lookups from a kernel virtual address to the
// physical page number that backs it.
type PageFinder interface {
	FindPhys(vAddr uint64) (ppn uint64, found bool)
}

// HostMemory is the host memory as seen by a driver.
type HostMemory interface {
	PageAllocator
	PageFinder

	// AllocPages allocates n pages. The pages are not physically contiguous.
	AllocPages(n int) ([]Page, error)

	// Log2PageSize returns the page size as a power of 2.
	Log2PageSize() uint64

	// NumFreePages returns the number of physical pages still available.
	NumFreePages() int
}

const hostVAddrBase = 0xffff_8000_0000_0000

// NewHostMemory creates a HostMemory that owns numPages physical pages
// starting at physical page firstPPN.
func NewHostMemory(log2PageSize uint64, firstPPN, numPages uint64) HostMemory {
	m := &hostMemoryImpl{
		log2PageSize: log2PageSize,
		pages:        make(map[uint64]Page),
		nextVAddr:    hostVAddrBase,
	}

	// Pages are handed out from the top so that virtual and physical order
	// differ.
	m.freePPNs = make([]uint64, 0, numPages)
	for i := uint64(0); i < numPages; i++ {
		m.freePPNs = append(m.freePPNs, firstPPN+i)
	}

	return m
}

// hostMemoryImpl is the default implementation of HostMemory.
type hostMemoryImpl struct {
	sync.Mutex
	log2PageSize uint64
	pages        map[uint64]Page
	freePPNs     []uint64
	nextVAddr    uint64
}

func (m *hostMemoryImpl) Log2PageSize() uint64 {
	return m.log2PageSize
}

func (m *hostMemoryImpl) pageSize() uint64 {
	return 1 << m.log2PageSize
}

func (m *hostMemoryImpl) alignToPage(addr uint64) uint64 {
	return (addr >> m.log2PageSize) << m.log2PageSize
}

// AllocPage takes one physical page from the free pool and wires it at a new
// kernel virtual address.
func (m *hostMemoryImpl) AllocPage() (Page, error) {
	m.Lock()
	defer m.Unlock()

	return m.allocPage()
}

func (m *hostMemoryImpl) allocPage() (Page, error) {
	if len(m.freePPNs) == 0 {
		return Page{}, ErrOutOfMemory
	}

	last := len(m.freePPNs) - 1
	ppn := m.freePPNs[last]
	m.freePPNs = m.freePPNs[:last]

	page := Page{
		VAddr:    m.nextVAddr,
		PAddr:    ppn << m.log2PageSize,
		PageSize: m.pageSize(),
	}
	m.nextVAddr += m.pageSize()

	m.pages[page.VAddr] = page

	return page, nil
}

// AllocPages allocates n pages. Either all pages are allocated or none.
func (m *hostMemoryImpl) AllocPages(n int) ([]Page, error) {
	m.Lock()
	defer m.Unlock()

	if n > len(m.freePPNs) {
		return nil, ErrOutOfMemory
	}

	pages := make([]Page, 0, n)
	for i := 0; i < n; i++ {
		page, err := m.allocPage()
		if err != nil {
			panic(err)
		}

		pages = append(pages, page)
	}

	return pages, nil
}

// FreePage returns the page that contains the given address to the pool.
func (m *hostMemoryImpl) FreePage(vAddr uint64) {
	m.Lock()
	defer m.Unlock()

	page := m.pageMustExist(m.alignToPage(vAddr))
	delete(m.pages, page.VAddr)

	m.freePPNs = append(m.freePPNs, page.PAddr>>m.log2PageSize)
}

// FindPhys returns the physical page number that backs the given address.
func (m *hostMemoryImpl) FindPhys(vAddr uint64) (uint64, bool) {
	m.Lock()
	defer m.Unlock()

	page, found := m.pages[m.alignToPage(vAddr)]
	if !found {
		return 0, false
	}

	return page.PAddr >> m.log2PageSize, true
}

func (m *hostMemoryImpl) NumFreePages() int {
	m.Lock()
	defer m.Unlock()

	return len(m.freePPNs)
}

func (m *hostMemoryImpl) pageMustExist(vAddr uint64) Page {
	page, found := m.pages[vAddr]
	if !found {
		panic("page does not exist")
	}

	return page
}
