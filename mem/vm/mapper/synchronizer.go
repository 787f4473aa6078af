package mapper

import (
	"fmt"
	"sync"
	"time"
)

// Control register layout.
const (
	CtrlBaseMask      uint32 = 0xfffff
	CtrlBaseShift            = 12
	CtrlInvalidateTLB uint32 = 1 << 10
	CtrlEnable        uint32 = 1 << 9
	CtrlSizeMask      uint32 = 0x1ff
)

// ControlValue encodes the control register value that points the hardware at
// a table of artPages pages starting at tableBase and enables translation.
func ControlValue(tableBase uint64, artPages int) uint32 {
	return uint32(tableBase)&(CtrlBaseMask<<CtrlBaseShift) |
		CtrlEnable |
		uint32(artPages)&CtrlSizeMask
}

// A Register is the memory-mapped control register of the remapping unit.
type Register interface {
	Read() uint32
	Write(v uint32)
}

// A CacheController performs the CPU cache maintenance needed because the
// table walker reads physical memory directly.
type CacheController interface {
	// FlushLine writes back and invalidates the cache line at addr.
	FlushLine(addr uint64)

	// Sync is a full synchronizing barrier.
	Sync()

	// Load reads a word, forcing completion of the preceding flushes.
	Load(addr uint64) uint32
}

// A TableAttacher is a collaborator that needs to see the table, such as a
// device model that snoops cache flushes.
type TableAttacher interface {
	AttachTable(t *Table)
}

// synchronizer keeps the hardware view of the table coherent with the CPU's.
type synchronizer struct {
	table    *Table
	reg      Register
	cache    CacheController
	lineSize uint64

	// invalidateLock serializes the control register handshake. It is never
	// held across anything that blocks.
	invalidateLock sync.Mutex
	ctrl           uint32

	pollWindow time.Duration
	maxLoops   int
	now        func() time.Time

	fault func(kind FatalKind, op, detail string)
}

// invalidateRegion clears n slots, pushes the change to memory, and drops the
// hardware's cached translations.
func (s *synchronizer) invalidateRegion(first PageIndex, n int) int {
	bulk := uint64(n)*EntrySize >= 2*s.lineSize
	s.table.clearRange(first, n, bulk)
	s.flush(first, n)

	return s.tlbInvalidate(first, n)
}

// flush writes back every cache line covering n words from first, plus one
// more word because the memory controller reads ahead.
func (s *synchronizer) flush(first PageIndex, n int) {
	addr := s.table.WordAddr(first)
	csize := s.lineSize
	aligned := addr &^ (csize - 1)
	length := int64(n+1) * EntrySize
	end := int64(addr&(csize-1)) + length - int64(csize)

	c := int64(0)
	for ; c < end; c += int64(csize) {
		s.cache.FlushLine(aligned + uint64(c))
	}

	s.cache.Sync()
	s.cache.FlushLine(aligned + uint64(c))
	s.cache.Sync()
	s.cache.Load(aligned + uint64(c))
	s.cache.Sync()
}

// tlbInvalidate asks the hardware to drop its TLB and waits for the
// acknowledgement. It returns the number of forced retries.
func (s *synchronizer) tlbInvalidate(first PageIndex, n int) int {
	s.invalidateLock.Lock()
	defer s.invalidateLock.Unlock()

	s.reg.Write(s.ctrl)
	s.cache.Sync()

	if s.reg.Read()&CtrlInvalidateTLB == 0 {
		return 0
	}

	for loops := 0; loops < s.maxLoops; loops++ {
		if s.pollAcknowledge() {
			return loops
		}

		s.reg.Write(s.ctrl &^ CtrlInvalidateTLB)
		s.cache.Sync()
		s.reg.Write(s.ctrl)
		s.cache.Sync()
	}

	s.fault(FatalTLBInvalidate, "tlbInvalidate",
		fmt.Sprintf("pages [%d, %d) after %d attempts",
			first, int(first)+n, s.maxLoops))

	return s.maxLoops
}

// pollAcknowledge busy-waits one poll window for the invalidate bit to clear.
// The bit is always sampled at least once.
func (s *synchronizer) pollAcknowledge() bool {
	deadline := s.now().Add(s.pollWindow)

	for {
		if s.reg.Read()&CtrlInvalidateTLB == 0 {
			return true
		}

		if !s.now().Before(deadline) {
			return false
		}
	}
}
