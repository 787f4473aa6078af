// Package dart models a DMA address remapping unit: a control register, a
// table walker that reads the translation table from physical memory, a
// device TLB, and an exception register. It sees the table only through
// cache lines the CPU has written back, so a mapper that forgets a flush or a
// TLB invalidation gets stale translations out of it.
package dart

import (
	"fmt"
	"sync"

	"github.com/sarchlab/iommu/mem/vm/dart/internal"
	"github.com/sarchlab/iommu/mem/vm/mapper"
	"github.com/sarchlab/iommu/sim/hooking"
)

// A TranslationFault is returned when the walker finds no valid translation.
type TranslationFault struct {
	Device string
	IOVA   uint64
	Word   uint32
}

func (f *TranslationFault) Error() string {
	return fmt.Sprintf("%s: translation fault at %#x (entry %#08x)",
		f.Device, f.IOVA, f.Word)
}

// Stats counts what happened inside the device.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Faults        uint64 `json:"faults"`
	Invalidations uint64 `json:"invalidations"`
	Reasserts     uint64 `json:"reasserts"`
	LineFlushes   uint64 `json:"line_flushes"`
}

// Device is a simulated remapping unit. It implements mapper.CacheController
// and mapper.TableAttacher; ControlRegister returns its mapper.Register.
type Device struct {
	hooking.HookableBase
	sync.Mutex

	name string

	table    *mapper.Table
	memory   []uint32
	lineSize uint64

	ctrl         uint32
	invalidating bool
	stuck        bool
	pendingReads int
	ackDelay     int
	stuckWrites  int

	exceptionPage  uint32
	exceptionValid bool

	sets []internal.Set

	stats Stats
}

// Name returns the name of the device.
func (d *Device) Name() string {
	return d.name
}

// AttachTable lets the device snoop the table when lines are written back.
func (d *Device) AttachTable(t *mapper.Table) {
	d.Lock()
	defer d.Unlock()

	d.table = t
	d.memory = make([]uint32, t.Len())
}

// FlushLine writes the cache line at addr back to memory. Lines outside the
// table hold nothing the device reads.
func (d *Device) FlushLine(addr uint64) {
	d.Lock()
	defer d.Unlock()

	d.stats.LineFlushes++

	if d.table == nil {
		return
	}

	lineAddr := addr &^ (d.lineSize - 1)
	for a := lineAddr; a < lineAddr+d.lineSize; a += mapper.EntrySize {
		i, ok := d.slotAt(a)
		if !ok {
			continue
		}

		d.memory[i] = d.table.Word(mapper.PageIndex(i))
	}
}

// Sync is a barrier. Every operation of the model is already ordered.
func (d *Device) Sync() {}

// Load reads a word of memory as the device sees it.
func (d *Device) Load(addr uint64) uint32 {
	d.Lock()
	defer d.Unlock()

	i, ok := d.slotAt(addr)
	if !ok {
		return 0
	}

	return d.memory[i]
}

func (d *Device) slotAt(addr uint64) (int, bool) {
	if d.table == nil || addr < d.table.BasePhys() {
		return 0, false
	}

	i := (addr - d.table.BasePhys()) / mapper.EntrySize
	if i >= uint64(len(d.memory)) {
		return 0, false
	}

	return int(i), true
}

// ControlRegister returns the control register of the device.
func (d *Device) ControlRegister() mapper.Register {
	return controlRegister{d}
}

type controlRegister struct {
	d *Device
}

func (r controlRegister) Read() uint32 {
	return r.d.readControl()
}

func (r controlRegister) Write(v uint32) {
	r.d.writeControl(v)
}

func (d *Device) writeControl(v uint32) {
	d.Lock()

	raise := v&mapper.CtrlInvalidateTLB != 0 && !d.invalidating
	drop := v&mapper.CtrlInvalidateTLB == 0 && d.invalidating
	d.ctrl = v &^ mapper.CtrlInvalidateTLB

	switch {
	case drop:
		d.invalidating = false
		d.stuck = false
		d.stats.Reasserts++
	case raise:
		d.startInvalidate()
	}

	completed := raise && !d.invalidating

	d.Unlock()

	if completed {
		d.InvokeHook(hooking.HookCtx{Domain: d, Pos: HookPosInvalidate})
	}
}

func (d *Device) startInvalidate() {
	d.invalidating = true

	if d.stuckWrites != 0 {
		if d.stuckWrites > 0 {
			d.stuckWrites--
		}

		d.stuck = true

		return
	}

	d.pendingReads = d.ackDelay
	if d.pendingReads == 0 {
		d.completeInvalidate()
	}
}

func (d *Device) completeInvalidate() {
	d.invalidating = false
	d.stats.Invalidations++

	for _, s := range d.sets {
		s.Reset()
	}
}

func (d *Device) readControl() uint32 {
	d.Lock()

	if !d.invalidating {
		v := d.ctrl
		d.Unlock()

		return v
	}

	completed := false
	if !d.stuck {
		if d.pendingReads > 0 {
			d.pendingReads--
		} else {
			d.completeInvalidate()
			completed = true
		}
	}

	v := d.ctrl
	if d.invalidating {
		v |= mapper.CtrlInvalidateTLB
	}

	d.Unlock()

	if completed {
		d.InvokeHook(hooking.HookCtx{Domain: d, Pos: HookPosInvalidate})
	}

	return v
}

// Enabled reports whether translation is turned on.
func (d *Device) Enabled() bool {
	d.Lock()
	defer d.Unlock()

	return d.ctrl&mapper.CtrlEnable != 0
}

// regionPages is the number of IOVA pages the programmed table covers.
func (d *Device) regionPages() uint64 {
	artPages := uint64(d.ctrl & mapper.CtrlSizeMask)
	if artPages == 0 {
		artPages = uint64(mapper.CtrlSizeMask) + 1
	}

	n := artPages * mapper.TransPerPage
	if n > uint64(len(d.memory)) {
		n = uint64(len(d.memory))
	}

	return n
}

// Translate performs a DMA address translation the way the hardware does.
// Addresses outside the table pass through.
func (d *Device) Translate(iova uint64) (uint64, error) {
	d.Lock()

	pos, pAddr, err := d.translate(iova)

	d.Unlock()

	d.InvokeHook(hooking.HookCtx{Domain: d, Pos: pos, Item: iova})

	return pAddr, err
}

func (d *Device) translate(iova uint64) (*hooking.HookPos, uint64, error) {
	page := iova >> mapper.PageShift
	offset := iova & mapper.PageMask

	if d.ctrl&mapper.CtrlEnable == 0 || page >= d.regionPages() {
		return HookPosPassthrough, iova, nil
	}

	set := d.sets[page%uint64(len(d.sets))]

	wayID, ppn, found := set.Lookup(uint32(page))
	if found {
		set.Visit(wayID)
		d.stats.Hits++

		return HookPosTLBHit, mapper.PPN(ppn).Addr() | offset, nil
	}

	d.stats.Misses++

	word := d.memory[page]
	if word&mapper.ValidBit == 0 {
		d.stats.Faults++
		d.exceptionPage = uint32(page)
		d.exceptionValid = true

		return HookPosFault, 0, &TranslationFault{
			Device: d.name,
			IOVA:   iova,
			Word:   word,
		}
	}

	ppn = word &^ mapper.ValidBit
	wayID, ok := set.Evict()
	if ok {
		set.Update(wayID, uint32(page), ppn)
		set.Visit(wayID)
	}

	return HookPosTLBMiss, mapper.PPN(ppn).Addr() | offset, nil
}

// Exception returns the IOVA page of the last translation fault, if one is
// latched.
func (d *Device) Exception() (page uint32, pending bool) {
	d.Lock()
	defer d.Unlock()

	return d.exceptionPage, d.exceptionValid
}

// ClearException acknowledges the latched fault.
func (d *Device) ClearException() {
	d.Lock()
	defer d.Unlock()

	d.exceptionValid = false
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	d.Lock()
	defer d.Unlock()

	return d.stats
}
