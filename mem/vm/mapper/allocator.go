package mapper

// allocator is a buddy allocator whose free-list nodes live in the headers of
// the very table slots it hands out. Zone z holds blocks of MinZoneSize<<z
// pages. A zero link means "none"; the block at page 0 is reserved, so no
// free block can ever start there.
//
// All methods must be called with the mapper's allocation mutex held.
type allocator struct {
	table       *Table
	freeLists   []PageIndex
	numZones    int
	regionPages int
	sleepers    int
}

func zoneSize(z int) int {
	return MinZoneSize << z
}

// zoneFor returns the smallest zone whose blocks hold the given pages.
func zoneFor(pages int) int {
	zone := 0
	for size := MinZoneSize; pages > size; size <<= 1 {
		zone++
	}

	return zone
}

// roundRequest applies the sizing rules shared by allocation and free: one
// guard page on every request and a minimum block. It reports false if the
// result is too large to ever be satisfied.
func (a *allocator) roundRequest(pages int) (int, bool) {
	if pages < 0 {
		pages = 0
	}

	pages++

	if pages < MinZoneSize {
		pages = MinZoneSize
	}

	if pages >= a.regionPages/2 {
		return pages, false
	}

	return pages, true
}

// reset threads the whole region onto the free lists, one block per zone,
// and reserves the minimum block at page 0.
func (a *allocator) reset() {
	for z := range a.freeLists {
		a.freeLists[z] = 0
	}

	a.breakUp(0, a.numZones, 0)
	a.table.setHeader(0, FreeBlock{InUse: true, Zone: 0})
}

// breakUp halves the block at base, which belongs to zone end, until the
// retained lower half belongs to zone start. Each step pushes the upper half
// on the list of its zone. Those lists are known to be empty, as otherwise
// the search would have stopped at them.
func (a *allocator) breakUp(start, end int, base PageIndex) {
	for end != start {
		end--
		tail := base + PageIndex(zoneSize(end))

		a.freeLists[end] = tail
		a.table.setHeader(tail, FreeBlock{Zone: end})
	}
}

// findFree scans the free lists from zone upward and returns the first
// non-empty zone and its head. The head is 0 if nothing is free.
func (a *allocator) findFree(zone int) (int, PageIndex) {
	for z := zone; z < a.numZones; z++ {
		if head := a.freeLists[z]; head != 0 {
			return z, head
		}
	}

	return a.numZones, 0
}

func (a *allocator) popHead(z int) PageIndex {
	head := a.freeLists[z]
	next := a.table.header(head).Next

	a.freeLists[z] = next
	if next != 0 {
		a.table.header(next).Prev = 0
	}

	a.table.clearHeader(head)

	return head
}

// markInUse records that the block at base belongs to a caller. Only Free
// clears the mark.
func (a *allocator) markInUse(base PageIndex, zone int) {
	a.table.setHeader(base, FreeBlock{InUse: true, Zone: zone})
}

func (a *allocator) unlink(z int, at PageIndex) {
	h := a.table.header(at)
	next, prev := h.Next, h.Prev

	if prev != 0 {
		a.table.header(prev).Next = next
	} else {
		a.freeLists[z] = next
	}

	if next != 0 {
		a.table.header(next).Prev = prev
	}
}

func (a *allocator) push(z int, at PageIndex) {
	next := a.freeLists[z]

	a.table.setHeader(at, FreeBlock{Zone: z, Next: next})
	if next != 0 {
		a.table.header(next).Prev = at
	}

	a.freeLists[z] = at
}

// isFreeBuddy reports whether the slot at pair heads a free, unreserved block
// of zone z.
func (a *allocator) isFreeBuddy(pair PageIndex, z int) bool {
	b, ok := a.table.freeBlock(pair)
	if !ok {
		return false
	}

	return !b.InUse && b.Zone == z
}

// release links a block that has already been invalidated back onto the free
// lists, merging it with its buddies for as long as they are free. It returns
// the merged block.
func (a *allocator) release(base PageIndex, zone int) (PageIndex, int) {
	addr := base
	z := zone

	for ; z < a.numZones-1; z++ {
		pair := addr ^ PageIndex(zoneSize(z))
		if !a.isFreeBuddy(pair, z) {
			break
		}

		a.unlink(z, pair)

		if pair > addr {
			a.table.clearHeader(pair)
		} else {
			a.table.clearHeader(addr)
			addr = pair
		}
	}

	a.push(z, addr)

	return addr, z
}

// coveredPages is the number of pages the free lists manage.
func (a *allocator) coveredPages() int {
	return zoneSize(a.numZones)
}

type blockInfo struct {
	base PageIndex
	zone int
}

// freeBlocks walks every free list.
func (a *allocator) freeBlocks() []blockInfo {
	var blocks []blockInfo

	for z, head := range a.freeLists {
		for at := head; at != 0; at = a.table.header(at).Next {
			blocks = append(blocks, blockInfo{base: at, zone: z})
		}
	}

	return blocks
}
