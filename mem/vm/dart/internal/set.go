// Package internal provides the set-associative storage of the device TLB.
package internal

import "sort"

// A Set holds a fixed number of translations and evicts the least recently
// used one.
type Set interface {
	Lookup(page uint32) (wayID int, ppn uint32, found bool)
	Update(wayID int, page, ppn uint32)
	Evict() (wayID int, ok bool)
	Visit(wayID int)
	Reset()
}

// NewSet creates a new TLB set.
func NewSet(numWays int) Set {
	s := &setImpl{}
	s.blocks = make([]*block, numWays)
	s.visitList = make([]*block, 0, numWays)
	s.pageWayIDMap = make(map[uint32]int)

	for i := range s.blocks {
		b := &block{}
		s.blocks[i] = b
		b.wayID = i
		s.Visit(i)
	}

	return s
}

type block struct {
	page      uint32
	ppn       uint32
	valid     bool
	wayID     int
	lastVisit uint64
}

type setImpl struct {
	blocks       []*block
	pageWayIDMap map[uint32]int
	visitList    []*block
	visitCount   uint64
}

func (s *setImpl) Lookup(page uint32) (wayID int, ppn uint32, found bool) {
	wayID, ok := s.pageWayIDMap[page]
	if !ok {
		return 0, 0, false
	}

	block := s.blocks[wayID]

	return block.wayID, block.ppn, true
}

func (s *setImpl) Update(wayID int, page, ppn uint32) {
	block := s.blocks[wayID]
	if block.valid {
		delete(s.pageWayIDMap, block.page)
	}

	block.page = page
	block.ppn = ppn
	block.valid = true
	s.pageWayIDMap[page] = wayID
}

func (s *setImpl) Evict() (wayID int, ok bool) {
	if s.hasNothingToEvict() {
		return 0, false
	}

	leastVisited := s.visitList[0]
	wayID = leastVisited.wayID
	s.visitList = s.visitList[1:]

	return wayID, true
}

func (s *setImpl) Visit(wayID int) {
	block := s.blocks[wayID]

	for i, b := range s.visitList {
		if b.wayID == wayID {
			s.visitList = append(s.visitList[:i], s.visitList[i+1:]...)
			break
		}
	}

	s.visitCount++
	block.lastVisit = s.visitCount

	index := sort.Search(len(s.visitList), func(i int) bool {
		return s.visitList[i].lastVisit > block.lastVisit
	})

	s.visitList = append(s.visitList, nil)
	copy(s.visitList[index+1:], s.visitList[index:])
	s.visitList[index] = block
}

// Reset drops every translation. The LRU order is kept.
func (s *setImpl) Reset() {
	clear(s.pageWayIDMap)

	for _, b := range s.blocks {
		b.valid = false
	}
}

func (s *setImpl) hasNothingToEvict() bool {
	return len(s.visitList) == 0
}
