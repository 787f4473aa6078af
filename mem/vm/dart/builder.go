package dart

import "github.com/sarchlab/iommu/mem/vm/dart/internal"

// A Builder can build DART devices.
type Builder struct {
	numSets       int
	numWays       int
	cacheLineSize int
	ackDelay      int
	stuckWrites   int
}

// MakeBuilder creates a new builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		numSets:       1,
		numWays:       32,
		cacheLineSize: 64,
	}
}

// WithNumSets sets the number of sets of the device TLB.
func (b Builder) WithNumSets(n int) Builder {
	b.numSets = n
	return b
}

// WithNumWays sets the associativity of the device TLB.
func (b Builder) WithNumWays(n int) Builder {
	b.numWays = n
	return b
}

// WithCacheLineSize sets the size of the CPU cache lines the device snoops
// write-backs of. It must be a power of two.
func (b Builder) WithCacheLineSize(n int) Builder {
	b.cacheLineSize = n
	return b
}

// WithAckDelay sets how many reads of the control register an invalidation
// takes before it is acknowledged.
func (b Builder) WithAckDelay(reads int) Builder {
	b.ackDelay = reads
	return b
}

// WithStuckInvalidations makes the first n invalidation requests never
// complete until they are reasserted. A negative n makes every request stick.
func (b Builder) WithStuckInvalidations(n int) Builder {
	b.stuckWrites = n
	return b
}

// Build creates a new device.
func (b Builder) Build(name string) *Device {
	if b.cacheLineSize < 4 || b.cacheLineSize&(b.cacheLineSize-1) != 0 {
		panic("cache line size must be a power of two")
	}

	d := &Device{
		name:        name,
		lineSize:    uint64(b.cacheLineSize),
		ackDelay:    b.ackDelay,
		stuckWrites: b.stuckWrites,
	}

	d.sets = make([]internal.Set, b.numSets)
	for i := range d.sets {
		d.sets[i] = internal.NewSet(b.numWays)
	}

	return d
}
