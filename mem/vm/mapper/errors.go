package mapper

import (
	"errors"
	"fmt"
)

// Errors returned by Builder.Build.
var (
	ErrRegionNotPowerOfTwo = errors.New("mapped region must be a power of two pages")
	ErrTooFewZones         = errors.New("mapped region is too small")
	ErrTooManyZones        = errors.New("mapped region is too large")
	ErrNoRegister          = errors.New("no control register")
	ErrNoCache             = errors.New("no cache controller")
	ErrNoHostMemory        = errors.New("no host memory")
	ErrDummyPage           = errors.New("cannot set up the dummy page")
	ErrBadBootArgs         = errors.New("malformed boot arguments")
	ErrBadCacheLineSize    = errors.New("cache line size must be a power of two of at least one entry")
)

// FatalKind classifies the conditions the mapper cannot recover from.
type FatalKind int

// Fatal kinds.
const (
	FatalRequestTooLarge FatalKind = iota
	FatalBadFree
	FatalOutOfRange
	FatalUnmappedAddress
	FatalTLBInvalidate
	FatalDetached
)

func (k FatalKind) String() string {
	switch k {
	case FatalRequestTooLarge:
		return "request too large"
	case FatalBadFree:
		return "bad free"
	case FatalOutOfRange:
		return "out of range"
	case FatalUnmappedAddress:
		return "unmapped address"
	case FatalTLBInvalidate:
		return "TLB invalidate not acknowledged"
	case FatalDetached:
		return "mapper detached"
	default:
		return fmt.Sprintf("FatalKind(%d)", int(k))
	}
}

// A FatalError reports a condition after which continuing would either
// corrupt the translation table or hand a DMA engine a wrong address.
type FatalError struct {
	Kind   FatalKind
	Mapper string
	Op     string
	Detail string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %s: %s: %s", e.Mapper, e.Op, e.Kind, e.Detail)
}

// A FaultHandler receives fatal errors before the mapper panics with them. It
// is where the embedding process records the fault; it is not expected to
// return, and the mapper panics if it does.
type FaultHandler func(err *FatalError)
