package mapper

import "github.com/sarchlab/iommu/sim/hooking"

// Hook positions of a Mapper.
var (
	HookPosAlloc      = &hooking.HookPos{Name: "MapperAlloc"}
	HookPosFree       = &hooking.HookPos{Name: "MapperFree"}
	HookPosInsert     = &hooking.HookPos{Name: "MapperInsert"}
	HookPosInvalidate = &hooking.HookPos{Name: "MapperInvalidate"}

	// HookPosSleep and HookPosWake are invoked with the allocation mutex held.
	HookPosSleep = &hooking.HookPos{Name: "MapperSleep"}
	HookPosWake  = &hooking.HookPos{Name: "MapperWake"}
)

// AllocEvent is the hook item of HookPosAlloc.
type AllocEvent struct {
	Base      PageIndex
	Requested int
	Pages     int
	Zone      int

	// FoundZone is the zone the block was split from.
	FoundZone int
}

// FreeEvent is the hook item of HookPosFree.
type FreeEvent struct {
	Base       PageIndex
	Pages      int
	Zone       int
	MergedBase PageIndex
	MergedZone int
}

// InsertEvent is the hook item of HookPosInsert.
type InsertEvent struct {
	Base   PageIndex
	Offset int
	Count  int
}

// InvalidateEvent is the hook item of HookPosInvalidate.
type InvalidateEvent struct {
	First   PageIndex
	Count   int
	Retries int
}

// SleepEvent is the hook item of HookPosSleep and HookPosWake.
type SleepEvent struct {
	Zone     int
	Sleepers int
}
