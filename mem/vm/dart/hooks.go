package dart

import "github.com/sarchlab/iommu/sim/hooking"

// Hook positions of a Device. The item of the translation positions is the
// IOVA being translated.
var (
	HookPosTLBHit      = &hooking.HookPos{Name: "DARTTLBHit"}
	HookPosTLBMiss     = &hooking.HookPos{Name: "DARTTLBMiss"}
	HookPosFault       = &hooking.HookPos{Name: "DARTFault"}
	HookPosPassthrough = &hooking.HookPos{Name: "DARTPassthrough"}
	HookPosInvalidate  = &hooking.HookPos{Name: "DARTInvalidate"}
)
