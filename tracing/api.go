// Package tracing turns the hook events of mappers and devices into records.
package tracing

import (
	"fmt"
	"reflect"

	"github.com/sarchlab/iommu/sim/hooking"
)

// NamedHookable represent something both have a name and can be hooked
type NamedHookable interface {
	Name() string
	hooking.Hookable
}

// CollectTrace lets the tracer collect events from a domain. A tracer can
// only be attached to a domain once.
func CollectTrace(domain NamedHookable, tracer hooking.Hook) {
	for _, hook := range domain.Hooks() {
		if _, isFunc := hook.(hooking.HookFunc); isFunc {
			continue
		}

		if hook == tracer {
			panic(fmt.Sprintf(
				"domain %s already has tracer %s",
				domain.Name(), reflect.TypeOf(tracer)))
		}
	}

	domain.AcceptHook(tracer)
}
