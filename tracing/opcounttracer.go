package tracing

import (
	"sort"
	"sync"

	"github.com/sarchlab/iommu/sim/hooking"
)

// OpCountTracer counts how many times each hook position fires.
type OpCountTracer struct {
	lock  sync.Mutex
	count map[string]uint64
}

// NewOpCountTracer creates a new OpCountTracer.
func NewOpCountTracer() *OpCountTracer {
	return &OpCountTracer{count: make(map[string]uint64)}
}

// Func counts the event.
func (t *OpCountTracer) Func(ctx hooking.HookCtx) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.count[ctx.Pos.Name]++
}

// GetOpNames returns all the positions seen, sorted.
func (t *OpCountTracer) GetOpNames() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	names := make([]string, 0, len(t.count))
	for name := range t.count {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// GetOpCount returns how many times a position fired.
func (t *OpCountTracer) GetOpCount(name string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.count[name]
}
