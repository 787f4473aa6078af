package dart

import (
	"fmt"
	"io"
	"sync"

	"github.com/sarchlab/iommu/sim/hooking"
)

// A Tracer writes one CSV line for every translation and invalidation a
// device performs.
type Tracer struct {
	lock   sync.Mutex
	writer io.Writer
	seq    uint64
}

// NewTracer produces a new Tracer, injecting the dependency of a writer.
func NewTracer(w io.Writer) *Tracer {
	t := new(Tracer)
	t.writer = w

	return t
}

// Func prints the trace information.
func (t *Tracer) Func(ctx hooking.HookCtx) {
	d, ok := ctx.Domain.(*Device)
	if !ok {
		return
	}

	iova, _ := ctx.Item.(uint64)

	t.lock.Lock()
	defer t.lock.Unlock()

	t.seq++

	_, err := fmt.Fprintf(t.writer,
		"%d,%s,%s,%#x\n",
		t.seq,
		d.Name(),
		ctx.Pos.Name,
		iova)
	if err != nil {
		panic(err)
	}
}
