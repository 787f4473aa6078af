package tracing

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sarchlab/iommu/datarecording"
	"github.com/sarchlab/iommu/mem/vm/dart"
	"github.com/sarchlab/iommu/mem/vm/mapper"
	"github.com/sarchlab/iommu/sim/hooking"
	"github.com/tebeka/atexit"
)

// OpRecord is one row of an operation table.
type OpRecord struct {
	ID       string
	Location string
	Op       string
	Base     uint32
	Pages    int
	Zone     int
	Merged   uint32
	Retries  int
	Time     float64
}

// SessionRecord is one row of the session index table.
type SessionRecord struct {
	TableName    string
	SessionStart float64
	SessionEnd   float64
	NumOps       int
}

// SessionIndexTable is the table that lists every tracing session.
const SessionIndexTable = "trace"

// DBTracer stores mapper and device events into a database. Events are only
// recorded between EnableTracing and StopTracing.
type DBTracer struct {
	mu      sync.Mutex
	backend datarecording.DataRecorder
	now     func() time.Time
	start   time.Time

	isTracing        bool
	traceCount       int
	currentTableName string
	sessionStart     float64
	sessionOps       int
}

// NewDBTracer creates a new DBTracer.
func NewDBTracer(
	dataRecorder datarecording.DataRecorder,
	now func() time.Time,
) *DBTracer {
	dataRecorder.CreateTable(SessionIndexTable, SessionRecord{})

	t := &DBTracer{
		backend: dataRecorder,
		now:     now,
		start:   now(),
	}

	atexit.Register(func() {
		t.Terminate()
	})

	return t
}

func (t *DBTracer) elapsed() float64 {
	return t.now().Sub(t.start).Seconds()
}

// IsTracing tells if events are being recorded.
func (t *DBTracer) IsTracing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.isTracing
}

// CurrentTable returns the table of the running session.
func (t *DBTracer) CurrentTable() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.currentTableName
}

// EnableTracing starts a new session in a new table.
func (t *DBTracer) EnableTracing() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isTracing {
		return
	}

	t.isTracing = true
	t.traceCount++
	t.sessionStart = t.elapsed()
	t.sessionOps = 0
	t.currentTableName = fmt.Sprintf("trace%d", t.traceCount)
	t.backend.CreateTable(t.currentTableName, OpRecord{})

	fmt.Fprintf(os.Stderr, "Tracing into table %s\n", t.currentTableName)
}

// StopTracing ends the session and writes it to the session index.
func (t *DBTracer) StopTracing() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isTracing {
		return
	}

	t.isTracing = false
	t.backend.InsertData(SessionIndexTable, SessionRecord{
		TableName:    t.currentTableName,
		SessionStart: t.sessionStart,
		SessionEnd:   t.elapsed(),
		NumOps:       t.sessionOps,
	})
	t.backend.Flush()
}

// Terminate stops the running session and flushes the backend.
func (t *DBTracer) Terminate() {
	t.StopTracing()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.backend.Flush()
}

// Func records the event the hook is triggered with.
func (t *DBTracer) Func(ctx hooking.HookCtx) {
	rec, ok := t.recordOf(ctx)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isTracing {
		return
	}

	rec.ID = xid.New().String()
	rec.Time = t.elapsed()
	t.sessionOps++
	t.backend.InsertData(t.currentTableName, rec)
}

func (t *DBTracer) recordOf(ctx hooking.HookCtx) (OpRecord, bool) {
	named, ok := ctx.Domain.(NamedHookable)
	if !ok {
		return OpRecord{}, false
	}

	rec := OpRecord{Location: named.Name(), Op: ctx.Pos.Name}

	switch item := ctx.Item.(type) {
	case mapper.AllocEvent:
		rec.Base = uint32(item.Base)
		rec.Pages = item.Pages
		rec.Zone = item.Zone
	case mapper.FreeEvent:
		rec.Base = uint32(item.Base)
		rec.Pages = item.Pages
		rec.Zone = item.Zone
		rec.Merged = uint32(item.MergedBase)
	case mapper.InsertEvent:
		rec.Base = uint32(item.Base) + uint32(item.Offset)
		rec.Pages = item.Count
	case mapper.InvalidateEvent:
		rec.Base = uint32(item.First)
		rec.Pages = item.Count
		rec.Retries = item.Retries
	case mapper.SleepEvent:
		rec.Zone = item.Zone
	case uint64:
		if ctx.Pos != dart.HookPosFault {
			return OpRecord{}, false
		}

		rec.Base = uint32(item >> mapper.PageShift)
	default:
		return OpRecord{}, false
	}

	return rec, true
}
