package cmd

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/iommu/datarecording"
	"github.com/sarchlab/iommu/mem/vm"
	"github.com/sarchlab/iommu/mem/vm/dart"
	"github.com/sarchlab/iommu/mem/vm/mapper"
	"github.com/sarchlab/iommu/monitoring"
	"github.com/sarchlab/iommu/tracing"
	"github.com/spf13/cobra"
)

type runConfig struct {
	table  tableConfig
	device deviceFlags

	workers    int
	iterations int
	maxPages   int
	seed       int64

	trace       bool
	tracePath   string
	deviceTrace string

	monitor     bool
	monitorPort int
	openBrowser bool
}

var runFlags runConfig

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a concurrent allocate/insert/translate/free workload",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true

		return runWorkload(runFlags)
	},
}

func init() {
	addTableFlags(runCmd, &runFlags.table)

	f := runCmd.Flags()
	f.IntVar(&runFlags.device.lineSize, "cpu-line-size", 128,
		"Cache line size of the simulated CPU.")
	f.IntVar(&runFlags.device.ackDelay, "ack-delay", 0,
		"Control register reads before the DART acknowledges an invalidation.")
	f.IntVar(&runFlags.device.stuck, "stuck-invalidations", 0,
		"Number of invalidations the DART ignores until reasserted.")
	f.IntVar(&runFlags.device.numSets, "tlb-sets", 4, "Number of DART TLB sets.")
	f.IntVar(&runFlags.device.numWays, "tlb-ways", 16, "Number of DART TLB ways.")
	f.IntVar(&runFlags.workers, "workers", 8, "Number of concurrent clients.")
	f.IntVar(&runFlags.iterations, "iterations", 1000,
		"Number of mappings each client makes.")
	f.IntVar(&runFlags.maxPages, "max-pages", 64,
		"Largest request, in pages, a client makes.")
	f.Int64Var(&runFlags.seed, "seed", 1, "Seed of the workload.")
	f.BoolVar(&runFlags.trace, "trace", false,
		"Record every mapper operation in a SQLite database.")
	f.StringVar(&runFlags.tracePath, "trace-file", "",
		"Database name, without the .sqlite3 suffix. Defaults to a unique name.")
	f.StringVar(&runFlags.deviceTrace, "device-trace", "",
		"CSV file to write DART translations to.")
	f.BoolVar(&runFlags.monitor, "monitor", false, "Serve a live monitor.")
	f.IntVar(&runFlags.monitorPort, "monitor-port", 0,
		"Port of the monitor. A random port is used if not set.")
	f.BoolVar(&runFlags.openBrowser, "open-browser", false,
		"Open the monitor in a browser.")

	rootCmd.AddCommand(runCmd)
}

// errMismatch is returned when the DART translated an address differently
// from the mapper.
var errMismatch = errors.New("DART translation does not match the mapper")

type workload struct {
	cfg  runConfig
	sys  *system
	bar  *monitoring.ProgressBar
	mism atomic.Uint64
	dmas atomic.Uint64
}

func runWorkload(cfg runConfig) error {
	hostPages := cfg.workers*(cfg.maxPages+1) + hostPagesReserved

	sys, err := buildSystemWithHost(cfg.table, cfg.device, false, hostPages)
	if err != nil {
		return err
	}
	defer sys.mapper.Close()

	if cfg.maxPages+1 >= sys.mapper.RegionPages()/2 {
		return fmt.Errorf("--max-pages %d does not fit a %d-page region",
			cfg.maxPages, sys.mapper.RegionPages())
	}

	counter := tracing.NewOpCountTracer()
	tracing.CollectTrace(sys.mapper, counter)
	tracing.CollectTrace(sys.device, counter)

	if cfg.trace {
		recorder := datarecording.New(cfg.tracePath)
		defer recorder.Close()

		exec := datarecording.NewExecRecorder(recorder, time.Now)
		exec.Start()
		exec.Record("Region Pages", fmt.Sprint(sys.mapper.RegionPages()))
		exec.Record("Workers", fmt.Sprint(cfg.workers))
		exec.Record("Iterations", fmt.Sprint(cfg.iterations))
		exec.Record("Seed", fmt.Sprint(cfg.seed))
		defer exec.End()

		tracer := tracing.NewDBTracer(recorder, time.Now)
		tracing.CollectTrace(sys.mapper, tracer)
		tracing.CollectTrace(sys.device, tracer)

		tracer.EnableTracing()
		defer tracer.StopTracing()
	}

	if cfg.deviceTrace != "" {
		f, err := os.Create(cfg.deviceTrace)
		if err != nil {
			return err
		}
		defer f.Close()

		tracing.CollectTrace(sys.device, dart.NewTracer(f))
	}

	w := &workload{cfg: cfg, sys: sys}

	if cfg.monitor {
		mon := monitoring.NewMonitor().
			WithPortNumber(cfg.monitorPort).
			WithBrowser(cfg.openBrowser)
		mon.RegisterMapper(sys.mapper)
		mon.RegisterDevice(sys.device)
		mon.StartServer()

		w.bar = mon.CreateProgressBar("Mappings",
			uint64(cfg.workers*cfg.iterations))
		defer mon.CompleteProgressBar(w.bar)
	}

	start := time.Now()
	w.run()
	elapsed := time.Since(start)

	printSummary(w, counter, elapsed)

	if n := w.mism.Load(); n > 0 {
		return fmt.Errorf("%w: %d pages", errMismatch, n)
	}

	return nil
}

func (w *workload) run() {
	var wg sync.WaitGroup

	for i := 0; i < w.cfg.workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(w.cfg.seed + int64(id)))
			for j := 0; j < w.cfg.iterations; j++ {
				w.mapOnce(rng, j)
			}
		}(i)
	}

	wg.Wait()
}

// mapOnce maps a DMA buffer, checks every page through the DART, and
// unmaps it.
func (w *workload) mapOnce(rng *rand.Rand, iteration int) {
	m := w.sys.mapper

	if w.bar != nil {
		w.bar.IncrementInProgress(1)
		defer w.bar.MoveInProgressToFinished(1)
	}

	pages := rng.Intn(w.cfg.maxPages + 1)
	buf, err := w.sys.host.AllocPages(pages + 1)
	if err != nil {
		panic(err)
	}
	defer freeBuffer(w.sys.host, buf)

	ppns := make([]mapper.PPN, len(buf))
	for i, p := range buf {
		ppn, _ := w.sys.host.FindPhys(p.VAddr)
		ppns[i] = mapper.PPN(ppn)
	}

	base := m.Allocate(pages)
	defer m.Free(base, pages)

	switch iteration % 3 {
	case 0:
		for i, ppn := range ppns {
			m.Insert(base, i, ppn)
		}
	case 1:
		m.InsertPages(base, 0, ppns)
	default:
		infos := make([]mapper.PageInfo, len(ppns))
		for i, ppn := range ppns {
			infos[i] = mapper.PageInfo{PhysPage: ppn}
		}
		m.InsertPageInfo(base, 0, infos)
	}

	for i, ppn := range ppns {
		offset := uint64(rng.Intn(mapper.PageSize))
		iova := (base + mapper.PageIndex(i)).IOAddress() + offset

		pAddr, err := w.sys.device.Translate(iova)
		w.dmas.Add(1)

		if err != nil || pAddr != ppn.Addr()+offset || m.Translate(iova) != pAddr {
			w.mism.Add(1)
		}
	}
}

func freeBuffer(host vm.HostMemory, buf []vm.Page) {
	for _, p := range buf {
		host.FreePage(p.VAddr)
	}
}

func printSummary(w *workload, counter *tracing.OpCountTracer, elapsed time.Duration) {
	s := w.sys.mapper.Stats()
	d := w.sys.device.Stats()

	fmt.Printf("%d mappings by %d clients in %v\n",
		s.Allocations, w.cfg.workers, elapsed.Round(time.Millisecond))
	fmt.Printf("DMA translations checked: %d, mismatches: %d\n",
		w.dmas.Load(), w.mism.Load())
	fmt.Printf("mapper: %d inserts, %d invalidations, %d retries, %d pages free\n",
		s.Inserts, s.Invalidations, s.Retries, s.FreePages)
	fmt.Printf("DART: %d hits, %d misses, %d faults, %d TLB flushes, %d line write-backs\n",
		d.Hits, d.Misses, d.Faults, d.Invalidations, d.LineFlushes)

	for _, name := range counter.GetOpNames() {
		fmt.Printf("  %-18s %d\n", name, counter.GetOpCount(name))
	}
}
