package cmd

import (
	"fmt"
	"os"

	"github.com/sarchlab/iommu/mem/vm"
	"github.com/sarchlab/iommu/mem/vm/dart"
	"github.com/sarchlab/iommu/mem/vm/mapper"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

type tableConfig struct {
	artSize     int
	regionPages int
	system      bool
	lineSize    int
}

type deviceFlags struct {
	lineSize int
	ackDelay int
	stuck    int
	numSets  int
	numWays  int
}

func addTableFlags(cmd *cobra.Command, c *tableConfig) {
	cmd.Flags().IntVar(&c.artSize, "art-size", 0,
		"Table size in table pages. Defaults to the system or regular size.")
	cmd.Flags().IntVar(&c.regionPages, "region-pages", 0,
		"Number of IOVA pages to map. Must be a power of two.")
	cmd.Flags().BoolVar(&c.system, "system", false,
		"Size the table like the system mapper.")
	cmd.Flags().IntVar(&c.lineSize, "line-size", 0,
		"CPU cache line size in bytes used when flushing table updates.")
}

// system is a mapper wired to a simulated DART and host memory.
type system struct {
	host   vm.HostMemory
	device *dart.Device
	mapper *mapper.Mapper
}

// hostPagesReserved covers the dummy page.
const hostPagesReserved = 16

func buildSystem(t tableConfig, d deviceFlags, quiet bool) (*system, error) {
	return buildSystemWithHost(t, d, quiet, hostPagesReserved)
}

func buildSystemWithHost(
	t tableConfig,
	d deviceFlags,
	quiet bool,
	hostPages int,
) (*system, error) {
	host := vm.NewHostMemory(mapper.PageShift, 0x8_0000, uint64(hostPages))

	b := mapper.MakeBuilder().
		WithSystem(t.system).
		WithARTSize(t.artSize).
		WithRegionSize(t.regionPages).
		WithCacheLineSize(t.lineSize).
		WithBootArgs(config.BootArgs).
		WithHostMemory(host).
		WithQuiet(quiet).
		WithFaultHandler(func(err *mapper.FatalError) {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			atexit.Exit(2)
		})

	devLineSize := d.lineSize
	if devLineSize == 0 {
		devLineSize = 128
	}

	db := dart.MakeBuilder().
		WithCacheLineSize(devLineSize).
		WithAckDelay(d.ackDelay).
		WithStuckInvalidations(d.stuck)
	if d.numSets > 0 {
		db = db.WithNumSets(d.numSets)
	}
	if d.numWays > 0 {
		db = db.WithNumWays(d.numWays)
	}

	device := db.Build("DART")

	m, err := b.
		WithRegister(device.ControlRegister()).
		WithCache(device).
		Build("Mapper")
	if err != nil {
		return nil, err
	}

	return &system{host: host, device: device, mapper: m}, nil
}
