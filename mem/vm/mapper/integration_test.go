package mapper_test

import (
	"math/rand"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/iommu/mem/vm"
	"github.com/sarchlab/iommu/mem/vm/dart"
	"github.com/sarchlab/iommu/mem/vm/mapper"
	"github.com/sarchlab/iommu/sim/hooking"
)

func recoverFatal(f func()) (kind mapper.FatalKind) {
	defer func() {
		err, ok := recover().(*mapper.FatalError)
		Expect(ok).To(BeTrue())
		kind = err.Kind
	}()

	f()

	return kind
}

// steppingClock advances by one poll window on every reading.
func steppingClock() func() time.Time {
	var lock sync.Mutex
	t := time.Unix(0, 0)

	return func() time.Time {
		lock.Lock()
		defer lock.Unlock()

		t = t.Add(100 * time.Nanosecond)

		return t
	}
}

var _ = Describe("Mapper with a DART", func() {
	var (
		device *dart.Device
		host   vm.HostMemory
		m      *mapper.Mapper
		allocs []mapper.AllocEvent
	)

	build := func(d *dart.Device) (*mapper.Mapper, error) {
		return mapper.MakeBuilder().
			WithRegister(d.ControlRegister()).
			WithCache(d).
			WithHostMemory(host).
			WithRegionSize(64).
			WithCacheLineSize(32).
			WithClock(steppingClock()).
			WithQuiet(true).
			Build("DART")
	}

	BeforeEach(func() {
		host = vm.NewHostMemory(mapper.PageShift, 0x1000, 16)
		device = dart.MakeBuilder().WithCacheLineSize(32).Build("DART")
		allocs = nil

		var err error
		m, err = build(device)
		Expect(err).NotTo(HaveOccurred())

		var lock sync.Mutex
		m.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			if e, ok := ctx.Item.(mapper.AllocEvent); ok {
				lock.Lock()
				allocs = append(allocs, e)
				lock.Unlock()
			}
		}))
	})

	It("should run the 64-page scenario", func() {
		first := m.Allocate(1)
		second := m.Allocate(1)

		Expect(first).To(Equal(mapper.PageIndex(4)))
		Expect(second).To(Equal(mapper.PageIndex(8)))

		m.Insert(first, 0, 0x500)
		m.Free(first, 1)

		for i := mapper.PageIndex(0); i < 4; i++ {
			Expect(device.Load(m.Table().WordAddr(first + i))).To(BeZero())
		}

		Expect(m.Allocate(1)).To(Equal(first))
	})

	It("should translate on the device what was inserted", func() {
		for pages := 0; pages < 30; pages += 7 {
			base := m.Allocate(pages)

			for i := 0; i <= pages; i++ {
				m.Insert(base, i, mapper.PPN(0x2000+i))
			}

			for i := 0; i <= pages; i++ {
				addr := (base + mapper.PageIndex(i)).IOAddress()
				pAddr, err := device.Translate(addr)

				Expect(err).NotTo(HaveOccurred())
				Expect(pAddr).To(Equal(mapper.PPN(0x2000 + i).Addr()))
				Expect(m.Translate(addr)).To(Equal(pAddr))
			}

			m.Free(base, pages)
		}
	})

	It("should never expose the previous tenant's pages", func() {
		base := m.Allocate(6)
		pages := []mapper.PPN{0x700, 0x701, 0x702, 0x703, 0x704, 0x705, 0x706}
		m.InsertPages(base, 0, pages)
		for i := range pages {
			_, _ = device.Translate((base + mapper.PageIndex(i)).IOAddress())
		}
		m.Free(base, 6)

		again := m.Allocate(6)
		Expect(again).To(Equal(base))

		for i := range pages {
			addr := (again + mapper.PageIndex(i)).IOAddress()

			Expect(m.Translate(addr)).To(Equal(m.DummyPage().Addr()))

			pAddr, err := device.Translate(addr)
			if err == nil {
				Expect(pAddr).To(Equal(m.DummyPage().Addr()))
			}
		}
	})

	DescribeTable("should coalesce buddies freed in either order",
		func(lowFirst bool) {
			Expect(m.Allocate(3)).To(Equal(mapper.PageIndex(4)))
			Expect(m.Allocate(3)).To(Equal(mapper.PageIndex(8)))
			Expect(m.Allocate(3)).To(Equal(mapper.PageIndex(12)))
			m.Free(4, 3)

			a, b := mapper.PageIndex(8), mapper.PageIndex(12)
			if !lowFirst {
				a, b = b, a
			}
			m.Free(a, 3)
			m.Free(b, 3)

			allocs = nil
			base := m.Allocate(7)

			Expect(base).To(Equal(mapper.PageIndex(8)))
			Expect(allocs).To(HaveLen(1))
			Expect(allocs[0].FoundZone).To(Equal(allocs[0].Zone))
		},
		Entry("low block first", true),
		Entry("high block first", false),
	)

	It("should refuse a request of half the region", func() {
		Expect(recoverFatal(func() { m.Allocate(31) })).
			To(Equal(mapper.FatalRequestTooLarge))
	})

	It("should keep every page accounted for", func() {
		rng := rand.New(rand.NewSource(1))
		live := map[mapper.PageIndex]int{}

		for step := 0; step < 200; step++ {
			pages := rng.Intn(8)
			if len(live) > 0 && (rng.Intn(2) == 0 || !fits(m.Stats(), pages)) {
				for base, n := range live {
					m.Free(base, n)
					delete(live, base)

					break
				}
			} else {
				live[m.Allocate(pages)] = pages
			}

			used := 0
			for _, n := range live {
				used += roundedBlock(n)
			}

			Expect(m.Stats().FreePages + used + mapper.MinZoneSize).To(Equal(64))
		}
	})

	It("should never hand out overlapping blocks", func() {
		var (
			lock  sync.Mutex
			owner = map[mapper.PageIndex]int{}
			wg    sync.WaitGroup
		)

		for w := 0; w < 8; w++ {
			wg.Add(1)

			go func(worker int) {
				defer GinkgoRecover()
				defer wg.Done()

				for i := 0; i < 50; i++ {
					pages := (worker + i) % 6
					base := m.Allocate(pages)
					size := mapper.PageIndex(roundedBlock(pages))

					lock.Lock()
					for p := base; p < base+size; p++ {
						Expect(owner).NotTo(HaveKey(p))
						owner[p] = worker
					}
					lock.Unlock()

					m.Insert(base, 0, mapper.PPN(0x3000+worker))
					pAddr, err := device.Translate(base.IOAddress())
					Expect(err).NotTo(HaveOccurred())
					Expect(pAddr).To(Equal(mapper.PPN(0x3000 + worker).Addr()))

					lock.Lock()
					for p := base; p < base+size; p++ {
						delete(owner, p)
					}
					lock.Unlock()

					m.Free(base, pages)
				}
			}(w)
		}

		wg.Wait()

		Expect(m.Stats().FreePages).To(Equal(60))
	})

	It("should block until a block is freed", func() {
		big := m.Allocate(30)
		got := make(chan mapper.PageIndex)

		go func() {
			got <- m.Allocate(30)
		}()

		Eventually(func() int { return m.Stats().Sleepers }).Should(Equal(1))
		Consistently(got, "50ms").ShouldNot(Receive())

		m.Free(big, 30)

		Eventually(got).Should(Receive(Equal(big)))
		Expect(m.Stats().Sleepers).To(BeZero())
	})

	It("should pass through addresses past the region", func() {
		addr := uint64(64<<mapper.PageShift) + 0x10

		Expect(m.Translate(addr)).To(Equal(addr))

		pAddr, err := device.Translate(addr)
		Expect(err).NotTo(HaveOccurred())
		Expect(pAddr).To(Equal(addr))
	})

	It("should refuse to translate an unmapped address", func() {
		Expect(recoverFatal(func() { m.Translate(0x5000) })).
			To(Equal(mapper.FatalUnmappedAddress))
	})

	It("should refuse use after Close", func() {
		m.Close()

		Expect(recoverFatal(func() { m.Insert(4, 0, 1) })).
			To(Equal(mapper.FatalDetached))
	})

	It("should not enable a device it cannot flush lines for", func() {
		d := dart.MakeBuilder().WithCacheLineSize(32).Build("DART")

		_, err := mapper.MakeBuilder().
			WithRegister(d.ControlRegister()).
			WithCache(d).
			WithHostMemory(host).
			WithRegionSize(64).
			WithCacheLineSize(48).
			WithQuiet(true).
			Build("DART")

		Expect(err).To(MatchError(mapper.ErrBadCacheLineSize))
		Expect(d.Enabled()).To(BeFalse())
	})

	It("should retry an invalidation the device did not acknowledge", func() {
		d := dart.MakeBuilder().
			WithCacheLineSize(32).
			WithStuckInvalidations(2).
			Build("DART")

		_, err := build(d)

		Expect(err).NotTo(HaveOccurred())
		Expect(d.Stats().Reasserts).To(Equal(uint64(2)))
		Expect(d.Stats().Invalidations).To(Equal(uint64(1)))
	})

	It("should give up on a device that never acknowledges", func() {
		d := dart.MakeBuilder().
			WithCacheLineSize(32).
			WithStuckInvalidations(-1).
			Build("DART")

		Expect(recoverFatal(func() { _, _ = build(d) })).
			To(Equal(mapper.FatalTLBInvalidate))
	})
})

func roundedBlock(pages int) int {
	size := mapper.MinZoneSize
	for size < pages+1 {
		size <<= 1
	}

	return size
}

// fits reports whether a request can be served without blocking.
func fits(s mapper.Stats, pages int) bool {
	for _, z := range s.Zones {
		if z.BlockPages >= roundedBlock(pages) && z.FreeBlocks > 0 {
			return true
		}
	}

	return false
}
