package mapper

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/iommu/mem/vm"
	"github.com/sarchlab/iommu/sim/hooking"
	"go.uber.org/mock/gomock"
)

const testTableBase = uint64(0x1000_0000)

// expectQuietHardware lets the mapper flush and invalidate freely against a
// unit that acknowledges invalidations immediately.
func expectQuietHardware(reg *MockRegister, cache *MockCacheController) {
	reg.EXPECT().Write(gomock.Any()).AnyTimes()
	reg.EXPECT().Read().Return(uint32(0)).AnyTimes()
	cache.EXPECT().FlushLine(gomock.Any()).AnyTimes()
	cache.EXPECT().Load(gomock.Any()).AnyTimes()
	cache.EXPECT().Sync().AnyTimes()
}

var _ = Describe("Builder", func() {
	var (
		mockCtrl *gomock.Controller
		reg      *MockRegister
		cache    *MockCacheController
		host     vm.HostMemory
		builder  Builder
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		reg = NewMockRegister(mockCtrl)
		cache = NewMockCacheController(mockCtrl)
		host = vm.NewHostMemory(PageShift, 0x100, 16)

		builder = MakeBuilder().
			WithRegister(reg).
			WithCache(cache).
			WithHostMemory(host).
			WithQuiet(true)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should enable translation before invalidating the table", func() {
		ctrl := ControlValue(testTableBase, 1)

		gomock.InOrder(
			reg.EXPECT().Write(ctrl),
			cache.EXPECT().Sync(),
			reg.EXPECT().Write(ctrl|CtrlInvalidateTLB),
		)
		reg.EXPECT().Read().Return(uint32(0))
		cache.EXPECT().FlushLine(gomock.Any()).AnyTimes()
		cache.EXPECT().Load(gomock.Any()).AnyTimes()
		cache.EXPECT().Sync().AnyTimes()

		m, err := builder.WithRegionSize(64).Build("DART")

		Expect(err).NotTo(HaveOccurred())
		Expect(m.RegionPages()).To(Equal(64))
		Expect(m.NumZones()).To(Equal(4))
		Expect(host.NumFreePages()).To(Equal(15))
	})

	It("should size the table from the number of table pages", func() {
		expectQuietHardware(reg, cache)

		m, err := builder.WithARTSize(2).Build("DART")

		Expect(err).NotTo(HaveOccurred())
		Expect(m.RegionPages()).To(Equal(2 * TransPerPage))
		Expect(m.NumZones()).To(Equal(9))
		Expect(m.Table().Len()).To(Equal(2 * TransPerPage))
	})

	It("should use the defaults of a regular mapper", func() {
		expectQuietHardware(reg, cache)

		m, err := builder.Build("DART")

		Expect(err).NotTo(HaveOccurred())
		Expect(m.RegionPages()).To(Equal(RegARTSize * TransPerPage))
		Expect(builder.lineSize()).To(Equal(32))
	})

	It("should use the defaults of the system mapper", func() {
		b := builder.WithSystem(true)

		artPages, regionPages := b.tableSize("SysDART")

		Expect(artPages).To(Equal(SysARTSize))
		Expect(regionPages).To(Equal(SysARTSize * TransPerPage))
		Expect(b.lineSize()).To(Equal(128))
	})

	It("should let boot arguments override the sizes", func() {
		b := builder.
			WithRegionSize(64).
			WithCacheLineSize(64).
			WithBootArgs(BootArgs{ARTSize: 4, CacheLineSize: 16})

		artPages, regionPages := b.tableSize("DART")

		Expect(artPages).To(Equal(4))
		Expect(regionPages).To(Equal(4 * TransPerPage))
		Expect(b.lineSize()).To(Equal(16))
	})

	It("should reject a region that is not a power of two", func() {
		_, err := builder.WithRegionSize(48).Build("DART")

		Expect(errors.Is(err, ErrRegionNotPowerOfTwo)).To(BeTrue())
	})

	It("should reject a region with fewer than two zones", func() {
		_, err := builder.WithRegionSize(8).Build("DART")

		Expect(errors.Is(err, ErrTooFewZones)).To(BeTrue())
	})

	It("should reject a region with too many zones", func() {
		_, err := builder.WithARTSize(1024).Build("DART")

		Expect(errors.Is(err, ErrTooManyZones)).To(BeTrue())
	})

	DescribeTable("should reject a cache line size the flush cannot align to",
		func(lineSize int) {
			_, err := builder.
				WithRegionSize(64).
				WithCacheLineSize(lineSize).
				Build("DART")

			Expect(errors.Is(err, ErrBadCacheLineSize)).To(BeTrue())
			Expect(host.NumFreePages()).To(Equal(16))
		},
		Entry("not a power of two", 48),
		Entry("smaller than an entry", 2),
		Entry("negative", -64),
	)

	It("should require a control register", func() {
		_, err := MakeBuilder().
			WithCache(cache).
			WithHostMemory(host).
			Build("DART")

		Expect(errors.Is(err, ErrNoRegister)).To(BeTrue())
	})

	It("should fail if the host has no page for the dummy page", func() {
		_, err := builder.
			WithHostMemory(vm.NewHostMemory(PageShift, 0x100, 0)).
			WithRegionSize(64).
			Build("DART")

		Expect(errors.Is(err, ErrDummyPage)).To(BeTrue())
		Expect(errors.Is(err, vm.ErrOutOfMemory)).To(BeTrue())
	})
})

var _ = Describe("Mapper", func() {
	var (
		mockCtrl *gomock.Controller
		reg      *MockRegister
		cache    *MockCacheController
		host     vm.HostMemory
		m        *Mapper
		faults   []*FatalError
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		reg = NewMockRegister(mockCtrl)
		cache = NewMockCacheController(mockCtrl)
		host = vm.NewHostMemory(PageShift, 0x100, 16)
		faults = nil
		expectQuietHardware(reg, cache)

		var err error
		m, err = MakeBuilder().
			WithRegister(reg).
			WithCache(cache).
			WithHostMemory(host).
			WithRegionSize(64).
			WithFaultHandler(func(err *FatalError) {
				faults = append(faults, err)
			}).
			WithQuiet(true).
			Build("DART")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should point a fresh block at the dummy page", func() {
		base := m.Allocate(5)

		Expect(base).To(Equal(PageIndex(8)))
		for i := PageIndex(0); i < 6; i++ {
			pAddr, ok := m.Lookup((base + i).IOAddress())
			Expect(ok).To(BeTrue())
			Expect(pAddr).To(Equal(m.DummyPage().Addr()))
		}

		_, ok := m.Lookup((base + 6).IOAddress())
		Expect(ok).To(BeFalse())
	})

	It("should treat a zero-page request like a three-page one", func() {
		a := m.Allocate(0)
		m.Free(a, 0)

		b := m.Allocate(3)

		Expect(b).To(Equal(a))
	})

	It("should never hand out page 0", func() {
		seen := map[PageIndex]bool{}
		for i := 0; i < 15; i++ {
			base := m.Allocate(2)
			Expect(base).NotTo(BeZero())
			Expect(seen[base]).To(BeFalse())
			seen[base] = true
		}
	})

	It("should translate inserted pages", func() {
		base := m.Allocate(3)

		m.Insert(base, 0, 0x1234)
		m.InsertPages(base, 1, []PPN{0x2000, 0x2001})

		Expect(m.Translate(base.IOAddress() + 0x10)).
			To(Equal(uint64(0x1234_010)))
		Expect(m.Translate((base + 2).IOAddress() + 0xfff)).
			To(Equal(uint64(0x2001_fff)))
	})

	It("should insert a scatter/gather list", func() {
		base := m.Allocate(2)

		m.InsertPageInfo(base, 0, []PageInfo{{PhysPage: 0x77}, {PhysPage: 0x99}})

		Expect(m.Translate((base + 1).IOAddress())).To(Equal(PPN(0x99).Addr()))
	})

	It("should invalidate a block when it is freed", func() {
		base := m.Allocate(3)
		m.Insert(base, 0, 0x1234)

		m.Free(base, 3)

		_, ok := m.Lookup(base.IOAddress())
		Expect(ok).To(BeFalse())
	})

	It("should coalesce freed blocks", func() {
		before := m.Stats()

		a := m.Allocate(3)
		b := m.Allocate(3)
		c := m.Allocate(10)
		m.Free(b, 3)
		m.Free(c, 10)
		m.Free(a, 3)

		Expect(m.Stats().Zones).To(Equal(before.Zones))
		Expect(m.Stats().FreePages).To(Equal(60))
	})

	It("should pass through addresses past the region", func() {
		addr := uint64(64<<PageShift) + 0x123

		Expect(m.Translate(addr)).To(Equal(addr))
	})

	It("should count operations", func() {
		base := m.Allocate(3)
		m.Insert(base, 0, 0x10)
		m.Free(base, 3)

		s := m.Stats()

		Expect(s.Allocations).To(Equal(uint64(1)))
		Expect(s.Inserts).To(Equal(uint64(1)))
		Expect(s.Frees).To(Equal(uint64(1)))
		Expect(s.Invalidations).To(Equal(uint64(2)))
	})

	It("should invoke hooks", func() {
		var positions []string
		m.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			positions = append(positions, ctx.Pos.Name)
		}))

		base := m.Allocate(3)
		m.Insert(base, 0, 0x10)
		m.Free(base, 3)

		Expect(positions).To(Equal([]string{
			"MapperAlloc",
			"MapperInvalidate", "MapperInsert",
			"MapperInvalidate", "MapperFree",
		}))
	})

	Context("fatal conditions", func() {
		It("should refuse a request of half the region", func() {
			Expect(fatalKindOf(func() { m.Allocate(31) })).
				To(Equal(FatalRequestTooLarge))
			Expect(faults).To(HaveLen(1))
			Expect(faults[0].Mapper).To(Equal("DART"))
		})

		It("should refuse to free a block twice", func() {
			base := m.Allocate(3)
			m.Free(base, 3)

			Expect(fatalKindOf(func() { m.Free(base, 3) })).
				To(Equal(FatalBadFree))
		})

		It("should refuse to free a block that merged into its buddy", func() {
			Expect(m.Allocate(3)).To(Equal(PageIndex(4)))
			Expect(m.Allocate(3)).To(Equal(PageIndex(8)))
			Expect(m.Allocate(3)).To(Equal(PageIndex(12)))
			m.Free(8, 3)
			m.Free(12, 3)
			free := m.Stats().FreePages

			Expect(fatalKindOf(func() { m.Free(12, 3) })).
				To(Equal(FatalBadFree))
			Expect(m.Stats().FreePages).To(Equal(free))
			Expect(m.Allocate(7)).To(Equal(PageIndex(8)))
		})

		It("should refuse to free a block with another size", func() {
			base := m.Allocate(7)

			Expect(fatalKindOf(func() { m.Free(base, 3) })).
				To(Equal(FatalBadFree))
		})

		It("should refuse to free page 0", func() {
			Expect(fatalKindOf(func() { m.Free(0, 3) })).To(Equal(FatalBadFree))
		})

		It("should refuse a misaligned free", func() {
			Expect(fatalKindOf(func() { m.Free(6, 3) })).To(Equal(FatalBadFree))
		})

		It("should refuse to insert past the table", func() {
			base := m.Allocate(3)

			Expect(fatalKindOf(func() { m.Insert(base, 64, 0x10) })).
				To(Equal(FatalOutOfRange))
		})

		It("should refuse a physical page that does not fit", func() {
			base := m.Allocate(3)

			Expect(fatalKindOf(func() { m.Insert(base, 0, PPN(ValidBit)) })).
				To(Equal(FatalOutOfRange))
		})

		It("should refuse to translate an unmapped address", func() {
			Expect(fatalKindOf(func() { m.Translate(0) })).
				To(Equal(FatalUnmappedAddress))
		})

		It("should refuse any operation after Close", func() {
			m.Close()

			Expect(host.NumFreePages()).To(Equal(16))
			Expect(fatalKindOf(func() { m.Allocate(3) })).
				To(Equal(FatalDetached))
		})
	})
})
