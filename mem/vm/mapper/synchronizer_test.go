package mapper

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Synchronizer", func() {
	const base = uint64(0x1000_0000)

	var (
		mockCtrl *gomock.Controller
		reg      *MockRegister
		cache    *MockCacheController
		table    *Table
		faults   []FatalKind
		clock    time.Time
		s        *synchronizer
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		reg = NewMockRegister(mockCtrl)
		cache = NewMockCacheController(mockCtrl)
		table = newTable(64, base)
		faults = nil
		clock = time.Unix(0, 0)

		s = &synchronizer{
			table:      table,
			reg:        reg,
			cache:      cache,
			lineSize:   32,
			ctrl:       ControlValue(base, 1) | CtrlInvalidateTLB,
			pollWindow: 100 * time.Nanosecond,
			maxLoops:   3,
			now: func() time.Time {
				clock = clock.Add(100 * time.Nanosecond)
				return clock
			},
			fault: func(kind FatalKind, op, detail string) {
				faults = append(faults, kind)
			},
		}
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should encode the control register", func() {
		Expect(ControlValue(0x1234_5678, 3)).
			To(Equal(uint32(0x1234_5000) | CtrlEnable | 3))
		Expect(ControlValue(base, 512) & CtrlSizeMask).To(BeZero())
	})

	Context("flush", func() {
		It("should flush only the final line for a short range", func() {
			gomock.InOrder(
				cache.EXPECT().Sync(),
				cache.EXPECT().FlushLine(base),
				cache.EXPECT().Sync(),
				cache.EXPECT().Load(base),
				cache.EXPECT().Sync(),
			)

			s.flush(0, 3)
		})

		It("should flush every line covering the range and the read-ahead word",
			func() {
				gomock.InOrder(
					cache.EXPECT().FlushLine(base),
					cache.EXPECT().FlushLine(base+32),
					cache.EXPECT().Sync(),
					cache.EXPECT().FlushLine(base+64),
					cache.EXPECT().Sync(),
					cache.EXPECT().Load(base+64),
					cache.EXPECT().Sync(),
				)

				s.flush(6, 10)
			})

		It("should start from the line that holds the first word", func() {
			gomock.InOrder(
				cache.EXPECT().FlushLine(base+32),
				cache.EXPECT().Sync(),
				cache.EXPECT().FlushLine(base+64),
				cache.EXPECT().Sync(),
				cache.EXPECT().Load(base+64),
				cache.EXPECT().Sync(),
			)

			s.flush(12, 4)
		})
	})

	Context("TLB invalidate", func() {
		It("should return right away if the bit reads back clear", func() {
			gomock.InOrder(
				reg.EXPECT().Write(s.ctrl),
				cache.EXPECT().Sync(),
				reg.EXPECT().Read().Return(s.ctrl&^CtrlInvalidateTLB),
			)

			Expect(s.tlbInvalidate(0, 4)).To(Equal(0))
		})

		It("should poll until the hardware acknowledges", func() {
			gomock.InOrder(
				reg.EXPECT().Write(s.ctrl),
				cache.EXPECT().Sync(),
				reg.EXPECT().Read().Return(s.ctrl),
				reg.EXPECT().Read().Return(uint32(0)),
			)

			Expect(s.tlbInvalidate(0, 4)).To(Equal(0))
		})

		It("should reassert the request when a poll window expires", func() {
			gomock.InOrder(
				reg.EXPECT().Write(s.ctrl),
				cache.EXPECT().Sync(),
				reg.EXPECT().Read().Return(s.ctrl),
				reg.EXPECT().Read().Return(s.ctrl),
				reg.EXPECT().Write(s.ctrl&^CtrlInvalidateTLB),
				cache.EXPECT().Sync(),
				reg.EXPECT().Write(s.ctrl),
				cache.EXPECT().Sync(),
				reg.EXPECT().Read().Return(uint32(0)),
			)

			Expect(s.tlbInvalidate(0, 4)).To(Equal(1))
			Expect(faults).To(BeEmpty())
		})

		It("should give up after the maximum number of attempts", func() {
			reg.EXPECT().Write(gomock.Any()).AnyTimes()
			reg.EXPECT().Read().Return(s.ctrl).AnyTimes()
			cache.EXPECT().Sync().AnyTimes()

			Expect(s.tlbInvalidate(0, 4)).To(Equal(3))
			Expect(faults).To(Equal([]FatalKind{FatalTLBInvalidate}))
		})
	})

	It("should clear, flush and invalidate a region", func() {
		table.fillMapped(4, 4, 9)

		cache.EXPECT().FlushLine(gomock.Any()).AnyTimes()
		cache.EXPECT().Load(gomock.Any()).AnyTimes()
		cache.EXPECT().Sync().AnyTimes()
		reg.EXPECT().Write(s.ctrl)
		reg.EXPECT().Read().Return(uint32(0))

		Expect(s.invalidateRegion(4, 4)).To(Equal(0))

		for i := PageIndex(4); i < 8; i++ {
			Expect(table.Word(i)).To(BeZero())
		}
	})
})
