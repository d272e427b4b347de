package scenarios_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	pdp11io "github.com/behrlich/pdp11io"
	"github.com/behrlich/pdp11io/internal/cache"
	"github.com/behrlich/pdp11io/internal/ioregs"
)

// patternImage builds a byte slice where each byte is its own index mod
// 251, large enough to exercise cross-block-boundary transfers without
// ever looking like all-zero padding.
func patternImage(size int) []byte {
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(i % 251)
	}
	return img
}

var _ = Describe("RK11 boot-sector read", func() {
	It("copies the first 512 bytes of the image and raises the completion interrupt", func() {
		bus := pdp11io.NewMockBus(4096)
		image := patternImage(cache.BlockSize)
		fetcher := pdp11io.NewMockFetcher(image)

		iob, err := pdp11io.New(pdp11io.Config{}, bus)
		Expect(err).NotTo(HaveOccurred())
		iob.Attach(pdp11io.DriveSpec{Controller: "rk11", Unit: 0, Tracks: 406}, fetcher)
		iob.Reset()

		writeWord := func(offset uint32, value uint16) {
			_, trap := iob.Access(ioregs.RK11Base+offset, int32(value), false)
			Expect(trap).To(BeNil())
		}

		writeWord(ioregs.RK11OffBA, 0)
		writeWord(ioregs.RK11OffWC, 0xFF00) // 256 words = 512 bytes
		writeWord(ioregs.RK11OffDA, 0)
		writeWord(ioregs.RK11OffCS, 0x45) // go | read | IE

		bus.RunDeferred()

		Expect(bus.Mem()[:512]).To(Equal(image[:512]))

		cs, trap := iob.Access(ioregs.RK11Base+ioregs.RK11OffCS, -1, false)
		Expect(trap).To(BeNil())
		Expect(cs & 0o200).NotTo(BeZero(), "done bit")
		Expect(cs & (1 << 13)).NotTo(BeZero(), "search-complete bit")

		wc, _ := iob.Access(ioregs.RK11Base+ioregs.RK11OffWC, -1, false)
		Expect(wc).To(BeEquivalentTo(0))

		Expect(bus.CallCounts()["interrupt"]).To(Equal(1))
	})
})

var _ = Describe("RL11 seek then read", func() {
	It("completes the seek immediately, then reads the programmed sector into memory", func() {
		bus := pdp11io.NewMockBus(4096)
		image := patternImage(cache.BlockSize)
		fetcher := pdp11io.NewMockFetcher(image)

		iob, err := pdp11io.New(pdp11io.Config{}, bus)
		Expect(err).NotTo(HaveOccurred())
		iob.Attach(pdp11io.DriveSpec{Controller: "rl11", Unit: 0, RL02: true}, fetcher)
		iob.Reset()

		writeWord := func(offset uint32, value uint16) {
			_, trap := iob.Access(ioregs.RL11Base+offset, int32(value), false)
			Expect(trap).To(BeNil())
		}
		readWord := func(offset uint32) uint16 {
			v, trap := iob.Access(ioregs.RL11Base+offset, -1, false)
			Expect(trap).To(BeNil())
			return uint16(v)
		}

		// Seek: the function's internal target is a signed cylinder delta
		// carried in DA bits 7-14, not the raw (track<<6)|sector form the
		// data-transfer functions consume.
		writeWord(ioregs.RL11OffDA, 2<<7)
		writeWord(ioregs.RL11OffCS, 0x01|(3<<1)) // go | seek
		bus.RunDeferred()

		csAfterSeek := readWord(ioregs.RL11OffCS)
		Expect(csAfterSeek & 0x80).NotTo(BeZero(), "seek completed without a transfer")

		const track, sector = 1, 0
		position := int64(track*40+sector) * 256

		writeWord(ioregs.RL11OffDA, uint16(track<<6|sector))
		writeWord(ioregs.RL11OffBA, 0)
		writeWord(ioregs.RL11OffMP, uint16(0x10000-128)) // 128 words = 256 bytes, one sector
		writeWord(ioregs.RL11OffCS, 0x01|(6<<1))
		bus.RunDeferred()

		Expect(bus.Mem()[:256]).To(Equal(image[position : position+256]))

		cs := readWord(ioregs.RL11OffCS)
		Expect(cs & 0x80).NotTo(BeZero())
	})
})

var _ = Describe("RP11 block miss mid-transfer", func() {
	It("completes the cached half synchronously, then resumes across the fetched block", func() {
		bus := pdp11io.NewMockBus(4096)
		image := patternImage(2 * cache.BlockSize)
		fetcher := pdp11io.NewMockFetcher(image)

		iob, err := pdp11io.New(pdp11io.Config{}, bus)
		Expect(err).NotTo(HaveOccurred())
		iob.Attach(pdp11io.DriveSpec{Controller: "rp11", Unit: 0, DriveType: "rm03"}, fetcher)
		iob.Reset()

		writeWord := func(offset uint32, value uint16) {
			_, trap := iob.Access(ioregs.RP11Base+offset, int32(value), false)
			Expect(trap).To(BeNil())
		}
		readWord := func(offset uint32) uint16 {
			v, trap := iob.Access(ioregs.RP11Base+offset, -1, false)
			Expect(trap).To(BeNil())
			return uint16(v)
		}

		const (
			sectorsPerCylinder = 5 * 48 // RM03: 5 surfaces * 48 sectors
			bytesPerSector     = 512
			fnRead             = 0o71
			cs1IE              = 1 << 6
		)
		const sectorIdx = cache.BlockSize/bytesPerSector - 1 // one sector before the boundary
		cyl := sectorIdx / sectorsPerCylinder
		sector := sectorIdx % sectorsPerCylinder
		Expect(sector).To(BeNumerically("<=", 255), "stays within DA's 8-bit sector field")

		warmUp := func() {
			writeWord(ioregs.RP11OffDC, uint16(cyl))
			writeWord(ioregs.RP11OffDA, uint16(sector))
			writeWord(ioregs.RP11OffBA, 0)
			writeWord(ioregs.RP11OffWC, 0xFFFF) // 1 word
			writeWord(ioregs.RP11OffCS1, fnRead)
			bus.RunDeferred()
		}
		warmUp()
		Expect(fetcher.FetchCalls()).To(Equal(1), "warm-up primed block 0 from the fetcher")

		writeWord(ioregs.RP11OffDC, uint16(cyl))
		writeWord(ioregs.RP11OffDA, uint16(sector))
		writeWord(ioregs.RP11OffBA, 512)
		writeWord(ioregs.RP11OffWC, uint16(0x10000-1024)) // 1024 words = 2048 bytes
		interruptsBefore := bus.CallCounts()["interrupt"]
		writeWord(ioregs.RP11OffCS1, fnRead|cs1IE)
		bus.RunDeferred()

		Expect(fetcher.FetchCalls()).To(Equal(2), "block 1 needed exactly one fetch")

		position := int64(sectorIdx) * bytesPerSector
		Expect(bus.Mem()[512 : 512+2048]).To(Equal(image[position : position+2048]))

		Expect(bus.CallCounts()["interrupt"] - interruptsBefore).To(Equal(1), "completion signaled exactly once")

		cs1 := readWord(ioregs.RP11OffCS1)
		Expect(cs1 & (1 << 14)).To(BeZero(), "no transfer error")
	})
})

var _ = Describe("TM11 read of a short record", func() {
	It("copies the record payload and advances position past its framing", func() {
		bus := pdp11io.NewMockBus(4096)

		payload := make([]byte, 100)
		for i := range payload {
			payload[i] = byte(0x30 + i%16)
		}
		tape := ioregs.EncodeRecord(payload)
		fetcher := pdp11io.NewMockFetcher(tape)

		iob, err := pdp11io.New(pdp11io.Config{}, bus)
		Expect(err).NotTo(HaveOccurred())
		iob.Attach(pdp11io.DriveSpec{Controller: "tm11", Unit: 0}, fetcher)
		iob.Reset()

		base := ioregs.MMR3TM11Base + ioregs.TM11WindowBase
		writeWord := func(offset uint32, value uint16) {
			_, trap := iob.Access(base+offset, int32(value), false)
			Expect(trap).To(BeNil())
		}
		readWord := func(offset uint32) uint16 {
			v, trap := iob.Access(base+offset, -1, false)
			Expect(trap).To(BeNil())
			return uint16(v)
		}

		const (
			mtcGo        = 1 << 0
			mtcFuncShift = 1
			mtcIE        = 1 << 6
			fnRead       = 1
		)

		writeWord(ioregs.TM11OffMTBRC, uint16((0x10000-100)&0xFFFF))
		writeWord(ioregs.TM11OffMTCMA, 0)
		writeWord(ioregs.TM11OffMTC, mtcGo|mtcIE|(fnRead<<mtcFuncShift))
		bus.RunDeferred() // startFunction, the header accumulate, and the data phase all run synchronously from here

		Expect(bus.Mem()[:100]).To(Equal(payload))

		brc := readWord(ioregs.TM11OffMTBRC)
		Expect(brc).To(BeEquivalentTo(0))

		Expect(bus.CallCounts()["interrupt"]).To(Equal(1))
	})
})

var _ = Describe("TM11 tape mark", func() {
	It("sets the EOF status bit and still raises the completion interrupt", func() {
		bus := pdp11io.NewMockBus(4096)

		tape := ioregs.EncodeTapeMark()
		fetcher := pdp11io.NewMockFetcher(tape)

		iob, err := pdp11io.New(pdp11io.Config{}, bus)
		Expect(err).NotTo(HaveOccurred())
		iob.Attach(pdp11io.DriveSpec{Controller: "tm11", Unit: 0}, fetcher)
		iob.Reset()

		base := ioregs.MMR3TM11Base + ioregs.TM11WindowBase
		writeWord := func(offset uint32, value uint16) {
			_, trap := iob.Access(base+offset, int32(value), false)
			Expect(trap).To(BeNil())
		}
		readWord := func(offset uint32) uint16 {
			v, trap := iob.Access(base+offset, -1, false)
			Expect(trap).To(BeNil())
			return uint16(v)
		}

		const (
			mtcGo        = 1 << 0
			mtcFuncShift = 1
			mtcIE        = 1 << 6
			fnRead       = 1
			mtsEOF       = 1 << 13
		)

		writeWord(ioregs.TM11OffMTBRC, uint16((0x10000-100)&0xFFFF))
		writeWord(ioregs.TM11OffMTCMA, 0)
		writeWord(ioregs.TM11OffMTC, mtcGo|mtcIE|(fnRead<<mtcFuncShift))
		bus.RunDeferred()

		mts := readWord(ioregs.TM11OffMTS)
		Expect(mts & mtsEOF).NotTo(BeZero())

		Expect(bus.CallCounts()["interrupt"]).To(Equal(1))
	})
})

var _ = Describe("Dispatcher odd-address word access", func() {
	It("traps instead of mutating the register it would otherwise have hit", func() {
		bus := pdp11io.NewMockBus(4096)
		iob, err := pdp11io.New(pdp11io.Config{}, bus)
		Expect(err).NotTo(HaveOccurred())
		iob.Attach(pdp11io.DriveSpec{Controller: "rl11", Unit: 0}, pdp11io.NewMockFetcher(patternImage(cache.BlockSize)))
		iob.Reset()

		before, trap := iob.Access(ioregs.RL11Base+ioregs.RL11OffCS, -1, false)
		Expect(trap).To(BeNil())

		_, trap = iob.Access(ioregs.RL11Base+1, 5, false)
		Expect(trap).NotTo(BeNil())
		Expect(trap.Vector).To(BeEquivalentTo(4))
		Expect(trap.Code).To(BeEquivalentTo(0o212))

		after, trap := iob.Access(ioregs.RL11Base+ioregs.RL11OffCS, -1, false)
		Expect(trap).To(BeNil())
		Expect(after).To(Equal(before))
	})
})
