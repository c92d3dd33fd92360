package pmm

import (
	"math/bits"
	"reflect"
	"unsafe"

	"github.com/kernelkit/limcore/kernel"
	"github.com/kernelkit/limcore/kernel/kfmt/early"
	"github.com/kernelkit/limcore/kernel/mem"
	"github.com/kernelkit/limcore/kernel/mem/hhdm"
)

const (
	// entriesTop is the number of region descriptors the top-level
	// control page can hold.
	entriesTop = 168

	// ctrlWordCount is the number of uint64 words in one bitmap page:
	// 4096 bytes / 8 bytes per word.
	ctrlWordCount = mem.PageSize / 8

	// minBlockPages is the smallest region Add will accept. Smaller
	// regions are dropped rather than burning a descriptor slot on them.
	minBlockPages = 64

	// maxBlockPages is the largest region a single descriptor can track:
	// one bit per frame across a full bitmap page (128 MiB worth).
	maxBlockPages = uint64(ctrlWordCount) * 64
)

// the following function is mocked by tests and is automatically inlined by
// the compiler.
var panicFn = kernel.Panic

// regionDescriptor tracks one contiguous, bitmap-backed block of physical
// memory. The first frame of the block backs the bitmap itself and is never
// handed out.
type regionDescriptor struct {
	physStart uint64
	ctrlVA    uintptr
	maxPages  uint16
	freePages uint16
	active    bool
}

// PFM is the physical frame manager: a fixed table of region descriptors
// occupying a single control page.
type PFM struct {
	entries [entriesTop]regionDescriptor
}

// Stats summarises the PFM's current allocation state in frames.
type Stats struct {
	Free, Used, Total, Overhead uint64
}

// New initialises a PFM in place over controlPageVA, which must be a
// page-aligned, HHDM-mapped virtual address. The page is zeroed; the
// returned handle's backing physical address is unhhdm(controlPageVA).
func New(controlPageVA uintptr) *PFM {
	mem.Memset(controlPageVA, 0, mem.PageSize)
	return (*PFM)(unsafe.Pointer(controlPageVA))
}

func ctrlBitmap(va uintptr) []uint64 {
	return *(*[]uint64)(unsafe.Pointer(&reflect.SliceHeader{
		Data: va,
		Len:  int(ctrlWordCount),
		Cap:  int(ctrlWordCount),
	}))
}

// initCtrlBitmap zeroes the bitmap page at va and sets the low pages bits,
// marking the first pages frames of the region free.
func initCtrlBitmap(va uintptr, pages uint16) {
	mem.Memset(va, 0, mem.PageSize)

	words := ctrlBitmap(va)
	full := int(pages / 64)
	extra := uint(pages % 64)

	for i := 0; i < full; i++ {
		words[i] = ^uint64(0)
	}
	if extra > 0 {
		words[full] = ^uint64(0) >> (64 - extra)
	}
}

// setupEntry carves the bitmap page off the front of [physStart, physStart+size)
// and populates d to track the remainder.
func (p *PFM) setupEntry(d *regionDescriptor, physStart, size uint64) {
	ctrlVA := hhdm.Hhdm(physStart)
	physStart += uint64(mem.PageSize)
	size -= uint64(mem.PageSize)

	pages := uint16(size / uint64(mem.PageSize))
	initCtrlBitmap(ctrlVA, pages)

	*d = regionDescriptor{
		ctrlVA:    ctrlVA,
		physStart: physStart,
		maxPages:  pages,
		freePages: pages,
		active:    true,
	}
}

// Add registers a physical memory region reported by the bootloader as
// available for allocation. physStart is rounded up and size rounded down
// to frame size. A region smaller than minBlockPages frames is dropped with
// a warning (not worth a descriptor slot). A region larger than
// maxBlockPages frames is split: the first maxBlockPages frames get a
// descriptor and the remainder recurses.
func (p *PFM) Add(physStart, size uint64) {
	physStart = mem.AlignUp(physStart)
	size = mem.AlignDown(size)

	maxBlockBytes := maxBlockPages * uint64(mem.PageSize)
	minBlockBytes := uint64(minBlockPages) * uint64(mem.PageSize)

	var remaining uint64
	switch {
	case size > maxBlockBytes:
		remaining = size - maxBlockBytes
		size = maxBlockBytes
	case size < minBlockBytes:
		early.Printf("pmm: dropping region 0x%x+0x%x (too small)\n", physStart, size)
		return
	}

	for i := range p.entries {
		if p.entries[i].active {
			continue
		}

		p.setupEntry(&p.entries[i], physStart, size)
		if remaining > 0 {
			p.Add(physStart+size, remaining)
		}
		return
	}

	early.Printf("pmm: dropping region 0x%x+0x%x (out of descriptor slots)\n", physStart, size)
}

// ctrlAlloc finds and clears the lowest set bit in words, returning its bit
// index. The caller must already know a free bit exists (freePages > 0).
func ctrlAlloc(words []uint64) int {
	for i, w := range words {
		if w == 0 {
			continue
		}

		bit := bits.TrailingZeros64(w)
		words[i] = w &^ (1 << uint(bit))
		return i*64 + bit
	}

	panicFn(&kernel.Error{Module: "pmm", Message: "free_pages out of sync with ctrl bitmap"})
	return -1
}

// Allocate reserves and returns one free frame, scanning descriptors in
// order and returning the lowest free frame of the first descriptor with
// room. It returns NoFrame if every descriptor is exhausted.
func (p *PFM) Allocate() Frame {
	for i := range p.entries {
		e := &p.entries[i]
		if !e.active || e.freePages == 0 {
			continue
		}

		idx := ctrlAlloc(ctrlBitmap(e.ctrlVA))
		e.freePages--
		return Frame(e.physStart + uint64(idx)*uint64(mem.PageSize))
	}

	early.Printf("pmm: physical allocation failure\n")
	return NoFrame
}

// Free returns f to the pool it was allocated from. Freeing NoFrame is a
// no-op. Freeing an address outside every active descriptor's range is
// fatal: it means the caller is handing back memory this PFM never owned.
func (p *PFM) Free(f Frame) {
	if f == NoFrame {
		return
	}

	pa := uint64(f)
	for i := range p.entries {
		e := &p.entries[i]
		if !e.active {
			continue
		}

		regionEnd := e.physStart + uint64(e.maxPages)*uint64(mem.PageSize)
		if pa < e.physStart || pa >= regionEnd {
			continue
		}

		idx := (pa - e.physStart) / uint64(mem.PageSize)
		words := ctrlBitmap(e.ctrlVA)
		words[idx/64] |= 1 << (idx % 64)
		e.freePages++
		return
	}

	panicFn(&kernel.Error{Module: "pmm", Message: "bad free: address not owned by any region"})
}

// Stats reports free/used/total frame counts plus bookkeeping overhead
// (bitmap pages and the top-level control page) across active descriptors.
func (p *PFM) Stats() Stats {
	s := Stats{Overhead: 1}
	for i := range p.entries {
		e := &p.entries[i]
		if !e.active {
			continue
		}

		s.Free += uint64(e.freePages)
		s.Used += uint64(e.maxPages - e.freePages)
		s.Total += uint64(e.maxPages)
		s.Overhead++
	}
	return s
}
