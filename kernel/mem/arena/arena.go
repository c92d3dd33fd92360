// Package arena implements a page-backed bump allocator: frames are pulled
// one at a time from a physical frame manager and carved up linearly, with
// no support for freeing individual blocks. The control struct lives inside
// the arena's own first frame, overlaid with unsafe.Pointer rather than kept
// in ordinary (pre-runtime, unavailable) Go heap memory.
package arena

import (
	"unsafe"

	"github.com/kernelkit/limcore/kernel/mem"
	"github.com/kernelkit/limcore/kernel/mem/allocator"
	"github.com/kernelkit/limcore/kernel/mem/hhdm"
	"github.com/kernelkit/limcore/kernel/mem/pmm"
)

// pageHeader is the bookkeeping overlaid at the start of every frame after
// the first: just a link to the next frame in the chain.
type pageHeader struct {
	next uintptr
}

// Arena is a page-backed bump allocator. It implements allocator.Allocator
// and allocator.Disposer; it does not implement Freer or Reallocator
// (individual blocks can't be freed and there is no efficient in-place
// resize), so the allocator package's wrappers silently drop Free calls and
// fall back to alloc+copy+free for Realloc.
//
// hdr must remain Arena's first field: Dispose walks the frame chain
// starting from the arena's own address, which for the first frame is also
// the address of hdr.
type Arena struct {
	hdr           pageHeader
	currentPageVA uintptr
	currentOffset uint32
	p2align       uint
	pfm           *pmm.PFM
}

// New grabs a frame from pfm for the arena's own bookkeeping plus its first
// block of storage. p2align must be between 0 and 11 inclusive; every
// allocation is rounded up to 1<<p2align. New returns ok == false if pfm has
// no frame to give, mirroring the original's null-self allocator.
func New(pfm *pmm.PFM, p2align uint) (a *Arena, ok bool) {
	f := pfm.Allocate()
	if !f.IsValid() {
		return nil, false
	}

	va := hhdm.Hhdm(uint64(f))
	a = (*Arena)(unsafe.Pointer(va))
	*a = Arena{
		currentPageVA: va,
		currentOffset: alignP2(uint32(unsafe.Sizeof(Arena{})), p2align),
		p2align:       p2align,
		pfm:           pfm,
	}
	return a, true
}

func alignP2(val uint32, p2 uint) uint32 {
	return (val + (1 << p2) - 1) >> p2 << p2
}

// Alloc reserves size bytes, rounded up to 1<<p2align. Sizes that round up
// to a full page or more always fail: the arena only supports sub-page
// allocations. When the current frame can't fit the request, Alloc pulls a
// fresh frame from the bound PFM and links it after the current one.
func (a *Arena) Alloc(size mem.Size) allocator.Block {
	sz := alignP2(uint32(size), a.p2align)
	if sz >= uint32(mem.PageSize) {
		return allocator.Block{}
	}

	if a.currentOffset+sz > uint32(mem.PageSize) {
		f := a.pfm.Allocate()
		if !f.IsValid() {
			return allocator.Block{}
		}

		newVA := hhdm.Hhdm(uint64(f))
		*(*pageHeader)(unsafe.Pointer(newVA)) = pageHeader{}
		(*pageHeader)(unsafe.Pointer(a.currentPageVA)).next = newVA

		a.currentPageVA = newVA
		a.currentOffset = alignP2(uint32(unsafe.Sizeof(pageHeader{})), a.p2align)
	}

	blk := allocator.Block{Ptr: a.currentPageVA + uintptr(a.currentOffset), Size: mem.Size(sz)}
	a.currentOffset += sz
	return blk
}

// Dispose returns every frame in the arena's chain, including the frame
// holding the arena's own control struct, to the bound PFM. The arena must
// not be used again afterwards.
func (a *Arena) Dispose() {
	pfm := a.pfm
	pageVA := uintptr(unsafe.Pointer(a))

	for pageVA != 0 {
		next := (*pageHeader)(unsafe.Pointer(pageVA)).next
		pfm.Free(pmm.Frame(hhdm.Unhhdm(pageVA)))
		pageVA = next
	}
}
