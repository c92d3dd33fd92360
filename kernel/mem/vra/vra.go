// Package vra implements the virtual-range allocator: a sorted linked list
// of reserved sub-ranges within an abstract address window, with free and
// coalesce/split support, and node storage recycled from page-backed
// storage blocks rather than a general heap (none is available this early).
package vra

import (
	"unsafe"

	"github.com/kernelkit/limcore/kernel"
	"github.com/kernelkit/limcore/kernel/kfmt/early"
	"github.com/kernelkit/limcore/kernel/mem"
	"github.com/kernelkit/limcore/kernel/mem/hhdm"
	"github.com/kernelkit/limcore/kernel/mem/pmm"
)

// regionsPerBlock is the number of nodes a single page-backed storage block
// can hold.
const regionsPerBlock = 100

// the following function is mocked by tests and is automatically inlined by
// the compiler.
var panicFn = kernel.Panic

// region is one reserved sub-range [begin, end) of the address window. Its
// storage lives inside a storageBlock, never on the Go heap.
type region struct {
	next       *region
	begin, end uint64
}

// storageBlock is a page of node storage: up to regionsPerBlock regions
// plus a link to the next block and a count of slots already handed out.
type storageBlock struct {
	next    uintptr
	entries int32
	entry   [regionsPerBlock]region
}

func storageBlockAt(va uintptr) *storageBlock {
	return (*storageBlock)(unsafe.Pointer(va))
}

// VRA manages reservations within [spaceBegin, spaceEnd). Its own control
// struct occupies a full frame obtained from the bound PFM; the bulk of
// that frame goes unused.
type VRA struct {
	pfm     *pmm.PFM
	storage uintptr

	allocated *region
	unused    *region

	spaceBegin, spaceEnd uint64
}

// New reserves a frame from pfm to hold the VRA's own control struct and
// returns a VRA managing [begin, end).
func New(pfm *pmm.PFM, begin, end uint64) *VRA {
	f := pfm.Allocate()
	if !f.IsValid() {
		panicFn(&kernel.Error{Module: "vra", Message: "failed to allocate control page"})
		return nil
	}

	va := hhdm.Hhdm(uint64(f))
	v := (*VRA)(unsafe.Pointer(va))
	*v = VRA{
		pfm:        pfm,
		spaceBegin: begin,
		spaceEnd:   end,
	}
	return v
}

// findFreeNode returns a zeroed node, preferring the free-list, then any
// existing storage block with room, then a freshly allocated block.
// Storage-frame exhaustion is fatal: the caller has already committed to
// inserting a node and has nowhere else to put it.
func (v *VRA) findFreeNode() *region {
	if v.unused != nil {
		n := v.unused
		v.unused = n.next
		*n = region{}
		return n
	}

	for blkVA := v.storage; blkVA != 0; blkVA = storageBlockAt(blkVA).next {
		blk := storageBlockAt(blkVA)
		if blk.entries < regionsPerBlock {
			n := &blk.entry[blk.entries]
			blk.entries++
			*n = region{}
			return n
		}
	}

	f := v.pfm.Allocate()
	if !f.IsValid() {
		panicFn(&kernel.Error{Module: "vra", Message: "out of physical frames for node storage"})
		return nil
	}

	va := hhdm.Hhdm(uint64(f))
	mem.Memset(va, 0, mem.PageSize)
	blk := storageBlockAt(va)
	blk.next = v.storage
	blk.entries = 1
	v.storage = va

	return &blk.entry[0]
}

// Allocate reserves size bytes somewhere in the window, preferring the
// first gap (scanning from spaceBegin) large enough to hold it. A gap
// bounded on the left by an existing region is filled by extending that
// region rightward (coalescing); otherwise a fresh node is inserted. It
// returns ok == false if no gap is large enough.
func (v *VRA) Allocate(size mem.Size) (addr uint64, ok bool) {
	sz := uint64(size)

	next := v.allocated
	freeBegin := v.spaceBegin
	freeEnd := v.spaceEnd
	if next != nil {
		freeEnd = next.begin
	}

	if freeEnd-freeBegin >= sz {
		r := v.findFreeNode()
		if r == nil {
			return 0, false
		}
		r.begin = freeBegin
		r.end = freeBegin + sz
		r.next = v.allocated
		v.allocated = r
		return freeBegin, true
	}

	for allocated := v.allocated; allocated != nil; allocated = allocated.next {
		next := allocated.next
		freeBegin = allocated.end
		if next != nil {
			freeEnd = next.begin
		} else {
			freeEnd = v.spaceEnd
		}

		if freeEnd-freeBegin >= sz {
			allocated.end += sz
			return freeBegin, true
		}
	}

	return 0, false
}

// Free releases [addr, addr+size) back to the window. Ranges that don't
// line up cleanly with what's allocated are handled case by case: fully
// contained regions are removed outright, partial overlaps clip or split
// the region they touch. addr/size describing nothing currently allocated
// is silently ignored. Passing size == 0 is a no-op.
func (v *VRA) Free(addr uint64, size mem.Size) {
	a := addr
	b := addr + uint64(size)

	prev := &v.allocated
	cur := *prev
	for cur != nil {
		next := cur.next

		switch {
		case b < cur.begin:
			return
		case cur.end < a:
			prev = &cur.next
		case a <= cur.begin && cur.end <= b:
			*prev = next
			cur.next = v.unused
			v.unused = cur
		case a <= cur.begin:
			cur.begin = b
			prev = &cur.next
		case cur.end <= b:
			cur.end = a
			prev = &cur.next
		default:
			n := v.findFreeNode()
			if n == nil {
				return
			}
			n.end = cur.end
			n.begin = b
			n.next = next
			cur.end = a
			cur.next = n
			prev = &n.next
		}

		cur = next
	}
}

// Print logs the current window layout and panics if the live-node
// invariant (used-list + free-list length == sum of block entry counts)
// doesn't hold.
func (v *VRA) Print() {
	early.Printf("vra 0x%x-0x%x\n", v.spaceBegin, v.spaceEnd)

	blocks, regions := 0, 0
	for blkVA := v.storage; blkVA != 0; blkVA = storageBlockAt(blkVA).next {
		blk := storageBlockAt(blkVA)
		blocks++
		regions += int(blk.entries)
	}
	early.Printf("\tstorage blocks: %d nodes: %d\n", blocks, regions)

	unusedCount := 0
	for r := v.unused; r != nil; r = r.next {
		unusedCount++
	}

	usedCount := 0
	for r := v.allocated; r != nil; r = r.next {
		usedCount++
		early.Printf("\t0x%x-0x%x\n", r.begin, r.end)
	}
	early.Printf("\tnodes used: %d unused: %d\n", usedCount, unusedCount)

	if regions != usedCount+unusedCount {
		panicFn(&kernel.Error{Module: "vra", Message: "node lost: live-node count does not match storage block entries"})
	}
}
