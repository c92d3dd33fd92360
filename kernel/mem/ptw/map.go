// Package ptw walks and edits the four-level radix page table: a tree of
// 4 KiB nodes, 512 entries each, descended directly through the HHDM rather
// than through a recursively self-mapped window. Walking through the HHDM
// lets this package edit inactive or newly-built roots, not just the one
// currently loaded in the root page-table register.
package ptw

import (
	"github.com/kernelkit/limcore/kernel"
	"github.com/kernelkit/limcore/kernel/cpu"
	"github.com/kernelkit/limcore/kernel/mem"
	"github.com/kernelkit/limcore/kernel/mem/hhdm"
	"github.com/kernelkit/limcore/kernel/mem/pmm"
)

// Depth identifies a level of the radix tree, plus the two synthetic values
// a walk can terminate on.
type Depth uint8

const (
	// Top is the root level (PML4 in amd64 terms).
	Top Depth = 0
	// Bottom is the leaf-entry level (PT in amd64 terms).
	Bottom Depth = 3
	// Memory means the walk reached a mapped leaf.
	Memory Depth = 4
	// Invalid means the walk reached an entry that is not present.
	Invalid Depth = 5
)

// shifts gives the bit shift that extracts a virtual address's index at
// each depth.
var shifts = [4]uint8{39, 30, 21, 12}

// Root identifies a page-table tree to operate on: its root frame and the
// depth that frame lives at (always Top for a full tree). The sentinel
// CurrentRoot means "whatever the MMU's root register currently holds".
type Root struct {
	PA    uint64
	Depth Depth
}

// CurrentRoot resolves to the hardware's active page-table root.
var CurrentRoot = Root{PA: 0, Depth: Top}

// the following function is mocked by tests and is automatically inlined by
// the compiler.
var panicFn = kernel.Panic

// PTW edits and queries a page-table tree, allocating interior node frames
// from a bound physical frame manager.
type PTW struct {
	pfm *pmm.PFM
}

// New binds a PTW to the frame manager it will draw interior node frames
// from.
func New(pfm *pmm.PFM) *PTW {
	return &PTW{pfm: pfm}
}

func requireAligned(module, what string, v uint64) {
	if v&uint64(mem.PageSize-1) != 0 {
		panicFn(&kernel.Error{Module: module, Message: what + " is not frame-aligned"})
	}
}

func resolveRoot(root Root) Root {
	if root.PA == 0 {
		root.PA = uint64(cpu.ReadActiveRoot())
	}
	return root
}

// allocateNode reserves and zeroes a fresh frame from the bound PFM to back
// a new interior node. Exhaustion is fatal: the caller has no way to make
// forward progress without it.
func (w *PTW) allocateNode() uint64 {
	f := w.pfm.Allocate()
	if !f.IsValid() {
		panicFn(&kernel.Error{Module: "ptw", Message: "out of physical frames for a page-table node"})
		return 0
	}

	pa := uint64(f)
	mem.Memset(hhdm.Hhdm(pa), 0, mem.PageSize)
	return pa
}

// Assign maps virtual pages [virt, virt+size) onto physical frames
// [phys, phys+size), creating whatever interior nodes are missing along the
// way. All of root.PA, virt, size and phys must be frame-aligned and size
// must be greater than zero; violations are fatal.
func (w *PTW) Assign(root Root, flags Flag, virt uintptr, size mem.Size, phys uint64) {
	root = resolveRoot(root)
	requireAligned("ptw", "root", root.PA)
	requireAligned("ptw", "virt", uint64(virt))
	requireAligned("ptw", "size", uint64(size))
	requireAligned("ptw", "phys", phys)
	if size == 0 {
		panicFn(&kernel.Error{Module: "ptw", Message: "assign requires a non-zero size"})
		return
	}

	start := uint64(virt)
	end := start + uint64(size)
	if !IsCanonical(uintptr(start)) || !IsCanonical(uintptr(end)) || !sameHalf(start, end) {
		panicFn(&kernel.Error{Module: "ptw", Message: "assign range is not canonical or straddles the half boundary"})
		return
	}

	w.assignPartial(root.PA, root.Depth, start, end, start, phys, leafBits(flags), interiorBits(flags))
}

// Assign1 maps a single page; equivalent to Assign with size == mem.PageSize.
func (w *PTW) Assign1(root Root, flags Flag, phys uint64, virt uintptr) {
	w.Assign(root, flags, virt, mem.PageSize, phys)
}

// assignPartial implements the reserve pass (levels above Bottom: install a
// fresh interior node wherever one is missing, or add any interior bits an
// existing entry lacks, then recurse) and the
// leaf-write pass (at Bottom: install the mapping unconditionally). origStart
// and origPhys are the untouched parameters from the top-level call; every
// leaf's physical address is computed from its offset relative to them so
// that the mapping stays correct regardless of how many interior entries a
// single level of recursion touches.
func (w *PTW) assignPartial(nodePA uint64, depth Depth, start, end, origStart, origPhys uint64, leaf, interior uint64) {
	shift := shifts[depth]
	nodeSpan := uint64(1) << (shift + 9)
	base := start &^ (nodeSpan - 1)

	p2 := uint64(1) << shift
	startIdx := (roundDown(start, p2) - base) >> shift
	endIdx := (roundUp(end, p2) - base) >> shift

	table := nodeAt(nodePA)
	for i := startIdx; i < endIdx; i++ {
		if depth == Bottom {
			va := i<<shift + base
			pa := origPhys + (va - origStart)
			table[i] = makeEntry(pa, leaf)
			continue
		}

		e := table[i]
		if !e.present() {
			child := w.allocateNode()
			e = makeEntry(child, interior)
			table[i] = e
		} else if uint64(e)&interior != interior {
			e = entry(uint64(e) | interior)
			table[i] = e
		}

		blkStart := maxU64(start, i<<shift+base)
		blkEnd := minU64(end, (i+1)<<shift+base)
		w.assignPartial(e.frame(), depth+1, blkStart, blkEnd, origStart, origPhys, leaf, interior)
	}
}

// Remove clears the mapping for virtual pages [virt, virt+size), then frees
// every interior node left with no present entries. size == 0 is a no-op.
func (w *PTW) Remove(root Root, virt uintptr, size mem.Size) {
	if size == 0 {
		return
	}

	root = resolveRoot(root)
	requireAligned("ptw", "root", root.PA)
	requireAligned("ptw", "virt", uint64(virt))
	requireAligned("ptw", "size", uint64(size))

	start := uint64(virt)
	end := start + uint64(size)
	if !IsCanonical(uintptr(start)) || !IsCanonical(uintptr(end)) || !sameHalf(start, end) {
		panicFn(&kernel.Error{Module: "ptw", Message: "remove range is not canonical or straddles the half boundary"})
		return
	}

	w.removePartial(root.PA, root.Depth, start, end)
}

// Remove1 clears a single page; equivalent to Remove with size == mem.PageSize.
func (w *PTW) Remove1(root Root, virt uintptr) {
	w.Remove(root, virt, mem.PageSize)
}

// removePartial clears matching leaf entries, then, on the way back up,
// frees any interior node it leaves with every entry zero and clears the
// parent slot that pointed to it. This is a genuine post-order emptiness
// check on every call, not just on exact full-node-aligned ranges: a remove
// that happens to empty out a node incidentally still collects it.
func (w *PTW) removePartial(nodePA uint64, depth Depth, start, end uint64) {
	shift := shifts[depth]
	nodeSpan := uint64(1) << (shift + 9)
	base := start &^ (nodeSpan - 1)

	p2 := uint64(1) << shift
	startIdx := (roundDown(start, p2) - base) >> shift
	endIdx := (roundUp(end, p2) - base) >> shift

	table := nodeAt(nodePA)
	for i := startIdx; i < endIdx; i++ {
		e := table[i]
		if !e.present() {
			continue
		}

		if depth == Bottom {
			table[i] = 0
			continue
		}

		blkStart := maxU64(start, i<<shift+base)
		blkEnd := minU64(end, (i+1)<<shift+base)
		childPA := e.frame()
		w.removePartial(childPA, depth+1, blkStart, blkEnd)

		if nodeAt(childPA).allZero() {
			w.pfm.Free(pmm.Frame(childPA))
			table[i] = 0
		}
	}
}

func (n *node) allZero() bool {
	for _, e := range n {
		if e.present() {
			return false
		}
	}
	return true
}

func roundDown(v, p2 uint64) uint64 { return v &^ (p2 - 1) }
func roundUp(v, p2 uint64) uint64   { return (v + p2 - 1) &^ (p2 - 1) }

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
