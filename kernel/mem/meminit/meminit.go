// Package meminit wires the memory core's six subsystems together against
// a real bootloader handoff: it points the HHDM helpers at the reported
// offset, feeds every usable region from the memory map into the frame
// manager, then builds (in order) the early bump arena, the virtual-range
// allocator and the page-table walker that sit on top of it. Everything
// else in the kernel that needs a frame, a chunk of kernel address space,
// or a mapping goes through the globals this package sets up.
package meminit

import (
	"github.com/kernelkit/limcore/kernel"
	"github.com/kernelkit/limcore/kernel/boot"
	"github.com/kernelkit/limcore/kernel/cpu"
	"github.com/kernelkit/limcore/kernel/kfmt/early"
	"github.com/kernelkit/limcore/kernel/mem"
	"github.com/kernelkit/limcore/kernel/mem/arena"
	"github.com/kernelkit/limcore/kernel/mem/hhdm"
	"github.com/kernelkit/limcore/kernel/mem/pmm"
	"github.com/kernelkit/limcore/kernel/mem/ptw"
	"github.com/kernelkit/limcore/kernel/mem/vra"
)

// KernelSpaceBegin/KernelSpaceEnd bound the slice of the higher half this
// kernel hands out through Space: comfortably clear of the HHDM's own
// direct-map window so the two can never overlap.
const (
	KernelSpaceBegin = uint64(0xFFFF_9000_0000_0000)
	KernelSpaceEnd   = uint64(0xFFFF_a000_0000_0000)
)

var (
	// Frames is the physical frame manager built over the bootloader's
	// memory map. Nil until Init runs.
	Frames *pmm.PFM

	// Walker edits the page table this kernel owns (see root below), built
	// fresh rather than inherited from whatever the bootloader left active.
	Walker *ptw.PTW

	// Space hands out sub-ranges of [KernelSpaceBegin, KernelSpaceEnd)
	// for the kernel's own dynamic mappings (the Go runtime's heap among
	// them).
	Space *vra.VRA

	// Early is a page-backed bump allocator for small, short-lived kernel
	// bookkeeping that needs to exist before a general-purpose allocator
	// does (and that isn't worth burning a whole frame on by itself).
	Early *arena.Arena

	root ptw.Root
)

// the following function is mocked by tests and is automatically inlined by
// the compiler.
var panicFn = kernel.Panic

// Init builds Frames, Early, Walker and Space from the bootloader's
// reported HHDM offset and memory map. It must run exactly once, before
// anything else in the kernel asks for a frame or a mapping.
func Init(mmap boot.MemoryMap, hhdmResp boot.HHDMResponse) {
	hhdm.Init(hhdmResp.Offset)

	ctrlIdx := -1
	for i, e := range mmap {
		if e.Type == boot.Usable && e.Length >= uint64(mem.PageSize) {
			ctrlIdx = i
			break
		}
	}
	if ctrlIdx < 0 {
		panicFn(&kernel.Error{Module: "meminit", Message: "no usable region large enough for the frame manager's control page"})
		return
	}

	ctrlPhys := mmap[ctrlIdx].Base
	remBase := ctrlPhys + uint64(mem.PageSize)
	remLen := mmap[ctrlIdx].Length - uint64(mem.PageSize)

	Frames = pmm.New(hhdm.Hhdm(ctrlPhys))
	if remLen > 0 {
		Frames.Add(remBase, remLen)
	}
	for i, e := range mmap {
		if i == ctrlIdx || e.Type != boot.Usable {
			continue
		}
		Frames.Add(e.Base, e.Length)
	}

	var ok bool
	Early, ok = arena.New(Frames, 0)
	if !ok {
		panicFn(&kernel.Error{Module: "meminit", Message: "out of physical frames for the early bump arena"})
		return
	}

	Space = vra.New(Frames, KernelSpaceBegin, KernelSpaceEnd)

	Walker = ptw.New(Frames)

	rootFrame := Frames.Allocate()
	if !rootFrame.IsValid() {
		panicFn(&kernel.Error{Module: "meminit", Message: "out of physical frames for the kernel's own page-table root"})
		return
	}
	mem.Memset(hhdm.Hhdm(uint64(rootFrame)), 0, mem.PageSize)
	root = ptw.Root{PA: uint64(rootFrame), Depth: ptw.Top}

	stats := Frames.Stats()
	early.Printf("meminit: %d/%d frames free (%d frames of overhead)\n", stats.Free, stats.Total, stats.Overhead)
}

// Activate installs the kernel's own page-table root built by Init into the
// MMU's root register. Call once, after every early mapping Init's caller
// needs has been established; everything after this point runs translated
// through the root meminit owns rather than whatever the bootloader left
// active.
func Activate() {
	cpu.SwitchRoot(uintptr(root.PA))
}

// ReserveRegion carves regionSize bytes (rounded up to a whole number of
// pages) out of Space without mapping anything into it. The caller is
// expected to follow up with MapFresh before touching the returned range.
func ReserveRegion(regionSize mem.Size) (uintptr, *kernel.Error) {
	addr, ok := Space.Allocate(mem.Size(mem.AlignUp(uint64(regionSize))))
	if !ok {
		return 0, &kernel.Error{Module: "meminit", Message: "kernel address space exhausted"}
	}
	return uintptr(addr), nil
}

// MapFresh maps [virt, virt+regionSize) onto freshly allocated, zeroed
// frames with the given permissions. virt must already have been obtained
// from ReserveRegion (or otherwise known to be free); regionSize is rounded
// up to a whole number of pages. Running out of frames for the mapped pages
// returns an error instead of panicking so callers can fall back to
// reporting allocation failure; pages mapped before the failure stay mapped.
// Running out of frames for a page-table node inside Walker is still fatal.
func MapFresh(virt uintptr, regionSize mem.Size, flags ptw.Flag) *kernel.Error {
	pageCount := regionSize.Pages()
	for i := uint64(0); i < pageCount; i++ {
		f := Frames.Allocate()
		if !f.IsValid() {
			return &kernel.Error{Module: "meminit", Message: "out of physical frames while mapping a region"}
		}

		mem.Memset(hhdm.Hhdm(uint64(f)), 0, mem.PageSize)
		Walker.Assign1(root, flags, uint64(f), virt+uintptr(i)*uintptr(mem.PageSize))
	}
	return nil
}
