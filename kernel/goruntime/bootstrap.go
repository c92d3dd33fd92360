// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"unsafe"

	"github.com/kernelkit/limcore/kernel/mem"
	"github.com/kernelkit/limcore/kernel/mem/meminit"
	"github.com/kernelkit/limcore/kernel/mem/ptw"
)

var (
	reserveRegionFn = meminit.ReserveRegion
	mapFreshFn      = meminit.MapFresh
)

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// pageRound rounds size up to the next whole page.
func pageRound(size uintptr) mem.Size {
	return (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)
}

// sysReserve carves out a range of the kernel's virtual address space
// without backing it with any frame or page-table entry; the runtime treats
// the returned pointer as safe to dereference only after a later sysMap call.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	addr, err := reserveRegionFn(pageRound(size))
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(addr)
}

// sysMap establishes a mapping, backed by freshly zeroed frames, for a
// memory region that has been reserved previously via a call to sysReserve.
//
// Unlike the lazily-faulted-in copy-on-write mapping the runtime expects on
// a hosted OS, every page is backed eagerly here: this kernel has no page
// fault handler of its own (out of scope for the memory core), so there is
// nothing to catch a fault and fill the page on demand.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	// We trust the allocator to call sysMap with an address inside a reserved region.
	regionStartAddr := uintptr(pageRound(uintptr(virtAddr)))
	regionSize := pageRound(size)

	if err := mapFreshFn(regionStartAddr, regionSize, ptw.Write); err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(regionStartAddr)
}

// sysAlloc reserves a chunk of kernel address space and backs it with
// freshly allocated physical frames in one step, returning a pointer to the
// start of the mapped region.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := pageRound(size)
	regionStartAddr, err := reserveRegionFn(regionSize)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	if err := mapFreshFn(regionStartAddr, regionSize, ptw.Write); err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(regionStartAddr)
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
}
