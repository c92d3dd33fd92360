// Package hhdm implements the higher-half direct map projection: a single
// process-wide offset that lets the kernel treat any usable physical frame
// as a directly readable/writable virtual pointer without touching the page
// tables.
package hhdm

// offset is H: the constant added to a physical address to obtain its
// kernel-virtual alias. It is set exactly once, by Init, before any other
// memory-core package runs.
var offset uint64

// Init records the bootloader-reported HHDM offset. Calling it more than
// once, or calling hhdm/unhhdm before calling it, is undefined behaviour.
func Init(h uint64) {
	offset = h
}

// Offset returns the current value of H.
func Offset() uint64 {
	return offset
}

// Hhdm projects a physical address to its kernel-virtual alias: pa + H.
func Hhdm(pa uint64) uintptr {
	return uintptr(pa + offset)
}

// Unhhdm recovers the physical address backing a kernel-virtual alias
// produced by Hhdm: va - H.
func Unhhdm(va uintptr) uint64 {
	return uint64(va) - offset
}
