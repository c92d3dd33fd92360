package ptw

import (
	"unsafe"

	"github.com/kernelkit/limcore/kernel/mem/hhdm"
)

// entriesPerNode is the number of 64-bit entries in one page-table node.
const entriesPerNode = 512

// physAddrMask extracts the 40-bit physical frame number carried by bits
// 12..51 of an entry.
const physAddrMask = uint64(0x000F_FFFF_FFFF_F000)

// entry is a single 64-bit page-table slot: a physical frame number plus
// architecture flag bits.
type entry uint64

func (e entry) present() bool {
	return uint64(e)&bitPresent != 0
}

func (e entry) hugePage() bool {
	return uint64(e)&bitHugePage != 0
}

func (e entry) frame() uint64 {
	return uint64(e) & physAddrMask
}

func makeEntry(frame, bits uint64) entry {
	return entry((frame & physAddrMask) | bits)
}

// node is a page-table node overlaid directly on its HHDM-mapped physical
// frame.
type node [entriesPerNode]entry

func nodeAt(pa uint64) *node {
	return (*node)(unsafe.Pointer(hhdm.Hhdm(pa)))
}
