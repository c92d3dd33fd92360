package vra

import (
	"testing"
	"unsafe"

	"github.com/kernelkit/limcore/kernel/mem"
	"github.com/kernelkit/limcore/kernel/mem/hhdm"
	"github.com/kernelkit/limcore/kernel/mem/pmm"
)

func testPFM(t *testing.T, pages int) *pmm.PFM {
	t.Helper()

	buf := make([]byte, mem.Size(pages)*mem.PageSize)
	savedOffset := hhdm.Offset()
	hhdm.Init(uint64(uintptr(unsafe.Pointer(&buf[0]))))
	t.Cleanup(func() { hhdm.Init(savedOffset) })

	ctrlBuf := make([]byte, mem.PageSize)
	p := pmm.New(uintptr(unsafe.Pointer(&ctrlBuf[0])))
	p.Add(0, uint64(pages)*uint64(mem.PageSize))
	return p
}

func TestAllocateFirstFitAtHead(t *testing.T) {
	v := New(testPFM(t, 64), 0x1000, 0x10000)

	addr, ok := v.Allocate(0x100)
	if !ok || addr != 0x1000 {
		t.Fatalf("expected first allocation at space begin; got 0x%x ok=%v", addr, ok)
	}

	addr2, ok := v.Allocate(0x100)
	if !ok || addr2 != 0x1100 {
		t.Fatalf("expected second allocation right after the first; got 0x%x", addr2)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	v := New(testPFM(t, 64), 0x1000, 0x2000)

	if _, ok := v.Allocate(0x1000); !ok {
		t.Fatal("expected the full window to be allocatable")
	}
	if _, ok := v.Allocate(1); ok {
		t.Fatal("expected exhaustion once the window is full")
	}
}

func TestFreeCase1EntirelyBeforeStopsImmediately(t *testing.T) {
	v := New(testPFM(t, 64), 0x1000, 0x10000)
	addr, _ := v.Allocate(0x100)

	v.Free(0, 0x10) // entirely below the lowest region; case 1 should fire and return
	if v.allocated == nil || v.allocated.begin != addr || v.allocated.end != addr+0x100 {
		t.Fatalf("expected the region to be untouched; got %+v", v.allocated)
	}
}

func TestFreeCase2EntirelyAfterContinues(t *testing.T) {
	v := New(testPFM(t, 64), 0x1000, 0x10000)
	addr, _ := v.Allocate(0x100)
	v.Free(addr+0x40, 0x20) // split into [addr, addr+0x40) and [addr+0x60, addr+0x100)

	v.Free(addr+0xc0, 0x40) // past the first region; must not touch it, but must not return early either
	if v.allocated == nil || v.allocated.begin != addr || v.allocated.end != addr+0x40 {
		t.Fatalf("expected the first region to be untouched; got %+v", v.allocated)
	}
	if r := v.allocated.next; r == nil || r.begin != addr+0x60 || r.end != addr+0xc0 {
		t.Fatalf("expected the walk to continue and clip the second region to [0x%x, 0x%x); got %+v", addr+0x60, addr+0xc0, r)
	}
}

func TestFreeCase3RemovesWholeRegion(t *testing.T) {
	v := New(testPFM(t, 64), 0x1000, 0x10000)
	addr, _ := v.Allocate(0x100)

	v.Free(addr, 0x100)

	got, ok := v.Allocate(0x100)
	if !ok || got != addr {
		t.Fatalf("expected the freed range to be reusable at 0x%x; got 0x%x ok=%v", addr, got, ok)
	}
}

func TestFreeCase4ClipsLeft(t *testing.T) {
	v := New(testPFM(t, 64), 0x1000, 0x10000)
	addr, _ := v.Allocate(0x100)

	v.Free(addr, 0x40) // clip the first 0x40 bytes off the left

	if r := v.allocated; r == nil || r.begin != addr+0x40 || r.end != addr+0x100 {
		t.Fatalf("expected region clipped to [0x%x, 0x%x); got %+v", addr+0x40, addr+0x100, r)
	}
}

func TestFreeCase5ClipsRight(t *testing.T) {
	v := New(testPFM(t, 64), 0x1000, 0x10000)
	addr, _ := v.Allocate(0x100)

	v.Free(addr+0x80, 0x80) // clip the last 0x80 bytes off the right

	if r := v.allocated; r == nil || r.begin != addr || r.end != addr+0x80 {
		t.Fatalf("expected region clipped to [0x%x, 0x%x); got %+v", addr, addr+0x80, r)
	}
}

func TestFreeCase6Splits(t *testing.T) {
	v := New(testPFM(t, 64), 0x1000, 0x10000)
	addr, _ := v.Allocate(0x100)

	v.Free(addr+0x40, 0x20) // carve a hole out of the middle

	var regions []*region
	for r := v.allocated; r != nil; r = r.next {
		regions = append(regions, r)
	}
	if len(regions) != 2 {
		t.Fatalf("expected the region to split into two; got %d", len(regions))
	}

	var lo, hi *region
	if regions[0].begin < regions[1].begin {
		lo, hi = regions[0], regions[1]
	} else {
		lo, hi = regions[1], regions[0]
	}

	if lo.begin != addr || lo.end != addr+0x40 {
		t.Fatalf("expected low half [0x%x, 0x%x); got %+v", addr, addr+0x40, lo)
	}
	if hi.begin != addr+0x60 || hi.end != addr+0x100 {
		t.Fatalf("expected high half [0x%x, 0x%x); got %+v", addr+0x60, addr+0x100, hi)
	}
}

func TestAllocateCoalescesWithLeftNeighbour(t *testing.T) {
	v := New(testPFM(t, 64), 0x1000, 0x10000)
	addr, _ := v.Allocate(0x100)

	// Free the tail end so the next allocation has to extend the
	// remaining region rightward to satisfy a request that starts right
	// where the freed gap begins.
	v.Free(addr+0x80, 0x80)

	got, ok := v.Allocate(0x40)
	if !ok {
		t.Fatal("expected the gap after the first region to be usable")
	}
	if got != addr+0x80 {
		t.Fatalf("expected the new allocation to start right after the remaining region; got 0x%x", got)
	}

	if v.allocated.begin != addr || v.allocated.end != addr+0x80+0x40 {
		t.Fatalf("expected the original region extended rightward; got %+v", v.allocated)
	}
}

func TestNodeStorageSpillsAcrossBlocks(t *testing.T) {
	const unit = uint64(0x1000)
	holes := regionsPerBlock + 10

	v := New(testPFM(t, 64), 0, uint64(2*holes+1)*unit)
	addr, ok := v.Allocate(mem.Size(2*holes+1) * mem.PageSize)
	if !ok {
		t.Fatal("expected the single initial allocation to succeed")
	}

	// Repeatedly split the one big region by freeing an interior hole;
	// each split hands out exactly one more storage node, forcing spill
	// into a second block well before `holes` iterations complete.
	for i := 0; i < holes; i++ {
		v.Free(addr+unit*uint64(2*i+1), mem.Size(unit))
	}

	if v.storage == 0 {
		t.Fatal("expected at least one storage block")
	}
	if storageBlockAt(v.storage).next == 0 {
		t.Fatal("expected node storage to spill into a second block")
	}
}

func TestFreeOfNullSizeZeroIsNoop(t *testing.T) {
	v := New(testPFM(t, 64), 0x1000, 0x10000)
	v.Free(0, 0)
}

func TestPrintInvariantHolds(t *testing.T) {
	v := New(testPFM(t, 64), 0x1000, 0x10000)
	addr, _ := v.Allocate(0x100)
	v.Free(addr+0x40, 0x20)

	v.Print()
}
