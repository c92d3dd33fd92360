package arena

import (
	"testing"
	"unsafe"

	"github.com/kernelkit/limcore/kernel/mem"
	"github.com/kernelkit/limcore/kernel/mem/allocator"
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

func TestNewFailsWhenPFMIsExhausted(t *testing.T) {
	p := testPFM(t, 1) // one page is below the PFM's minimum region size, so nothing is tracked
	if _, ok := New(p, 0); ok {
		t.Fatal("expected New to fail when the PFM has no frames")
	}
}

func TestAllocWithinFirstFrame(t *testing.T) {
	p := testPFM(t, 64)
	a, ok := New(p, 0)
	if !ok {
		t.Fatal("expected New to succeed")
	}

	blk := allocator.Alloc(a, 16)
	if blk.Ptr == 0 || blk.Size != 16 {
		t.Fatalf("expected a 16-byte block; got %+v", blk)
	}

	blk2 := allocator.Alloc(a, 16)
	if blk2.Ptr != blk.Ptr+16 {
		t.Fatalf("expected consecutive allocations to be adjacent; got %#x then %#x", blk.Ptr, blk2.Ptr)
	}
}

func TestAllocRejectsPageSizedRequests(t *testing.T) {
	p := testPFM(t, 64)
	a, _ := New(p, 0)

	if blk := allocator.Alloc(a, mem.PageSize); blk != (allocator.Block{}) {
		t.Fatalf("expected a page-sized request to fail; got %+v", blk)
	}
}

func TestAllocRoundsUpToAlignment(t *testing.T) {
	p := testPFM(t, 64)
	a, _ := New(p, 4) // 1<<4 == 16-byte alignment

	blk := allocator.Alloc(a, 1)
	if blk.Size != 16 {
		t.Fatalf("expected size to round up to 16; got %d", blk.Size)
	}
}

func TestAllocCrossesIntoNewFrame(t *testing.T) {
	p := testPFM(t, 64)
	a, _ := New(p, 0)

	statsBefore := p.Stats()
	firstPageVA := a.currentPageVA

	remaining := mem.Size(uint32(mem.PageSize) - a.currentOffset)
	if blk := allocator.Alloc(a, remaining); blk == (allocator.Block{}) {
		t.Fatal("unexpected allocation failure while exactly filling the first frame")
	}

	blk := allocator.Alloc(a, 16)
	if blk == (allocator.Block{}) {
		t.Fatal("expected the arena to spill into a fresh frame")
	}
	if a.currentPageVA == firstPageVA {
		t.Fatal("expected the arena to have moved on to a new frame")
	}

	statsAfter := p.Stats()
	if statsAfter.Free != statsBefore.Free-1 {
		t.Fatalf("expected exactly one additional frame consumed; free before %d, after %d", statsBefore.Free, statsAfter.Free)
	}
}

func TestDisposeReturnsEveryFrame(t *testing.T) {
	p := testPFM(t, 64)
	statsBefore := p.Stats()

	a, _ := New(p, 0)
	for i := 0; i < 2000; i++ {
		if blk := allocator.Alloc(a, 64); blk == (allocator.Block{}) {
			break
		}
	}

	allocator.Dispose(a)

	statsAfter := p.Stats()
	if statsAfter.Free != statsBefore.Free {
		t.Fatalf("expected every frame to be returned; free before %d, after %d", statsBefore.Free, statsAfter.Free)
	}
}

func TestFreeIsSilentlyDropped(t *testing.T) {
	p := testPFM(t, 64)
	a, _ := New(p, 0)

	blk := allocator.Alloc(a, 16)
	allocator.Free(a, blk) // must not panic; arena has no Freer implementation
}

func TestReallocFallsBackToCopy(t *testing.T) {
	p := testPFM(t, 64)
	a, _ := New(p, 0)

	blk := allocator.Alloc(a, 8)
	mem.Memset(blk.Ptr, 0x42, blk.Size)

	grown := allocator.Realloc(a, blk, 32)
	if grown.Size != 32 {
		t.Fatalf("expected a 32-byte block; got %+v", grown)
	}
	if got := *(*byte)(unsafe.Pointer(grown.Ptr)); got != 0x42 {
		t.Fatalf("expected copied content 0x42; got 0x%x", got)
	}
}
