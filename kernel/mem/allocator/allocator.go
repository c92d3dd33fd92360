// Package allocator defines the type-erased allocator contract that
// block allocators (in this tree, the page-backed arena) are built against,
// plus the universal edge-case semantics every call must go through
// regardless of which concrete allocator is underneath.
//
// There is no global malloc: every allocation call takes an explicit
// Allocator. Blocks are (ptr, size) pairs rather than bare pointers so an
// allocator implementation can use the size on free without external
// bookkeeping.
//
// Realloc/Free/Dispose support is opt-in: a concrete allocator implements
// Reallocator, Freer and/or Disposer only if it has something useful to do
// there, and the wrapper functions below probe for those interfaces with a
// type assertion before falling back to a default behaviour.
package allocator

import "github.com/kernelkit/limcore/kernel/mem"

// Block describes one allocation: its address and size. The zero Block
// ({0, 0}) represents "no allocation" and is what Alloc/Realloc return on
// failure.
type Block struct {
	Ptr  uintptr
	Size mem.Size
}

// Allocator reserves blocks of memory. size is always greater than zero by
// the time Alloc reaches a concrete implementation; the Alloc wrapper below
// handles the zero-size case.
type Allocator interface {
	Alloc(size mem.Size) Block
}

// Reallocator is implemented by an Allocator that can resize or relocate a
// block more efficiently than alloc+copy+free. Allocators without an
// efficient strategy simply don't implement it.
type Reallocator interface {
	Allocator
	Realloc(blk Block, size mem.Size) Block
}

// Freer is implemented by an Allocator that supports releasing individual
// blocks. A bump arena typically does not.
type Freer interface {
	Allocator
	Free(blk Block)
}

// Disposer is implemented by an Allocator that holds resources (frames,
// storage blocks) that must be explicitly released when the allocator
// itself is torn down.
type Disposer interface {
	Allocator
	Dispose()
}

// Alloc reserves a block of size bytes. A zero-size request always returns
// the zero Block without calling into alloc at all.
func Alloc(alloc Allocator, size mem.Size) Block {
	if size == 0 {
		return Block{}
	}
	return alloc.Alloc(size)
}

// Realloc resizes blk to size bytes, applying the universal edge-case laws:
//
//   - size == 0 is equivalent to Free(blk); returns the zero Block.
//   - blk.Ptr == 0 is equivalent to Alloc(size).
//   - if alloc implements Reallocator, its Realloc is used directly.
//   - otherwise: alloc a new block, copy min(blk.Size, size) bytes across,
//     free the old block, and return the new block (or the zero Block if
//     the new allocation failed).
func Realloc(alloc Allocator, blk Block, size mem.Size) Block {
	if size == 0 {
		Free(alloc, blk)
		return Block{}
	}
	if blk.Ptr == 0 {
		return Alloc(alloc, size)
	}
	if r, ok := alloc.(Reallocator); ok {
		return r.Realloc(blk, size)
	}

	newBlk := Alloc(alloc, size)
	if newBlk.Ptr == 0 {
		return Block{}
	}

	copySize := blk.Size
	if size < copySize {
		copySize = size
	}
	mem.Memcopy(newBlk.Ptr, blk.Ptr, copySize)

	Free(alloc, blk)
	return newBlk
}

// Free releases blk. Freeing the zero Block (Ptr == 0) is a no-op. If alloc
// does not implement Freer, the call is silently dropped (arena semantics).
func Free(alloc Allocator, blk Block) {
	if blk.Ptr == 0 {
		return
	}
	if f, ok := alloc.(Freer); ok {
		f.Free(blk)
	}
}

// Dispose releases every resource alloc itself holds. A no-op if alloc does
// not implement Disposer.
func Dispose(alloc Allocator) {
	if d, ok := alloc.(Disposer); ok {
		d.Dispose()
	}
}
