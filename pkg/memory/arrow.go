package memory

import (
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
)

// ArrowAlignment is the alignment arrow expects of buffer memory.
const ArrowAlignment = 64

// Facade is the allocation surface of a pool.Registry.
type Facade interface {
	Allocate(size int) ([]byte, error)
	AllocateAligned(align, size int) ([]byte, error)
	Deallocate(buf []byte)
	DeallocateAligned(align int, buf []byte)
}

// ArrowAllocator lets arrow builders and arrays draw their buffers from
// size-class pools. Allocation failures panic, as they do for arrow's own
// Go allocator.
type ArrowAllocator struct {
	f Facade
}

var _ arrowmem.Allocator = (*ArrowAllocator)(nil)

// NewArrowAllocator wraps f. A nil f uses the default allocator.
func NewArrowAllocator(f Facade) *ArrowAllocator {
	if f == nil {
		f = Default()
	}
	return &ArrowAllocator{f: f}
}

func (a *ArrowAllocator) Allocate(size int) []byte {
	buf, err := a.f.AllocateAligned(ArrowAlignment, size)
	if err != nil {
		panic(err)
	}
	clear(buf)
	return buf
}

// Reallocate grows or shrinks b. Growth within b's capacity keeps the block.
func (a *ArrowAllocator) Reallocate(size int, b []byte) []byte {
	if size <= cap(b) {
		old := len(b)
		b = b[:size]
		if size > old {
			clear(b[old:])
		}
		return b
	}
	out := a.Allocate(size)
	copy(out, b)
	a.Free(b)
	return out
}

func (a *ArrowAllocator) Free(b []byte) {
	a.f.DeallocateAligned(ArrowAlignment, b)
}
