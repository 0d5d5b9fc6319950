package pool

import (
	"github.com/ajitpratap0/poolalloc/pkg/heap"
)

// HeapBackend adapts a heap.Heap to Backend. The nil *heap.Pool is the heap's
// default pool.
type HeapBackend struct {
	Heap *heap.Heap
}

var _ Backend[*heap.Pool] = HeapBackend{}

func (b HeapBackend) CreatePool(capacity int64, threads int) *heap.Pool {
	return b.Heap.CreatePool(capacity, threads)
}

func (b HeapBackend) SetPoolTag(p *heap.Pool, tag uintptr) {
	p.SetTag(tag)
}

func (b HeapBackend) PoolAllocate(p *heap.Pool, size int) ([]byte, error) {
	return b.Heap.Allocate(p, size)
}

func (b HeapBackend) PoolAllocateAligned(p *heap.Pool, align, size int) ([]byte, error) {
	return b.Heap.AllocateAligned(p, align, size)
}

func (b HeapBackend) PoolFree(p *heap.Pool, buf []byte) error {
	return b.Heap.Free(p, buf)
}

func (b HeapBackend) GenericFree(buf []byte) error {
	return b.Heap.GenericFree(buf)
}

func (b HeapBackend) ResolveOwner(buf []byte) (*heap.Pool, uintptr) {
	return b.Heap.ResolveOwner(buf)
}
