// Package pool implements the size-class segregated allocation facade.
//
// A Registry routes every allocation request to one of sizeclass.PoolCount
// pools, created lazily on first use, and routes deallocation back to the
// pool that produced the memory without the caller supplying its size or
// pool. Requests too large for the fixed classes go to the backend's default
// pool.
//
// Pools created by a Registry are stamped with Footprint. On free, the
// backend is asked which pool owns the memory and which tag that pool
// carries: a Footprint tag frees through the owning pool, anything else goes
// through the backend's generic free. Memory of mixed provenance can
// therefore be handed to Deallocate.
//
// Example usage:
//
//	h, _ := heap.New(heap.Config{})
//	reg := pool.NewHeapRegistry(h)
//
//	buf, err := reg.Allocate(24)
//	if err != nil {
//	    return err
//	}
//	defer reg.Deallocate(buf)
package pool
