package pool_test

import (
	"fmt"

	"github.com/ajitpratap0/poolalloc/pkg/heap"
	"github.com/ajitpratap0/poolalloc/pkg/pool"
)

// Example shows the allocate/deallocate round trip through a heap-backed
// registry.
func Example() {
	h, err := heap.New(heap.Config{})
	if err != nil {
		panic(err)
	}
	reg := pool.NewHeapRegistry(h)

	buf, err := reg.Allocate(24)
	if err != nil {
		panic(err)
	}
	_, tag := h.ResolveOwner(buf)
	fmt.Printf("len=%d tag=%#x\n", len(buf), tag)

	reg.Deallocate(buf)
	st := reg.Stats()
	fmt.Println(st.PlainPools, st.PooledFrees)

	// Output:
	// len=24 tag=0xbb1aa45a
	// 1 1
}

// ExampleRegistry_AllocateAligned shows an aligned allocation.
func ExampleRegistry_AllocateAligned() {
	h, _ := heap.New(heap.Config{})
	reg := pool.NewHeapRegistry(h)

	buf, err := reg.AllocateAligned(64, 100)
	if err != nil {
		panic(err)
	}
	defer reg.DeallocateAligned(64, buf)

	fmt.Println(heap.Addr(buf)%64 == 0)

	// Output:
	// true
}
