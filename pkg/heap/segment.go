package heap

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/ajitpratap0/poolalloc/pkg/errors"
)

// segment is a contiguous chunk of memory owned by exactly one pool.
type segment struct {
	base  uintptr
	data  []byte
	owner *Pool
}

func (s *segment) contains(addr uintptr) bool {
	return addr >= s.base && addr < s.base+uintptr(len(s.data))
}

// ownerIndex maps addresses to the segment containing them.
type ownerIndex struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*segment]
}

func newOwnerIndex() *ownerIndex {
	return &ownerIndex{
		tree: btree.NewG(32, func(a, b *segment) bool {
			return a.base < b.base
		}),
	}
}

func (x *ownerIndex) insert(s *segment) {
	x.mu.Lock()
	x.tree.ReplaceOrInsert(s)
	x.mu.Unlock()
}

// lookup returns the segment holding addr, or nil.
func (x *ownerIndex) lookup(addr uintptr) *segment {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var found *segment
	x.tree.DescendLessOrEqual(&segment{base: addr}, func(s *segment) bool {
		found = s
		return false
	})
	if found == nil || !found.contains(addr) {
		return nil
	}
	return found
}

func (x *ownerIndex) count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.tree.Len()
}

// segmentSource provides the raw memory segments are made of.
type segmentSource interface {
	alloc(n int) ([]byte, error)
	name() string
}

// goSource allocates segments on the Go heap. The segment slice is retained by
// its pool, which keeps the memory alive for the life of the heap.
type goSource struct{}

func (goSource) alloc(n int) (seg []byte, err error) {
	if n <= 0 || n > MaxRequest {
		return nil, errors.Newf(errors.ErrorTypeOutOfMemory, "invalid segment size %d", n)
	}
	defer func() {
		if r := recover(); r != nil {
			seg, err = nil, errors.New(errors.ErrorTypeOutOfMemory, "segment allocation failed").
				WithDetail("size", n).
				WithDetail("cause", fmt.Sprint(r))
		}
	}()

	raw := make([]byte, n+Granule)
	start := Addr(raw)
	shift := int(alignUp(start, Granule) - start)
	return raw[shift : shift+n : shift+n], nil
}

func (goSource) name() string { return "go" }
