package testutil

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ajitpratap0/poolalloc/pkg/errors"
)

// FakePool is a FakeBackend pool handle. Zero is the default pool.
type FakePool int

// FakeBackend is a recording in-memory pool backend. Memory comes from the Go
// heap; ownership and every free are recorded so tests can assert routing.
// It is safe for concurrent use.
type FakeBackend struct {
	// OnCreate, if set, runs inside CreatePool before the pool is returned.
	OnCreate func(FakePool)

	created atomic.Int64
	calls   atomic.Int64

	mu           sync.Mutex
	tags         map[FakePool]uintptr
	threads      map[FakePool]int
	owners       map[uintptr]FakePool
	poolFrees    map[FakePool][]uintptr
	genericFrees []uintptr
}

// NewFakeBackend creates an empty FakeBackend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		tags:      make(map[FakePool]uintptr),
		threads:   make(map[FakePool]int),
		owners:    make(map[uintptr]FakePool),
		poolFrees: make(map[FakePool][]uintptr),
	}
}

func (b *FakeBackend) CreatePool(_ int64, threads int) FakePool {
	b.calls.Add(1)
	p := FakePool(b.created.Add(1))
	b.mu.Lock()
	b.threads[p] = threads
	b.mu.Unlock()
	if b.OnCreate != nil {
		b.OnCreate(p)
	}
	return p
}

func (b *FakeBackend) SetPoolTag(p FakePool, tag uintptr) {
	b.calls.Add(1)
	b.mu.Lock()
	b.tags[p] = tag
	b.mu.Unlock()
}

func (b *FakeBackend) PoolAllocate(p FakePool, size int) ([]byte, error) {
	b.calls.Add(1)
	if size < 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "negative size %d", size)
	}
	buf := make([]byte, size, max(size, 1))
	b.own(p, buf)
	return buf, nil
}

func (b *FakeBackend) PoolAllocateAligned(p FakePool, align, size int) ([]byte, error) {
	b.calls.Add(1)
	if align <= 0 || align&(align-1) != 0 {
		return nil, errors.Newf(errors.ErrorTypeInvalidAlignment, "alignment %d is not a power of two", align)
	}
	if size < 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "negative size %d", size)
	}
	raw := make([]byte, max(size, 1)+align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(align)); rem != 0 {
		off = align - rem
	}
	buf := raw[off : off+size : off+max(size, 1)]
	b.own(p, buf)
	return buf, nil
}

func (b *FakeBackend) PoolFree(p FakePool, buf []byte) error {
	b.calls.Add(1)
	addr := addrOf(buf)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.poolFrees[p] = append(b.poolFrees[p], addr)
	if owner, ok := b.owners[addr]; !ok || owner != p {
		return errors.Newf(errors.ErrorTypeNotOwned, "block %#x not owned by pool %d", addr, p)
	}
	delete(b.owners, addr)
	return nil
}

func (b *FakeBackend) GenericFree(buf []byte) error {
	b.calls.Add(1)
	addr := addrOf(buf)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.genericFrees = append(b.genericFrees, addr)
	delete(b.owners, addr)
	return nil
}

func (b *FakeBackend) ResolveOwner(buf []byte) (FakePool, uintptr) {
	b.calls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	owner, ok := b.owners[addrOf(buf)]
	if !ok {
		return 0, 0
	}
	return owner, b.tags[owner]
}

// Created returns how many pools CreatePool has produced.
func (b *FakeBackend) Created() int64 { return b.created.Load() }

// Calls returns the total number of backend calls.
func (b *FakeBackend) Calls() int64 { return b.calls.Load() }

// Tag returns the tag last set on p.
func (b *FakeBackend) Tag(p FakePool) uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tags[p]
}

// Threads returns the thread hint p was created with.
func (b *FakeBackend) Threads(p FakePool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threads[p]
}

// PoolFrees returns the addresses passed to PoolFree for p, in call order.
func (b *FakeBackend) PoolFrees(p FakePool) []uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uintptr(nil), b.poolFrees[p]...)
}

// TotalPoolFrees returns the number of PoolFree calls across all pools.
func (b *FakeBackend) TotalPoolFrees() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, frees := range b.poolFrees {
		n += len(frees)
	}
	return n
}

// GenericFrees returns the addresses passed to GenericFree, in call order.
func (b *FakeBackend) GenericFrees() []uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uintptr(nil), b.genericFrees...)
}

// Owner returns the pool currently owning buf.
func (b *FakeBackend) Owner(buf []byte) (FakePool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.owners[addrOf(buf)]
	return p, ok
}

func (b *FakeBackend) own(p FakePool, buf []byte) {
	b.mu.Lock()
	b.owners[addrOf(buf)] = p
	b.mu.Unlock()
}

func addrOf(buf []byte) uintptr {
	if cap(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}
