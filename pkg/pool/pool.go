package pool

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/poolalloc/pkg/heap"
	"github.com/ajitpratap0/poolalloc/pkg/sizeclass"
	"github.com/ajitpratap0/poolalloc/pkg/tracker"
)

// Footprint is the tag stamped on every pool a Registry creates. It is never
// dereferenced; it only marks a pool as governed by a Registry.
const Footprint uintptr = 0xBB1AA45A

// Backend is the pool-capable allocator a Registry multiplexes over. The zero
// value of H denotes the backend's default pool. Implementations must be safe
// for concurrent use.
type Backend[H comparable] interface {
	CreatePool(capacity int64, threads int) H
	SetPoolTag(pool H, tag uintptr)
	PoolAllocate(pool H, size int) ([]byte, error)
	PoolAllocateAligned(pool H, align, size int) ([]byte, error)
	PoolFree(pool H, buf []byte) error
	GenericFree(buf []byte) error
	ResolveOwner(buf []byte) (H, uintptr)
}

// Tracker receives one event per successful allocation and per non-nil
// deallocation.
type Tracker = tracker.Sink

// Kind selects one of the two pool arrays of a Registry.
type Kind int

const (
	// Plain pools serve Allocate
	Plain Kind = iota
	// Aligned pools serve AllocateAligned
	Aligned
)

func (k Kind) String() string {
	if k == Aligned {
		return "aligned"
	}
	return "plain"
}

type slot[H comparable] struct {
	once  sync.Once
	ready atomic.Bool
	pool  H
}

// Registry owns the lazily created pools of both kinds. It is safe for
// concurrent use; a Registry must not be copied.
type Registry[H comparable] struct {
	name       string
	backend    Backend[H]
	tracker    Tracker
	log        *zap.Logger
	threads    int
	callerSkip int

	slots [2][sizeclass.PoolCount]slot[H]

	created      [2]atomic.Int64
	allocs       [2]atomic.Uint64
	deallocs     atomic.Uint64
	pooledFrees  atomic.Uint64
	defaultFrees atomic.Uint64
	failedFrees  atomic.Uint64
}

// Stats is a snapshot of registry counters.
type Stats struct {
	Name               string `json:"name"`
	PlainPools         int64  `json:"plain_pools"`
	AlignedPools       int64  `json:"aligned_pools"`
	Allocations        uint64 `json:"allocations"`
	AlignedAllocations uint64 `json:"aligned_allocations"`
	Deallocations      uint64 `json:"deallocations"`
	PooledFrees        uint64 `json:"pooled_frees"`
	DefaultFrees       uint64 `json:"default_frees"`
	FailedFrees        uint64 `json:"failed_frees"`
}

// NewRegistry creates a registry over backend. No pool is created until the
// first request for its size class.
func NewRegistry[H comparable](backend Backend[H], opts ...Option) *Registry[H] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[H]{
		name:       o.name,
		backend:    backend,
		tracker:    o.tracker,
		log:        o.logger.With(zap.String("registry", o.name)),
		threads:    o.threads,
		callerSkip: o.callerSkip,
	}
}

// NewHeapRegistry creates a registry over a heap.Heap.
func NewHeapRegistry(h *heap.Heap, opts ...Option) *Registry[*heap.Pool] {
	return NewRegistry[*heap.Pool](HeapBackend{Heap: h}, opts...)
}

// Allocate returns size bytes from the plain pool of size's class. Backend
// errors are returned unchanged.
func (r *Registry[H]) Allocate(size int) ([]byte, error) {
	buf, err := r.backend.PoolAllocate(r.pool(Plain, sizeclass.Classify(size)), size)
	if err != nil {
		return nil, err
	}
	r.allocs[Plain].Add(1)
	if r.tracker != nil {
		r.tracker.RecordAlloc(heap.Addr(buf), size, 0, tracker.Caller(1+r.callerSkip))
	}
	return buf, nil
}

// AllocateAligned returns size bytes aligned to align from the aligned pool
// of size's class. align must be a power of two; the backend rejects anything
// else.
func (r *Registry[H]) AllocateAligned(align, size int) ([]byte, error) {
	buf, err := r.backend.PoolAllocateAligned(r.pool(Aligned, sizeclass.Classify(size)), align, size)
	if err != nil {
		return nil, err
	}
	r.allocs[Aligned].Add(1)
	if r.tracker != nil {
		r.tracker.RecordAlloc(heap.Addr(buf), size, align, tracker.Caller(1+r.callerSkip))
	}
	return buf, nil
}

// Deallocate frees buf. A nil or zero-capacity buf is a no-op.
func (r *Registry[H]) Deallocate(buf []byte) {
	r.free(buf)
}

// DeallocateAligned frees buf obtained from AllocateAligned. The owning pool
// is recovered from buf itself; align is not needed for routing.
func (r *Registry[H]) DeallocateAligned(align int, buf []byte) {
	r.free(buf)
}

// Name returns the registry name used in logs and metrics.
func (r *Registry[H]) Name() string { return r.name }

// Backend returns the allocator the registry routes to.
func (r *Registry[H]) Backend() Backend[H] { return r.backend }

// Stats returns a snapshot of the registry counters.
func (r *Registry[H]) Stats() Stats {
	return Stats{
		Name:               r.name,
		PlainPools:         r.created[Plain].Load(),
		AlignedPools:       r.created[Aligned].Load(),
		Allocations:        r.allocs[Plain].Load(),
		AlignedAllocations: r.allocs[Aligned].Load(),
		Deallocations:      r.deallocs.Load(),
		PooledFrees:        r.pooledFrees.Load(),
		DefaultFrees:       r.defaultFrees.Load(),
		FailedFrees:        r.failedFrees.Load(),
	}
}

// Each calls fn for every pool created so far, in class order.
func (r *Registry[H]) Each(fn func(kind Kind, class int, pool H)) {
	for kind := range r.slots {
		for class := range r.slots[kind] {
			s := &r.slots[kind][class]
			if s.ready.Load() {
				fn(Kind(kind), class, s.pool)
			}
		}
	}
}

// pool returns the pool serving class, creating it on first use. The default
// class yields the zero handle.
func (r *Registry[H]) pool(kind Kind, class int) H {
	if sizeclass.IsDefault(class) {
		var def H
		return def
	}
	s := &r.slots[kind][class]
	s.once.Do(func() {
		p := r.backend.CreatePool(0, r.threads)
		r.backend.SetPoolTag(p, Footprint)
		s.pool = p
		s.ready.Store(true)
		r.created[kind].Add(1)
		r.log.Debug("pool created",
			zap.Stringer("kind", kind),
			zap.Int("class", class))
	})
	return s.pool
}

func (r *Registry[H]) free(buf []byte) {
	ptr := heap.Addr(buf)
	if ptr == 0 {
		return
	}
	if r.tracker != nil {
		r.tracker.RecordDealloc(ptr)
	}
	r.deallocs.Add(1)

	var err error
	owner, tag := r.backend.ResolveOwner(buf)
	if tag == Footprint {
		r.pooledFrees.Add(1)
		err = r.backend.PoolFree(owner, buf)
	} else {
		r.defaultFrees.Add(1)
		err = r.backend.GenericFree(buf)
	}
	if err != nil {
		r.failedFrees.Add(1)
		r.log.Warn("free failed", zap.Uintptr("ptr", ptr), zap.Error(err))
	}
}
