// Package heap implements the pool-capable allocator the size-class registry
// is layered on.
//
// A Heap hands out memory through Pools. Every pool carves fixed-granule
// blocks out of segments it reserves from the heap, and recycles freed blocks
// through per-size free lists. A nil *Pool stands for the heap's default pool.
//
// Pools can be stamped with an opaque tag. Given only a block, ResolveOwner
// finds the segment that contains it (through an ordered segment index) and
// returns the owning pool together with its tag, so callers can route frees
// without remembering where memory came from.
//
// Memory handed out by a Heap is a []byte whose address is the address of
// its first element. Zero-size requests still receive a granule, so the
// returned slice has len 0 and a non-zero capacity.
//
// All methods are safe for concurrent use.
package heap

import (
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/btree"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/ajitpratap0/poolalloc/pkg/errors"
)

const (
	// Granule is the allocation unit; every block is a multiple of it and
	// aligned to it.
	Granule = 16
	// DefaultSegmentSize is used when Config.SegmentSize is zero
	DefaultSegmentSize = 64 * 1024
	// MinSegmentSize is the smallest accepted segment size
	MinSegmentSize = 4 * 1024
	// MaxRequest bounds size and alignment of a single request so that block
	// arithmetic cannot overflow.
	MaxRequest = math.MaxInt / 4
)

// Config configures a Heap.
type Config struct {
	// SegmentSize is the size of the chunks pools carve blocks from
	SegmentSize int
	// MaxBytes caps the total reserved segment bytes (0 = unlimited)
	MaxBytes int64
	// Mmap reserves segments with anonymous mmap rather than the Go heap
	Mmap bool
	// Logger receives segment reservations at debug level
	Logger *zap.Logger
}

// Heap is a pool-capable allocator.
type Heap struct {
	cfg    Config
	log    *zap.Logger
	source segmentSource
	// maxRequest is the largest size or alignment a request may ask for
	maxRequest int
	index  *ownerIndex
	def    *Pool

	nextID   atomic.Uint32
	reserved atomic.Int64

	mu    sync.Mutex
	pools []*Pool
}

// Stats is a snapshot of heap-wide counters.
type Stats struct {
	Pools         int    `json:"pools"`
	Segments      int    `json:"segments"`
	ReservedBytes int64  `json:"reserved_bytes"`
	LiveBytes     int64  `json:"live_bytes"`
	Allocations   uint64 `json:"allocations"`
	Frees         uint64 `json:"frees"`
}

// New creates a heap with its default pool.
func New(cfg Config) (*Heap, error) {
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if cfg.SegmentSize < MinSegmentSize || cfg.SegmentSize%Granule != 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"segment size must be a multiple of %d and at least %d", Granule, MinSegmentSize).
			WithDetail("segment_size", cfg.SegmentSize)
	}
	if cfg.MaxBytes < 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "max bytes cannot be negative")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var source segmentSource = goSource{}
	if cfg.Mmap {
		s, err := newMmapSource()
		if err != nil {
			return nil, err
		}
		source = s
	}

	h := &Heap{
		cfg:        cfg,
		log:        cfg.Logger.Named("heap"),
		source:     source,
		maxRequest: requestLimit(cfg),
		index:      newOwnerIndex(),
	}
	h.def = h.newPool(0, 1)
	return h, nil
}

// CreatePool creates a new pool. capacity caps the bytes the pool may
// reserve (0 = unlimited). threads is a concurrency hint kept for reporting.
func (h *Heap) CreatePool(capacity int64, threads int) *Pool {
	return h.newPool(capacity, threads)
}

// DefaultPool returns the pool used when a nil *Pool is passed.
func (h *Heap) DefaultPool() *Pool { return h.def }

// Allocate returns size bytes from pool p (nil = default pool).
func (h *Heap) Allocate(p *Pool, size int) ([]byte, error) {
	if size < 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "negative allocation size").
			WithDetail("size", size)
	}
	if err := h.checkRequest(size, Granule); err != nil {
		return nil, err
	}
	return h.poolOrDefault(p).alloc(size, Granule)
}

// AllocateAligned returns size bytes from pool p whose address is a multiple
// of align. align must be a power of two.
func (h *Heap) AllocateAligned(p *Pool, align, size int) ([]byte, error) {
	if align <= 0 || align&(align-1) != 0 {
		return nil, errors.Newf(errors.ErrorTypeInvalidAlignment, "alignment %d is not a power of two", align).
			WithDetail("alignment", align)
	}
	if size < 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "negative allocation size").
			WithDetail("size", size)
	}
	if err := h.checkRequest(size, align); err != nil {
		return nil, err
	}
	return h.poolOrDefault(p).alloc(size, max(align, Granule))
}

// Free returns buf to pool p (nil = default pool). Freeing through a pool that
// does not hold buf is reported as ErrorTypeNotOwned and leaves buf alone.
func (h *Heap) Free(p *Pool, buf []byte) error {
	addr := Addr(buf)
	if addr == 0 {
		return nil
	}
	return h.poolOrDefault(p).release(addr)
}

// GenericFree frees buf through whichever pool of this heap produced it.
// Memory this heap never handed out belongs to the Go runtime and is left to
// the garbage collector.
func (h *Heap) GenericFree(buf []byte) error {
	addr := Addr(buf)
	if addr == 0 {
		return nil
	}
	seg := h.index.lookup(addr)
	if seg == nil {
		return nil
	}
	return seg.owner.release(addr)
}

// ResolveOwner returns the pool that produced buf and the tag that pool
// carries. Foreign memory resolves to (nil, 0).
func (h *Heap) ResolveOwner(buf []byte) (*Pool, uintptr) {
	addr := Addr(buf)
	if addr == 0 {
		return nil, 0
	}
	seg := h.index.lookup(addr)
	if seg == nil {
		return nil, 0
	}
	return seg.owner, seg.owner.Tag()
}

// Owns reports whether buf lies inside one of the heap's segments.
func (h *Heap) Owns(buf []byte) bool {
	addr := Addr(buf)
	return addr != 0 && h.index.lookup(addr) != nil
}

// Stats returns heap-wide counters aggregated over all pools.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	pools := make([]*Pool, len(h.pools))
	copy(pools, h.pools)
	h.mu.Unlock()

	st := Stats{
		Pools:         len(pools),
		Segments:      h.index.count(),
		ReservedBytes: h.reserved.Load(),
	}
	for _, p := range pools {
		ps := p.Stats()
		st.LiveBytes += ps.LiveBytes
		st.Allocations += ps.Allocations
		st.Frees += ps.Frees
	}
	return st
}

// Addr returns the address of buf's first element, or 0 for nil and
// zero-capacity slices.
func Addr(buf []byte) uintptr {
	if cap(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

// checkRequest rejects requests no segment could ever hold.
func (h *Heap) checkRequest(size, align int) error {
	if size > h.maxRequest || align > h.maxRequest || size+max(align-Granule, 0) > h.maxRequest {
		return errors.New(errors.ErrorTypeOutOfMemory, "request exceeds heap limit").
			WithDetail("size", size).
			WithDetail("alignment", align).
			WithDetail("limit", h.maxRequest)
	}
	return nil
}

// requestLimit is MaxBytes when set, otherwise the machine's physical memory,
// never more than MaxRequest.
func requestLimit(cfg Config) int {
	limit := uint64(MaxRequest)
	if cfg.MaxBytes > 0 {
		limit = min(limit, uint64(cfg.MaxBytes))
	} else if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		limit = min(limit, vm.Total)
	}
	return int(limit)
}

func (h *Heap) poolOrDefault(p *Pool) *Pool {
	if p == nil {
		return h.def
	}
	return p
}

func (h *Heap) newPool(capacity int64, threads int) *Pool {
	p := &Pool{
		heap:     h,
		id:       h.nextID.Add(1) - 1,
		capacity: capacity,
		threads:  threads,
		free:     make(map[int][]span),
		sizes:    btree.NewOrderedG[int](8),
		live:     make(map[uintptr]block),
	}
	h.mu.Lock()
	h.pools = append(h.pools, p)
	h.mu.Unlock()
	return p
}

// reserve obtains a segment of n bytes on behalf of p.
func (h *Heap) reserve(p *Pool, n int) (*segment, error) {
	if h.cfg.MaxBytes > 0 {
		if total := h.reserved.Add(int64(n)); total > h.cfg.MaxBytes {
			h.reserved.Add(-int64(n))
			return nil, errors.New(errors.ErrorTypeOutOfMemory, "heap memory limit reached").
				WithDetail("requested", n).
				WithDetail("limit", h.cfg.MaxBytes)
		}
	} else {
		h.reserved.Add(int64(n))
	}

	data, err := h.source.alloc(n)
	if err != nil {
		h.reserved.Add(-int64(n))
		return nil, err
	}

	seg := &segment{base: Addr(data), data: data, owner: p}
	h.index.insert(seg)
	h.log.Debug("segment reserved",
		zap.Uint32("pool", p.id),
		zap.Int("size", n),
		zap.String("source", h.source.name()))
	return seg, nil
}
