package heap

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/ajitpratap0/poolalloc/pkg/errors"
)

// Pool is an independently managed sub-allocator of a Heap.
type Pool struct {
	heap     *Heap
	id       uint32
	tag      atomic.Uintptr
	capacity int64
	threads  int

	allocs atomic.Uint64
	frees  atomic.Uint64

	mu        sync.Mutex
	cur       *segment // segment small blocks are bump-allocated from
	off       int
	segments  int
	reserved  int64
	liveBytes int64
	free      map[int][]span     // recycled spans keyed by span size
	sizes     *btree.BTreeG[int] // keys of free with at least one span
	live      map[uintptr]block  // handed-out blocks keyed by address
}

// span is a contiguous range of a segment.
type span struct {
	seg  *segment
	off  int
	size int
}

// block is a live allocation: the span backing it and its usable size.
type block struct {
	span   span
	usable int
}

// PoolStats is a snapshot of a single pool.
type PoolStats struct {
	ID            uint32  `json:"id"`
	Tag           uintptr `json:"tag"`
	Threads       int     `json:"threads"`
	Segments      int     `json:"segments"`
	ReservedBytes int64   `json:"reserved_bytes"`
	LiveBytes     int64   `json:"live_bytes"`
	LiveBlocks    int     `json:"live_blocks"`
	FreeSpans     int     `json:"free_spans"`
	Allocations   uint64  `json:"allocations"`
	Frees         uint64  `json:"frees"`
}

// ID returns the pool's heap-unique id. The default pool has id 0.
func (p *Pool) ID() uint32 { return p.id }

// SetTag stamps the pool with an opaque value returned by ResolveOwner.
func (p *Pool) SetTag(tag uintptr) { p.tag.Store(tag) }

// Tag returns the value set with SetTag.
func (p *Pool) Tag() uintptr { return p.tag.Load() }

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	freeSpans := 0
	for _, spans := range p.free {
		freeSpans += len(spans)
	}
	return PoolStats{
		ID:            p.id,
		Tag:           p.Tag(),
		Threads:       p.threads,
		Segments:      p.segments,
		ReservedBytes: p.reserved,
		LiveBytes:     p.liveBytes,
		LiveBlocks:    len(p.live),
		FreeSpans:     freeSpans,
		Allocations:   p.allocs.Load(),
		Frees:         p.frees.Load(),
	}
}

func (p *Pool) alloc(size, align int) ([]byte, error) {
	usable := roundUp(max(size, 1), Granule)
	need := usable
	if align > Granule {
		// segments are granule aligned, so at most align-Granule bytes of slack
		need += align - Granule
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sp, ok := p.takeFree(need)
	if !ok {
		var err error
		if sp, err = p.carve(need); err != nil {
			return nil, err
		}
	}

	start := sp.seg.base + uintptr(sp.off)
	shift := int(alignUp(start, uintptr(align)) - start)
	lo := sp.off + shift
	buf := sp.seg.data[lo : lo+size : lo+usable]

	p.live[start+uintptr(shift)] = block{span: sp, usable: usable}
	p.liveBytes += int64(usable)
	p.allocs.Add(1)
	return buf, nil
}

func (p *Pool) release(addr uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.live[addr]
	if !ok {
		return errors.New(errors.ErrorTypeNotOwned, "block is not live in this pool").
			WithDetail("pool", p.id).
			WithDetail("addr", addr)
	}
	delete(p.live, addr)
	if len(p.free[b.span.size]) == 0 {
		p.sizes.ReplaceOrInsert(b.span.size)
	}
	p.free[b.span.size] = append(p.free[b.span.size], b.span)
	p.liveBytes -= int64(b.usable)
	p.frees.Add(1)
	return nil
}

// takeFree reuses a span of exactly need bytes. Large requests also accept
// the smallest free span of at most twice their size.
func (p *Pool) takeFree(need int) (span, bool) {
	size := need
	if len(p.free[need]) == 0 {
		if need <= p.heap.cfg.SegmentSize/4 {
			return span{}, false
		}
		found := false
		p.sizes.AscendGreaterOrEqual(need, func(s int) bool {
			size, found = s, s <= 2*need
			return false
		})
		if !found {
			return span{}, false
		}
	}

	spans := p.free[size]
	sp := spans[len(spans)-1]
	if len(spans) == 1 {
		delete(p.free, size)
		p.sizes.Delete(size)
	} else {
		p.free[size] = spans[:len(spans)-1]
	}
	return sp, true
}

// carve cuts a fresh span of need bytes, reserving segments as required.
// Requests larger than a quarter segment get a dedicated segment.
func (p *Pool) carve(need int) (span, error) {
	segSize := p.heap.cfg.SegmentSize
	if need > segSize/4 {
		seg, err := p.reserve(need)
		if err != nil {
			return span{}, err
		}
		return span{seg: seg, off: 0, size: need}, nil
	}

	if p.cur == nil || p.off+need > len(p.cur.data) {
		seg, err := p.reserve(segSize)
		if err != nil {
			return span{}, err
		}
		p.cur, p.off = seg, 0
	}
	sp := span{seg: p.cur, off: p.off, size: need}
	p.off += need
	return sp, nil
}

func (p *Pool) reserve(n int) (*segment, error) {
	if p.capacity > 0 && p.reserved+int64(n) > p.capacity {
		return nil, errors.New(errors.ErrorTypeOutOfMemory, "pool capacity reached").
			WithDetail("pool", p.id).
			WithDetail("requested", n).
			WithDetail("capacity", p.capacity)
	}
	seg, err := p.heap.reserve(p, n)
	if err != nil {
		return nil, err
	}
	p.segments++
	p.reserved += int64(n)
	return seg, nil
}

func roundUp(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}

func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}
