// Package tracker records allocation and deallocation events for leak and
// usage auditing.
//
// A Tracker keeps every live allocation reported to it together with the call
// site that made it. Deallocations of addresses it does not know about are
// counted as unmatched, which catches double frees and frees of memory that
// was never reported.
package tracker

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Location identifies the call site of an allocation.
type Location struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// String formats the location as file:line (function).
func (l Location) String() string {
	if l.File == "" {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d (%s)", l.File, l.Line, l.Function)
}

// Caller returns the location skip frames above the caller of Caller.
func Caller(skip int) Location {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Location{}
	}
	loc := Location{File: file, Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		loc.Function = fn.Name()
	}
	return loc
}

// Record is a live allocation.
type Record struct {
	Ptr      uintptr  `json:"ptr"`
	Size     int      `json:"size"`
	Align    int      `json:"align"`
	Location Location `json:"location"`
}

// Stats is a snapshot of the tracker's counters.
type Stats struct {
	Allocs     uint64 `json:"allocs"`
	Deallocs   uint64 `json:"deallocs"`
	Unmatched  uint64 `json:"unmatched"`
	LiveCount  int    `json:"live_count"`
	LiveBytes  int64  `json:"live_bytes"`
	TotalBytes int64  `json:"total_bytes"`
}

// Tracker is a leak-auditing allocation tracker. It is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	live  map[uintptr]Record
	bytes int64

	allocs     atomic.Uint64
	deallocs   atomic.Uint64
	unmatched  atomic.Uint64
	totalBytes atomic.Int64
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{live: make(map[uintptr]Record)}
}

// RecordAlloc registers a live allocation.
func (t *Tracker) RecordAlloc(ptr uintptr, size, align int, loc Location) {
	t.allocs.Add(1)
	t.totalBytes.Add(int64(size))

	t.mu.Lock()
	if prev, ok := t.live[ptr]; ok {
		// reported twice without a dealloc in between
		t.bytes -= int64(prev.Size)
		t.unmatched.Add(1)
	}
	t.live[ptr] = Record{Ptr: ptr, Size: size, Align: align, Location: loc}
	t.bytes += int64(size)
	t.mu.Unlock()
}

// RecordDealloc removes a live allocation.
func (t *Tracker) RecordDealloc(ptr uintptr) {
	t.deallocs.Add(1)

	t.mu.Lock()
	rec, ok := t.live[ptr]
	if ok {
		delete(t.live, ptr)
		t.bytes -= int64(rec.Size)
	}
	t.mu.Unlock()

	if !ok {
		t.unmatched.Add(1)
	}
}

// Stats returns the tracker's counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	liveCount, liveBytes := len(t.live), t.bytes
	t.mu.Unlock()

	return Stats{
		Allocs:     t.allocs.Load(),
		Deallocs:   t.deallocs.Load(),
		Unmatched:  t.unmatched.Load(),
		LiveCount:  liveCount,
		LiveBytes:  liveBytes,
		TotalBytes: t.totalBytes.Load(),
	}
}

// Leaks returns the outstanding allocations ordered by address.
func (t *Tracker) Leaks() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.live))
	for _, rec := range t.live {
		out = append(out, rec)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Ptr < out[j].Ptr })
	return out
}

// Report logs every outstanding allocation and returns how many there were.
func (t *Tracker) Report(log *zap.Logger) int {
	leaks := t.Leaks()
	for _, rec := range leaks {
		log.Warn("allocation never freed",
			zap.Uintptr("ptr", rec.Ptr),
			zap.Int("size", rec.Size),
			zap.Int("align", rec.Align),
			zap.String("location", rec.Location.String()))
	}
	st := t.Stats()
	log.Info("allocation tracker summary",
		zap.Uint64("allocs", st.Allocs),
		zap.Uint64("deallocs", st.Deallocs),
		zap.Uint64("unmatched", st.Unmatched),
		zap.Int("leaks", len(leaks)),
		zap.Int64("leaked_bytes", st.LiveBytes))
	return len(leaks)
}

// Reset forgets every live allocation and zeroes the counters.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.live = make(map[uintptr]Record)
	t.bytes = 0
	t.mu.Unlock()

	t.allocs.Store(0)
	t.deallocs.Store(0)
	t.unmatched.Store(0)
	t.totalBytes.Store(0)
}
