// Package metrics exposes allocator activity as Prometheus metrics.
//
// # Overview
//
// The metrics package provides:
//   - Tracker, a tracker.Sink counting allocations, deallocations and bytes
//   - RegistryCollector, a prometheus.Collector reading registry and heap stats
//   - Timer for measuring elapsed time of a run
//
// # Basic Usage
//
//	reg := prometheus.NewRegistry()
//	tr := metrics.NewTracker(reg)
//	pools := pool.NewHeapRegistry(h, pool.WithTracker(tr))
//	reg.MustRegister(metrics.NewRegistryCollector(pools, h))
//
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// Tracker only sees pointers on deallocation, so it counts deallocated bytes
// only for allocations it recorded itself.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ajitpratap0/poolalloc/pkg/tracker"
)

const namespace = "poolalloc"

// Tracker records allocator events into Prometheus metrics. It implements
// tracker.Sink and is safe for concurrent use.
type Tracker struct {
	allocations   *prometheus.CounterVec // by kind
	allocBytes    *prometheus.CounterVec // by kind
	deallocations prometheus.Counter
	unmatched     prometheus.Counter
	liveBytes     prometheus.Gauge
	sizes         prometheus.Histogram

	mu   sync.Mutex
	live map[uintptr]int
}

var _ tracker.Sink = (*Tracker)(nil)

// NewTracker creates a tracker whose metrics are registered with reg. A nil
// reg leaves them unregistered.
func NewTracker(reg prometheus.Registerer) *Tracker {
	f := promauto.With(reg)
	return &Tracker{
		allocations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "allocations_total",
				Help:      "Total number of successful allocations",
			},
			[]string{"kind"},
		),
		allocBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "allocated_bytes_total",
				Help:      "Total number of bytes requested by successful allocations",
			},
			[]string{"kind"},
		),
		deallocations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deallocations_total",
			Help:      "Total number of non-null deallocations",
		}),
		unmatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_deallocations_total",
			Help:      "Deallocations of pointers this tracker never saw allocated",
		}),
		liveBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_bytes",
			Help:      "Bytes currently allocated and not yet freed",
		}),
		sizes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allocation_size_bytes",
			Help:      "Distribution of requested allocation sizes",
			Buckets: []float64{
				4,    // class 0
				16,   // small classes
				64,   //
				176,  // largest pooled size
				1024, // default pool from here on
				16384,
				1 << 20,
			},
		}),
		live: make(map[uintptr]int),
	}
}

// RecordAlloc implements tracker.Sink.
func (t *Tracker) RecordAlloc(ptr uintptr, size, align int, _ tracker.Location) {
	kind := "plain"
	if align > 0 {
		kind = "aligned"
	}
	t.allocations.WithLabelValues(kind).Inc()
	t.allocBytes.WithLabelValues(kind).Add(float64(size))
	t.sizes.Observe(float64(size))
	t.liveBytes.Add(float64(size))

	t.mu.Lock()
	t.live[ptr] = size
	t.mu.Unlock()
}

// RecordDealloc implements tracker.Sink.
func (t *Tracker) RecordDealloc(ptr uintptr) {
	t.deallocations.Inc()

	t.mu.Lock()
	size, ok := t.live[ptr]
	delete(t.live, ptr)
	t.mu.Unlock()

	if !ok {
		t.unmatched.Inc()
		return
	}
	t.liveBytes.Sub(float64(size))
}

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
// The name parameter is for identification in logs or metrics.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the timer name.
func (t *Timer) Name() string { return t.name }

// Stop returns the elapsed duration since creation. The timer can be stopped
// multiple times, each returning the total elapsed time since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// Rate returns n per second over the time elapsed since creation.
func (t *Timer) Rate(n uint64) float64 {
	elapsed := t.Stop().Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(n) / elapsed
}
