package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ajitpratap0/poolalloc/pkg/heap"
	"github.com/ajitpratap0/poolalloc/pkg/pool"
)

// StatsSource is anything reporting registry stats, typically a
// *pool.Registry.
type StatsSource interface {
	Stats() pool.Stats
}

// RegistryCollector exposes registry and heap stats at scrape time.
type RegistryCollector struct {
	registry StatsSource
	heap     *heap.Heap

	pools         *prometheus.Desc
	allocations   *prometheus.Desc
	deallocations *prometheus.Desc
	frees         *prometheus.Desc
	heapPools     *prometheus.Desc
	heapSegments  *prometheus.Desc
	heapReserved  *prometheus.Desc
	heapLive      *prometheus.Desc
}

var _ prometheus.Collector = (*RegistryCollector)(nil)

// NewRegistryCollector creates a collector for registry. h may be nil, in
// which case heap metrics are omitted.
func NewRegistryCollector(registry StatsSource, h *heap.Heap) *RegistryCollector {
	labels := []string{"registry"}
	desc := func(name, help string, extra ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help,
			append(append([]string(nil), labels...), extra...), nil)
	}
	return &RegistryCollector{
		registry:      registry,
		heap:          h,
		pools:         desc("registry_pools", "Pools created by the registry", "kind"),
		allocations:   desc("registry_allocations", "Successful allocations served by the registry", "kind"),
		deallocations: desc("registry_deallocations", "Non-null deallocations handled by the registry"),
		frees:         desc("registry_frees", "Deallocations by route taken", "route"),
		heapPools:     desc("heap_pools", "Pools in the underlying heap"),
		heapSegments:  desc("heap_segments", "Segments reserved by the underlying heap"),
		heapReserved:  desc("heap_reserved_bytes", "Bytes reserved by the underlying heap"),
		heapLive:      desc("heap_live_bytes", "Bytes live in the underlying heap"),
	}
}

// Describe implements prometheus.Collector.
func (c *RegistryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pools
	ch <- c.allocations
	ch <- c.deallocations
	ch <- c.frees
	if c.heap != nil {
		ch <- c.heapPools
		ch <- c.heapSegments
		ch <- c.heapReserved
		ch <- c.heapLive
	}
}

// Collect implements prometheus.Collector.
func (c *RegistryCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.registry.Stats()
	name := st.Name

	ch <- prometheus.MustNewConstMetric(c.pools, prometheus.GaugeValue, float64(st.PlainPools), name, pool.Plain.String())
	ch <- prometheus.MustNewConstMetric(c.pools, prometheus.GaugeValue, float64(st.AlignedPools), name, pool.Aligned.String())
	ch <- prometheus.MustNewConstMetric(c.allocations, prometheus.CounterValue, float64(st.Allocations), name, pool.Plain.String())
	ch <- prometheus.MustNewConstMetric(c.allocations, prometheus.CounterValue, float64(st.AlignedAllocations), name, pool.Aligned.String())
	ch <- prometheus.MustNewConstMetric(c.deallocations, prometheus.CounterValue, float64(st.Deallocations), name)
	ch <- prometheus.MustNewConstMetric(c.frees, prometheus.CounterValue, float64(st.PooledFrees), name, "pool")
	ch <- prometheus.MustNewConstMetric(c.frees, prometheus.CounterValue, float64(st.DefaultFrees), name, "generic")
	ch <- prometheus.MustNewConstMetric(c.frees, prometheus.CounterValue, float64(st.FailedFrees), name, "failed")

	if c.heap == nil {
		return
	}
	hs := c.heap.Stats()
	ch <- prometheus.MustNewConstMetric(c.heapPools, prometheus.GaugeValue, float64(hs.Pools), name)
	ch <- prometheus.MustNewConstMetric(c.heapSegments, prometheus.GaugeValue, float64(hs.Segments), name)
	ch <- prometheus.MustNewConstMetric(c.heapReserved, prometheus.GaugeValue, float64(hs.ReservedBytes), name)
	ch <- prometheus.MustNewConstMetric(c.heapLive, prometheus.GaugeValue, float64(hs.LiveBytes), name)
}
