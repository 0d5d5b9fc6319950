// Package poolalloc is a size-class segregated pool allocator.
//
// Allocation requests are routed by size to one of a fixed number of pools,
// each created lazily on first use. Deallocation needs only the memory
// itself: the owning pool is recovered from the heap and freed through, so
// callers never pass a size or a pool back.
//
// # Architecture
//
// The allocator is layered:
//
//  1. pkg/sizeclass maps a byte size to one of fourteen size classes, with a
//     default class for everything larger.
//  2. pkg/heap is the pool-capable allocator primitive. It carves blocks
//     from segments obtained from the Go heap or anonymous mmap and resolves
//     any address back to its owning pool through an ordered segment index.
//  3. pkg/pool is the registry and facade. It creates one plain and one
//     aligned pool per class, exactly once even under concurrency, stamps
//     each with a fixed footprint tag and routes frees by that tag.
//  4. pkg/memory exposes a process-wide default allocator built from
//     configuration, and adapts any registry to arrow's memory.Allocator.
//
// Allocation events can be reported to pkg/tracker, which audits leaks and
// double frees, and to pkg/metrics, which exports Prometheus metrics.
//
// # Quick Start
//
//	buf, err := memory.Allocate(48)
//	if err != nil {
//	    return err
//	}
//	defer memory.Deallocate(buf)
//
// # Configuration
//
// The default allocator reads an optional YAML file named by POOLALLOC_CONFIG
// and POOLALLOC_* environment overrides:
//
//	heap:
//	  segment_size: 65536
//	  max_bytes: 0
//	  mmap: false
//	tracking: false
//	metrics:
//	  enabled: false
//	logging:
//	  level: info
//	  encoding: json
//
// # Command Line
//
// The poolalloc command prints the size-class table, classifies sizes and
// runs concurrent stress traffic through a fresh registry:
//
//	poolalloc table
//	poolalloc classify 24 100 4096
//	poolalloc stress --workers 16 --track --metrics-addr :9090
package poolalloc
