// Package memory is the process-wide allocation surface.
//
// The package functions Allocate, AllocateAligned, Deallocate and
// DeallocateAligned route through a single registry built on first use from
// config.FromEnv. The default allocator lives for the rest of the process and
// is never torn down, so memory may be freed at any point, including from
// other packages' cleanup code.
//
//	buf, err := memory.Allocate(48)
//	if err != nil {
//	    return err
//	}
//	defer memory.Deallocate(buf)
//
// Programs that want a different configuration call Init before the first
// allocation. New builds independent allocators, e.g. for tests.
package memory

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ajitpratap0/poolalloc/pkg/config"
	"github.com/ajitpratap0/poolalloc/pkg/errors"
	"github.com/ajitpratap0/poolalloc/pkg/heap"
	"github.com/ajitpratap0/poolalloc/pkg/logger"
	"github.com/ajitpratap0/poolalloc/pkg/metrics"
	"github.com/ajitpratap0/poolalloc/pkg/pool"
	"github.com/ajitpratap0/poolalloc/pkg/tracker"
)

// Allocator is a registry together with the heap and trackers it was built
// with.
type Allocator struct {
	*pool.Registry[*heap.Pool]

	// Heap backs every pool of the registry
	Heap *heap.Heap
	// Tracker audits live allocations; nil unless tracking is enabled
	Tracker *tracker.Tracker
	// Metrics records allocator events; nil unless metrics are enabled
	Metrics *metrics.Tracker
}

// New builds an allocator from cfg. When cfg enables metrics and reg is not
// nil, the metrics tracker and a registry collector are registered with reg.
// opts are applied after the ones derived from cfg.
func New(cfg *config.Config, log *zap.Logger, reg prometheus.Registerer, opts ...pool.Option) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	h, err := heap.New(heap.Config{
		SegmentSize: cfg.Heap.SegmentSize,
		MaxBytes:    cfg.Heap.MaxBytes,
		Mmap:        cfg.Heap.Mmap,
		Logger:      log.Named("heap"),
	})
	if err != nil {
		return nil, err
	}

	a := &Allocator{Heap: h}
	var sinks []tracker.Sink
	if cfg.Tracking {
		a.Tracker = tracker.New()
		sinks = append(sinks, a.Tracker)
	}
	if cfg.Metrics.Enabled && reg != nil {
		a.Metrics = metrics.NewTracker(reg)
		sinks = append(sinks, a.Metrics)
	}

	base := []pool.Option{
		pool.WithLogger(log.Named("pool")),
		pool.WithPoolThreads(cfg.Heap.GetPoolThreads()),
	}
	switch len(sinks) {
	case 0:
	case 1:
		base = append(base, pool.WithTracker(sinks[0]))
	default:
		base = append(base, pool.WithTracker(tracker.Multi(sinks...)))
	}
	a.Registry = pool.NewHeapRegistry(h, append(base, opts...)...)

	if a.Metrics != nil {
		if err := reg.Register(metrics.NewRegistryCollector(a.Registry, h)); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to register registry collector")
		}
	}

	log.Debug("allocator created",
		zap.String("registry", a.Name()),
		zap.Bool("tracking", cfg.Tracking),
		zap.Bool("metrics", a.Metrics != nil),
		zap.Bool("mmap", cfg.Heap.Mmap))
	return a, nil
}

// Report logs outstanding allocations and returns how many there were. It
// reports nothing when tracking is disabled.
func (a *Allocator) Report(log *zap.Logger) int {
	if a.Tracker == nil {
		return 0
	}
	return a.Tracker.Report(log)
}

var (
	current atomic.Pointer[Allocator]
	initMu  sync.Mutex
)

// Init builds the default allocator from cfg. It fails once the default
// allocator exists, whether from an earlier Init or from first use.
func Init(cfg *config.Config) error {
	initMu.Lock()
	defer initMu.Unlock()

	if current.Load() != nil {
		return errors.New(errors.ErrorTypeConfig, "default allocator already initialized")
	}
	a, err := newDefault(cfg)
	if err != nil {
		return err
	}
	current.Store(a)
	return nil
}

// Default returns the process-wide allocator, building it from the
// environment on first use. An unusable environment configuration is logged
// and replaced by config.Default.
//
// Its registry attributes tracked allocations to the caller of the package
// functions; call those rather than the registry methods directly.
func Default() *Allocator {
	if a := current.Load(); a != nil {
		return a
	}

	initMu.Lock()
	defer initMu.Unlock()
	if a := current.Load(); a != nil {
		return a
	}

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Warn("invalid allocator configuration, using defaults", zap.Error(err))
		cfg = config.Default()
	}
	a, err := newDefault(cfg)
	if err != nil {
		logger.Warn("failed to build allocator, using defaults", zap.Error(err))
		if a, err = newDefault(config.Default()); err != nil {
			// the default configuration always validates and never mmaps
			panic(err)
		}
	}
	current.Store(a)
	return a
}

// initLogger is swapped in tests.
var initLogger = logger.Init

func newDefault(cfg *config.Config) (*Allocator, error) {
	if err := initLogger(logger.Config{
		Level:       cfg.Logging.Level,
		Encoding:    cfg.Logging.Encoding,
		Development: cfg.Logging.Development,
	}); err != nil {
		logger.Warn("failed to initialize logger, using defaults", zap.Error(err))
	}
	return New(cfg, logger.Get().Named("memory"), prometheus.DefaultRegisterer,
		pool.WithName("default"),
		pool.WithCallerSkip(1))
}

// Allocate returns size bytes from the default allocator.
func Allocate(size int) ([]byte, error) {
	return Default().Allocate(size)
}

// AllocateAligned returns size bytes aligned to align from the default
// allocator.
func AllocateAligned(align, size int) ([]byte, error) {
	return Default().AllocateAligned(align, size)
}

// Deallocate frees buf obtained from Allocate. Nil is a no-op.
func Deallocate(buf []byte) {
	Default().Deallocate(buf)
}

// DeallocateAligned frees buf obtained from AllocateAligned. Nil is a no-op.
func DeallocateAligned(align int, buf []byte) {
	Default().DeallocateAligned(align, buf)
}
