// Package stress drives concurrent random allocation traffic through an
// allocator. It is the engine behind the poolalloc stress command.
//
// # Overview
//
// Each worker keeps a bounded set of live blocks. At every step it either
// allocates a new block of random size (plain or aligned) or frees a random
// live block, then writes a worker-specific pattern into the block and checks
// it on free. Corruption or allocation failures are reported to a single
// error handler and stop the run.
//
// # Basic Usage
//
//	res, err := stress.Run(ctx, alloc, stress.Config{
//	    Workers:    8,
//	    Operations: 100000,
//	}, logger)
package stress

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/poolalloc/pkg/errors"
	"github.com/ajitpratap0/poolalloc/pkg/heap"
	"github.com/ajitpratap0/poolalloc/pkg/metrics"
)

// Allocator is the allocation surface exercised by Run.
type Allocator interface {
	Allocate(size int) ([]byte, error)
	AllocateAligned(align, size int) ([]byte, error)
	Deallocate(buf []byte)
	DeallocateAligned(align int, buf []byte)
}

// Config holds stress run parameters.
type Config struct {
	// Workers is the number of concurrent goroutines
	Workers int `json:"workers"`
	// Operations is the number of allocate or free steps per worker
	Operations int `json:"operations"`
	// MaxSize bounds the random allocation size (inclusive)
	MaxSize int `json:"max_size"`
	// AlignedPercent is the share of allocations that are aligned (0-100)
	AlignedPercent int `json:"aligned_percent"`
	// MaxLive bounds how many blocks a worker holds at once
	MaxLive int `json:"max_live"`
	// Seed makes runs reproducible; 0 picks a time-based seed
	Seed uint64 `json:"seed"`
}

// DefaultConfig returns sensible defaults for a stress run.
func DefaultConfig() Config {
	return Config{
		Workers:        8,
		Operations:     100000,
		MaxSize:        256,
		AlignedPercent: 20,
		MaxLive:        64,
	}
}

// Result summarises a stress run.
type Result struct {
	Workers       int           `json:"workers"`
	Allocations   uint64        `json:"allocations"`
	Aligned       uint64        `json:"aligned_allocations"`
	Deallocations uint64        `json:"deallocations"`
	Bytes         uint64        `json:"bytes"`
	Duration      time.Duration `json:"duration"`
	OpsPerSecond  float64       `json:"ops_per_second"`
}

var alignments = [...]int{8, 16, 32, 64, 128, 256}

type block struct {
	buf   []byte
	align int
	fill  byte
}

type runner struct {
	alloc Allocator
	cfg   Config
	log   *zap.Logger

	allocs   atomic.Uint64
	aligned  atomic.Uint64
	deallocs atomic.Uint64
	bytes    atomic.Uint64
}

// Run executes the stress workload and blocks until every worker finished,
// the context is cancelled or a worker reports an error. Every block a worker
// allocated is freed before Run returns.
func Run(ctx context.Context, alloc Allocator, cfg Config, log *zap.Logger) (*Result, error) {
	if cfg.Workers <= 0 || cfg.Operations < 0 || cfg.MaxSize < 0 || cfg.MaxLive <= 0 ||
		cfg.AlignedPercent < 0 || cfg.AlignedPercent > 100 {
		return nil, errors.New(errors.ErrorTypeValidation, "invalid stress configuration").
			WithDetail("config", cfg)
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &runner{alloc: alloc, cfg: cfg, log: log}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info("starting stress run",
		zap.Int("workers", cfg.Workers),
		zap.Int("operations", cfg.Operations),
		zap.Int("max_size", cfg.MaxSize),
		zap.Uint64("seed", cfg.Seed))

	timer := metrics.NewTimer("stress")
	errorChan := make(chan error, cfg.Workers)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := r.worker(ctx, id); err != nil {
				errorChan <- err
				cancel()
			}
		}(i)
	}
	wg.Wait()
	close(errorChan)

	var firstErr error
	for err := range errorChan {
		if firstErr == nil {
			firstErr = err
		}
		log.Error("stress worker failed", zap.Error(err))
	}

	res := &Result{
		Workers:       cfg.Workers,
		Allocations:   r.allocs.Load(),
		Aligned:       r.aligned.Load(),
		Deallocations: r.deallocs.Load(),
		Bytes:         r.bytes.Load(),
		Duration:      timer.Stop(),
	}
	res.OpsPerSecond = timer.Rate(res.Allocations + res.Deallocations)

	log.Info("stress run completed",
		zap.Uint64("allocations", res.Allocations),
		zap.Uint64("deallocations", res.Deallocations),
		zap.Duration("duration", res.Duration),
		zap.Float64("ops_per_second", res.OpsPerSecond))

	if firstErr != nil {
		return res, firstErr
	}
	return res, ctx.Err()
}

func (r *runner) worker(ctx context.Context, id int) error {
	rng := rand.New(rand.NewPCG(r.cfg.Seed, uint64(id)))
	live := make([]block, 0, r.cfg.MaxLive)
	fill := byte(id + 1)

	defer func() {
		for _, b := range live {
			r.free(b)
		}
	}()

	for op := 0; op < r.cfg.Operations; op++ {
		if op%1024 == 0 {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
		}

		if len(live) > 0 && (len(live) == r.cfg.MaxLive || rng.IntN(2) == 0) {
			i := rng.IntN(len(live))
			b := live[i]
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
			if err := r.check(b); err != nil {
				r.free(b)
				return err
			}
			r.free(b)
			continue
		}

		size := rng.IntN(r.cfg.MaxSize + 1)
		b := block{fill: fill}
		var err error
		if rng.IntN(100) < r.cfg.AlignedPercent {
			b.align = alignments[rng.IntN(len(alignments))]
			b.buf, err = r.alloc.AllocateAligned(b.align, size)
		} else {
			b.buf, err = r.alloc.Allocate(size)
		}
		if err != nil {
			r.log.Debug("allocation failed",
				zap.Int("worker", id),
				zap.Int("size", size),
				zap.Int("align", b.align),
				zap.Error(err))
			return err
		}
		r.allocs.Add(1)
		if b.align > 0 {
			r.aligned.Add(1)
		}
		r.bytes.Add(uint64(size))

		for j := range b.buf {
			b.buf[j] = fill
		}
		live = append(live, b)
	}
	r.log.Debug("stress worker done", zap.Int("worker", id), zap.Int("live", len(live)))
	return nil
}

func (r *runner) check(b block) error {
	if b.align > 0 && len(b.buf) > 0 && heap.Addr(b.buf)%uintptr(b.align) != 0 {
		return errors.Newf(errors.ErrorTypeInternal, "block %#x not aligned to %d", heap.Addr(b.buf), b.align)
	}
	for j, v := range b.buf {
		if v != b.fill {
			return errors.New(errors.ErrorTypeInternal, "block corrupted").
				WithDetail("offset", j).
				WithDetail("want", fmt.Sprintf("%#x", b.fill)).
				WithDetail("got", fmt.Sprintf("%#x", v))
		}
	}
	return nil
}

func (r *runner) free(b block) {
	if b.align > 0 {
		r.alloc.DeallocateAligned(b.align, b.buf)
	} else {
		r.alloc.Deallocate(b.buf)
	}
	r.deallocs.Add(1)
}
