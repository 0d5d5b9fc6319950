package heap

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/poolalloc/pkg/errors"
)

func newTestHeap(t *testing.T, cfg Config) *Heap {
	t.Helper()
	cfg.Logger = zaptest.NewLogger(t)
	h, err := New(cfg)
	require.NoError(t, err)
	return h
}

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		h := newTestHeap(t, Config{})
		assert.Equal(t, DefaultSegmentSize, h.cfg.SegmentSize)
		assert.NotNil(t, h.DefaultPool())
		assert.Equal(t, uint32(0), h.DefaultPool().ID())
	})

	t.Run("invalid segment size", func(t *testing.T) {
		h, err := New(Config{SegmentSize: 1000})
		assert.Nil(t, h)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	})

	t.Run("negative limit", func(t *testing.T) {
		_, err := New(Config{MaxBytes: -1})
		assert.Error(t, err)
	})
}

func TestAllocate(t *testing.T) {
	h := newTestHeap(t, Config{})
	p := h.CreatePool(0, 8)

	t.Run("length and capacity", func(t *testing.T) {
		buf, err := h.Allocate(p, 5)
		require.NoError(t, err)
		assert.Len(t, buf, 5)
		assert.Equal(t, Granule, cap(buf))
		assert.Zero(t, Addr(buf)%Granule)
	})

	t.Run("zero size keeps an address", func(t *testing.T) {
		buf, err := h.Allocate(p, 0)
		require.NoError(t, err)
		assert.Len(t, buf, 0)
		assert.Greater(t, cap(buf), 0)
		assert.NotZero(t, Addr(buf))
	})

	t.Run("negative size", func(t *testing.T) {
		_, err := h.Allocate(p, -1)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("distinct blocks do not overlap", func(t *testing.T) {
		a, err := h.Allocate(p, 32)
		require.NoError(t, err)
		b, err := h.Allocate(p, 32)
		require.NoError(t, err)
		for i := range a {
			a[i] = 0xAA
		}
		for i := range b {
			b[i] = 0xBB
		}
		for _, c := range a {
			assert.Equal(t, byte(0xAA), c)
		}
	})

	t.Run("large allocation gets a dedicated segment", func(t *testing.T) {
		before := h.Stats().Segments
		buf, err := h.Allocate(p, DefaultSegmentSize*2)
		require.NoError(t, err)
		assert.Len(t, buf, DefaultSegmentSize*2)
		assert.Equal(t, before+1, h.Stats().Segments)
	})
}

func TestAllocateAligned(t *testing.T) {
	h := newTestHeap(t, Config{})
	p := h.CreatePool(0, 8)

	for _, align := range []int{1, 2, 8, 16, 64, 256, 4096} {
		buf, err := h.AllocateAligned(p, align, 24)
		require.NoError(t, err, "align %d", align)
		assert.Len(t, buf, 24)
		assert.Zero(t, Addr(buf)%uintptr(align), "align %d", align)
		require.NoError(t, h.Free(p, buf))
	}

	t.Run("not a power of two", func(t *testing.T) {
		for _, align := range []int{0, -8, 3, 24} {
			_, err := h.AllocateAligned(p, align, 8)
			assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidAlignment), "align %d", align)
		}
	})
}

func TestFreeRecyclesBlocks(t *testing.T) {
	h := newTestHeap(t, Config{})
	p := h.CreatePool(0, 8)

	a, err := h.Allocate(p, 40)
	require.NoError(t, err)
	addr := Addr(a)
	require.NoError(t, h.Free(p, a))

	b, err := h.Allocate(p, 48)
	require.NoError(t, err)
	assert.Equal(t, addr, Addr(b), "same rounded size must reuse the freed span")

	st := p.Stats()
	assert.Equal(t, uint64(2), st.Allocations)
	assert.Equal(t, uint64(1), st.Frees)
	assert.Equal(t, 1, st.LiveBlocks)
	assert.Equal(t, int64(48), st.LiveBytes)
}

func TestFreeWrongPool(t *testing.T) {
	h := newTestHeap(t, Config{})
	p1 := h.CreatePool(0, 8)
	p2 := h.CreatePool(0, 8)

	buf, err := h.Allocate(p1, 8)
	require.NoError(t, err)

	err = h.Free(p2, buf)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotOwned))

	// double free is reported as well
	require.NoError(t, h.Free(p1, buf))
	assert.True(t, errors.IsType(h.Free(p1, buf), errors.ErrorTypeNotOwned))
}

func TestNilFreeIsNoop(t *testing.T) {
	h := newTestHeap(t, Config{})
	assert.NoError(t, h.Free(nil, nil))
	assert.NoError(t, h.GenericFree(nil))
	assert.NoError(t, h.GenericFree([]byte{}))
}

func TestResolveOwner(t *testing.T) {
	h := newTestHeap(t, Config{})
	p := h.CreatePool(0, 8)
	p.SetTag(0xBB1AA45A)

	buf, err := h.Allocate(p, 12)
	require.NoError(t, err)
	owner, tag := h.ResolveOwner(buf)
	assert.Same(t, p, owner)
	assert.Equal(t, uintptr(0xBB1AA45A), tag)

	t.Run("default pool", func(t *testing.T) {
		buf, err := h.Allocate(nil, 500)
		require.NoError(t, err)
		owner, tag := h.ResolveOwner(buf)
		assert.Same(t, h.DefaultPool(), owner)
		assert.Zero(t, tag)
	})

	t.Run("aligned block resolves through its segment", func(t *testing.T) {
		buf, err := h.AllocateAligned(p, 512, 100)
		require.NoError(t, err)
		owner, _ := h.ResolveOwner(buf)
		assert.Same(t, p, owner)
		assert.NoError(t, h.GenericFree(buf))
	})

	t.Run("foreign memory", func(t *testing.T) {
		foreign := make([]byte, 64)
		owner, tag := h.ResolveOwner(foreign)
		assert.Nil(t, owner)
		assert.Zero(t, tag)
		assert.False(t, h.Owns(foreign))
		assert.NoError(t, h.GenericFree(foreign))
	})
}

func TestGenericFree(t *testing.T) {
	h := newTestHeap(t, Config{})
	p := h.CreatePool(0, 8)

	buf, err := h.Allocate(p, 20)
	require.NoError(t, err)
	require.NoError(t, h.GenericFree(buf))
	assert.Equal(t, uint64(1), p.Stats().Frees)
	assert.Equal(t, 0, p.Stats().LiveBlocks)
}

func TestOutOfMemory(t *testing.T) {
	t.Run("heap limit", func(t *testing.T) {
		h := newTestHeap(t, Config{SegmentSize: MinSegmentSize, MaxBytes: MinSegmentSize})
		p := h.CreatePool(0, 8)

		_, err := h.Allocate(p, 16)
		require.NoError(t, err)
		_, err = h.Allocate(nil, 16)
		require.Error(t, err)
		assert.True(t, errors.IsOutOfMemory(err))
		assert.Equal(t, int64(MinSegmentSize), h.Stats().ReservedBytes)
	})

	t.Run("pool capacity", func(t *testing.T) {
		h := newTestHeap(t, Config{SegmentSize: MinSegmentSize})
		p := h.CreatePool(MinSegmentSize, 1)

		_, err := h.Allocate(p, MinSegmentSize)
		require.NoError(t, err)
		_, err = h.Allocate(p, MinSegmentSize)
		assert.True(t, errors.IsOutOfMemory(err))
	})
}

func TestOversizedRequests(t *testing.T) {
	h := newTestHeap(t, Config{})
	p := h.CreatePool(0, 8)

	tests := []struct {
		name  string
		align int
		size  int
	}{
		{name: "max int", size: math.MaxInt},
		{name: "beyond any machine", size: 1 << 62},
		{name: "petabyte", size: 1 << 50},
		{name: "aligned max int", align: 64, size: math.MaxInt},
		{name: "huge alignment", align: 1 << 62, size: 1},
		{name: "alignment plus size", align: 1 << 50, size: 1 << 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, pool := range []*Pool{p, nil} {
				var buf []byte
				var err error
				assert.NotPanics(t, func() {
					if tt.align == 0 {
						buf, err = h.Allocate(pool, tt.size)
					} else {
						buf, err = h.AllocateAligned(pool, tt.align, tt.size)
					}
				})
				require.Error(t, err)
				assert.Nil(t, buf)
				assert.True(t, errors.IsOutOfMemory(err), "got %v", err)
			}
		})
	}

	t.Run("pools stay usable", func(t *testing.T) {
		st := h.Stats()
		assert.Equal(t, 0, st.Segments)
		assert.Equal(t, int64(0), st.ReservedBytes)

		a, err := h.Allocate(p, 32)
		require.NoError(t, err)
		b, err := h.Allocate(p, 32)
		require.NoError(t, err)
		assert.Equal(t, Addr(a)+32, Addr(b))
		require.NoError(t, h.Free(p, a))
		require.NoError(t, h.Free(p, b))
	})

	t.Run("limit follows max bytes", func(t *testing.T) {
		h := newTestHeap(t, Config{MaxBytes: 1 << 20})
		_, err := h.Allocate(nil, 1<<20+1)
		assert.True(t, errors.IsOutOfMemory(err))
		assert.Equal(t, int64(0), h.Stats().ReservedBytes)
	})
}

func TestGoSourceRejectsBadSizes(t *testing.T) {
	for _, n := range []int{0, -1, math.MaxInt} {
		var err error
		assert.NotPanics(t, func() { _, err = goSource{}.alloc(n) })
		assert.True(t, errors.IsOutOfMemory(err), "size %d", n)
	}
}

func TestLargeSpanReuse(t *testing.T) {
	h := newTestHeap(t, Config{})
	p := h.CreatePool(0, 8)
	large := DefaultSegmentSize/4 + Granule

	t.Run("smaller request reuses a larger free span", func(t *testing.T) {
		a, err := h.Allocate(p, 2*large)
		require.NoError(t, err)
		require.NoError(t, h.Free(p, a))

		b, err := h.Allocate(p, large+100)
		require.NoError(t, err)
		assert.Equal(t, Addr(a), Addr(b))
		assert.Len(t, b, large+100)
		assert.Equal(t, 1, p.Stats().Segments)

		require.NoError(t, h.Free(p, b))
		assert.Equal(t, 1, p.Stats().FreeSpans)
	})

	t.Run("churn of distinct sizes keeps reserved bytes flat", func(t *testing.T) {
		before := p.Stats().ReservedBytes
		for size := large; size <= 2*large; size += 500 {
			buf, err := h.Allocate(p, size)
			require.NoError(t, err)
			require.NoError(t, h.Free(p, buf))
		}
		assert.Equal(t, before, p.Stats().ReservedBytes)
		assert.Equal(t, 1, p.Stats().Segments)
	})

	t.Run("much smaller requests do not take a large span", func(t *testing.T) {
		buf, err := h.Allocate(p, 4*large+Granule)
		require.NoError(t, err)
		require.NoError(t, h.Free(p, buf))
		segments := p.Stats().Segments

		small, err := h.Allocate(p, large)
		require.NoError(t, err)
		assert.NotEqual(t, Addr(buf), Addr(small))
		require.NoError(t, h.Free(p, small))
		assert.Equal(t, segments, p.Stats().Segments)
	})

	t.Run("small blocks only reuse exact sizes", func(t *testing.T) {
		a, err := h.Allocate(p, 64)
		require.NoError(t, err)
		require.NoError(t, h.Free(p, a))
		b, err := h.Allocate(p, 48)
		require.NoError(t, err)
		assert.NotEqual(t, Addr(a), Addr(b))
		require.NoError(t, h.Free(p, b))
	})
}

func TestMmapSource(t *testing.T) {
	h, err := New(Config{Mmap: true})
	if err != nil {
		t.Skipf("mmap unavailable: %v", err)
	}
	p := h.CreatePool(0, 8)
	buf, err := h.Allocate(p, 100)
	require.NoError(t, err)
	copy(buf, "mmap backed")
	owner, _ := h.ResolveOwner(buf)
	assert.Same(t, p, owner)
	assert.NoError(t, h.Free(p, buf))
}

func TestConcurrentAllocFree(t *testing.T) {
	h := newTestHeap(t, Config{})
	p := h.CreatePool(0, 8)

	const workers, rounds = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				size := (w*rounds + i) % 300
				buf, err := h.Allocate(p, size)
				if !assert.NoError(t, err) {
					return
				}
				owner, _ := h.ResolveOwner(buf)
				assert.Same(t, p, owner)
				assert.NoError(t, h.Free(p, buf))
			}
		}(w)
	}
	wg.Wait()

	st := p.Stats()
	assert.Equal(t, uint64(workers*rounds), st.Allocations)
	assert.Equal(t, uint64(workers*rounds), st.Frees)
	assert.Zero(t, st.LiveBytes)
}
