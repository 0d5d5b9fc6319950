package memory

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/poolalloc/pkg/config"
	"github.com/ajitpratap0/poolalloc/pkg/errors"
	"github.com/ajitpratap0/poolalloc/pkg/heap"
	"github.com/ajitpratap0/poolalloc/pkg/logger"
	"github.com/ajitpratap0/poolalloc/pkg/pool"
	"github.com/ajitpratap0/poolalloc/pkg/testutil"
)

func resetDefault(t *testing.T) {
	t.Helper()
	initMu.Lock()
	current.Store(nil)
	initMu.Unlock()
	t.Cleanup(func() {
		initMu.Lock()
		current.Store(nil)
		initMu.Unlock()
	})
}

func TestNew(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		a, err := New(config.Default(), testutil.TestLogger(t), nil)
		require.NoError(t, err)
		assert.Nil(t, a.Tracker)
		assert.Nil(t, a.Metrics)

		buf, err := a.Allocate(100)
		require.NoError(t, err)
		a.Deallocate(buf)
		assert.Equal(t, 0, a.Report(testutil.TestLogger(t)))
		assert.Equal(t, int64(0), a.Heap.Stats().LiveBytes)
	})

	t.Run("tracking reports leaks", func(t *testing.T) {
		cfg := config.Default()
		cfg.Tracking = true
		a, err := New(cfg, testutil.TestLogger(t), nil)
		require.NoError(t, err)
		require.NotNil(t, a.Tracker)

		kept, err := a.Allocate(10)
		require.NoError(t, err)
		freed, err := a.AllocateAligned(32, 10)
		require.NoError(t, err)
		a.DeallocateAligned(32, freed)

		core, logs := observer.New(zapcore.WarnLevel)
		assert.Equal(t, 1, a.Report(zap.New(core)))
		assert.Equal(t, 1, logs.FilterMessage("allocation never freed").Len())

		a.Deallocate(kept)
		assert.Equal(t, 0, a.Report(testutil.TestLogger(t)))
	})

	t.Run("metrics register with the given registerer", func(t *testing.T) {
		cfg := config.Default()
		cfg.Tracking = true
		cfg.Metrics.Enabled = true
		reg := prometheus.NewRegistry()

		a, err := New(cfg, testutil.TestLogger(t), reg, pool.WithName("metrics"))
		require.NoError(t, err)
		require.NotNil(t, a.Metrics)

		buf, err := a.Allocate(8)
		require.NoError(t, err)
		a.Deallocate(buf)

		families, err := reg.Gather()
		require.NoError(t, err)
		names := make(map[string]bool)
		for _, mf := range families {
			names[mf.GetName()] = true
		}
		assert.True(t, names["poolalloc_allocations_total"])
		assert.True(t, names["poolalloc_registry_pools"])
		assert.True(t, names["poolalloc_heap_live_bytes"])
		assert.Equal(t, 0, a.Report(testutil.TestLogger(t)))
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := config.Default()
		cfg.Heap.SegmentSize = 100
		_, err := New(cfg, nil, nil)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	})

	t.Run("heap limit surfaces as out of memory", func(t *testing.T) {
		cfg := config.Default()
		cfg.Heap.SegmentSize = config.MinSegmentSize
		cfg.Heap.MaxBytes = config.MinSegmentSize
		a, err := New(cfg, nil, nil)
		require.NoError(t, err)

		_, err = a.Allocate(1 << 20)
		require.Error(t, err)
		assert.True(t, errors.IsOutOfMemory(err))
	})
}

func TestInit(t *testing.T) {
	resetDefault(t)

	cfg := config.Default()
	cfg.Tracking = true
	require.NoError(t, Init(cfg))

	err := Init(config.Default())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	a := Default()
	require.NotNil(t, a.Tracker)
	assert.Equal(t, "default", a.Name())
	assert.Same(t, a, Default())
}

func TestPackageFunctions(t *testing.T) {
	resetDefault(t)

	cfg := config.Default()
	cfg.Tracking = true
	require.NoError(t, Init(cfg))

	buf, err := Allocate(33)
	require.NoError(t, err)
	assert.Len(t, buf, 33)

	leaks := Default().Tracker.Leaks()
	require.Len(t, leaks, 1)
	assert.True(t, strings.HasSuffix(leaks[0].Location.File, "memory_test.go"), leaks[0].Location.File)
	assert.Contains(t, leaks[0].Location.Function, "TestPackageFunctions")

	aligned, err := AllocateAligned(128, 10)
	require.NoError(t, err)
	assert.Zero(t, heap.Addr(aligned)%128)

	Deallocate(buf)
	DeallocateAligned(128, aligned)
	Deallocate(nil)
	DeallocateAligned(128, nil)

	st := Default().Stats()
	assert.Equal(t, uint64(2), st.Deallocations)
	assert.Equal(t, uint64(2), st.PooledFrees)
	assert.Empty(t, Default().Tracker.Leaks())
}

func TestDefaultFromEnv(t *testing.T) {
	resetDefault(t)
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("POOLALLOC_TRACKING", "true")
	t.Setenv("POOLALLOC_HEAP_SEGMENT_SIZE", "8192")

	a := Default()
	require.NotNil(t, a.Tracker)
	assert.Equal(t, int64(0), a.Heap.Stats().ReservedBytes)

	buf, err := Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), a.Heap.Stats().ReservedBytes)
	Deallocate(buf)
}

func TestDefaultFallsBackOnBadEnv(t *testing.T) {
	resetDefault(t)
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("POOLALLOC_HEAP_SEGMENT_SIZE", "7")

	a := Default()
	require.NotNil(t, a)
	assert.Nil(t, a.Tracker)

	buf, err := Allocate(1)
	require.NoError(t, err)
	Deallocate(buf)
	assert.Equal(t, int64(config.DefaultSegmentSize), a.Heap.Stats().ReservedBytes)
}

func TestDefaultLogsLoggerInitFailure(t *testing.T) {
	resetDefault(t)
	t.Setenv(config.EnvConfigFile, "")

	core, logs := observer.New(zapcore.WarnLevel)
	t.Cleanup(logger.ReplaceGlobal(zap.New(core)))
	prev := initLogger
	initLogger = func(logger.Config) error {
		return errors.New(errors.ErrorTypeConfig, "no encoder registered")
	}
	t.Cleanup(func() { initLogger = prev })

	a := Default()
	require.NotNil(t, a)

	entries := logs.FilterMessage("failed to initialize logger, using defaults").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "no encoder registered")

	buf, err := Allocate(8)
	require.NoError(t, err)
	Deallocate(buf)
}
