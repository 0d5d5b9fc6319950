package testutil

import (
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/poolalloc/pkg/heap"
	"github.com/ajitpratap0/poolalloc/pkg/pool"
	"github.com/ajitpratap0/poolalloc/pkg/tracker"
)

// HeapSuite provides a fresh heap, registry and tracker for every test and
// fails any test that leaves allocations outstanding.
type HeapSuite struct {
	suite.Suite
	Heap     *heap.Heap
	Registry *pool.Registry[*heap.Pool]
	Tracker  *tracker.Tracker

	// HeapConfig is used for every test's heap
	HeapConfig heap.Config
}

// SetupTest runs before each test in the suite
func (s *HeapSuite) SetupTest() {
	cfg := s.HeapConfig
	cfg.Logger = TestLogger(s.T())

	h, err := heap.New(cfg)
	require.NoError(s.T(), err)

	s.Heap = h
	s.Tracker = tracker.New()
	s.Registry = pool.NewHeapRegistry(h,
		pool.WithName(s.T().Name()),
		pool.WithLogger(cfg.Logger),
		pool.WithTracker(s.Tracker))
}

// TearDownTest checks that every allocation was returned
func (s *HeapSuite) TearDownTest() {
	if n := s.Tracker.Report(TestLogger(s.T())); n != 0 {
		s.T().Errorf("%d allocations leaked", n)
	}
	s.Equal(int64(0), s.Heap.Stats().LiveBytes, "heap live bytes after test")
}
