package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/poolalloc/internal/stress"
	"github.com/ajitpratap0/poolalloc/pkg/config"
	"github.com/ajitpratap0/poolalloc/pkg/heap"
	"github.com/ajitpratap0/poolalloc/pkg/logger"
	"github.com/ajitpratap0/poolalloc/pkg/memory"
	"github.com/ajitpratap0/poolalloc/pkg/pool"
	"github.com/ajitpratap0/poolalloc/pkg/tracker"
)

type stressFlags struct {
	configFile  string
	logLevel    string
	mmap        bool
	track       bool
	metricsAddr string
	hold        time.Duration
	timeout     time.Duration
	run         stress.Config
}

// stressReport is printed as JSON when the run ends
type stressReport struct {
	Run      *stress.Result `json:"run"`
	Registry pool.Stats     `json:"registry"`
	Heap     heap.Stats     `json:"heap"`
	Tracker  *tracker.Stats `json:"tracker,omitempty"`
	RSSBytes uint64         `json:"rss_bytes,omitempty"`
	Leaks    int            `json:"leaks"`
}

func newStressCmd() *cobra.Command {
	f := stressFlags{run: stress.DefaultConfig()}

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent random allocation traffic through a fresh registry",
		Long: `Run concurrent random allocation traffic through a fresh registry and
print registry, heap and tracker statistics as JSON.

Example:
  poolalloc stress --workers 16 --ops 1000000 --track --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd.Context(), cmd.OutOrStdout(), &f)
		},
	}

	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "Path to YAML configuration file (default: environment)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	cmd.Flags().BoolVar(&f.mmap, "mmap", false, "Obtain heap segments with mmap")
	cmd.Flags().BoolVar(&f.track, "track", false, "Enable the allocation tracker and report leaks")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	cmd.Flags().DurationVar(&f.hold, "hold", 0, "Keep serving metrics this long after the run")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Minute, "Stress run timeout")
	cmd.Flags().IntVarP(&f.run.Workers, "workers", "w", runtime.NumCPU(), "Number of concurrent workers")
	cmd.Flags().IntVarP(&f.run.Operations, "ops", "n", f.run.Operations, "Allocate or free steps per worker")
	cmd.Flags().IntVar(&f.run.MaxSize, "max-size", f.run.MaxSize, "Largest allocation size")
	cmd.Flags().IntVar(&f.run.AlignedPercent, "aligned", f.run.AlignedPercent, "Percentage of aligned allocations")
	cmd.Flags().IntVar(&f.run.MaxLive, "max-live", f.run.MaxLive, "Blocks each worker holds at most")
	cmd.Flags().Uint64Var(&f.run.Seed, "seed", 0, "Random seed (0 = time based)")

	return cmd
}

func loadStressConfig(f *stressFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if f.configFile != "" {
		cfg, err = config.Load(f.configFile)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, err
	}

	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.mmap {
		cfg.Heap.Mmap = true
	}
	if f.track {
		cfg.Tracking = true
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = f.metricsAddr
	}
	return cfg, cfg.Validate()
}

func runStress(ctx context.Context, out io.Writer, f *stressFlags) error {
	cfg, err := loadStressConfig(f)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Encoding:    cfg.Logging.Encoding,
		Development: cfg.Logging.Development,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.With(zap.String("component", "poolalloc-cli"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	alloc, err := memory.New(cfg, log, reg, pool.WithName("stress"))
	if err != nil {
		return fmt.Errorf("failed to create allocator: %w", err)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		srv := serveMetrics(cfg.Metrics.Address, reg, log)
		defer func() {
			if f.hold > 0 {
				log.Info("holding metrics endpoint", zap.Duration("hold", f.hold))
				time.Sleep(f.hold)
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	res, runErr := stress.Run(ctx, alloc, f.run, log)
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return fmt.Errorf("stress run failed: %w", runErr)
	}

	report := stressReport{
		Run:      res,
		Registry: alloc.Stats(),
		Heap:     alloc.Heap.Stats(),
		RSSBytes: residentBytes(log),
		Leaks:    alloc.Report(log),
	}
	if alloc.Tracker != nil {
		st := alloc.Tracker.Stats()
		report.Tracker = &st
	}

	data, err := gojson.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	fmt.Fprintln(out, string(data))

	if report.Leaks > 0 {
		return fmt.Errorf("%d allocations leaked", report.Leaks)
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("serving metrics", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

// residentBytes returns the process RSS, or 0 when it cannot be read.
func residentBytes(log *zap.Logger) uint64 {
	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		log.Debug("failed to open process", zap.Error(err))
		return 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		log.Debug("failed to read memory info", zap.Error(err))
		return 0
	}
	return mem.RSS
}
