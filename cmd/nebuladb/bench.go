package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/nebuladb/pkg/affinity"
	"github.com/ajitpratap0/nebuladb/pkg/engine"
	"github.com/ajitpratap0/nebuladb/pkg/observability"
	"github.com/ajitpratap0/nebuladb/pkg/pool"
	"github.com/ajitpratap0/nebuladb/pkg/session"
)

type benchOptions struct {
	database    string
	user        string
	password    string
	workers     int
	ops         int
	batch       int
	metricsAddr string
}

func newBenchCommand() *cobra.Command {
	opts := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark pooled sessions",
		Long: `Run concurrent workers that borrow sessions from a cached pool and
commit records in transactions, then report throughput, pool statistics and
host resource usage.

Example:
  nebuladb bench --workers 16 --ops 500 --metrics-addr :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.database, "database", "d", "bench", "Database to write to")
	cmd.Flags().StringVar(&opts.user, "user", "admin", "User to open sessions as")
	cmd.Flags().StringVar(&opts.password, "password", "admin", "Password of the user")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", runtime.NumCPU(), "Concurrent workers")
	cmd.Flags().IntVar(&opts.ops, "ops", 1000, "Transactions per worker")
	cmd.Flags().IntVar(&opts.batch, "batch", 1, "Records saved per transaction")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	return cmd
}

type benchResult struct {
	elapsed time.Duration
	commits int64
	records int64
	stats   pool.Stats
}

func runBench(cmd *cobra.Command, opts benchOptions) error {
	if opts.workers < 1 || opts.ops < 1 || opts.batch < 1 {
		return fmt.Errorf("workers, ops and batch must be positive")
	}
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer func() { _ = observability.Shutdown(context.Background()) }()

	// every worker holds one session at a time
	if cfg.Pool.Max < opts.workers {
		cfg.Pool.Max = opts.workers
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.metricsAddr != "" {
		srv := serveMetrics(opts.metricsAddr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	e, err := engine.New(cfg, engine.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(context.Background()); err != nil {
			log.Warn("engine close failed", zap.Error(err))
		}
	}()

	if !e.Exists(opts.database) {
		if err := e.Create(ctx, opts.database); err != nil {
			return err
		}
	}
	sp, err := e.CachedPool(ctx, opts.database, opts.user, opts.password)
	if err != nil {
		return err
	}

	res, err := bench(ctx, sp, opts)
	if err != nil {
		return err
	}
	return report(cmd.OutOrStdout(), opts, res)
}

func bench(ctx context.Context, sp *engine.SessionPool, opts benchOptions) (benchResult, error) {
	var commits, records atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.workers; w++ {
		worker := w
		g.Go(func() error {
			ctx := affinity.WithOwner(gctx, affinity.NewOwner())
			for i := 0; i < opts.ops; i++ {
				if err := benchTx(ctx, sp, worker, i, opts.batch); err != nil {
					return err
				}
				commits.Add(1)
				records.Add(int64(opts.batch))
			}
			return nil
		})
	}
	err := g.Wait()
	return benchResult{
		elapsed: time.Since(start),
		commits: commits.Load(),
		records: records.Load(),
		stats:   sp.Stats(),
	}, err
}

func benchTx(ctx context.Context, sp *engine.SessionPool, worker, seq, batch int) error {
	s, err := sp.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close(ctx) }()

	return s.ExecuteInTx(ctx, func(ctx context.Context, s *session.Session) error {
		for i := 0; i < batch; i++ {
			rec := s.NewRecord("BenchItem").
				Set("worker", worker).
				Set("seq", seq).
				Set("item", i)
			if err := s.Save(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("address", addr))
	return srv
}

func report(out io.Writer, opts benchOptions, res benchResult) error {
	secs := res.elapsed.Seconds()
	if secs <= 0 {
		secs = 1e-9
	}
	fmt.Fprintf(out, "database:        %s\n", opts.database)
	fmt.Fprintf(out, "workers:         %d\n", opts.workers)
	fmt.Fprintf(out, "elapsed:         %s\n", res.elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "transactions:    %d (%.0f/s)\n", res.commits, float64(res.commits)/secs)
	fmt.Fprintf(out, "records:         %d (%.0f/s)\n", res.records, float64(res.records)/secs)
	fmt.Fprintf(out, "pool:            created=%d available=%d in_use=%d max=%d\n",
		res.stats.Created, res.stats.Available, res.stats.InUse, res.stats.Max)

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fmt.Fprintf(out, "host cpu:        %.1f%%\n", pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(out, "host memory:     %.1f%% of %d MB\n", vm.UsedPercent, vm.Total/1024/1024)
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil { //nolint:gosec // pid fits int32
		if mi, err := proc.MemoryInfo(); err == nil {
			fmt.Fprintf(out, "process rss:     %d MB\n", mi.RSS/1024/1024)
		}
	}
	return nil
}
