package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	connscope "github.com/go-i2p/go-connscope"
	"github.com/spf13/cobra"
)

type probeOptions struct {
	workers    int
	iterations int
	query      string
	drain      time.Duration
}

// probeResult counts outcomes of one probe run.
type probeResult struct {
	ok          int64
	exhausted   int64
	unavailable int64
	lost        int64
	other       int64
	elapsed     time.Duration
	stats       connscope.Stats
}

func newProbeCmd(flags *globalFlags) *cobra.Command {
	opts := &probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run a query from many workers and report pool behaviour",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := flags.load()
			if err != nil {
				return err
			}
			if opts.workers <= 0 {
				opts.workers = config.MaxSize * 2
			}

			s, err := openScope(cmd.Context(), config)
			if err != nil {
				return err
			}
			defer s.Close()

			sm := connscope.NewShutdownManager(opts.drain)
			s.SetShutdownManager(sm)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				sm.Shutdown()
			}()

			res := runProbe(ctx, s, opts)
			printProbe(cmd, opts, res)
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.workers, "workers", 0, "concurrent workers (default 2x max pool size)")
	cmd.Flags().IntVar(&opts.iterations, "iterations", 10, "queries per worker")
	cmd.Flags().StringVar(&opts.query, "query", "SELECT 1", "statement each worker executes")
	cmd.Flags().DurationVar(&opts.drain, "drain-timeout", 5*time.Second, "how long to wait for workers on interrupt")
	return cmd
}

func runProbe(ctx context.Context, s *connscope.Scope, opts *probeOptions) probeResult {
	var (
		res probeResult
		wg  sync.WaitGroup
	)

	start := time.Now()
	for w := 0; w < opts.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < opts.iterations && ctx.Err() == nil; i++ {
				err := s.Do(ctx, func(h *connscope.Handle) error {
					_, err := h.ExecContext(ctx, opts.query)
					return err
				})
				res.count(err)
			}
		}()
	}
	wg.Wait()

	res.elapsed = time.Since(start)
	res.stats = s.Stats()
	return res
}

func (r *probeResult) count(err error) {
	switch {
	case err == nil:
		atomic.AddInt64(&r.ok, 1)
	case errors.Is(err, connscope.ErrPoolExhausted):
		atomic.AddInt64(&r.exhausted, 1)
	case errors.Is(err, connscope.ErrConnectionUnavailable):
		atomic.AddInt64(&r.unavailable, 1)
	case errors.Is(err, connscope.ErrConnectionLost):
		atomic.AddInt64(&r.lost, 1)
	default:
		atomic.AddInt64(&r.other, 1)
	}
}

func printProbe(cmd *cobra.Command, opts *probeOptions, r probeResult) {
	cmd.Printf("workers=%d iterations=%d elapsed=%s\n", opts.workers, opts.iterations, r.elapsed.Round(time.Millisecond))
	cmd.Printf("ok=%d exhausted=%d unavailable=%d lost=%d other=%d\n", r.ok, r.exhausted, r.unavailable, r.lost, r.other)
	cmd.Printf("pool: max=%d total=%d idle=%d in_use=%d evicted=%d waits=%d wait_time=%s\n",
		r.stats.MaxSize, r.stats.Total, r.stats.Idle, r.stats.InUse, r.stats.Evicted,
		r.stats.WaitCount, r.stats.WaitDuration.Round(time.Millisecond))
}
