package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-dirlock/v1/lock"
)

type stressResult struct {
	Acquired  int64
	MaxInside int64
	Elapsed   time.Duration
}

func newStressCmd(a *app) *cobra.Command {
	var (
		workers int
		rounds  int
		hold    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Contend for the lock from many goroutines and check exclusion",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent contenders")
	cmd.Flags().IntVar(&rounds, "rounds", 5, "acquisitions per contender")
	cmd.Flags().DurationVar(&hold, "hold", 10*time.Millisecond, "time spent inside the lock")

	cmd.RunE = a.runE(func(cmd *cobra.Command, _ []string) error {
		if workers < 1 || rounds < 1 {
			return fmt.Errorf("workers and rounds must be positive")
		}
		opts, err := a.lockOptions()
		if err != nil {
			return err
		}
		l, err := lock.NewFileLocker(a.cfg.Path, opts...)
		if err != nil {
			return err
		}
		a.log.Info("stress started",
			zap.Stringer("namespace", l.Namespace()),
			zap.Int("workers", workers),
			zap.Int("rounds", rounds),
		)
		res, err := stress(cmd.Context(), l, workers, rounds, hold)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "acquisitions: %d\nmax inside:   %d\nelapsed:      %s\n",
			res.Acquired, res.MaxInside, res.Elapsed.Round(time.Millisecond))
		if res.MaxInside > 1 {
			return fmt.Errorf("mutual exclusion violated: %d holders at once", res.MaxInside)
		}
		return nil
	})
	return cmd
}

// stress runs workers goroutines, each taking the lock rounds times through
// its own handle, and records how many were inside at once.
func stress(ctx context.Context, l *lock.FileLocker, workers, rounds int, hold time.Duration) (stressResult, error) {
	var inside, maxInside, acquired atomic.Int64
	critical := lock.WrapFunc(l, func(ctx context.Context) error {
		n := inside.Add(1)
		defer inside.Add(-1)
		for {
			m := maxInside.Load()
			if n <= m || maxInside.CompareAndSwap(m, n) {
				break
			}
		}
		acquired.Add(1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(hold):
		}
		return nil
	}, nil)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				if err := critical(gctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return stressResult{
		Acquired:  acquired.Load(),
		MaxInside: maxInside.Load(),
		Elapsed:   time.Since(start),
	}, err
}
