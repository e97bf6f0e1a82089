// Package workerpool dispatches block-level work across a fixed-size pool.
// Blocks share no mutable state, so the only serialization point is the
// collect callback, which owns the shared output container handle.
package workerpool

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Run executes fn for every job on up to workers goroutines and funnels each
// result through collect. Collect calls are serialized, so it may write to a
// shared output handle without further locking. The first failing job cancels
// the remaining ones and its error is returned; no partial result of a failed
// run is reported as success.
func Run[J, R any](ctx context.Context, workers int, jobs []J, fn func(J) (R, error), collect func(J, R) error) error {
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := fn(job)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			return collect(job, res)
		})
	}
	return g.Wait()
}

// SetThreads caps the scheduler parallelism at n and returns the previous
// setting. During parallel block dispatch the cap equals the worker count:
// the dense-algebra kernels are single-threaded, so one thread per worker is
// all the dispatch can use, and the cap keeps the run from oversubscribing
// the cores it was granted.
func SetThreads(n int) int {
	if n < 1 {
		n = 1
	}
	return runtime.GOMAXPROCS(n)
}

// RestoreThreads rolls back a SetThreads call.
func RestoreThreads(prev int) {
	if prev >= 1 {
		runtime.GOMAXPROCS(prev)
	}
}
