package utils

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelFor calls fn for every index in [0, n), spreading contiguous
// index ranges over up to GOMAXPROCS workers. It returns once every
// call has completed. Each index is visited exactly once, so workers
// writing to disjoint slice elements need no further synchronization.
func ParallelFor(n int, fn func(i int)) {
	if n <= 0 {
		return
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}

	chunk := (n + workers - 1) / workers
	g := &errgroup.Group{}
	for w := 0; w < workers; w++ {
		begin := w * chunk
		end := min(begin+chunk, n)
		if begin >= end {
			break
		}

		g.Go(func() error {
			for i := begin; i < end; i++ {
				fn(i)
			}
			return nil
		})
	}

	// Workers have no failure path; the errgroup is used for its
	// bounded fan-out and join.
	_ = g.Wait()
}
