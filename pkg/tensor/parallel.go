package tensor

import (
	"golang.org/x/sync/errgroup"
)

// minParallelWork is the number of multiply-adds below which a kernel stays
// on the calling goroutine.
const minParallelWork = 1 << 15

// forRows calls fn for every row index in [0, rows), spreading contiguous
// chunks over at most workers goroutines. Each row is handled by exactly one
// goroutine, so fn may write row-local state without locking.
func forRows(workers, rows, workPerRow int, fn func(i int)) {
	if workers <= 1 || rows < 2 || rows*workPerRow < minParallelWork {
		for i := 0; i < rows; i++ {
			fn(i)
		}
		return
	}

	workers = min(workers, rows)
	chunk := (rows + workers - 1) / workers

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < rows; start += chunk {
		start, end := start, min(start+chunk, rows)
		g.Go(func() error {
			for i := start; i < end; i++ {
				fn(i)
			}
			return nil
		})
	}
	_ = g.Wait()
}
