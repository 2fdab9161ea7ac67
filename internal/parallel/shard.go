// Package parallel splits particle-indexed work into contiguous shards run on
// a fixed number of goroutines.
package parallel

import "golang.org/x/sync/errgroup"

// Range is a half-open interval [Lo, Hi).
type Range struct {
	Lo, Hi int
}

// Shards splits n items into at most workers contiguous ranges. The split
// depends only on n and workers, so reductions over shards in index order are
// reproducible.
func Shards(n, workers int) []Range {
	if n <= 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	per := n / workers
	rem := n % workers
	out := make([]Range, 0, workers)
	lo := 0
	for w := 0; w < workers; w++ {
		size := per
		if w < rem {
			size++
		}
		out = append(out, Range{Lo: lo, Hi: lo + size})
		lo += size
	}
	return out
}

// For runs fn once per shard and waits for all of them. The first error is
// returned.
func For(n, workers int, fn func(shard int, r Range) error) error {
	shards := Shards(n, workers)
	if len(shards) == 1 {
		return fn(0, shards[0])
	}
	var g errgroup.Group
	for i, r := range shards {
		g.Go(func() error {
			return fn(i, r)
		})
	}
	return g.Wait()
}
