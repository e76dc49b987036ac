// Package parallel runs independent per-tower and per-variable work on a
// bounded number of goroutines.
package parallel

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Maximum goroutines running at once.
	MinChunkSize int  // Minimum items before For goes parallel.
}

// DefaultConfig returns defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 16,
	}
}

// For executes f(i) for i in [0, n), splitting the range into chunks when
// parallelism is enabled and n is at least MinChunkSize.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || cfg.NumWorkers < 2 || n < cfg.MinChunkSize {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	var wg sync.WaitGroup
	chunkSize := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize, 1)
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// Run executes f(i) for i in [0, n), each call on its own goroutine with at
// most NumWorkers running at once, and waits for all of them.
//
// Every call runs even if another fails. The error of the lowest failing
// index is returned, annotated with that index.
func Run(n int, f func(i int) error, cfg Config) error {
	errs := make([]error, n)

	if !cfg.Enabled || n < 2 {
		for i := 0; i < n; i++ {
			errs[i] = f(i)
		}
		return firstError(errs)
	}

	workers := cfg.NumWorkers
	if workers < 1 || workers > n {
		workers = n
	}
	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = f(i)
		}()
	}
	wg.Wait()

	return firstError(errs)
}

func firstError(errs []error) error {
	for i, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "task %d", i)
		}
	}
	return nil
}
