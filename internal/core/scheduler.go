package core

import (
	"context"
	"sync"
)

// Scheduler dispatches the jobs of one stage in parallel, at most
// MaxParallel at a time. Stages themselves are sequenced by the Runner.
type Scheduler struct {
	MaxParallel int
}

// NewScheduler creates a scheduler allowing maxParallel concurrent jobs;
// values below 1 mean unbounded.
func NewScheduler(maxParallel int) *Scheduler {
	return &Scheduler{MaxParallel: maxParallel}
}

// Dispatch calls run for indices 0..n-1 and returns the results in index
// order. It returns once every call has finished.
func (s *Scheduler) Dispatch(ctx context.Context, n int, run func(ctx context.Context, i int) *JobResult) []*JobResult {
	results := make([]*JobResult, n)
	limit := s.MaxParallel
	if limit < 1 || limit > n {
		limit = n
	}
	sem := make(chan struct{}, max(limit, 1))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = run(ctx, i)
		}(i)
	}
	wg.Wait()
	return results
}
