package scheduler

import (
	"context"
	"fmt"
	"sync"
)

// runPool runs task(i) for every i in [0, n) on at most workers goroutines
// and returns once all have finished. Indices not yet started when ctx is
// done are handed to skip instead. A panicking task is reported through
// recovered.
func runPool(ctx context.Context, n, workers int, task func(i int), skip func(i int), recovered func(i int, err error)) {
	if n == 0 {
		return
	}
	if workers <= 0 || workers > n {
		workers = n
	}

	jobs := make(chan int, n)
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					skip(i)
					continue
				}
				runTask(i, task, recovered)
			}
		}()
	}
	wg.Wait()
}

func runTask(i int, task func(i int), recovered func(i int, err error)) {
	defer func() {
		if r := recover(); r != nil {
			recovered(i, fmt.Errorf("panic in source task: %v", r))
		}
	}()
	task(i)
}
