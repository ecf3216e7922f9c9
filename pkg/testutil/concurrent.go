package testutil

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// Tally counts labelled outcomes of concurrent operations. Labels are whatever
// the classify function returns, e.g. "success" or "already_consumed".
type Tally struct {
	mu     sync.Mutex
	counts map[string]int
	Errors []error
}

// Count returns how many operations produced label.
func (t *Tally) Count(label string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[label]
}

// Total returns the number of operations that produced a label.
func (t *Tally) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.counts {
		n += c
	}
	return n
}

// RunConcurrent starts all goroutines behind a shared gate so they race for
// the same resource, then tallies the label each one returns. A non-nil error
// is collected in Errors and not labelled.
func RunConcurrent(goroutines int, fn func(idx int) (string, error)) *Tally {
	tally := &Tally{counts: make(map[string]int)}
	var wg sync.WaitGroup
	var ready atomic.Int32
	gate := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ready.Add(1)
			<-gate
			label, err := fn(idx)

			tally.mu.Lock()
			defer tally.mu.Unlock()
			if err != nil {
				tally.Errors = append(tally.Errors, err)
				return
			}
			tally.counts[label]++
		}(i)
	}

	for ready.Load() < int32(goroutines) {
		runtime.Gosched()
	}
	close(gate)
	wg.Wait()
	return tally
}

// RunConcurrentCtx is RunConcurrent with a shared context.
func RunConcurrentCtx(ctx context.Context, goroutines int, fn func(ctx context.Context, idx int) (string, error)) *Tally {
	return RunConcurrent(goroutines, func(idx int) (string, error) {
		return fn(ctx, idx)
	})
}
