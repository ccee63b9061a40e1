// Package workpool runs independent units of work on a fixed number of
// workers. A failing unit never cancels its siblings: every unit runs, its
// error is collected, and Run returns only once all of them have finished.
package workpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Result summarises one Run.
type Result struct {
	Completed int
	Failed    int
	// Err aggregates every unit error, nil when all units succeeded.
	Err error
}

// UnitError ties a unit failure to the unit's position in the input.
type UnitError struct {
	Index int
	Err   error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unit %d: %v", e.Index, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// Run calls fn for every item with at most workers calls in flight and blocks
// until all of them have returned. Items not yet started when ctx is done
// are recorded as failed with the context error.
func Run[T any](ctx context.Context, workers int, items []T, fn func(ctx context.Context, item T) error) Result {
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	queue := make(chan int)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		errs      *multierror.Error
		completed int
		failed    int
	)

	record := func(i int, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failed++
			errs = multierror.Append(errs, &UnitError{Index: i, Err: err})
			return
		}
		completed++
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				record(i, runUnit(ctx, items[i], fn))
			}
		}()
	}

	for i := range items {
		if err := ctx.Err(); err != nil {
			record(i, err)
			continue
		}
		queue <- i
	}
	close(queue)
	wg.Wait()

	return Result{Completed: completed, Failed: failed, Err: errs.ErrorOrNil()}
}

func runUnit[T any](ctx context.Context, item T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, item)
}

// Batches splits items into consecutive chunks of at most size elements.
func Batches[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
