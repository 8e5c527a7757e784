// Package pool runs a list of jobs with a fixed concurrency limit and
// returns one result per job. A failing or panicking job never stops its
// siblings: errors are data here, not control flow.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Job is one unit of work.
type Job[T any] func(ctx context.Context) (T, error)

// Result is the settled state of the job at the same index.
type Result[T any] struct {
	Index    int
	Value    T
	Err      error
	Duration time.Duration
}

// PanicError wraps a value recovered from a job.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("pool: job panicked: %v", e.Value) }

// Options configures Run.
type Options struct {
	// Limit is the maximum number of jobs in flight. Values < 1 mean 1.
	Limit int
	// Rate paces job starts (jobs per second). 0 disables pacing.
	Rate float64
	// OnStart and OnDone observe job lifecycle. Both may be nil and are
	// called from worker goroutines.
	OnStart func(index int)
	OnDone  func(index int, d time.Duration, err error)
}

// Run starts jobs in list order with at most opts.Limit in flight and
// returns after every job has settled. Jobs not yet started when ctx is
// cancelled are not run; their result carries ctx.Err().
func Run[T any](ctx context.Context, jobs []Job[T], opts Options) []Result[T] {
	limit := max(opts.Limit, 1)
	results := make([]Result[T], len(jobs))

	var lim *rate.Limiter
	if opts.Rate > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}

	var g errgroup.Group
	g.SetLimit(limit)

	for i, job := range jobs {
		results[i].Index = i
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				results[i].Err = err
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			if opts.OnStart != nil {
				opts.OnStart(i)
			}
			start := time.Now()
			v, err := call(ctx, job)
			d := time.Since(start)
			results[i].Value, results[i].Err, results[i].Duration = v, err, d
			if opts.OnDone != nil {
				opts.OnDone(i, d, err)
			}
			return nil
		})
	}

	_ = g.Wait() // jobs never return errors to the group
	return results
}

func call[T any](ctx context.Context, job Job[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return job(ctx)
}
