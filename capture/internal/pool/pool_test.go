package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_IsolatesFailures(t *testing.T) {
	var inFlight, peak atomic.Int32
	boom := errors.New("boom")

	var mu sync.Mutex
	var written []int

	jobs := make([]Job[string], 5)
	for i := range jobs {
		jobs[i] = func(ctx context.Context) (string, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			if i == 2 {
				return "", boom
			}
			mu.Lock()
			written = append(written, i)
			mu.Unlock()
			return "ok", nil
		}
	}

	results := Run(context.Background(), jobs, Options{Limit: 2})

	require.Len(t, results, 5)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	var failed int
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		if r.Err != nil {
			failed++
			assert.ErrorIs(t, r.Err, boom)
			assert.Equal(t, 2, i)
			continue
		}
		assert.Equal(t, "ok", r.Value)
		assert.Greater(t, r.Duration, time.Duration(0))
	}
	assert.Equal(t, 1, failed)
	assert.Len(t, written, 4)
}

func TestRun_RecoversPanic(t *testing.T) {
	jobs := []Job[int]{
		func(context.Context) (int, error) { panic("kaboom") },
		func(context.Context) (int, error) { return 7, nil },
	}

	results := Run(context.Background(), jobs, Options{Limit: 1})

	var pe *PanicError
	require.True(t, errors.As(results[0].Err, &pe))
	assert.Equal(t, "kaboom", pe.Value)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, 7, results[1].Value)
}

func TestRun_StartOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int

	jobs := make([]Job[struct{}], 6)
	for i := range jobs {
		jobs[i] = func(context.Context) (struct{}, error) { return struct{}{}, nil }
	}
	Run(context.Background(), jobs, Options{
		Limit: 1,
		OnStart: func(i int) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		},
	})
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	jobs := []Job[int]{
		func(context.Context) (int, error) { ran.Add(1); return 1, nil },
		func(context.Context) (int, error) { ran.Add(1); return 2, nil },
	}
	results := Run(ctx, jobs, Options{Limit: 2})

	assert.Zero(t, ran.Load())
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestRun_Empty(t *testing.T) {
	results := Run[int](context.Background(), nil, Options{Limit: 3})
	assert.Empty(t, results)
}

func TestRun_Rate(t *testing.T) {
	jobs := make([]Job[int], 3)
	for i := range jobs {
		jobs[i] = func(context.Context) (int, error) { return i, nil }
	}
	start := time.Now()
	results := Run(context.Background(), jobs, Options{Limit: 3, Rate: 20})
	// burst of 1 then 50ms between starts
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	for i, r := range results {
		assert.Equal(t, i, r.Value)
	}
}
