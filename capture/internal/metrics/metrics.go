// Package metrics aggregates per-task capture durations.
package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	minMillis = 1
	maxMillis = 10 * 60 * 1000
)

// Durations is a concurrency-safe latency histogram with millisecond
// resolution, 1ms to 10min, 3 significant digits.
type Durations struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// Stats is a point-in-time view of Durations.
type Stats struct {
	Count int64
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// NewDurations creates an empty histogram.
func NewDurations() *Durations {
	return &Durations{hist: hdrhistogram.New(minMillis, maxMillis, 3)}
}

// Record adds one observation, clamped to the histogram range.
func (d *Durations) Record(v time.Duration) {
	ms := min(max(v.Milliseconds(), minMillis), maxMillis)
	d.mu.Lock()
	_ = d.hist.RecordValue(ms)
	d.mu.Unlock()
}

// Snapshot returns the current statistics.
func (d *Durations) Snapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hist.TotalCount() == 0 {
		return Stats{}
	}
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	return Stats{
		Count: d.hist.TotalCount(),
		Mean:  time.Duration(d.hist.Mean() * float64(time.Millisecond)),
		P50:   ms(d.hist.ValueAtQuantile(50)),
		P95:   ms(d.hist.ValueAtQuantile(95)),
		P99:   ms(d.hist.ValueAtQuantile(99)),
		Max:   ms(d.hist.Max()),
	}
}
