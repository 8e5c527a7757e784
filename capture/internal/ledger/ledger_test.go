package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	l := openMemory(t)

	runID, err := l.BeginRun(ctx, Run{ShardCurrent: 1, ShardTotal: 2, TotalTasks: 3})
	require.NoError(t, err)
	_, err = uuid.Parse(runID)
	require.NoError(t, err)

	entries := []Entry{
		{TaskIndex: 0, Demo: "components/a/demo/x.md", Theme: "default", ImageName: "a-x.default.png", Outcome: OutcomeCaptured, Duration: time.Second},
		{TaskIndex: 1, Demo: "components/a/demo/x.md", Theme: "default", CSSVar: true, ImageName: "a-x.default.css-var.png", Outcome: OutcomeFailed, Error: "Capture failed: timeout"},
		{TaskIndex: 2, Demo: "components/a/demo/x.md", Theme: "dark", ImageName: "a-x.dark.png", Outcome: OutcomeSkipped},
	}
	for _, e := range entries {
		require.NoError(t, l.Record(ctx, runID, e))
	}
	require.NoError(t, l.FinishRun(ctx, runID))

	counts, err := l.Counts(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{OutcomeCaptured: 1, OutcomeFailed: 1, OutcomeSkipped: 1}, counts)

	failed, err := l.Failed(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-x.default.css-var.png"}, failed)
}

func TestLedger_RecordUpserts(t *testing.T) {
	ctx := context.Background()
	l := openMemory(t)

	runID, err := l.BeginRun(ctx, Run{ShardCurrent: 1, ShardTotal: 1, TotalTasks: 1})
	require.NoError(t, err)

	e := Entry{TaskIndex: 0, Demo: "d", Theme: "default", ImageName: "d.default.png", Outcome: OutcomeFailed}
	require.NoError(t, l.Record(ctx, runID, e))
	e.Outcome = OutcomeCaptured
	require.NoError(t, l.Record(ctx, runID, e))

	counts, err := l.Counts(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{OutcomeCaptured: 1}, counts)
}

func TestLedger_FinishUnknown(t *testing.T) {
	l := openMemory(t)
	assert.Error(t, l.FinishRun(context.Background(), "nope"))
}

func TestLedger_ConcurrentRecordOnDisk(t *testing.T) {
	ctx := context.Background()
	l, err := Open(filepath.Join(t.TempDir(), "sub", "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	runID, err := l.BeginRun(ctx, Run{ShardCurrent: 1, ShardTotal: 1, TotalTasks: 40})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Record(ctx, runID, Entry{
				TaskIndex: i, Demo: "d", Theme: "default", ImageName: "x", Outcome: OutcomeCaptured,
			}))
		}(i)
	}
	wg.Wait()

	counts, err := l.Counts(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 40, counts[OutcomeCaptured])
}
