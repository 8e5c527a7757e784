// Package ledger keeps a SQLite record of capture runs and the outcome of
// every task, so shards run on separate machines can be reconciled.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome values stored per task.
const (
	OutcomeCaptured = "captured"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// Run describes a run at start.
type Run struct {
	Component    string
	ShardCurrent int
	ShardTotal   int
	TotalTasks   int
}

// Entry is one settled task.
type Entry struct {
	TaskIndex int
	Demo      string
	Theme     string
	CSSVar    bool
	ImageName string
	Outcome   string
	Error     string
	Duration  time.Duration
}

// Ledger wraps the SQLite database.
type Ledger struct {
	db    *sql.DB
	newID func() string
	now   func() time.Time
}

// Open opens (creating if needed) the ledger at path. ":memory:" works for
// tests.
func Open(path string) (*Ledger, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Ledger{
		db:    db,
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
		now:   time.Now,
	}, nil
}

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

// BeginRun inserts a run row and returns its UUIDv7 identifier.
func (l *Ledger) BeginRun(ctx context.Context, r Run) (string, error) {
	id := l.newID()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, component, shard_current, shard_total, total_tasks)
		VALUES (?,?,?,?,?,?)`,
		id, l.now().UnixMilli(), r.Component, r.ShardCurrent, r.ShardTotal, r.TotalTasks)
	if err != nil {
		return "", fmt.Errorf("ledger: begin run: %w", err)
	}
	return id, nil
}

// Record stores the outcome of one task. Recording twice for the same task
// keeps the latest outcome.
func (l *Ledger) Record(ctx context.Context, runID string, e Entry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO captures (run_id, task_index, demo, theme, css_var, image_name,
			outcome, error, duration_ms, finished_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id, task_index) DO UPDATE SET
			outcome = excluded.outcome,
			error = excluded.error,
			duration_ms = excluded.duration_ms,
			finished_at = excluded.finished_at`,
		runID, e.TaskIndex, e.Demo, e.Theme, e.CSSVar, e.ImageName,
		e.Outcome, e.Error, e.Duration.Milliseconds(), l.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ledger: record %s: %w", e.ImageName, err)
	}
	return nil
}

// FinishRun stamps the run's end time.
func (l *Ledger) FinishRun(ctx context.Context, runID string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ? WHERE run_id = ?`, l.now().UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("ledger: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: finish run: unknown run %s", runID)
	}
	return nil
}

// Counts returns the number of tasks per outcome for a run.
func (l *Ledger) Counts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM captures WHERE run_id = ? GROUP BY outcome`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("ledger: counts scan: %w", err)
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

// Failed lists image names that failed in a run, in task order.
func (l *Ledger) Failed(ctx context.Context, runID string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT image_name FROM captures
		WHERE run_id = ? AND outcome = ?
		ORDER BY task_index`, runID, OutcomeFailed)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("ledger: failed scan: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
