package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Production pragmas, applied via Exec so they hold on every driver.
var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER,
	component     TEXT NOT NULL DEFAULT '',
	shard_current INTEGER NOT NULL,
	shard_total   INTEGER NOT NULL,
	total_tasks   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS captures (
	run_id      TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	task_index  INTEGER NOT NULL,
	demo        TEXT NOT NULL,
	theme       TEXT NOT NULL,
	css_var     INTEGER NOT NULL,
	image_name  TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, task_index)
);

CREATE INDEX IF NOT EXISTS idx_captures_outcome ON captures(run_id, outcome);
`

func openDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ledger: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	// One connection: keeps :memory: on a single database and serialises
	// writes from concurrent tasks.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	return db, nil
}
