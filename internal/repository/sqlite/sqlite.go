// Package sqlite stores task intervals in a local SQLite snapshot so that
// concurrency reports can be rerun without the production datastore.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nadmax/cireport/internal/repository"
	"github.com/nadmax/cireport/internal/task"
)

type Snapshot struct {
	db *sql.DB
	mu sync.Mutex
}

var _ repository.IntervalSource = (*Snapshot)(nil)

// Open opens the snapshot at path for writing, creating the file, its
// directory and the tables when missing.
func Open(path string) (*Snapshot, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &Snapshot{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// OpenReadOnly opens an existing snapshot for queries. Unlike Open it never
// creates the file, and it fails when the file holds no interval table.
func OpenReadOnly(path string) (*Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("failed to open snapshot: %s is not a regular file", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA query_only = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to make snapshot read-only: %w", err)
	}

	var tables int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'task_intervals'`).Scan(&tables)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read snapshot schema: %w", err)
	}
	if tables == 0 {
		_ = db.Close()
		return nil, fmt.Errorf("%s is not an interval snapshot: table task_intervals is missing", path)
	}

	return &Snapshot{db: db}, nil
}

func (s *Snapshot) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_intervals (
			task_id TEXT PRIMARY KEY,
			tag TEXT NOT NULL,
			started INTEGER NOT NULL,
			resolved INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_task_intervals_started ON task_intervals (started);
		CREATE INDEX IF NOT EXISTS idx_task_intervals_resolved ON task_intervals (resolved);
	`)
	if err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// InsertIntervals upserts intervals in one transaction. Timestamps are stored
// as Unix milliseconds.
func (s *Snapshot) InsertIntervals(ctx context.Context, intervals []task.Interval) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO task_intervals
		(task_id, tag, started, resolved)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, interval := range intervals {
		if _, err = stmt.ExecContext(ctx,
			interval.TaskID,
			interval.Tag,
			interval.Started.UnixMilli(),
			interval.Resolved.UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to insert interval %s: %w", interval.TaskID, err)
		}
	}

	return tx.Commit()
}

func (s *Snapshot) IntervalsOverlapping(ctx context.Context, from, to time.Time) (intervals []task.Interval, err error) {
	defer func(start time.Time) { repository.Observe("snapshot_intervals_overlapping", start, err) }(time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, tag, started, resolved
		FROM task_intervals
		WHERE started < ?
		AND resolved >= ?
		ORDER BY started, task_id
	`, to.UnixMilli(), from.UnixMilli())
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	for rows.Next() {
		var (
			i                 task.Interval
			started, resolved int64
		)
		if err := rows.Scan(&i.TaskID, &i.Tag, &started, &resolved); err != nil {
			return nil, err
		}
		i.Started = time.UnixMilli(started).UTC()
		i.Resolved = time.UnixMilli(resolved).UTC()

		intervals = append(intervals, i)
	}

	return intervals, rows.Err()
}

func (s *Snapshot) IntervalsForDay(ctx context.Context, day time.Time) ([]task.Interval, error) {
	dayStart, dayEnd := task.DayBounds(day)
	return s.IntervalsOverlapping(ctx, dayStart, dayEnd)
}

func (s *Snapshot) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_intervals").Scan(&count)

	return count, err
}

func (s *Snapshot) Close() error {
	return s.db.Close()
}
