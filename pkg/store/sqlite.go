// Package store provides SQLite-backed persistence for call-history records.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/gocall/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// Store is the SQLite-backed call log.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS call_records (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		caller        TEXT    NOT NULL CHECK(length(caller) > 0 AND length(caller) <= 32),
		target        TEXT    NOT NULL CHECK(length(target) > 0 AND length(target) <= 32),
		outcome       TEXT    NOT NULL,
		queued        INTEGER NOT NULL DEFAULT 0,
		queue_wait_ms INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT    NOT NULL,
		ended_at      TEXT    NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_call_records_caller ON call_records(caller);
	CREATE INDEX IF NOT EXISTS idx_call_records_target ON call_records(target);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// Append stores a terminal call record and fills in its assigned ID.
func (s *Store) Append(rec *model.CallRecord) error {
	if err := model.ValidateUsername(rec.Caller); err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	if err := model.ValidateUsername(rec.Target); err != nil {
		return fmt.Errorf("store: append: %w", err)
	}

	queued := 0
	if rec.Queued {
		queued = 1
	}
	res, err := s.db.ExecContext(context.Background(),
		`INSERT INTO call_records (caller, target, outcome, queued, queue_wait_ms, created_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Caller, rec.Target, string(rec.Outcome), queued,
		rec.QueueWait.Milliseconds(),
		rec.CreatedAt.UTC().Format(dbTimeLayout),
		rec.EndedAt.UTC().Format(dbTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: append id: %w", err)
	}
	rec.ID = id
	return nil
}

// List returns call records in insertion order. limit 0 returns all.
func (s *Store) List(limit int) ([]model.CallRecord, error) {
	query := `SELECT id, caller, target, outcome, queued, queue_wait_ms, created_at, ended_at
	          FROM call_records ORDER BY id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.CallRecord
	for rows.Next() {
		var (
			rec       model.CallRecord
			outcome   string
			queued    int
			waitMS    int64
			createdAt string
			endedAt   string
		)
		if err := rows.Scan(&rec.ID, &rec.Caller, &rec.Target, &outcome, &queued, &waitMS, &createdAt, &endedAt); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		rec.Outcome = model.Outcome(outcome)
		rec.Queued = queued != 0
		rec.QueueWait = time.Duration(waitMS) * time.Millisecond
		if rec.CreatedAt, err = time.ParseInLocation(dbTimeLayout, createdAt, time.UTC); err != nil {
			return nil, fmt.Errorf("store: parse created_at: %w", err)
		}
		if rec.EndedAt, err = time.ParseInLocation(dbTimeLayout, endedAt, time.UTC); err != nil {
			return nil, fmt.Errorf("store: parse ended_at: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
