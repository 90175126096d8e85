package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS scheduler_queue_entries (
	queue    TEXT NOT NULL,
	event_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	entry    TEXT NOT NULL,
	PRIMARY KEY (queue, event_id)
);

CREATE INDEX IF NOT EXISTS idx_scheduler_queue_sequence ON scheduler_queue_entries(queue, sequence);
`

// SQLStateStore keeps the queues in a SQL database, one row per entry with
// the entry encoded as JSON.
type SQLStateStore struct {
	db    *sql.DB
	owned bool
}

// NewSQLStateStore uses db and ensures the queue table exists. The caller
// keeps ownership of db.
func NewSQLStateStore(ctx context.Context, db *sql.DB) (*SQLStateStore, error) {
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		return nil, fmt.Errorf("sql state store: create schema: %w", err)
	}
	return &SQLStateStore{db: db}, nil
}

// OpenSQLiteStateStore opens (or creates) a SQLite database at dbPath. Close
// releases it.
func OpenSQLiteStateStore(ctx context.Context, dbPath string) (*SQLStateStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	s, err := NewSQLStateStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Close releases the database when the store opened it.
func (s *SQLStateStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStateStore) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduler_queue_entries WHERE queue = ? AND event_id = ?`,
		string(QueueProcessed), eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sql state store: has processed %s: %w", eventID, err)
	}
	return n > 0, nil
}

func (s *SQLStateStore) StoreProcessedEvent(ctx context.Context, e Entry) error {
	return s.store(ctx, QueueProcessed, "", e)
}

func (s *SQLStateStore) StoreRetryEvent(ctx context.Context, e Entry) error {
	return s.store(ctx, QueueRetry, QueueDeadLetter, e)
}

func (s *SQLStateStore) StoreDeadLetterEvent(ctx context.Context, e Entry) error {
	return s.store(ctx, QueueDeadLetter, QueueRetry, e)
}

func (s *SQLStateStore) ListProcessedEvents(ctx context.Context) ([]Entry, error) {
	return s.list(ctx, QueueProcessed)
}

func (s *SQLStateStore) ListRetryEvents(ctx context.Context) ([]Entry, error) {
	return s.list(ctx, QueueRetry)
}

func (s *SQLStateStore) ListDeadLetterEvents(ctx context.Context) ([]Entry, error) {
	return s.list(ctx, QueueDeadLetter)
}

func (s *SQLStateStore) RemoveRetryEvent(ctx context.Context, eventID string) (bool, error) {
	return s.remove(ctx, QueueRetry, eventID)
}

func (s *SQLStateStore) RemoveDeadLetterEvent(ctx context.Context, eventID string) (bool, error) {
	return s.remove(ctx, QueueDeadLetter, eventID)
}

// store upserts e into queue and, when exclusive is set, deletes the entry
// with the same id from that queue in the same transaction.
func (s *SQLStateStore) store(ctx context.Context, queue, exclusive Queue, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sql state store: encode %s: %w", e.EventID, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql state store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if exclusive != "" {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM scheduler_queue_entries WHERE queue = ? AND event_id = ?`,
			string(exclusive), e.EventID); err != nil {
			return fmt.Errorf("sql state store: clear %s %s: %w", exclusive, e.EventID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scheduler_queue_entries (queue, event_id, sequence, entry) VALUES (?, ?, ?, ?)
		ON CONFLICT(queue, event_id) DO UPDATE SET sequence = excluded.sequence, entry = excluded.entry`,
		string(queue), e.EventID, e.Sequence, string(data)); err != nil {
		return fmt.Errorf("sql state store: store %s %s: %w", queue, e.EventID, err)
	}
	return tx.Commit()
}

func (s *SQLStateStore) list(ctx context.Context, queue Queue) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM scheduler_queue_entries WHERE queue = ? ORDER BY sequence, event_id`, string(queue))
	if err != nil {
		return nil, fmt.Errorf("sql state store: list %s: %w", queue, err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sql state store: scan %s: %w", queue, err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("sql state store: decode %s entry: %w", queue, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStateStore) remove(ctx context.Context, queue Queue, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduler_queue_entries WHERE queue = ? AND event_id = ?`, string(queue), eventID)
	if err != nil {
		return false, fmt.Errorf("sql state store: remove %s %s: %w", queue, eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sql state store: remove %s %s: %w", queue, eventID, err)
	}
	return n > 0, nil
}
