package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	status        TEXT NOT NULL,
	assignee_type TEXT NOT NULL,
	assignee_id   TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	run_id        TEXT NOT NULL DEFAULT '',
	artifact_ids  TEXT NOT NULL DEFAULT '[]',
	priority      INTEGER,
	due_at_ms     INTEGER,
	metadata      TEXT NOT NULL DEFAULT '{}',
	version       INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_events (
	sequence        INTEGER PRIMARY KEY,
	event_id        TEXT NOT NULL UNIQUE,
	event_type      TEXT NOT NULL,
	task_id         TEXT NOT NULL,
	version         INTEGER NOT NULL,
	status          TEXT NOT NULL,
	previous_status TEXT NOT NULL DEFAULT '',
	actor_id        TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT '',
	timestamp_ms    INTEGER NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_task_events_task_id ON task_events(task_id);

CREATE TABLE IF NOT EXISTS task_replay_keys (
	replay_key TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	applied_at DATETIME NOT NULL
);
`

// SQLiteStore persists the board in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithStoreLogger sets the logger used to report unreadable JSON columns.
func WithStoreLogger(logger *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the board tables exist. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s := &SQLiteStore{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := s.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) ListEvents(ctx context.Context) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, task_id, version, status, previous_status,
		       actor_id, reason, timestamp_ms, payload
		FROM task_events ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var eventType, status, prev, payload string
		if err := rows.Scan(&e.Sequence, &e.EventID, &eventType, &e.TaskID, &e.Version, &status, &prev,
			&e.ActorID, &e.Reason, &e.TimestampMs, &payload); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		e.EventType = EventType(eventType)
		e.Status = Status(status)
		e.PreviousStatus = Status(prev)
		if payload != "" && payload != "{}" && payload != "null" {
			s.decodeColumn("payload", e.EventID, payload, &e.Payload)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM task_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// Commit upserts the snapshot and appends the event in one transaction.
func (s *SQLiteStore) Commit(ctx context.Context, c Commit) error {
	t, e := c.Task, c.Event
	artifacts, _ := json.Marshal(t.ArtifactIDs)
	metadata, _ := json.Marshal(t.Metadata)
	payload, _ := json.Marshal(e.Payload)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks
			(id, title, status, assignee_type, assignee_id, session_id, run_id,
			 artifact_ids, priority, due_at_ms, metadata, version, created_at_ms, updated_at_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, status=excluded.status,
			assignee_type=excluded.assignee_type, assignee_id=excluded.assignee_id,
			session_id=excluded.session_id, run_id=excluded.run_id,
			artifact_ids=excluded.artifact_ids, priority=excluded.priority,
			due_at_ms=excluded.due_at_ms, metadata=excluded.metadata,
			version=excluded.version, updated_at_ms=excluded.updated_at_ms`,
		t.ID, t.Title, string(t.Status), string(t.AssigneeType), t.AssigneeID, t.SessionID, t.RunID,
		string(artifacts), nullInt(t.Priority), nullInt64(t.DueAtMs), string(metadata),
		t.Version, t.CreatedAtMs, t.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_events
			(sequence, event_id, event_type, task_id, version, status, previous_status,
			 actor_id, reason, timestamp_ms, payload)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.Sequence, e.EventID, string(e.EventType), e.TaskID, e.Version, string(e.Status),
		string(e.PreviousStatus), e.ActorID, e.Reason, e.TimestampMs, string(payload),
	)
	if err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) HasReplayKey(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_replay_keys WHERE replay_key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup replay key: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkReplayKey(ctx context.Context, key, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_replay_keys (replay_key, task_id, applied_at) VALUES (?, ?, ?)`,
		key, taskID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark replay key: %w", err)
	}
	return nil
}

const taskColumns = `id, title, status, assignee_type, assignee_id, session_id, run_id,
	artifact_ids, priority, due_at_ms, metadata, version, created_at_ms, updated_at_ms`

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

// decodeColumn unmarshals a JSON column into v. A corrupt value is logged
// and skipped.
func (s *SQLiteStore) decodeColumn(column, rowID, raw string, v any) {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		s.logger.Debug("corrupt json column",
			slog.String("column", column),
			slog.String("row", rowID),
			slog.Any("err", err),
		)
	}
}

func (s *SQLiteStore) scanTask(row scanner) (*Task, error) {
	var t Task
	var status, assigneeType, artifactsJSON, metadataJSON string
	var priority, dueAt sql.NullInt64

	err := row.Scan(
		&t.ID, &t.Title, &status, &assigneeType, &t.AssigneeID, &t.SessionID, &t.RunID,
		&artifactsJSON, &priority, &dueAt, &metadataJSON,
		&t.Version, &t.CreatedAtMs, &t.UpdatedAtMs,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.AssigneeType = AssigneeType(assigneeType)
	s.decodeColumn("artifact_ids", t.ID, artifactsJSON, &t.ArtifactIDs)
	s.decodeColumn("metadata", t.ID, metadataJSON, &t.Metadata)
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	if dueAt.Valid {
		d := dueAt.Int64
		t.DueAtMs = &d
	}
	return &t, nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
