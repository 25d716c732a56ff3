// Package store provides the durable SQLite-backed cache of feedback records
// and the singleton sync status row.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// MemoryPath opens an in-memory database, used by tests.
const MemoryPath = ":memory:"

// Store wraps a SQLite database holding feedback records and the sync status.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path. Pass MemoryPath for an
// in-memory database. The caller must run InitSchema before any other
// operation.
func Open(path string) (*Store, error) {
	var dsn string
	if path == MemoryPath {
		dsn = MemoryPath
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		// WAL keeps readers unblocked while a refresh transaction is writing;
		// the busy timeout makes contending writers wait instead of failing.
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == MemoryPath {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitSchema creates the tables if absent and seeds the singleton status row.
// It is idempotent and safe to call on every process startup; it must run
// before any other store operation.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS feedback_records (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			modified_at TEXT NOT NULL,
			payload TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating feedback_records table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_status (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_full_refresh_at TEXT,
			last_incremental_refresh_at TEXT,
			last_update_watermark TEXT,
			record_count INTEGER NOT NULL DEFAULT 0,
			last_error_kind TEXT,
			last_error_message TEXT,
			last_error_at TEXT
		)`); err != nil {
		return fmt.Errorf("creating sync_status table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_status (id) VALUES (1)
		ON CONFLICT(id) DO NOTHING`); err != nil {
		return fmt.Errorf("seeding sync_status row: %w", err)
	}

	return nil
}

// UpsertRecords inserts or replaces records keyed by id inside a single
// transaction. Replaying the same batch yields identical state; a later
// upsert of an id replaces the stored payload entirely.
func (s *Store) UpsertRecords(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feedback_records (id, created_at, modified_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			modified_at = excluded.modified_at,
			payload = excluded.payload`)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, r := range records {
		if r.ID == "" {
			return fmt.Errorf("record with empty id")
		}
		payload := r.Payload
		if payload == nil {
			payload = json.RawMessage("{}")
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID,
			formatTime(r.CreatedAt),
			formatTime(r.ModifiedAt),
			string(payload),
		); err != nil {
			return fmt.Errorf("upserting record %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert transaction: %w", err)
	}
	return nil
}

// GetStatus reads the singleton status row.
func (s *Store) GetStatus(ctx context.Context) (*Status, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT last_full_refresh_at, last_incremental_refresh_at,
		       last_update_watermark, record_count,
		       last_error_kind, last_error_message, last_error_at
		FROM sync_status WHERE id = 1`)

	var (
		fullAt, incAt, watermark   sql.NullString
		count                      int
		errKind, errMsg, errAt     sql.NullString
	)
	if err := row.Scan(&fullAt, &incAt, &watermark, &count, &errKind, &errMsg, &errAt); err != nil {
		return nil, fmt.Errorf("reading sync status: %w", err)
	}

	status := &Status{RecordCount: count}
	var err error
	if status.LastFullRefreshAt, err = parseNullTime(fullAt); err != nil {
		return nil, fmt.Errorf("parsing last_full_refresh_at: %w", err)
	}
	if status.LastIncrementalRefreshAt, err = parseNullTime(incAt); err != nil {
		return nil, fmt.Errorf("parsing last_incremental_refresh_at: %w", err)
	}
	if status.LastUpdateWatermark, err = parseNullTime(watermark); err != nil {
		return nil, fmt.Errorf("parsing last_update_watermark: %w", err)
	}

	if errKind.Valid {
		at, err := parseNullTime(errAt)
		if err != nil {
			return nil, fmt.Errorf("parsing last_error_at: %w", err)
		}
		failure := &RefreshFailure{Kind: errKind.String, Message: errMsg.String}
		if at != nil {
			failure.At = *at
		}
		status.LastError = failure
	}

	return status, nil
}

// SetStatus atomically replaces the singleton status row.
func (s *Store) SetStatus(ctx context.Context, status *Status) error {
	var errKind, errMsg, errAt any
	if status.LastError != nil {
		errKind = status.LastError.Kind
		errMsg = status.LastError.Message
		errAt = formatTime(status.LastError.At)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_status SET
			last_full_refresh_at = ?,
			last_incremental_refresh_at = ?,
			last_update_watermark = ?,
			record_count = ?,
			last_error_kind = ?,
			last_error_message = ?,
			last_error_at = ?
		WHERE id = 1`,
		formatTimePtr(status.LastFullRefreshAt),
		formatTimePtr(status.LastIncrementalRefreshAt),
		formatTimePtr(status.LastUpdateWatermark),
		status.RecordCount,
		errKind, errMsg, errAt,
	)
	if err != nil {
		return fmt.Errorf("writing sync status: %w", err)
	}
	return nil
}

// Count returns the current number of cached records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return count, nil
}

// GetRecord returns a single record by id, or ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, modified_at, payload
		FROM feedback_records WHERE id = ?`, id)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", id, err)
	}
	return record, nil
}

// ListRecords returns all cached records ordered by creation time descending.
func (s *Store) ListRecords(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, modified_at, payload
		FROM feedback_records ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r                   Record
		createdAt, modified string
		payload             string
	)
	if err := row.Scan(&r.ID, &createdAt, &modified, &payload); err != nil {
		return nil, err
	}

	var err error
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.ModifiedAt, err = time.Parse(time.RFC3339, modified); err != nil {
		return nil, fmt.Errorf("parsing modified_at: %w", err)
	}
	r.Payload = json.RawMessage(payload)
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
