package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteExecutedStore backs the idempotency ledger with an embedded SQLite
// database. INSERT OR IGNORE keeps Put idempotent under concurrent retries.
type SQLiteExecutedStore struct {
	db *sql.DB
}

const sqliteExecutedSchema = `
CREATE TABLE IF NOT EXISTS executed_records (
    prepared_id  TEXT PRIMARY KEY,
    receipt_id   TEXT NOT NULL,
    trace_id     TEXT NOT NULL,
    executed_at  TEXT NOT NULL,
    chain        TEXT NOT NULL,
    network      TEXT NOT NULL,
    adapter      TEXT NOT NULL,
    action       TEXT NOT NULL,
    confirmed    INTEGER NOT NULL DEFAULT 0,
    confirmed_at TEXT
);`

// NewSQLiteExecutedStore opens (creating if needed) the database at path and
// ensures the schema exists.
func NewSQLiteExecutedStore(path string) (*SQLiteExecutedStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("engine: open sqlite ledger: %w", err)
	}
	// modernc sqlite serializes writes internally; one connection avoids
	// SQLITE_BUSY churn under concurrent Puts.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteExecutedSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: init sqlite ledger: %w", err)
	}
	return &SQLiteExecutedStore{db: db}, nil
}

func (s *SQLiteExecutedStore) Put(ctx context.Context, rec ExecutedRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO executed_records
		  (prepared_id, receipt_id, trace_id, executed_at, chain, network, adapter, action, confirmed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.PreparedID, rec.ReceiptID, rec.TraceID, rec.ExecutedAt.UTC().Format(time.RFC3339Nano),
		rec.Chain, rec.Network, rec.Adapter, rec.Action)
	if err != nil {
		return fmt.Errorf("engine: persist executed record: %w", err)
	}
	return nil
}

func (s *SQLiteExecutedStore) Get(ctx context.Context, preparedID string) (*ExecutedRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT prepared_id, receipt_id, trace_id, executed_at, chain, network, adapter, action, confirmed, confirmed_at
		FROM executed_records WHERE prepared_id = ?`, preparedID)
	return scanExecutedRow(row)
}

func (s *SQLiteExecutedStore) MarkConfirmed(ctx context.Context, preparedID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executed_records SET confirmed = 1, confirmed_at = ?
		WHERE prepared_id = ? AND confirmed = 0`,
		at.UTC().Format(time.RFC3339Nano), preparedID)
	if err != nil {
		return fmt.Errorf("engine: mark confirmed: %w", err)
	}
	return nil
}

func (s *SQLiteExecutedStore) Close() error { return s.db.Close() }

// scanExecutedRow decodes a sqlite row; timestamps are stored as RFC 3339
// text since sqlite has no native time type.
func scanExecutedRow(row *sql.Row) (*ExecutedRecord, error) {
	var rec ExecutedRecord
	var executedAt string
	var confirmed int
	var confirmedAt sql.NullString
	err := row.Scan(&rec.PreparedID, &rec.ReceiptID, &rec.TraceID, &executedAt,
		&rec.Chain, &rec.Network, &rec.Adapter, &rec.Action, &confirmed, &confirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine: read executed record: %w", err)
	}
	if rec.ExecutedAt, err = time.Parse(time.RFC3339Nano, executedAt); err != nil {
		return nil, fmt.Errorf("engine: executed record timestamp: %w", err)
	}
	rec.Confirmed = confirmed != 0
	if confirmedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, confirmedAt.String)
		if err != nil {
			return nil, fmt.Errorf("engine: confirmation timestamp: %w", err)
		}
		rec.ConfirmedAt = &t
	}
	return &rec, nil
}
