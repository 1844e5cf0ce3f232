package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresExecutedStore backs the idempotency ledger with Postgres for
// multi-instance deployments. ON CONFLICT DO NOTHING makes Put a no-op when a
// peer already recorded the broadcast.
type PostgresExecutedStore struct {
	db *sql.DB
}

const postgresExecutedSchema = `
CREATE TABLE IF NOT EXISTS executed_records (
    prepared_id  TEXT PRIMARY KEY,
    receipt_id   TEXT NOT NULL,
    trace_id     TEXT NOT NULL,
    executed_at  TIMESTAMPTZ NOT NULL,
    chain        TEXT NOT NULL,
    network      TEXT NOT NULL,
    adapter      TEXT NOT NULL,
    action       TEXT NOT NULL,
    confirmed    BOOLEAN NOT NULL DEFAULT FALSE,
    confirmed_at TIMESTAMPTZ
);`

// NewPostgresExecutedStore connects with the given DSN and ensures the schema.
func NewPostgresExecutedStore(ctx context.Context, dsn string) (*PostgresExecutedStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("engine: open postgres ledger: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: ping postgres ledger: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresExecutedSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: init postgres ledger: %w", err)
	}
	return &PostgresExecutedStore{db: db}, nil
}

// NewPostgresExecutedStoreFromDB wraps an existing connection, used by tests.
func NewPostgresExecutedStoreFromDB(db *sql.DB) *PostgresExecutedStore {
	return &PostgresExecutedStore{db: db}
}

func (s *PostgresExecutedStore) Put(ctx context.Context, rec ExecutedRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executed_records
		  (prepared_id, receipt_id, trace_id, executed_at, chain, network, adapter, action, confirmed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		ON CONFLICT (prepared_id) DO NOTHING`,
		rec.PreparedID, rec.ReceiptID, rec.TraceID, rec.ExecutedAt.UTC(),
		rec.Chain, rec.Network, rec.Adapter, rec.Action)
	if err != nil {
		return fmt.Errorf("engine: persist executed record: %w", err)
	}
	return nil
}

func (s *PostgresExecutedStore) Get(ctx context.Context, preparedID string) (*ExecutedRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT prepared_id, receipt_id, trace_id, executed_at, chain, network, adapter, action, confirmed, confirmed_at
		FROM executed_records WHERE prepared_id = $1`, preparedID)
	var rec ExecutedRecord
	var confirmedAt sql.NullTime
	err := row.Scan(&rec.PreparedID, &rec.ReceiptID, &rec.TraceID, &rec.ExecutedAt,
		&rec.Chain, &rec.Network, &rec.Adapter, &rec.Action, &rec.Confirmed, &confirmedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine: read executed record: %w", err)
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		rec.ConfirmedAt = &t
	}
	return &rec, nil
}

func (s *PostgresExecutedStore) MarkConfirmed(ctx context.Context, preparedID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executed_records SET confirmed = TRUE, confirmed_at = $1
		WHERE prepared_id = $2 AND NOT confirmed`,
		at.UTC(), preparedID)
	if err != nil {
		return fmt.Errorf("engine: mark confirmed: %w", err)
	}
	return nil
}

func (s *PostgresExecutedStore) Close() error { return s.db.Close() }
