package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteExecutedStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executed.db")
	s, err := NewSQLiteExecutedStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	got, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	executedAt := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	rec := ExecutedRecord{
		PreparedID: "p-1", ReceiptID: "sig-1", TraceID: "t-1", ExecutedAt: executedAt,
		Chain: "solana", Network: "devnet", Adapter: "jupiter", Action: "swap",
	}
	require.NoError(t, s.Put(ctx, rec))

	got, err = s.Get(ctx, "p-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sig-1", got.ReceiptID)
	assert.True(t, got.ExecutedAt.Equal(executedAt))
	assert.False(t, got.Confirmed)

	// Duplicate Put is ignored, never overwritten.
	dup := rec
	dup.ReceiptID = "sig-2"
	require.NoError(t, s.Put(ctx, dup))
	got, err = s.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "sig-1", got.ReceiptID)

	confirmedAt := executedAt.Add(30 * time.Second)
	require.NoError(t, s.MarkConfirmed(ctx, "p-1", confirmedAt))
	got, err = s.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, got.Confirmed)
	require.NotNil(t, got.ConfirmedAt)
	assert.True(t, got.ConfirmedAt.Equal(confirmedAt))
}

func TestSQLiteExecutedStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executed.db")
	ctx := context.Background()

	s1, err := NewSQLiteExecutedStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, ExecutedRecord{
		PreparedID: "p-1", ReceiptID: "sig-1", TraceID: "t-1", ExecutedAt: time.Now().UTC(),
		Chain: "solana", Network: "devnet", Adapter: "jupiter", Action: "swap",
	}))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteExecutedStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })
	got, err := s2.Get(ctx, "p-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sig-1", got.ReceiptID)
}

func TestPostgresExecutedStore_PutOnConflictNoop(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := NewPostgresExecutedStoreFromDB(db)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO executed_records`).
		WithArgs("p-1", "sig-1", "t-1", sqlmock.AnyArg(), "solana", "mainnet", "jupiter", "swap").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Put(ctx, ExecutedRecord{
		PreparedID: "p-1", ReceiptID: "sig-1", TraceID: "t-1", ExecutedAt: time.Now().UTC(),
		Chain: "solana", Network: "mainnet", Adapter: "jupiter", Action: "swap",
	}))

	// A peer already recorded the broadcast: zero rows affected, still no error.
	mock.ExpectExec(`INSERT INTO executed_records`).
		WithArgs("p-1", "sig-2", "t-1", sqlmock.AnyArg(), "solana", "mainnet", "jupiter", "swap").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Put(ctx, ExecutedRecord{
		PreparedID: "p-1", ReceiptID: "sig-2", TraceID: "t-1", ExecutedAt: time.Now().UTC(),
		Chain: "solana", Network: "mainnet", Adapter: "jupiter", Action: "swap",
	}))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExecutedStore_GetAndConfirm(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := NewPostgresExecutedStoreFromDB(db)
	ctx := context.Background()

	executedAt := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	cols := []string{"prepared_id", "receipt_id", "trace_id", "executed_at", "chain", "network", "adapter", "action", "confirmed", "confirmed_at"}

	mock.ExpectQuery(`SELECT .+ FROM executed_records WHERE prepared_id`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("p-1", "sig-1", "t-1", executedAt, "solana", "mainnet", "jupiter", "swap", false, nil))
	got, err := s.Get(ctx, "p-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sig-1", got.ReceiptID)
	assert.Nil(t, got.ConfirmedAt)

	mock.ExpectQuery(`SELECT .+ FROM executed_records WHERE prepared_id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))
	got, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	mock.ExpectExec(`UPDATE executed_records SET confirmed`).
		WithArgs(sqlmock.AnyArg(), "p-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.MarkConfirmed(ctx, "p-1", executedAt.Add(time.Minute)))

	assert.NoError(t, mock.ExpectationsWereMet())
}
