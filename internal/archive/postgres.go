// Package archive persists closed transactions to PostgreSQL. It is an
// optional component: when no DSN is configured the session engine simply
// runs without an Archiver.
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haipio/haip/internal/session"
)

// Schema is the SQL DDL for the haip_transactions table. Execute it via
// [PostgresArchive.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS haip_transactions (
    transaction_id TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL,
    subject        TEXT NOT NULL DEFAULT '',
    tool_name      TEXT NOT NULL,
    envelopes      BIGINT NOT NULL DEFAULT 0,
    opened_at      TIMESTAMPTZ NOT NULL,
    closed_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_haip_transactions_session ON haip_transactions(session_id);
CREATE INDEX IF NOT EXISTS idx_haip_transactions_closed ON haip_transactions(closed_at DESC);
`

// DB is the database interface used by [PostgresArchive]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresArchive records closed transactions in PostgreSQL.
type PostgresArchive struct {
	db   DB
	pool *pgxpool.Pool
}

var _ session.Archiver = (*PostgresArchive)(nil)

// NewPostgres wraps an existing connection or pool. The caller is
// responsible for calling [PostgresArchive.Migrate] before issuing queries.
func NewPostgres(db DB) *PostgresArchive {
	return &PostgresArchive{db: db}
}

// Connect opens a pgx pool for dsn, verifies connectivity and ensures the
// schema exists. Close releases the pool.
func Connect(ctx context.Context, dsn string) (*PostgresArchive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	a := &PostgresArchive{db: pool, pool: pool}
	if err := a.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// Migrate executes the [Schema] DDL, creating the table and indexes if they
// do not already exist.
func (a *PostgresArchive) Migrate(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Ping verifies database connectivity. Used as a health checker.
func (a *PostgresArchive) Ping(ctx context.Context) error {
	if a.pool != nil {
		return a.pool.Ping(ctx)
	}
	_, err := a.db.Exec(ctx, "SELECT 1")
	return err
}

// Close releases the underlying pool, if this archive owns one.
func (a *PostgresArchive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// RecordTransaction implements [session.Archiver]. Re-recording the same
// transaction id updates the envelope count and close time, which keeps the
// write idempotent under retries.
func (a *PostgresArchive) RecordTransaction(ctx context.Context, rec session.TransactionRecord) error {
	const query = `
		INSERT INTO haip_transactions (
			transaction_id, session_id, subject, tool_name, envelopes, opened_at, closed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (transaction_id) DO UPDATE
		SET envelopes = EXCLUDED.envelopes, closed_at = EXCLUDED.closed_at`

	_, err := a.db.Exec(ctx, query,
		rec.TransactionID, rec.SessionID, rec.Subject, rec.ToolName,
		rec.Envelopes, rec.OpenedAt, rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: record transaction %s: %w", rec.TransactionID, err)
	}
	return nil
}

// ListRecent returns the most recently closed transactions, newest first.
func (a *PostgresArchive) ListRecent(ctx context.Context, limit int) ([]session.TransactionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT transaction_id, session_id, subject, tool_name, envelopes, opened_at, closed_at
		FROM haip_transactions
		ORDER BY closed_at DESC
		LIMIT $1`

	rows, err := a.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: list recent: %w", err)
	}
	defer rows.Close()

	var recs []session.TransactionRecord
	for rows.Next() {
		var rec session.TransactionRecord
		if err := rows.Scan(
			&rec.TransactionID, &rec.SessionID, &rec.Subject, &rec.ToolName,
			&rec.Envelopes, &rec.OpenedAt, &rec.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("archive: scan transaction: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: list recent: %w", err)
	}
	return recs, nil
}
