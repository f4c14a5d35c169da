package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDB wraps a pgx connection pool with the handful of helper methods
// the engine's repositories need. The engine's persisted state (workflow
// metadata, versioned definitions, executions, per-attempt telemetry, the
// action catalog) is hand-written SQL over JSONB columns rather than an
// ORM, so this stays a thin pool wrapper rather than growing query helpers
// of its own.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB opens a pgx connection pool against connString and pings it
// once so a bad DSN or unreachable database fails fast at startup instead of
// on the first repository call.
//
//	postgresql://[user[:password]@][host][:port][/dbname][?param1=value1&...]
func NewPostgresDB(connString string) (*PostgresDB, error) {
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the database connection pool.
func (db *PostgresDB) Close() {
	db.pool.Close()
}

// Exec executes a SQL statement.
// Returns error if execution fails.
func (db *PostgresDB) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := db.pool.Exec(ctx, sql, args...)
	return err
}

// Query executes a query that returns rows.
// Caller must call rows.Close() when done.
func (db *PostgresDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query that returns a single row.
// Row scanning should be done immediately as the connection is released after scanning.
func (db *PostgresDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// Pool returns the underlying connection pool, used by repositories that
// need a transaction (e.g. the checksum-idempotent publish path).
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}
