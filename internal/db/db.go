// Package db provides the PostgreSQL-backed entitlement store plus an
// in-memory equivalent for local development and tests. Both expose the
// same per-user serialization guarantees through the consumer interfaces
// defined by the usage, activation, and billing packages.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// Repositories accept this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is the subset of *pgxpool.Pool the repositories need: plain queries
// plus the ability to open transactions.
type Pool interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxConn is the subset of pgx.Tx used inside repository transactions.
// Narrowing the surface keeps mocks small.
type TxConn interface {
	DBTX
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
