// Package repository provides database helper functions for transaction management,
// conflict replay, and query execution.
package repository

import (
	"context"
	"database/sql"
	"math/rand/v2"
	"time"
)

const txRetryBase = 20 * time.Millisecond

// Querier is implemented by *sql.DB, *sql.Tx, and *sql.Conn.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Executor is implemented by *sql.DB, *sql.Tx, and *sql.Conn.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Scanner abstracts row scanning for use with query helpers.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanFunc converts a Scanner into a typed value.
// Domain packages define their own scan functions for entity types.
type ScanFunc[T any] func(Scanner) (T, error)

// WithTx executes fn within a database transaction.
// It handles Begin, Commit, and Rollback automatically.
func WithTx[T any](ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) (T, error)) (T, error) {
	var zero T

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return zero, err
	}
	defer tx.Rollback()

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, err
	}

	return result, nil
}

// WithRetryTx executes fn in a transaction and replays the entire transaction
// when it aborts on a write conflict (see IsRetryableTx), up to attempts tries.
// fn must be safe to run more than once; side effects outside the transaction
// belong after WithRetryTx returns.
func WithRetryTx[T any](ctx context.Context, db *sql.DB, attempts int, fn func(tx *sql.Tx) (T, error)) (T, error) {
	var zero T
	attempts = max(attempts, 1)

	for attempt := 1; ; attempt++ {
		result, err := WithTx(ctx, db, fn)
		if err == nil {
			return result, nil
		}
		if !IsRetryableTx(err) || attempt >= attempts {
			return zero, err
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(conflictDelay(attempt)):
		}
	}
}

// conflictDelay doubles per attempt with +/-25% jitter so replayed
// transactions from competing workers spread out.
func conflictDelay(attempt int) time.Duration {
	d := txRetryBase << (attempt - 1)
	jitter := time.Duration(float64(d) * (rand.Float64()*0.5 - 0.25))
	return d + jitter
}

// QueryOne executes a query expected to return a single row.
func QueryOne[T any](ctx context.Context, q Querier, query string, args []any, scan ScanFunc[T]) (T, error) {
	var zero T
	row := q.QueryRowContext(ctx, query, args...)
	result, err := scan(row)
	if err != nil {
		return zero, err
	}
	return result, nil
}

// QueryMany executes a query expected to return multiple rows.
// Returns an empty slice if no rows are found.
func QueryMany[T any](ctx context.Context, q Querier, query string, args []any, scan ScanFunc[T]) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

// ExecExpectOne executes a statement expected to affect exactly one row.
// Returns sql.ErrNoRows if no rows were affected.
func ExecExpectOne(ctx context.Context, e Executor, query string, args ...any) error {
	result, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return sql.ErrNoRows
	}

	return nil
}
