package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type txKey struct{}

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Transactor runs a unit of work inside one database transaction. The open
// transaction travels in the context, so repositories called from fn join it
// through Conn without knowing about it.
type Transactor struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewTransactor creates a Transactor. A positive lockTimeout is applied with
// SET LOCAL so row locks taken inside the transaction fail with
// ErrLockNotAvailable instead of waiting forever.
func NewTransactor(pool *pgxpool.Pool, lockTimeout time.Duration) *Transactor {
	return &Transactor{pool: pool, lockTimeout: lockTimeout}
}

// WithinTx runs fn in a READ COMMITTED transaction. Nested calls join the
// outer transaction.
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := t.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", Classify(err))
	}
	defer tx.Rollback(ctx) // no-op after commit

	if t.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", t.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout: %w", Classify(err))
		}
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", Classify(err))
	}
	return nil
}

// TxFromContext returns the transaction opened by WithinTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// Conn returns the transaction carried by ctx when there is one, otherwise
// the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}
