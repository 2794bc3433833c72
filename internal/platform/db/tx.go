package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoTx is returned by Lock outside a transaction.
var ErrNoTx = errors.New("no transaction in context")

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ConnFromContext returns the open transaction, else the clinic-scoped
// connection, else nil.
func ConnFromContext(ctx context.Context) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	if conn, ok := ctx.Value(DBConnKey).(*pgxpool.Conn); ok && conn != nil {
		return conn
	}
	return nil
}

// TxFromContext retrieves the transaction started by WithTx.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the clinic-scoped connection in ctx.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn, ok := ctx.Value(DBConnKey).(*pgxpool.Conn)
	if !ok || conn == nil {
		return ctx, nil, errors.New("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// TxManager runs units of work in a transaction and takes advisory locks
// inside them.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager returns a TxManager over pool.
func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// WithinTx runs fn in a transaction and commits when fn returns nil. A
// transaction already in ctx is reused.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	txCtx, tx, err := WithTx(ctx)
	if err != nil {
		if m.pool == nil {
			return err
		}
		tx, err = m.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		txCtx = context.WithValue(ctx, DBTxKey, tx)
	}
	defer tx.Rollback(ctx)

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Lock takes a transaction-scoped advisory lock on key. Shared locks only
// exclude exclusive holders.
func (m *TxManager) Lock(ctx context.Context, key int64, shared bool) error {
	tx := TxFromContext(ctx)
	if tx == nil {
		return ErrNoTx
	}
	query := "SELECT pg_advisory_xact_lock($1)"
	if shared {
		query = "SELECT pg_advisory_xact_lock_shared($1)"
	}
	if _, err := tx.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("advisory lock %d: %w", key, err)
	}
	return nil
}
