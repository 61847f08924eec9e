package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	DBConnKey contextKey = "db_conn"
	DBTxKey   contextKey = "db_tx"
)

// ErrNoConn is returned by WithTx when the context carries no connection.
var ErrNoConn = errors.New("no database connection in context")

// Beginner is satisfied by *pgxpool.Pool and *pgxpool.Conn.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// ConnFromContext retrieves a request-scoped connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TxFromContext retrieves the active transaction from context.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// ContextWithConn stores conn so repositories reuse it.
func ContextWithConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, DBConnKey, conn)
}

// ContextWithTx stores tx so repositories called with the returned context
// join it.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// WithTx begins a transaction on the connection stored in ctx.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, ErrNoConn
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return ContextWithTx(ctx, tx), tx, nil
}

// RunInTx runs fn inside a transaction. If ctx already carries one, fn joins
// it and the caller keeps ownership of commit and rollback.
func RunInTx(ctx context.Context, b Beginner, opts pgx.TxOptions, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := b.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ContextWithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
