package database

import (
	"context"
	"errors"
)

// ErrNoTransaction is returned by Commit/Rollback without a Begin.
var ErrNoTransaction = errors.New("no transaction in context")

type txKey struct{}

type txState struct {
	tx    Transaction
	owned bool
}

func withTx(ctx context.Context, tx Transaction, owned bool) context.Context {
	return context.WithValue(ctx, txKey{}, txState{tx: tx, owned: owned})
}

func txFromContext(ctx context.Context) (txState, bool) {
	state, ok := ctx.Value(txKey{}).(txState)
	if !ok || state.tx == nil {
		return txState{}, false
	}
	return state, true
}

// InTransaction reports whether ctx carries an open transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := txFromContext(ctx)
	return ok
}

// ExecutorFromContext returns the transaction bound to ctx, or conn.
func ExecutorFromContext(ctx context.Context, conn Connection) Executor {
	if state, ok := txFromContext(ctx); ok {
		return state.tx
	}
	return conn
}

// UnitOfWork implements application.UnitOfWork on any Connection. Nested
// Begin calls join the outer transaction; only the outermost commits.
type UnitOfWork struct {
	conn Connection
}

// NewUnitOfWork creates a UnitOfWork bound to conn.
func NewUnitOfWork(conn Connection) *UnitOfWork {
	return &UnitOfWork{conn: conn}
}

// Begin starts or joins a transaction.
func (u *UnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	if state, ok := txFromContext(ctx); ok {
		return withTx(ctx, state.tx, false), nil
	}
	tx, err := u.conn.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return withTx(ctx, tx, true), nil
}

// Commit commits a transaction started by this Begin.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	state, ok := txFromContext(ctx)
	if !ok {
		return ErrNoTransaction
	}
	if !state.owned {
		return nil
	}
	return state.tx.Commit(ctx)
}

// Rollback aborts a transaction started by this Begin.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	state, ok := txFromContext(ctx)
	if !ok {
		return ErrNoTransaction
	}
	if !state.owned {
		return nil
	}
	return state.tx.Rollback(ctx)
}
