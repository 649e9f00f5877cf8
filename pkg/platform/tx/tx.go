package tx

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

type ctxKey struct{}

type hooksKey struct{}

var txKey = ctxKey{}

// Hooks collects the AfterCommit callbacks registered during one transaction.
type Hooks struct {
	mu  sync.Mutex
	fns []func(ctx context.Context)
}

// WithHooks returns a context whose AfterCommit registrations are collected in
// the returned Hooks. Transaction runners call it when opening a transaction
// and call Run once it has committed.
func WithHooks(ctx context.Context) (context.Context, *Hooks) {
	h := &Hooks{}
	return context.WithValue(ctx, hooksKey{}, h), h
}

// Run invokes the collected callbacks in registration order.
func (h *Hooks) Run(ctx context.Context) {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ctx)
	}
}

// AfterCommit defers fn until the transaction carried by ctx has committed.
// On rollback fn never runs. Outside a transaction it runs immediately.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	h, ok := ctx.Value(hooksKey{}).(*Hooks)
	if !ok {
		fn(ctx)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns = append(h.fns, fn)
}

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// Executor is the subset of *sql.DB and *sql.Tx used by stores.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Pick returns the transaction carried by ctx, or db when there is none.
func Pick(ctx context.Context, db *sql.DB) Executor {
	if tx, ok := From(ctx); ok {
		return tx
	}
	return db
}

// Runner opens a transaction, exposes it to fn through the context and
// commits when fn returns nil. Nested calls join the outer transaction.
// AfterCommit callbacks run once the commit succeeds.
type Runner struct {
	db   *sql.DB
	opts *sql.TxOptions
}

func NewRunner(db *sql.DB, opts *sql.TxOptions) *Runner {
	return &Runner{db: db, opts: opts}
}

func (r *Runner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := From(ctx); ok {
		return fn(ctx)
	}
	tx, err := r.db.BeginTx(ctx, r.opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	txCtx, hooks := WithHooks(WithTx(ctx, tx))
	if err = fn(txCtx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	hooks.Run(ctx)
	return nil
}
