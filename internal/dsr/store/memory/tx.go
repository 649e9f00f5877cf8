package memory

import (
	"context"
	"sync"
	"time"

	dErrors "custodian/pkg/domain-errors"
	txcontext "custodian/pkg/platform/tx"
)

const defaultTxTimeout = 5 * time.Second

type txKey struct{}

// TxRunner serializes transactional sections for in-memory stores. There is
// no rollback: a failing fn leaves whatever it already wrote, but its
// AfterCommit callbacks are dropped. Nested calls join the outer section.
type TxRunner struct {
	mu      sync.Mutex
	timeout time.Duration
}

func NewTxRunner() *TxRunner {
	return &TxRunner{timeout: defaultTxTimeout}
}

func (r *TxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	hooks, err := r.run(ctx, fn)
	if err != nil {
		return err
	}
	hooks.Run(ctx)
	return nil
}

func (r *TxRunner) run(ctx context.Context, fn func(ctx context.Context) error) (*txcontext.Hooks, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	txCtx, hooks := txcontext.WithHooks(context.WithValue(ctx, txKey{}, true))
	if err := fn(txCtx); err != nil {
		return nil, err
	}
	return hooks, nil
}
