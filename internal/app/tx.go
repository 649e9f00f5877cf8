package app

import (
	"context"
	"time"

	dErrors "custodian/pkg/domain-errors"
)

const defaultTxTimeout = 5 * time.Second

type txRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// boundedTx gives every transaction a deadline so a stuck lock cannot pin a
// connection forever. Callers that already carry a deadline keep it.
type boundedTx struct {
	runner  txRunner
	timeout time.Duration
}

func newBoundedTx(runner txRunner, timeout time.Duration) *boundedTx {
	if timeout <= 0 {
		timeout = defaultTxTimeout
	}
	return &boundedTx{runner: runner, timeout: timeout}
}

func (t *boundedTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return t.runner.RunInTx(ctx, fn)
}
