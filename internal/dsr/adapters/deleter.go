package adapters

import (
	"context"
	"fmt"

	id "custodian/pkg/domain"
)

type userDeleter interface {
	DeleteUserCascade(ctx context.Context, userID id.UserID) error
}

type archivePurger interface {
	PurgeUser(ctx context.Context, userID id.UserID) (int, error)
}

// AccountDeleter removes the account rows and, when an archive is wired, the
// user's archived exports. Both steps tolerate an already-erased user so a
// retried erasure converges.
type AccountDeleter struct {
	accounts userDeleter
	archive  archivePurger
}

func NewAccountDeleter(accounts userDeleter, archive archivePurger) *AccountDeleter {
	return &AccountDeleter{accounts: accounts, archive: archive}
}

func (d *AccountDeleter) DeleteUserCascade(ctx context.Context, userID id.UserID) error {
	if err := d.accounts.DeleteUserCascade(ctx, userID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if d.archive == nil {
		return nil
	}
	if _, err := d.archive.PurgeUser(ctx, userID); err != nil {
		return fmt.Errorf("purge archived exports: %w", err)
	}
	return nil
}
