package service

import (
	"context"
	"time"

	"custodian/internal/dsr/models"
	"custodian/internal/ledger"
	id "custodian/pkg/domain"
)

// Store persists requests. Lookups return sentinel.ErrNotFound when nothing
// matches. Create returns sentinel.ErrConflict when an active request of the
// same type already exists for the user.
type Store interface {
	Create(ctx context.Context, req *models.Request) error
	FindByID(ctx context.Context, requestID id.RequestID) (*models.Request, error)
	FindActive(ctx context.Context, userID id.UserID, typ models.Type) (*models.Request, error)
	// FindLatest returns the most recently requested request of typ, in any status.
	FindLatest(ctx context.Context, userID id.UserID, typ models.Type) (*models.Request, error)
	// ListDue returns scheduled erasures with ScheduledFor <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Request, error)
	// ListStuck returns processing erasures with ProcessedAt <= processedBefore.
	ListStuck(ctx context.Context, processedBefore time.Time, limit int) ([]*models.Request, error)
	List(ctx context.Context, filter models.RequestFilter) ([]*models.Request, int, error)
	// Update writes req only if the stored status still equals from and
	// returns sentinel.ErrInvalidState otherwise.
	Update(ctx context.Context, req *models.Request, from models.Status) error
}

// TxRunner scopes fn to one transaction carried in ctx.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Auditor interface {
	Append(ctx context.Context, event ledger.Event) (*ledger.Entry, error)
}

// MembershipQuerier must honour the transaction in ctx so the blocking rule
// is evaluated against the same snapshot the request is inserted in.
type MembershipQuerier interface {
	ListAdminOrganizations(ctx context.Context, userID id.UserID) ([]models.AdminOrganization, error)
}

// AccountDeleter removes the user and everything that cascades from it.
// Deleting a user that no longer exists must succeed.
type AccountDeleter interface {
	DeleteUserCascade(ctx context.Context, userID id.UserID) error
}

type SessionRevoker interface {
	RevokeAllSessions(ctx context.Context, userID id.UserID) (int, error)
	RevokeAllRefreshTokens(ctx context.Context, userID id.UserID) (int, error)
}

type DataGatherer interface {
	GatherExportableData(ctx context.Context, userID id.UserID) (*models.UserDataExport, error)
}

// ExportArchive keeps a copy of generated export payloads.
type ExportArchive interface {
	Put(ctx context.Context, key string, payload []byte) error
}

// Collaborators groups the required ports that live outside this package.
type Collaborators struct {
	Memberships MembershipQuerier
	Accounts    AccountDeleter
	Sessions    SessionRevoker
	Gatherer    DataGatherer
}
