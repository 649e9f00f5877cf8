package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"custodian/internal/account/models"
	id "custodian/pkg/domain"
	"custodian/pkg/platform/sentinel"
	txcontext "custodian/pkg/platform/tx"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Store persists accounts. Memberships and API tokens reference users with
// ON DELETE CASCADE, so deleting the user row removes them.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, created_at, updated_at, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.UUID(user.ID), user.Email, user.DisplayName,
		sql.NullString{String: user.PasswordHash, Valid: user.PasswordHash != ""},
		user.CreatedAt, user.UpdatedAt, user.LastLoginAt,
	)
	if err != nil {
		return translate(err, "create user")
	}
	return nil
}

func (s *Store) FindUser(ctx context.Context, userID id.UserID) (*models.User, error) {
	var (
		u            models.User
		rawID        uuid.UUID
		passwordHash sql.NullString
		lastLogin    sql.NullTime
	)
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at, updated_at, last_login_at
		FROM users WHERE id = $1`, uuid.UUID(userID),
	).Scan(&rawID, &u.Email, &u.DisplayName, &passwordHash, &u.CreatedAt, &u.UpdatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	u.ID = id.UserID(rawID)
	u.PasswordHash = passwordHash.String
	if lastLogin.Valid {
		u.LastLoginAt = &lastLogin.Time
	}
	return &u, nil
}

func (s *Store) CreateOrganization(ctx context.Context, org *models.Organization) error {
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx,
		`INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)`,
		uuid.UUID(org.ID), org.Name, org.CreatedAt,
	)
	if err != nil {
		return translate(err, "create organization")
	}
	return nil
}

// AddMember inserts the membership or changes the role of an existing one.
func (s *Store) AddMember(ctx context.Context, m *models.Membership) error {
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		INSERT INTO organization_members (organization_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		uuid.UUID(m.OrganizationID), uuid.UUID(m.UserID), string(m.Role), m.JoinedAt,
	)
	if err != nil {
		return translate(err, "add member")
	}
	return nil
}

func (s *Store) ListMemberships(ctx context.Context, userID id.UserID) ([]*models.Membership, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, `
		SELECT m.organization_id, o.name, m.role, m.joined_at
		FROM organization_members m
		JOIN organizations o ON o.id = m.organization_id
		WHERE m.user_id = $1
		ORDER BY o.name, m.organization_id`, uuid.UUID(userID))
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []*models.Membership
	for rows.Next() {
		var (
			m     = models.Membership{UserID: userID}
			orgID uuid.UUID
			role  string
		)
		if err := rows.Scan(&orgID, &m.OrganizationName, &role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.OrganizationID = id.OrganizationID(orgID)
		m.Role = models.Role(role)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return out, nil
}

// ListAdminMemberships returns the organizations the user administers with
// their other admins. Every admin row of those organizations is locked FOR
// UPDATE, so inside a transaction no concurrent demotion or removal can change
// the answer before commit, and co-admins deciding whether they may leave the
// same organization are serialized.
func (s *Store) ListAdminMemberships(ctx context.Context, userID id.UserID) ([]models.AdminMembership, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, `
		SELECT m.organization_id, o.name, m.user_id
		FROM organization_members m
		JOIN organizations o ON o.id = m.organization_id
		WHERE m.role = 'admin'
		  AND m.organization_id IN (
			SELECT organization_id FROM organization_members
			WHERE user_id = $1 AND role = 'admin')
		ORDER BY o.name, m.organization_id, m.user_id
		FOR UPDATE OF m`, uuid.UUID(userID))
	if err != nil {
		return nil, fmt.Errorf("list admin memberships: %w", err)
	}
	defer rows.Close()

	var (
		out   []models.AdminMembership
		index = map[id.OrganizationID]int{}
	)
	for rows.Next() {
		var (
			orgID, adminID uuid.UUID
			name           string
		)
		if err := rows.Scan(&orgID, &name, &adminID); err != nil {
			return nil, fmt.Errorf("scan admin membership: %w", err)
		}
		key := id.OrganizationID(orgID)
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, models.AdminMembership{OrganizationID: key, OrganizationName: name})
		}
		if id.UserID(adminID) != userID {
			out[i].OtherAdmins++
			out[i].OtherAdminIDs = append(out[i].OtherAdminIDs, id.UserID(adminID))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admin memberships: %w", err)
	}
	return out, nil
}

func (s *Store) CreateAPIToken(ctx context.Context, token *models.APIToken) error {
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		INSERT INTO api_tokens (id, user_id, name, token_hash, public_key, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.UUID(token.ID), uuid.UUID(token.UserID), token.Name, token.TokenHash,
		sql.NullString{String: token.PublicKey, Valid: token.PublicKey != ""},
		token.CreatedAt, token.LastUsedAt,
	)
	if err != nil {
		return translate(err, "create api token")
	}
	return nil
}

func (s *Store) ListAPITokens(ctx context.Context, userID id.UserID) ([]*models.APIToken, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, `
		SELECT id, name, token_hash, public_key, created_at, last_used_at
		FROM api_tokens WHERE user_id = $1
		ORDER BY created_at, id`, uuid.UUID(userID))
	if err != nil {
		return nil, fmt.Errorf("list api tokens: %w", err)
	}
	defer rows.Close()

	var out []*models.APIToken
	for rows.Next() {
		var (
			t         = models.APIToken{UserID: userID}
			tokenID   uuid.UUID
			publicKey sql.NullString
			lastUsed  sql.NullTime
		)
		if err := rows.Scan(&tokenID, &t.Name, &t.TokenHash, &publicKey, &t.CreatedAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan api token: %w", err)
		}
		t.ID = id.APITokenID(tokenID)
		t.PublicKey = publicKey.String
		if lastUsed.Valid {
			t.LastUsedAt = &lastUsed.Time
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api tokens: %w", err)
	}
	return out, nil
}

// DeleteUserCascade deletes the user row; memberships and tokens follow by
// cascade. Deleting a user that is already gone succeeds so a retried
// erasure can finish.
func (s *Store) DeleteUserCascade(ctx context.Context, userID id.UserID) error {
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `DELETE FROM users WHERE id = $1`, uuid.UUID(userID))
	if err != nil {
		return fmt.Errorf("delete user %s: %w", userID, err)
	}
	return nil
}

func translate(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%s: %w", op, sentinel.ErrConflict)
		case foreignKeyViolation:
			return fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
