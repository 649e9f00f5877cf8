package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"custodian/internal/dsr/models"
	id "custodian/pkg/domain"
	"custodian/pkg/platform/sentinel"
	txcontext "custodian/pkg/platform/tx"
)

const uniqueViolation = "23505"

// Store persists requests in data_subject_requests. The partial unique index
// dsr_one_active_per_user_type enforces one active request per user and type.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const requestColumns = `
	id, user_id, type, status, requested_at, processed_at, scheduled_for,
	completed_at, executed_at, cancelled_at, failure_reason, ip_address,
	user_agent, metadata`

func (s *Store) Create(ctx context.Context, req *models.Request) error {
	meta, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("marshal request metadata: %w", err)
	}
	query := `INSERT INTO data_subject_requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(req.ID),
		uuid.UUID(req.UserID),
		string(req.Type),
		string(req.Status),
		req.RequestedAt,
		req.ProcessedAt,
		req.ScheduledFor,
		req.CompletedAt,
		req.ExecutedAt,
		req.CancelledAt,
		req.FailureReason,
		req.IPAddress,
		req.UserAgent,
		meta,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create %s request: %w", req.Type, sentinel.ErrConflict)
		}
		return fmt.Errorf("create %s request: %w", req.Type, err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, requestID id.RequestID) (*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM data_subject_requests WHERE id = $1`
	row := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(requestID))
	return scanOne(row)
}

func (s *Store) FindActive(ctx context.Context, userID id.UserID, typ models.Type) (*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM data_subject_requests
		WHERE user_id = $1 AND type = $2 AND status = ANY($3)
		LIMIT 1`
	row := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query,
		uuid.UUID(userID), string(typ), pq.Array(statusStrings(models.ActiveStatuses)))
	return scanOne(row)
}

func (s *Store) FindLatest(ctx context.Context, userID id.UserID, typ models.Type) (*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM data_subject_requests
		WHERE user_id = $1 AND type = $2
		ORDER BY requested_at DESC, id DESC
		LIMIT 1`
	row := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(userID), string(typ))
	return scanOne(row)
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM data_subject_requests
		WHERE type = 'erasure' AND status = 'scheduled' AND scheduled_for <= $1
		ORDER BY scheduled_for, id
		LIMIT $2`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due erasure requests: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *Store) ListStuck(ctx context.Context, processedBefore time.Time, limit int) ([]*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM data_subject_requests
		WHERE type = 'erasure' AND status = 'processing' AND processed_at <= $1
		ORDER BY processed_at, id
		LIMIT $2`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, processedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck erasure requests: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *Store) List(ctx context.Context, f models.RequestFilter) ([]*models.Request, int, error) {
	var (
		clauses []string
		args    []any
	)
	if f.UserID != nil {
		args = append(args, uuid.UUID(*f.UserID))
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		clauses = append(clauses, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT count(*) FROM data_subject_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}

	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	query := fmt.Sprintf(`SELECT %s FROM data_subject_requests%s
		ORDER BY requested_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, requestColumns, where, len(args)-1, len(args))
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()
	reqs, err := scanAll(rows)
	if err != nil {
		return nil, 0, err
	}
	return reqs, total, nil
}

// Update is a compare-and-set on status. Zero affected rows means either the
// request does not exist or another writer moved it first.
func (s *Store) Update(ctx context.Context, req *models.Request, from models.Status) error {
	meta, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("marshal request metadata: %w", err)
	}
	exec := txcontext.Pick(ctx, s.db)
	res, err := exec.ExecContext(ctx, `
		UPDATE data_subject_requests
		SET status = $2, processed_at = $3, scheduled_for = $4, completed_at = $5,
			executed_at = $6, cancelled_at = $7, failure_reason = $8, metadata = $9
		WHERE id = $1 AND status = $10`,
		uuid.UUID(req.ID),
		string(req.Status),
		req.ProcessedAt,
		req.ScheduledFor,
		req.CompletedAt,
		req.ExecutedAt,
		req.CancelledAt,
		req.FailureReason,
		meta,
		string(from),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update request %s: %w", req.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("update request %s: %w", req.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update request %s rows affected: %w", req.ID, err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := exec.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM data_subject_requests WHERE id = $1)`, uuid.UUID(req.ID)).Scan(&exists); err != nil {
		return fmt.Errorf("check request %s: %w", req.ID, err)
	}
	if !exists {
		return fmt.Errorf("request %s: %w", req.ID, sentinel.ErrNotFound)
	}
	return fmt.Errorf("request %s no longer %s: %w", req.ID, from, sentinel.ErrInvalidState)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (*models.Request, error) {
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	return req, err
}

func scanAll(rows *sql.Rows) ([]*models.Request, error) {
	var out []*models.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

func scanRequest(row scanner) (*models.Request, error) {
	var (
		req                                 models.Request
		requestID, userID                   uuid.UUID
		typ, status                         string
		processed, scheduled, completed     sql.NullTime
		executed, cancelled                 sql.NullTime
		failureReason, ipAddress, userAgent sql.NullString
		meta                                []byte
	)
	err := row.Scan(&requestID, &userID, &typ, &status, &req.RequestedAt,
		&processed, &scheduled, &completed, &executed, &cancelled,
		&failureReason, &ipAddress, &userAgent, &meta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan request: %w", err)
	}
	req.ID = id.RequestID(requestID)
	req.UserID = id.UserID(userID)
	req.Type = models.Type(typ)
	req.Status = models.Status(status)
	req.RequestedAt = req.RequestedAt.UTC()
	req.ProcessedAt = fromNullTime(processed)
	req.ScheduledFor = fromNullTime(scheduled)
	req.CompletedAt = fromNullTime(completed)
	req.ExecutedAt = fromNullTime(executed)
	req.CancelledAt = fromNullTime(cancelled)
	req.FailureReason = fromNullString(failureReason)
	req.IPAddress = fromNullString(ipAddress)
	req.UserAgent = fromNullString(userAgent)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &req.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal request metadata: %w", err)
		}
	}
	return &req, nil
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
