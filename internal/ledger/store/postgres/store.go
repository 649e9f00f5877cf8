package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"custodian/internal/ledger"
	id "custodian/pkg/domain"
	"custodian/pkg/platform/sentinel"
	txcontext "custodian/pkg/platform/tx"
)

const uniqueViolation = "23505"

// Store implements ledger.Store on the append-only audit_entries table.
// metadata is TEXT, not JSONB: the stored bytes are part of the hash input
// and must come back exactly as written.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const entryColumns = `
	id, action, actor_user_id, organization_id, target_user_id, details,
	metadata, ip_address, user_agent, resource_type, resource_id,
	severity, created_at, integrity_hash`

func (s *Store) Insert(ctx context.Context, e *ledger.Entry) error {
	query := `INSERT INTO audit_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(e.ID),
		string(e.Action),
		nullUUID(e.ActorUserID),
		nullUUID(e.OrganizationID),
		nullUUID(e.TargetUserID),
		e.Details,
		sql.NullString{String: string(e.Metadata), Valid: len(e.Metadata) > 0},
		e.IPAddress,
		e.UserAgent,
		e.ResourceType,
		e.ResourceID,
		string(e.Severity),
		e.CreatedAt,
		e.IntegrityHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert audit entry %s: %w", e.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, q ledger.Query) ([]*ledger.Entry, int, error) {
	where, args := queryFilter(q)

	var total int
	countQuery := `SELECT count(*) FROM audit_entries` + where
	if err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	offset := (q.Page - 1) * q.PageSize
	args = append(args, q.PageSize, offset)
	listQuery := fmt.Sprintf(`SELECT %s FROM audit_entries%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, entryColumns, where, len(args)-1, len(args))

	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *Store) ListForVerification(ctx context.Context, f ledger.VerifyFilter) ([]*ledger.Entry, error) {
	var b filterBuilder
	if f.OrganizationID != nil {
		b.add("organization_id = $%d", uuid.UUID(*f.OrganizationID))
	}
	if f.StartDate != nil {
		b.add("created_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		b.add("created_at <= $%d", *f.EndDate)
	}
	args := append(b.args, f.Limit)
	query := fmt.Sprintf(`SELECT %s FROM audit_entries%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, entryColumns, b.where(), len(args))

	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries for verification: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) ListMissingHash(ctx context.Context, after *ledger.Cursor, limit int) ([]*ledger.Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = txcontext.Pick(ctx, s.db).QueryContext(ctx, `SELECT `+entryColumns+`
			FROM audit_entries
			WHERE integrity_hash IS NULL
			ORDER BY created_at, id
			LIMIT $1`, limit)
	} else {
		rows, err = txcontext.Pick(ctx, s.db).QueryContext(ctx, `SELECT `+entryColumns+`
			FROM audit_entries
			WHERE integrity_hash IS NULL AND (created_at, id) > ($1, $2)
			ORDER BY created_at, id
			LIMIT $3`, after.CreatedAt, uuid.UUID(after.ID), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query hashless audit entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// SetIntegrityHashes updates the whole batch in one statement, so a batch
// either lands completely or not at all.
func (s *Store) SetIntegrityHashes(ctx context.Context, updates []ledger.HashUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	ids := make([]string, len(updates))
	hashes := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.ID.String()
		hashes[i] = u.Hash
	}
	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		UPDATE audit_entries AS a
		SET integrity_hash = u.hash
		FROM unnest($1::uuid[], $2::text[]) AS u(id, hash)
		WHERE a.id = u.id AND a.integrity_hash IS NULL`,
		pq.Array(ids), pq.Array(hashes),
	)
	if err != nil {
		return 0, fmt.Errorf("set integrity hashes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("set integrity hashes rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) Statistics(ctx context.Context, f ledger.StatsFilter) (*ledger.Stats, error) {
	var b filterBuilder
	if f.OrganizationID != nil {
		b.add("organization_id = $%d", uuid.UUID(*f.OrganizationID))
	}
	if f.From != nil {
		b.add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		b.add("created_at <= $%d", *f.To)
	}
	query := `SELECT severity, action, count(*),
			count(*) FILTER (WHERE integrity_hash IS NULL),
			min(created_at), max(created_at)
		FROM audit_entries` + b.where() + `
		GROUP BY severity, action`

	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query audit statistics: %w", err)
	}
	defer rows.Close()

	stats := &ledger.Stats{
		BySeverity: make(map[ledger.Severity]int),
		ByAction:   make(map[ledger.Action]int),
	}
	for rows.Next() {
		var (
			severity, action string
			count, missing   int
			oldest, newest   time.Time
		)
		if err := rows.Scan(&severity, &action, &count, &missing, &oldest, &newest); err != nil {
			return nil, fmt.Errorf("scan audit statistics: %w", err)
		}
		stats.Total += count
		stats.MissingHash += missing
		stats.BySeverity[ledger.Severity(severity)] += count
		stats.ByAction[ledger.Action(action)] += count
		if stats.Oldest == nil || oldest.Before(*stats.Oldest) {
			o := oldest
			stats.Oldest = &o
		}
		if stats.Newest == nil || newest.After(*stats.Newest) {
			n := newest
			stats.Newest = &n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit statistics: %w", err)
	}
	return stats, nil
}

type filterBuilder struct {
	clauses []string
	args    []any
}

// add appends a clause whose single %d placeholder receives the next arg index.
func (b *filterBuilder) add(clause string, arg any) {
	b.args = append(b.args, arg)
	b.clauses = append(b.clauses, fmt.Sprintf(clause, len(b.args)))
}

func (b *filterBuilder) where() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.clauses, " AND ")
}

func queryFilter(q ledger.Query) (string, []any) {
	var b filterBuilder
	if q.OrganizationID != nil {
		b.add("organization_id = $%d", uuid.UUID(*q.OrganizationID))
	}
	if q.UserID != nil {
		b.args = append(b.args, uuid.UUID(*q.UserID))
		n := len(b.args)
		b.clauses = append(b.clauses, fmt.Sprintf("(actor_user_id = $%d OR target_user_id = $%d)", n, n))
	}
	if q.Search != "" {
		b.add(`details ILIKE '%%' || $%d || '%%' ESCAPE '\'`, escapeLike(q.Search))
	}
	if q.From != nil {
		b.add("created_at >= $%d", *q.From)
	}
	if q.To != nil {
		b.add("created_at <= $%d", *q.To)
	}
	if q.Severity != "" {
		b.add("severity = $%d", string(q.Severity))
	}
	if q.Action != "" {
		b.add("action = $%d", string(q.Action))
	}
	return b.where(), b.args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func scanEntries(rows *sql.Rows) ([]*ledger.Entry, error) {
	var entries []*ledger.Entry
	for rows.Next() {
		var (
			e                        ledger.Entry
			entryID                  uuid.UUID
			actor, org, target       uuid.NullUUID
			metadata, ip, ua         sql.NullString
			resourceType, resourceID sql.NullString
			action, severity         string
			integrityHash            sql.NullString
		)
		err := rows.Scan(
			&entryID, &action, &actor, &org, &target, &e.Details,
			&metadata, &ip, &ua, &resourceType, &resourceID,
			&severity, &e.CreatedAt, &integrityHash,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ID = id.AuditEntryID(entryID)
		e.Action = ledger.Action(action)
		e.Severity = ledger.Severity(severity)
		e.CreatedAt = e.CreatedAt.UTC()
		if actor.Valid {
			v := id.UserID(actor.UUID)
			e.ActorUserID = &v
		}
		if org.Valid {
			v := id.OrganizationID(org.UUID)
			e.OrganizationID = &v
		}
		if target.Valid {
			v := id.UserID(target.UUID)
			e.TargetUserID = &v
		}
		if metadata.Valid {
			e.Metadata = []byte(metadata.String)
		}
		e.IPAddress = fromNull(ip)
		e.UserAgent = fromNull(ua)
		e.ResourceType = fromNull(resourceType)
		e.ResourceID = fromNull(resourceID)
		e.IntegrityHash = fromNull(integrityHash)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func nullUUID[T ~[16]byte](p *T) uuid.NullUUID {
	if p == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*p), Valid: true}
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
