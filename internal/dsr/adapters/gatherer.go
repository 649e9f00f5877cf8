package adapters

import (
	"context"
	"fmt"

	accountModels "custodian/internal/account/models"
	dsrModels "custodian/internal/dsr/models"
	"custodian/internal/ledger"
	"custodian/internal/session/device"
	sessionModels "custodian/internal/session/models"
	id "custodian/pkg/domain"
)

// MaxExportAuditEntries bounds how much audit history one export carries.
const MaxExportAuditEntries = 1000

// Fields deliberately left out of every export.
var exportRedactions = []string{
	"profile.password_hash",
	"api_tokens[].token_hash",
	"api_tokens[].public_key",
	"sessions[].refresh_tokens",
}

type accountReader interface {
	FindUser(ctx context.Context, userID id.UserID) (*accountModels.User, error)
	ListMemberships(ctx context.Context, userID id.UserID) ([]*accountModels.Membership, error)
	ListAPITokens(ctx context.Context, userID id.UserID) ([]*accountModels.APIToken, error)
}

type sessionLister interface {
	ListByUser(ctx context.Context, userID id.UserID) ([]*sessionModels.Session, error)
}

type auditQuerier interface {
	Query(ctx context.Context, q ledger.Query) (*ledger.Page, error)
}

// ExportGatherer assembles a user's export from the account, session and
// audit contexts.
type ExportGatherer struct {
	accounts   accountReader
	sessions   sessionLister
	audit      auditQuerier
	maxEntries int
}

type GathererOption func(*ExportGatherer)

// WithMaxAuditEntries overrides MaxExportAuditEntries.
func WithMaxAuditEntries(n int) GathererOption {
	return func(g *ExportGatherer) {
		if n > 0 {
			g.maxEntries = n
		}
	}
}

func NewExportGatherer(accounts accountReader, sessions sessionLister, audit auditQuerier, opts ...GathererOption) *ExportGatherer {
	g := &ExportGatherer{
		accounts:   accounts,
		sessions:   sessions,
		audit:      audit,
		maxEntries: MaxExportAuditEntries,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *ExportGatherer) GatherExportableData(ctx context.Context, userID id.UserID) (*dsrModels.UserDataExport, error) {
	user, err := g.accounts.FindUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	memberships, err := g.accounts.ListMemberships(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	tokens, err := g.accounts.ListAPITokens(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load api tokens: %w", err)
	}
	sessions, err := g.sessions.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	entries, truncated, err := g.auditEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load audit history: %w", err)
	}

	data := &dsrModels.UserDataExport{
		Profile: dsrModels.ExportProfile{
			UserID:      user.ID,
			Email:       user.Email,
			DisplayName: user.DisplayName,
			CreatedAt:   user.CreatedAt,
			LastLoginAt: user.LastLoginAt,
		},
		Memberships:  mapMemberships(memberships),
		Sessions:     mapSessions(sessions),
		APITokens:    mapTokens(tokens),
		AuditEntries: entries,
		Redactions:   append([]string(nil), exportRedactions...),
	}
	data.Statistics = map[string]int{
		"memberships":   len(data.Memberships),
		"sessions":      len(data.Sessions),
		"api_tokens":    len(data.APITokens),
		"audit_entries": len(data.AuditEntries),
	}
	if truncated {
		data.Statistics["audit_entries_truncated"] = 1
	}
	return data, nil
}

// auditEntries pages through the user's history, newest first, until the
// bound is reached.
func (g *ExportGatherer) auditEntries(ctx context.Context, userID id.UserID) ([]dsrModels.ExportAuditEntry, bool, error) {
	out := make([]dsrModels.ExportAuditEntry, 0)
	for page := 1; ; page++ {
		res, err := g.audit.Query(ctx, ledger.Query{UserID: &userID, Page: page})
		if err != nil {
			return nil, false, err
		}
		for _, e := range res.Entries {
			if len(out) == g.maxEntries {
				return out, true, nil
			}
			out = append(out, dsrModels.ExportAuditEntry{
				ID:        e.ID,
				Action:    string(e.Action),
				Details:   e.Details,
				Severity:  string(e.Severity),
				CreatedAt: e.CreatedAt,
			})
		}
		if page >= res.TotalPages || len(res.Entries) == 0 {
			return out, false, nil
		}
	}
}

func mapMemberships(in []*accountModels.Membership) []dsrModels.ExportMembership {
	out := make([]dsrModels.ExportMembership, 0, len(in))
	for _, m := range in {
		out = append(out, dsrModels.ExportMembership{
			OrganizationID:   m.OrganizationID,
			OrganizationName: m.OrganizationName,
			Role:             string(m.Role),
			JoinedAt:         m.JoinedAt,
		})
	}
	return out
}

func mapSessions(in []*sessionModels.Session) []dsrModels.ExportSession {
	out := make([]dsrModels.ExportSession, 0, len(in))
	for _, s := range in {
		out = append(out, dsrModels.ExportSession{
			ID:         s.ID.String(),
			CreatedAt:  s.CreatedAt,
			LastSeenAt: s.LastSeenAt,
			IPAddress:  s.IPAddress,
			Device:     device.ParseUserAgent(s.UserAgent),
		})
	}
	return out
}

func mapTokens(in []*accountModels.APIToken) []dsrModels.ExportAPIToken {
	out := make([]dsrModels.ExportAPIToken, 0, len(in))
	for _, t := range in {
		out = append(out, dsrModels.ExportAPIToken{
			ID:         t.ID.String(),
			Name:       t.Name,
			CreatedAt:  t.CreatedAt,
			LastUsedAt: t.LastUsedAt,
		})
	}
	return out
}
