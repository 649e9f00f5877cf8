package httptransport

import (
	"encoding/json"
	"time"

	"custodian/internal/ledger"
	"custodian/internal/session/device"
	id "custodian/pkg/domain"
)

// AuditEntryResponse is one row of the admin audit view. Device is derived
// from the stored User-Agent.
type AuditEntryResponse struct {
	ID             id.AuditEntryID    `json:"id"`
	Action         ledger.Action      `json:"action"`
	Severity       ledger.Severity    `json:"severity"`
	Details        string             `json:"details"`
	ActorUserID    *id.UserID         `json:"actor_user_id,omitempty"`
	TargetUserID   *id.UserID         `json:"target_user_id,omitempty"`
	OrganizationID *id.OrganizationID `json:"organization_id,omitempty"`
	ResourceType   *string            `json:"resource_type,omitempty"`
	ResourceID     *string            `json:"resource_id,omitempty"`
	IPAddress      *string            `json:"ip_address,omitempty"`
	UserAgent      *string            `json:"user_agent,omitempty"`
	Device         string             `json:"device,omitempty"`
	Metadata       json.RawMessage    `json:"metadata,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	HasHash        bool               `json:"has_integrity_hash"`
}

type AuditPageResponse struct {
	Entries    []AuditEntryResponse `json:"entries"`
	Total      int                  `json:"total"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"page_size"`
	TotalPages int                  `json:"total_pages"`
}

func toAuditEntryResponse(e *ledger.Entry) AuditEntryResponse {
	resp := AuditEntryResponse{
		ID:             e.ID,
		Action:         e.Action,
		Severity:       e.Severity,
		Details:        e.Details,
		ActorUserID:    e.ActorUserID,
		TargetUserID:   e.TargetUserID,
		OrganizationID: e.OrganizationID,
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		IPAddress:      e.IPAddress,
		UserAgent:      e.UserAgent,
		Metadata:       e.Metadata,
		CreatedAt:      e.CreatedAt,
		HasHash:        e.HasHash(),
	}
	if e.UserAgent != nil {
		resp.Device = device.ParseUserAgent(*e.UserAgent)
	}
	return resp
}

func toAuditPageResponse(p *ledger.Page) *AuditPageResponse {
	entries := make([]AuditEntryResponse, 0, len(p.Entries))
	for _, e := range p.Entries {
		entries = append(entries, toAuditEntryResponse(e))
	}
	return &AuditPageResponse{
		Entries:    entries,
		Total:      p.Total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: p.TotalPages,
	}
}
