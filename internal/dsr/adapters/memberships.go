package adapters

import (
	"context"

	accountModels "custodian/internal/account/models"
	dsrModels "custodian/internal/dsr/models"
	id "custodian/pkg/domain"
)

// adminMembershipLister is implemented by both account stores.
type adminMembershipLister interface {
	ListAdminMemberships(ctx context.Context, userID id.UserID) ([]accountModels.AdminMembership, error)
}

// MembershipQuerier adapts the account store to service.MembershipQuerier.
type MembershipQuerier struct {
	accounts adminMembershipLister
}

func NewMembershipQuerier(accounts adminMembershipLister) *MembershipQuerier {
	return &MembershipQuerier{accounts: accounts}
}

func (a *MembershipQuerier) ListAdminOrganizations(ctx context.Context, userID id.UserID) ([]dsrModels.AdminOrganization, error) {
	memberships, err := a.accounts.ListAdminMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]dsrModels.AdminOrganization, 0, len(memberships))
	for _, m := range memberships {
		out = append(out, dsrModels.AdminOrganization{
			OrganizationID:  m.OrganizationID,
			Name:            m.OrganizationName,
			OtherAdminCount: m.OtherAdmins,
			OtherAdminIDs:   m.OtherAdminIDs,
		})
	}
	return out, nil
}
