package app

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/transfa/trustgroup-service/internal/domain"
	"github.com/transfa/trustgroup-service/internal/store"
)

// Capability names one guarded operation.
type Capability string

const (
	CapViewGroup            Capability = "view_group"
	CapReviewApplication    Capability = "review_application"
	CapCreateWallet         Capability = "create_wallet"
	CapChangePIN            Capability = "change_pin"
	CapVerifyPIN            Capability = "verify_pin"
	CapUpdateWalletSettings Capability = "update_wallet_settings"
	CapPauseGroup           Capability = "pause_group"
	CapCloseGroup           Capability = "close_group"
	CapChangeRole           Capability = "change_role"
	CapRemoveMember         Capability = "remove_member"
	CapRequestWithdrawal    Capability = "request_withdrawal"
	CapContribute           Capability = "contribute"
	CapVote                 Capability = "vote"
)

var memberCapabilities = []Capability{
	CapViewGroup,
	CapVerifyPIN,
	CapRequestWithdrawal,
	CapContribute,
	CapVote,
}

// roleCapabilities is the single source of truth for who may do what.
var roleCapabilities = map[domain.Role]map[Capability]bool{
	domain.RoleMember: capabilitySet(memberCapabilities...),
	domain.RoleAdmin: capabilitySet(append([]Capability{
		CapPauseGroup,
		CapRemoveMember,
	}, memberCapabilities...)...),
	domain.RoleCreator: capabilitySet(append([]Capability{
		CapReviewApplication,
		CapCreateWallet,
		CapChangePIN,
		CapUpdateWalletSettings,
		CapPauseGroup,
		CapCloseGroup,
		CapChangeRole,
		CapRemoveMember,
	}, memberCapabilities...)...),
}

func capabilitySet(caps ...Capability) map[Capability]bool {
	set := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return set
}

// Can reports whether role grants capability.
func Can(role domain.Role, capability Capability) bool {
	return roleCapabilities[role][capability]
}

func authorize(member *domain.Member, capability Capability) error {
	if member == nil || !member.IsActive || !Can(member.Role, capability) {
		return domain.ErrForbidden
	}
	return nil
}

// authorizeUser resolves userID to an active member of groupID and checks capability.
// Non-members are forbidden rather than not found so group membership does not leak.
func (s *Service) authorizeUser(ctx context.Context, groupID uuid.UUID, userID string, capability Capability) (*domain.Member, error) {
	member, err := s.repo.GetActiveMemberByUser(ctx, groupID, userID)
	if err != nil {
		if errors.Is(err, store.ErrMemberNotFound) {
			return nil, domain.ErrForbidden
		}
		return nil, storeError(err)
	}
	if err := authorize(member, capability); err != nil {
		return nil, err
	}
	return member, nil
}
