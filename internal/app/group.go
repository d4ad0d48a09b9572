package app

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/trustgroup-service/internal/domain"
)

const (
	minGroupMembers = 2
	maxGroupMembers = 500
)

// CreateGroup creates an active group with the caller as member #1 and role creator.
func (s *Service) CreateGroup(ctx context.Context, creatorUserID string, req domain.CreateGroupRequest) (*domain.TrustGroup, error) {
	defer s.observe("create_group", time.Now())

	creatorUserID = strings.TrimSpace(creatorUserID)
	if creatorUserID == "" {
		return nil, domain.ErrForbidden
	}
	if err := s.normalizeGroupRequest(&req); err != nil {
		return nil, err
	}

	now := s.clock()
	group := &domain.TrustGroup{
		ID:                       uuid.New(),
		Name:                     req.Name,
		Description:              req.Description,
		MaxMembers:               req.MaxMembers,
		MonthlyContribution:      req.MonthlyContribution,
		Currency:                 req.Currency,
		ApprovalThresholdPercent: req.ApprovalThresholdPercent,
		MinWithdrawal:            req.MinWithdrawal,
		Status:                   domain.GroupStatusActive,
		CreatorID:                creatorUserID,
		CreatedAt:                now,
	}
	creator := &domain.Member{
		ID:           uuid.New(),
		GroupID:      group.ID,
		UserID:       creatorUserID,
		Role:         domain.RoleCreator,
		MemberNumber: 1,
		IsActive:     true,
		JoinedAt:     now,
	}

	ctx, done := s.begin(ctx, group.ID)
	defer done()

	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateGroup(ctx, group, creator); err != nil {
			return err
		}
		_, err := s.chain.Append(ctx, group.ID, domain.AuditGroupCreated, []string{creator.ID.String(), creatorUserID}, map[string]interface{}{
			"name":                       group.Name,
			"creator_id":                 creatorUserID,
			"max_members":                group.MaxMembers,
			"monthly_contribution":       group.MonthlyContribution,
			"currency":                   group.Currency,
			"approval_threshold_percent": group.ApprovalThresholdPercent,
		})
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}

	log.Printf("level=info component=groups msg=\"group created\" group_id=%s creator_id=%s", group.ID, creatorUserID)
	return group, nil
}

func (s *Service) normalizeGroupRequest(req *domain.CreateGroupRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))

	if req.Name == "" || len(req.Name) > 120 {
		return domain.ErrInvalidInput.WithMessage("name is required and must be at most 120 characters")
	}
	if len(req.Description) > 1000 {
		return domain.ErrInvalidInput.WithMessage("description must be at most 1000 characters")
	}
	if req.MaxMembers == 0 {
		req.MaxMembers = domain.DefaultMaxMembers
	}
	if req.MaxMembers < minGroupMembers || req.MaxMembers > maxGroupMembers {
		return domain.ErrInvalidInput.WithMessage("max_members must be between %d and %d", minGroupMembers, maxGroupMembers)
	}
	if req.MonthlyContribution < 0 {
		return domain.ErrInvalidAmount.WithMessage("monthly_contribution must not be negative")
	}
	if req.Currency == "" {
		req.Currency = domain.DefaultCurrency
	}
	if len(req.Currency) != 3 {
		return domain.ErrInvalidInput.WithMessage("currency must be a 3-letter code")
	}
	if req.ApprovalThresholdPercent == 0 {
		req.ApprovalThresholdPercent = s.settings.DefaultApprovalThreshold
	}
	if req.ApprovalThresholdPercent < 1 || req.ApprovalThresholdPercent > 100 {
		return domain.ErrInvalidInput.WithMessage("approval_threshold_percent must be between 1 and 100")
	}
	if req.MinWithdrawal < 0 {
		return domain.ErrInvalidAmount.WithMessage("min_withdrawal must not be negative")
	}
	if req.MinWithdrawal == 0 {
		req.MinWithdrawal = domain.DefaultMinWithdrawal
	}
	return nil
}

// GetGroup is readable by any authenticated user so prospective members can apply.
func (s *Service) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.TrustGroup, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, storeError(err)
	}
	return group, nil
}

func (s *Service) ListGroupsForUser(ctx context.Context, userID string) ([]domain.TrustGroup, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	groups, err := s.repo.ListGroupsForUser(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	return groups, nil
}

func (s *Service) ListMembers(ctx context.Context, groupID uuid.UUID, viewerUserID string) ([]domain.Member, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.authorizeUser(ctx, groupID, viewerUserID, CapViewGroup); err != nil {
		return nil, err
	}
	members, err := s.repo.ListMembers(ctx, groupID, true)
	if err != nil {
		return nil, storeError(err)
	}
	return members, nil
}

func (s *Service) PauseGroup(ctx context.Context, groupID uuid.UUID, actorUserID string) (*domain.TrustGroup, error) {
	return s.changeGroupStatus(ctx, groupID, actorUserID, CapPauseGroup, []domain.GroupStatus{domain.GroupStatusActive}, domain.GroupStatusPaused)
}

func (s *Service) ResumeGroup(ctx context.Context, groupID uuid.UUID, actorUserID string) (*domain.TrustGroup, error) {
	return s.changeGroupStatus(ctx, groupID, actorUserID, CapPauseGroup, []domain.GroupStatus{domain.GroupStatusPaused}, domain.GroupStatusActive)
}

// CloseGroup is terminal and refused while approved withdrawals still hold locked funds.
func (s *Service) CloseGroup(ctx context.Context, groupID uuid.UUID, actorUserID string) (*domain.TrustGroup, error) {
	return s.changeGroupStatus(ctx, groupID, actorUserID, CapCloseGroup, []domain.GroupStatus{domain.GroupStatusActive, domain.GroupStatusPaused}, domain.GroupStatusClosed)
}

func (s *Service) changeGroupStatus(ctx context.Context, groupID uuid.UUID, actorUserID string, capability Capability, from []domain.GroupStatus, to domain.GroupStatus) (*domain.TrustGroup, error) {
	defer s.observe("change_group_status", time.Now())

	ctx, done := s.begin(ctx, groupID)
	defer done()

	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, storeError(err)
	}
	actor, err := s.authorizeUser(ctx, groupID, actorUserID, capability)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, status := range from {
		if group.Status == status {
			allowed = true
		}
	}
	if !allowed {
		return nil, domain.ErrInvalidTransition.WithMessage("group cannot move from %s to %s", group.Status, to)
	}

	var updated *domain.TrustGroup
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.repo.UpdateGroupStatus(ctx, groupID, from, to, s.clock())
		if err != nil {
			return err
		}
		_, err = s.chain.Append(ctx, groupID, domain.AuditGroupStatusChanged, []string{actor.ID.String(), actorUserID}, map[string]interface{}{
			"from":     group.Status,
			"to":       to,
			"actor_id": actorUserID,
		})
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}

	log.Printf("level=info component=groups msg=\"group status changed\" group_id=%s from=%s to=%s actor=%s", groupID, group.Status, to, actorUserID)
	return updated, nil
}

func (s *Service) PromoteMember(ctx context.Context, groupID uuid.UUID, actorUserID string, memberID uuid.UUID) (*domain.Member, error) {
	return s.changeRole(ctx, groupID, actorUserID, memberID, domain.RoleMember, domain.RoleAdmin)
}

func (s *Service) DemoteMember(ctx context.Context, groupID uuid.UUID, actorUserID string, memberID uuid.UUID) (*domain.Member, error) {
	return s.changeRole(ctx, groupID, actorUserID, memberID, domain.RoleAdmin, domain.RoleMember)
}

func (s *Service) changeRole(ctx context.Context, groupID uuid.UUID, actorUserID string, memberID uuid.UUID, from, to domain.Role) (*domain.Member, error) {
	defer s.observe("change_role", time.Now())

	ctx, done := s.begin(ctx, groupID)
	defer done()

	if _, err := s.openGroup(ctx, groupID); err != nil {
		return nil, err
	}
	actor, err := s.authorizeUser(ctx, groupID, actorUserID, CapChangeRole)
	if err != nil {
		return nil, err
	}
	target, err := s.memberOfGroup(ctx, groupID, memberID)
	if err != nil {
		return nil, err
	}
	if target.Role != from {
		return nil, domain.ErrInvalidTransition.WithMessage("member role is %s, expected %s", target.Role, from)
	}

	var updated *domain.Member
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.repo.UpdateMemberRole(ctx, memberID, to)
		if err != nil {
			return err
		}
		_, err = s.chain.Append(ctx, groupID, domain.AuditMemberRoleChanged, []string{memberID.String(), target.UserID, actor.ID.String()}, map[string]interface{}{
			"member_id": memberID,
			"from":      from,
			"to":        to,
			"actor_id":  actorUserID,
		})
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}
	return updated, nil
}

// RemoveMember soft-deletes a member. The creator cannot be removed and admins cannot remove
// other admins.
func (s *Service) RemoveMember(ctx context.Context, groupID uuid.UUID, actorUserID string, memberID uuid.UUID) (*domain.Member, error) {
	defer s.observe("remove_member", time.Now())

	ctx, done := s.begin(ctx, groupID)
	defer done()

	if _, err := s.openGroup(ctx, groupID); err != nil {
		return nil, err
	}
	actor, err := s.authorizeUser(ctx, groupID, actorUserID, CapRemoveMember)
	if err != nil {
		return nil, err
	}
	target, err := s.memberOfGroup(ctx, groupID, memberID)
	if err != nil {
		return nil, err
	}
	if target.Role == domain.RoleCreator {
		return nil, domain.ErrInvalidTransition.WithMessage("the group creator cannot be removed")
	}
	if actor.Role == domain.RoleAdmin && target.Role == domain.RoleAdmin {
		return nil, domain.ErrForbidden.WithMessage("admins cannot remove other admins")
	}

	var removed *domain.Member
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		removed, err = s.repo.DeactivateMember(ctx, memberID, s.clock())
		if err != nil {
			return err
		}
		_, err = s.chain.Append(ctx, groupID, domain.AuditMemberRemoved, []string{memberID.String(), target.UserID, actor.ID.String()}, map[string]interface{}{
			"member_id": memberID,
			"user_id":   target.UserID,
			"actor_id":  actorUserID,
		})
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}

	log.Printf("level=info component=groups msg=\"member removed\" group_id=%s member_id=%s actor=%s", groupID, memberID, actorUserID)
	return removed, nil
}

// GroupStats counts active members and applications by status.
func (s *Service) GroupStats(ctx context.Context, groupID uuid.UUID, viewerUserID string) (*domain.GroupStats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.authorizeUser(ctx, groupID, viewerUserID, CapViewGroup); err != nil {
		return nil, err
	}
	active, err := s.repo.CountActiveMembers(ctx, groupID)
	if err != nil {
		return nil, storeError(err)
	}
	counts, err := s.repo.CountApplicationsByStatus(ctx, groupID)
	if err != nil {
		return nil, storeError(err)
	}
	return &domain.GroupStats{
		GroupID:       groupID,
		ActiveMembers: active,
		Pending:       counts[domain.ApplicationPending],
		Voting:        counts[domain.ApplicationVoting],
		Approved:      counts[domain.ApplicationApproved],
		Rejected:      counts[domain.ApplicationRejected],
	}, nil
}

// openGroup loads a group that is not closed.
func (s *Service) openGroup(ctx context.Context, groupID uuid.UUID) (*domain.TrustGroup, error) {
	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, storeError(err)
	}
	if group.Status == domain.GroupStatusClosed {
		return nil, domain.ErrGroupNotActive
	}
	return group, nil
}

// activeGroup loads a group that accepts new activity.
func (s *Service) activeGroup(ctx context.Context, groupID uuid.UUID) (*domain.TrustGroup, error) {
	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, storeError(err)
	}
	if !group.IsActive() {
		return nil, domain.ErrGroupNotActive
	}
	return group, nil
}

func (s *Service) memberOfGroup(ctx context.Context, groupID, memberID uuid.UUID) (*domain.Member, error) {
	member, err := s.repo.GetMember(ctx, memberID)
	if err != nil {
		return nil, storeError(err)
	}
	if member.GroupID != groupID || !member.IsActive {
		return nil, domain.ErrMemberNotFound
	}
	return member, nil
}
