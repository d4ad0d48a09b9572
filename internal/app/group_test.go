package app

import (
	"context"
	"testing"

	"github.com/transfa/trustgroup-service/internal/domain"
)

func TestCreateGroupDefaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	group, err := env.svc.CreateGroup(ctx, "creator", domain.CreateGroupRequest{Name: "  Market Women  ", Currency: "ngn"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if group.Name != "Market Women" || group.MaxMembers != domain.DefaultMaxMembers || group.Currency != "NGN" {
		t.Fatalf("unexpected group %+v", group)
	}
	if group.ApprovalThresholdPercent != 60 || group.Status != domain.GroupStatusActive {
		t.Fatalf("unexpected defaults %+v", group)
	}

	members, err := env.svc.ListMembers(ctx, group.ID, "creator")
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 1 || members[0].Role != domain.RoleCreator || members[0].MemberNumber != 1 {
		t.Fatalf("creator should be member #1, got %+v", members)
	}

	groups, err := env.svc.ListGroupsForUser(ctx, "creator")
	if err != nil || len(groups) != 1 {
		t.Fatalf("ListGroupsForUser: %v %d", err, len(groups))
	}

	blocks, _ := env.repo.ListAuditBlocks(ctx, group.ID)
	if len(blocks) != 1 || blocks[0].EventType != domain.AuditGroupCreated || blocks[0].PreviousHash != domain.GenesisPreviousHash {
		t.Fatalf("expected a genesis GROUP_CREATED block, got %+v", blocks)
	}
}

func TestCreateGroupValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		req  domain.CreateGroupRequest
	}{
		{"missing name", domain.CreateGroupRequest{}},
		{"too few members", domain.CreateGroupRequest{Name: "x", MaxMembers: 1}},
		{"too many members", domain.CreateGroupRequest{Name: "x", MaxMembers: 501}},
		{"negative contribution", domain.CreateGroupRequest{Name: "x", MonthlyContribution: -1}},
		{"bad currency", domain.CreateGroupRequest{Name: "x", Currency: "NAIRA"}},
		{"bad threshold", domain.CreateGroupRequest{Name: "x", ApprovalThresholdPercent: 120}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.CreateGroup(context.Background(), "creator", tc.req)
			if domain.KindOf(err) != domain.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestGroupStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	group, users := env.groupWithMembers(t, 3, 60)

	_, err := env.svc.PauseGroup(ctx, group.ID, users[1])
	expectErr(t, err, domain.ErrForbidden)

	if _, err := env.svc.PauseGroup(ctx, group.ID, "creator"); err != nil {
		t.Fatalf("PauseGroup: %v", err)
	}
	_, err = env.svc.SubmitApplication(ctx, group.ID, "newcomer", "")
	expectErr(t, err, domain.ErrGroupNotActive)

	_, err = env.svc.PauseGroup(ctx, group.ID, "creator")
	expectErr(t, err, domain.ErrInvalidTransition)

	if _, err := env.svc.ResumeGroup(ctx, group.ID, "creator"); err != nil {
		t.Fatalf("ResumeGroup: %v", err)
	}

	member, _ := env.repo.GetActiveMemberByUser(ctx, group.ID, users[1])
	if _, err := env.svc.PromoteMember(ctx, group.ID, "creator", member.ID); err != nil {
		t.Fatalf("PromoteMember: %v", err)
	}
	if _, err := env.svc.PauseGroup(ctx, group.ID, users[1]); err != nil {
		t.Fatalf("admin should be able to pause: %v", err)
	}
	_, err = env.svc.CloseGroup(ctx, group.ID, users[1])
	expectErr(t, err, domain.ErrForbidden)

	closed, err := env.svc.CloseGroup(ctx, group.ID, "creator")
	if err != nil {
		t.Fatalf("CloseGroup: %v", err)
	}
	if closed.Status != domain.GroupStatusClosed || closed.ClosedAt == nil {
		t.Fatalf("unexpected closed group %+v", closed)
	}
	_, err = env.svc.ResumeGroup(ctx, group.ID, "creator")
	expectErr(t, err, domain.ErrInvalidTransition)

	env.assertChainValid(t, group.ID)
}

func TestRoleChangesAndRemoval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	group, users := env.groupWithMembers(t, 4, 60)

	creator, _ := env.repo.GetActiveMemberByUser(ctx, group.ID, "creator")
	admin, _ := env.repo.GetActiveMemberByUser(ctx, group.ID, users[1])
	otherAdmin, _ := env.repo.GetActiveMemberByUser(ctx, group.ID, users[2])
	plain, _ := env.repo.GetActiveMemberByUser(ctx, group.ID, users[3])

	for _, m := range []*domain.Member{admin, otherAdmin} {
		if _, err := env.svc.PromoteMember(ctx, group.ID, "creator", m.ID); err != nil {
			t.Fatalf("PromoteMember: %v", err)
		}
	}
	_, err := env.svc.PromoteMember(ctx, group.ID, users[1], plain.ID)
	expectErr(t, err, domain.ErrForbidden)
	_, err = env.svc.DemoteMember(ctx, group.ID, "creator", creator.ID)
	expectErr(t, err, domain.ErrInvalidTransition)

	_, err = env.svc.RemoveMember(ctx, group.ID, users[1], otherAdmin.ID)
	expectErr(t, err, domain.ErrForbidden)
	_, err = env.svc.RemoveMember(ctx, group.ID, users[1], creator.ID)
	expectErr(t, err, domain.ErrInvalidTransition)
	_, err = env.svc.RemoveMember(ctx, group.ID, users[3], admin.ID)
	expectErr(t, err, domain.ErrForbidden)

	removed, err := env.svc.RemoveMember(ctx, group.ID, users[1], plain.ID)
	if err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if removed.IsActive || removed.LeftAt == nil {
		t.Fatalf("member should be soft-deleted, got %+v", removed)
	}

	if _, err := env.svc.DemoteMember(ctx, group.ID, "creator", otherAdmin.ID); err != nil {
		t.Fatalf("DemoteMember: %v", err)
	}

	stats, err := env.svc.GroupStats(ctx, group.ID, "creator")
	if err != nil {
		t.Fatalf("GroupStats: %v", err)
	}
	if stats.ActiveMembers != 3 || stats.Approved != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	_, err = env.svc.ListMembers(ctx, group.ID, users[3])
	expectErr(t, err, domain.ErrForbidden)
	env.assertChainValid(t, group.ID)
}

func TestApplicationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bare, err := env.svc.CreateGroup(ctx, "creator", domain.CreateGroupRequest{Name: "No Wallet"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	_, err = env.svc.SubmitApplication(ctx, bare.ID, "newcomer", "")
	expectErr(t, err, domain.ErrWalletRequired)

	group, _ := env.groupWithMembers(t, 2, 60)
	_, err = env.svc.SubmitApplication(ctx, group.ID, "member-1", "")
	expectErr(t, err, domain.ErrAlreadyMember)

	application, err := env.svc.SubmitApplication(ctx, group.ID, "newcomer", "I farm cassava")
	if err != nil {
		t.Fatalf("SubmitApplication: %v", err)
	}
	_, err = env.svc.SubmitApplication(ctx, group.ID, "newcomer", "again")
	expectErr(t, err, domain.ErrDuplicateApplication)

	_, err = env.svc.ReviewApplication(ctx, application.ID, "member-1", domain.DecisionApprove, "")
	expectErr(t, err, domain.ErrForbidden)

	rejected, err := env.svc.ReviewApplication(ctx, application.ID, "creator", domain.DecisionReject, "not now")
	if err != nil {
		t.Fatalf("ReviewApplication: %v", err)
	}
	if rejected.Status != domain.ApplicationRejected {
		t.Fatalf("expected rejection, got %s", rejected.Status)
	}
	_, err = env.svc.ReviewApplication(ctx, application.ID, "creator", domain.DecisionApprove, "")
	expectErr(t, err, domain.ErrApplicationResolved)

	own, err := env.svc.GetApplication(ctx, application.ID, "newcomer")
	if err != nil || own.ID != application.ID {
		t.Fatalf("applicant should read their application: %v", err)
	}
	_, err = env.svc.GetApplication(ctx, application.ID, "stranger")
	expectErr(t, err, domain.ErrForbidden)

	if _, err := env.svc.SubmitApplication(ctx, group.ID, "newcomer", "second try"); err != nil {
		t.Fatalf("a resolved application should not block a new one: %v", err)
	}
}

func TestApprovalRejectedWhenGroupFilledDuringVote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	group, err := env.svc.CreateGroup(ctx, "creator", domain.CreateGroupRequest{Name: "Tiny", MaxMembers: 2})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := env.svc.CreateWallet(ctx, group.ID, "creator", domain.CreateWalletRequest{PIN: testPIN, ApprovalThresholdPercent: 100}); err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}

	first := env.openVoting(t, group.ID, "first")
	second := env.openVoting(t, group.ID, "second")

	result, err := env.svc.CastMembershipVote(ctx, first.ID, "creator", domain.VoteApprove)
	if err != nil || result.Outcome != domain.OutcomeApproved {
		t.Fatalf("first should be approved: %v %+v", err, result)
	}
	// Two eligible voters now, one approval is only 50%.
	result, err = env.svc.CastMembershipVote(ctx, second.ID, "creator", domain.VoteApprove)
	if err != nil || result.Outcome != domain.OutcomePending {
		t.Fatalf("second should still be pending: %v %+v", err, result)
	}
	result, err = env.svc.CastMembershipVote(ctx, second.ID, "first", domain.VoteApprove)
	if err != nil {
		t.Fatalf("second vote on second: %v", err)
	}
	if result.Outcome != domain.OutcomeRejected {
		t.Fatalf("full group should turn approval into rejection, got %s", result.Outcome)
	}
	stored, _ := env.repo.GetApplication(ctx, second.ID)
	if stored.ResolutionReason == nil || *stored.ResolutionReason != reasonGroupFull {
		t.Fatalf("expected group_full reason, got %+v", stored.ResolutionReason)
	}
}

func TestCapabilityTable(t *testing.T) {
	cases := []struct {
		role domain.Role
		cap  Capability
		want bool
	}{
		{domain.RoleMember, CapVote, true},
		{domain.RoleMember, CapPauseGroup, false},
		{domain.RoleMember, CapReviewApplication, false},
		{domain.RoleAdmin, CapPauseGroup, true},
		{domain.RoleAdmin, CapRemoveMember, true},
		{domain.RoleAdmin, CapCloseGroup, false},
		{domain.RoleAdmin, CapChangePIN, false},
		{domain.RoleCreator, CapCloseGroup, true},
		{domain.RoleCreator, CapCreateWallet, true},
		{domain.RoleCreator, CapContribute, true},
		{domain.Role("guest"), CapViewGroup, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.cap); got != tc.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tc.role, tc.cap, got, tc.want)
		}
	}

	if err := authorize(&domain.Member{Role: domain.RoleCreator, IsActive: false}, CapViewGroup); err == nil {
		t.Fatalf("inactive members must be refused")
	}
}
