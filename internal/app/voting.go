package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/trustgroup-service/internal/domain"
	"github.com/transfa/trustgroup-service/internal/store"
)

const (
	reasonThresholdReached   = "threshold_reached"
	reasonApprovalImpossible = "approval_unreachable"
	reasonVotingExpired      = "voting_expired"
)

var hundred = decimal.NewFromInt(100)

// evaluateTally computes the approval percentage and decides the outcome. A proposal is
// approved as soon as approvals reach the threshold and rejected as soon as the approvals
// still possible cannot reach it.
func evaluateTally(tally domain.Tally, thresholdPercent int) (decimal.Decimal, domain.VoteOutcome) {
	if tally.Eligible <= 0 {
		return decimal.Zero, domain.OutcomePending
	}

	eligible := int64(tally.Eligible)
	threshold := int64(thresholdPercent)
	percentage := decimal.NewFromInt(int64(tally.Approve)).
		Div(decimal.NewFromInt(eligible)).
		Mul(hundred).
		Round(2)

	// Integer comparison keeps 3 of 5 at exactly 60%.
	if int64(tally.Approve)*100 >= threshold*eligible {
		return percentage, domain.OutcomeApproved
	}
	if int64(tally.Approve+tally.Outstanding())*100 < threshold*eligible {
		return percentage, domain.OutcomeRejected
	}
	return percentage, domain.OutcomePending
}

// CastMembershipVote records a vote on a membership application.
func (s *Service) CastMembershipVote(ctx context.Context, applicationID uuid.UUID, voterUserID string, voteType domain.VoteType) (*domain.VotingResult, error) {
	return s.CastVote(ctx, domain.Subject{Kind: domain.SubjectMembership, ID: applicationID}, voterUserID, voteType)
}

// CastWithdrawalVote records a vote on a withdrawal request.
func (s *Service) CastWithdrawalVote(ctx context.Context, withdrawalID uuid.UUID, voterUserID string, voteType domain.VoteType) (*domain.VotingResult, error) {
	return s.CastVote(ctx, domain.Subject{Kind: domain.SubjectWithdrawal, ID: withdrawalID}, voterUserID, voteType)
}

// CastVote records one vote, recomputes the tally against the members active right now and
// finalizes the subject when the outcome is decided.
func (s *Service) CastVote(ctx context.Context, subject domain.Subject, voterUserID string, voteType domain.VoteType) (*domain.VotingResult, error) {
	defer s.observe("cast_vote", time.Now())

	if !voteType.Valid() {
		return nil, domain.ErrInvalidInput.WithMessage("vote_type must be approve or reject")
	}

	groupID, err := s.subjectGroup(ctx, subject)
	if err != nil {
		return nil, err
	}

	ctx, done := s.begin(ctx, groupID)
	defer done()

	group, err := s.activeGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	voter, err := s.repo.GetActiveMemberByUser(ctx, groupID, voterUserID)
	if err != nil {
		if errors.Is(err, store.ErrMemberNotFound) {
			return nil, domain.ErrNotEligibleVoter
		}
		return nil, storeError(err)
	}
	if err := authorize(voter, CapVote); err != nil {
		return nil, domain.ErrNotEligibleVoter
	}

	result := &domain.VotingResult{Subject: subject, ThresholdPercent: group.ApprovalThresholdPercent}
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.lockVotingSubject(ctx, subject); err != nil {
			return err
		}

		vote := &domain.Vote{
			ID:          uuid.New(),
			SubjectKind: subject.Kind,
			SubjectID:   subject.ID,
			GroupID:     groupID,
			VoterID:     voterUserID,
			VoteType:    voteType,
			CastAt:      s.clock(),
		}
		if err := s.repo.InsertVote(ctx, vote); err != nil {
			return err
		}
		result.Vote = vote

		tally, err := s.tally(ctx, subject, groupID)
		if err != nil {
			return err
		}
		result.Tally = tally
		result.ApprovalPercentage, result.Outcome = evaluateTally(tally, group.ApprovalThresholdPercent)

		_, err = s.chain.Append(ctx, groupID, domain.AuditVoteCast, []string{subject.ID.String(), voter.ID.String(), voterUserID}, map[string]interface{}{
			"subject_kind":        subject.Kind,
			"subject_id":          subject.ID,
			"voter_member_id":     voter.ID,
			"vote_type":           voteType,
			"approve":             tally.Approve,
			"reject":              tally.Reject,
			"eligible":            tally.Eligible,
			"approval_percentage": result.ApprovalPercentage.StringFixed(2),
		})
		if err != nil {
			return err
		}

		if result.Outcome == domain.OutcomePending {
			return nil
		}
		reason := reasonThresholdReached
		if result.Outcome == domain.OutcomeRejected {
			reason = reasonApprovalImpossible
		}
		result.Outcome, err = s.finalize(ctx, group, subject, result.Outcome, reason)
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}

	s.metrics.RecordVote(string(subject.Kind), string(voteType))
	log.Printf("level=info component=voting msg=\"vote recorded\" subject_kind=%s subject_id=%s approve=%d reject=%d eligible=%d outcome=%s",
		subject.Kind, subject.ID, result.Tally.Approve, result.Tally.Reject, result.Tally.Eligible, result.Outcome)
	return result, nil
}

// VotingResults reports the live tally of a subject, or its final outcome once resolved.
func (s *Service) VotingResults(ctx context.Context, subject domain.Subject, viewerUserID string) (*domain.VotingResult, error) {
	groupID, err := s.subjectGroup(ctx, subject)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.authorizeUser(ctx, groupID, viewerUserID, CapViewGroup); err != nil {
		return nil, err
	}
	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, storeError(err)
	}
	tally, err := s.tally(ctx, subject, groupID)
	if err != nil {
		return nil, storeError(err)
	}

	percentage, _ := evaluateTally(tally, group.ApprovalThresholdPercent)
	outcome, err := s.resolvedOutcome(ctx, subject)
	if err != nil {
		return nil, err
	}

	return &domain.VotingResult{
		Subject:            subject,
		Tally:              tally,
		ApprovalPercentage: percentage,
		ThresholdPercent:   group.ApprovalThresholdPercent,
		Outcome:            outcome,
	}, nil
}

func (s *Service) ListVotes(ctx context.Context, subject domain.Subject, viewerUserID string) ([]domain.Vote, error) {
	groupID, err := s.subjectGroup(ctx, subject)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.authorizeUser(ctx, groupID, viewerUserID, CapViewGroup); err != nil {
		return nil, err
	}
	votes, err := s.repo.ListVotes(ctx, subject)
	if err != nil {
		return nil, storeError(err)
	}
	return votes, nil
}

func (s *Service) tally(ctx context.Context, subject domain.Subject, groupID uuid.UUID) (domain.Tally, error) {
	approve, reject, err := s.repo.TallyVotes(ctx, subject)
	if err != nil {
		return domain.Tally{}, err
	}
	eligible, err := s.repo.CountActiveMembers(ctx, groupID)
	if err != nil {
		return domain.Tally{}, err
	}
	return domain.Tally{Approve: approve, Reject: reject, Eligible: eligible}, nil
}

func (s *Service) subjectGroup(ctx context.Context, subject domain.Subject) (uuid.UUID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	switch subject.Kind {
	case domain.SubjectMembership:
		application, err := s.repo.GetApplication(ctx, subject.ID)
		if err != nil {
			return uuid.Nil, storeError(err)
		}
		return application.GroupID, nil
	case domain.SubjectWithdrawal:
		withdrawal, err := s.repo.GetWithdrawal(ctx, subject.ID)
		if err != nil {
			return uuid.Nil, storeError(err)
		}
		return withdrawal.GroupID, nil
	default:
		return uuid.Nil, domain.ErrInvalidInput.WithMessage("unknown subject kind %q", subject.Kind)
	}
}

// lockVotingSubject row-locks the subject and checks it is still open for votes.
func (s *Service) lockVotingSubject(ctx context.Context, subject domain.Subject) error {
	switch subject.Kind {
	case domain.SubjectMembership:
		application, err := s.repo.LockApplication(ctx, subject.ID)
		if err != nil {
			return err
		}
		if application.Status != domain.ApplicationVoting {
			return domain.ErrVotingClosed
		}
	case domain.SubjectWithdrawal:
		withdrawal, err := s.repo.LockWithdrawal(ctx, subject.ID)
		if err != nil {
			return err
		}
		if withdrawal.Status != domain.WithdrawalVoting {
			return domain.ErrVotingClosed
		}
	default:
		return domain.ErrInvalidInput
	}
	return nil
}

func (s *Service) resolvedOutcome(ctx context.Context, subject domain.Subject) (domain.VoteOutcome, error) {
	switch subject.Kind {
	case domain.SubjectMembership:
		application, err := s.repo.GetApplication(ctx, subject.ID)
		if err != nil {
			return "", storeError(err)
		}
		switch application.Status {
		case domain.ApplicationApproved:
			return domain.OutcomeApproved, nil
		case domain.ApplicationRejected:
			return domain.OutcomeRejected, nil
		}
	case domain.SubjectWithdrawal:
		withdrawal, err := s.repo.GetWithdrawal(ctx, subject.ID)
		if err != nil {
			return "", storeError(err)
		}
		switch withdrawal.Status {
		case domain.WithdrawalApproved, domain.WithdrawalDisbursed, domain.WithdrawalFailed:
			return domain.OutcomeApproved, nil
		case domain.WithdrawalRejected:
			return domain.OutcomeRejected, nil
		}
	}
	return domain.OutcomePending, nil
}

// finalize applies a decided outcome to the subject inside the caller's transaction.
func (s *Service) finalize(ctx context.Context, group *domain.TrustGroup, subject domain.Subject, outcome domain.VoteOutcome, reason string) (domain.VoteOutcome, error) {
	switch subject.Kind {
	case domain.SubjectMembership:
		application, err := s.repo.GetApplication(ctx, subject.ID)
		if err != nil {
			return "", err
		}
		return s.finalizeMembership(ctx, application, outcome, reason)
	case domain.SubjectWithdrawal:
		withdrawal, err := s.repo.GetWithdrawal(ctx, subject.ID)
		if err != nil {
			return "", err
		}
		return s.finalizeWithdrawal(ctx, group, withdrawal, outcome, reason)
	default:
		return "", domain.ErrInvalidInput
	}
}

type expiringSubject struct {
	subject domain.Subject
	groupID uuid.UUID
}

// ExpireStaleProposals rejects applications and withdrawals that stayed in voting longer than
// the voting window. It returns how many proposals it closed.
func (s *Service) ExpireStaleProposals(ctx context.Context, limit int) (int, error) {
	cutoff := s.clock().Add(-s.settings.VotingWindow)

	listCtx, cancel := s.withTimeout(ctx)
	applications, err := s.repo.ListVotingApplicationsCreatedBefore(listCtx, cutoff, limit)
	if err != nil {
		cancel()
		return 0, storeError(err)
	}
	withdrawals, err := s.repo.ListVotingWithdrawalsCreatedBefore(listCtx, cutoff, limit)
	cancel()
	if err != nil {
		return 0, storeError(err)
	}

	subjects := make([]expiringSubject, 0, len(applications)+len(withdrawals))
	for _, application := range applications {
		subjects = append(subjects, expiringSubject{domain.Subject{Kind: domain.SubjectMembership, ID: application.ID}, application.GroupID})
	}
	for _, withdrawal := range withdrawals {
		subjects = append(subjects, expiringSubject{domain.Subject{Kind: domain.SubjectWithdrawal, ID: withdrawal.ID}, withdrawal.GroupID})
	}

	expired := 0
	var firstErr error
	for _, item := range subjects {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		closed, err := s.expireSubject(ctx, item.groupID, item.subject)
		if err != nil {
			log.Printf("level=warn component=voting msg=\"proposal expiry failed\" subject_kind=%s subject_id=%s err=%v", item.subject.Kind, item.subject.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if closed {
			expired++
		}
	}
	return expired, firstErr
}

func (s *Service) expireSubject(ctx context.Context, groupID uuid.UUID, subject domain.Subject) (bool, error) {
	ctx, done := s.begin(ctx, groupID)
	defer done()

	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return false, storeError(err)
	}

	closed := false
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.lockVotingSubject(ctx, subject); err != nil {
			if errors.Is(err, domain.ErrVotingClosed) {
				return nil
			}
			return err
		}
		if _, err := s.finalize(ctx, group, subject, domain.OutcomeRejected, reasonVotingExpired); err != nil {
			return err
		}
		closed = true
		return nil
	})
	if err != nil {
		return false, storeError(err)
	}
	return closed, nil
}
