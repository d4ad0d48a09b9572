package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/trustgroup-service/internal/domain"
	"github.com/transfa/trustgroup-service/internal/store"
)

const (
	maxReasonTextLength = 1000

	reasonGroupFull     = "group_full"
	reasonAlreadyMember = "already_member"
)

// SubmitApplication opens a pending application for applicantUserID to join groupID.
func (s *Service) SubmitApplication(ctx context.Context, groupID uuid.UUID, applicantUserID, reasonText string) (*domain.MembershipApplication, error) {
	defer s.observe("submit_application", time.Now())

	applicantUserID = strings.TrimSpace(applicantUserID)
	reasonText = strings.TrimSpace(reasonText)
	if applicantUserID == "" {
		return nil, domain.ErrForbidden
	}
	if len(reasonText) > maxReasonTextLength {
		return nil, domain.ErrInvalidInput.WithMessage("reason must be at most %d characters", maxReasonTextLength)
	}

	ctx, done := s.begin(ctx, groupID)
	defer done()

	group, err := s.activeGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !group.HasWallet() {
		return nil, domain.ErrWalletRequired
	}

	if _, err := s.repo.GetActiveMemberByUser(ctx, groupID, applicantUserID); err == nil {
		return nil, domain.ErrAlreadyMember
	} else if !errors.Is(err, store.ErrMemberNotFound) {
		return nil, storeError(err)
	}

	active, err := s.repo.CountActiveMembers(ctx, groupID)
	if err != nil {
		return nil, storeError(err)
	}
	if active >= group.MaxMembers {
		return nil, domain.ErrGroupFull
	}

	application := &domain.MembershipApplication{
		ID:              uuid.New(),
		GroupID:         groupID,
		ApplicantUserID: applicantUserID,
		ReasonText:      reasonText,
		Status:          domain.ApplicationPending,
		CreatedAt:       s.clock(),
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateApplication(ctx, application); err != nil {
			return err
		}
		_, err := s.chain.Append(ctx, groupID, domain.AuditApplicationSubmitted, []string{application.ID.String(), applicantUserID}, map[string]interface{}{
			"application_id": application.ID,
			"applicant_id":   applicantUserID,
		})
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}

	log.Printf("level=info component=membership msg=\"application submitted\" group_id=%s application_id=%s", groupID, application.ID)
	return application, nil
}

// ReviewApplication lets the creator open a pending application for voting or reject it.
func (s *Service) ReviewApplication(ctx context.Context, applicationID uuid.UUID, reviewerUserID string, decision domain.ReviewDecision, note string) (*domain.MembershipApplication, error) {
	defer s.observe("review_application", time.Now())

	if decision != domain.DecisionApprove && decision != domain.DecisionReject {
		return nil, domain.ErrInvalidInput.WithMessage("decision must be approve or reject")
	}
	note = strings.TrimSpace(note)
	if len(note) > maxReasonTextLength {
		return nil, domain.ErrInvalidInput.WithMessage("note must be at most %d characters", maxReasonTextLength)
	}

	lookupCtx, cancel := s.withTimeout(ctx)
	existing, err := s.repo.GetApplication(lookupCtx, applicationID)
	cancel()
	if err != nil {
		return nil, storeError(err)
	}

	ctx, done := s.begin(ctx, existing.GroupID)
	defer done()

	if _, err := s.activeGroup(ctx, existing.GroupID); err != nil {
		return nil, err
	}
	reviewer, err := s.authorizeUser(ctx, existing.GroupID, reviewerUserID, CapReviewApplication)
	if err != nil {
		return nil, err
	}

	var reviewed *domain.MembershipApplication
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.LockApplication(ctx, applicationID)
		if err != nil {
			return err
		}
		if current.Status != domain.ApplicationPending {
			return domain.ErrApplicationResolved
		}

		params := store.TransitionApplicationParams{
			ApplicationID: applicationID,
			From:          domain.ApplicationPending,
			To:            domain.ApplicationVoting,
			ReviewedBy:    &reviewerUserID,
			At:            s.clock(),
		}
		eventType := domain.AuditApplicationReviewed
		if decision == domain.DecisionReject {
			params.To = domain.ApplicationRejected
			eventType = domain.AuditApplicationRejected
			if note != "" {
				params.Reason = &note
			}
		}

		reviewed, err = s.repo.TransitionApplication(ctx, params)
		if err != nil {
			return err
		}
		_, err = s.chain.Append(ctx, current.GroupID, eventType, []string{applicationID.String(), current.ApplicantUserID, reviewer.ID.String()}, map[string]interface{}{
			"application_id": applicationID,
			"decision":       decision,
			"reviewer_id":    reviewerUserID,
			"status":         params.To,
		})
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}

	log.Printf("level=info component=membership msg=\"application reviewed\" application_id=%s decision=%s", applicationID, decision)
	return reviewed, nil
}

func (s *Service) GetApplication(ctx context.Context, applicationID uuid.UUID, viewerUserID string) (*domain.MembershipApplication, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	application, err := s.repo.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, storeError(err)
	}
	if application.ApplicantUserID == viewerUserID {
		return application, nil
	}
	if _, err := s.authorizeUser(ctx, application.GroupID, viewerUserID, CapViewGroup); err != nil {
		return nil, err
	}
	return application, nil
}

func (s *Service) ListApplications(ctx context.Context, groupID uuid.UUID, viewerUserID string, status *domain.ApplicationStatus) ([]domain.MembershipApplication, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.authorizeUser(ctx, groupID, viewerUserID, CapViewGroup); err != nil {
		return nil, err
	}
	applications, err := s.repo.ListApplications(ctx, groupID, status)
	if err != nil {
		return nil, storeError(err)
	}
	return applications, nil
}

// finalizeMembership resolves a voting application inside the caller's transaction and
// returns the outcome actually applied. An approval that no longer fits the group becomes a
// rejection.
func (s *Service) finalizeMembership(ctx context.Context, application *domain.MembershipApplication, outcome domain.VoteOutcome, reason string) (domain.VoteOutcome, error) {
	now := s.clock()

	if outcome == domain.OutcomeApproved {
		approved, member, err := s.repo.ApproveApplication(ctx, application.ID, uuid.New(), now)
		switch {
		case err == nil:
			_, err = s.chain.Append(ctx, application.GroupID, domain.AuditMemberApproved,
				[]string{approved.ID.String(), member.ID.String(), member.UserID},
				map[string]interface{}{
					"application_id": approved.ID,
					"member_id":      member.ID,
					"user_id":        member.UserID,
					"member_number":  member.MemberNumber,
				})
			if err != nil {
				return "", err
			}
			s.metrics.RecordFinalization(string(domain.SubjectMembership), string(domain.OutcomeApproved))
			log.Printf("level=info component=membership msg=\"member approved\" application_id=%s member_id=%s", approved.ID, member.ID)
			return domain.OutcomeApproved, nil
		case errors.Is(err, store.ErrGroupFull):
			reason = reasonGroupFull
		case errors.Is(err, store.ErrAlreadyMember):
			reason = reasonAlreadyMember
		default:
			return "", err
		}
	}

	rejected, err := s.repo.TransitionApplication(ctx, store.TransitionApplicationParams{
		ApplicationID: application.ID,
		From:          domain.ApplicationVoting,
		To:            domain.ApplicationRejected,
		Reason:        &reason,
		At:            now,
	})
	if err != nil {
		return "", err
	}
	_, err = s.chain.Append(ctx, application.GroupID, domain.AuditApplicationRejected,
		[]string{rejected.ID.String(), rejected.ApplicantUserID},
		map[string]interface{}{
			"application_id": rejected.ID,
			"reason":         reason,
		})
	if err != nil {
		return "", err
	}
	s.metrics.RecordFinalization(string(domain.SubjectMembership), string(domain.OutcomeRejected))
	log.Printf("level=info component=membership msg=\"application rejected\" application_id=%s reason=%s", rejected.ID, reason)
	return domain.OutcomeRejected, nil
}
