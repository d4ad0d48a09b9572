/**
 * @description
 * Withdrawal proposals against the group wallet. A request is voted on like a membership
 * application; an approval locks the funds and hands the payout to the disbursement service
 * through the outbox, and the disbursement outcome settles or releases the lock.
 *
 * @notes
 * - Locking happens at approval time with a conditional update, so two approved withdrawals
 *   can never reserve more than the available balance.
 * - CompleteWithdrawal and FailWithdrawal are driven by broker redeliveries and must tolerate
 *   replays.
 */

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
	maxDestinationLength      = 200
	maxWithdrawalReasonLength = 500

	reasonInsufficientGroupBalance = "insufficient_group_balance"
)

// RequestWithdrawal opens a withdrawal proposal for the group to vote on.
func (s *Service) RequestWithdrawal(ctx context.Context, groupID uuid.UUID, requesterUserID string, input domain.WithdrawalRequestInput) (*domain.WithdrawalRequest, error) {
	defer s.observe("request_withdrawal", time.Now())

	input.Destination = strings.TrimSpace(input.Destination)
	input.Reason = strings.TrimSpace(input.Reason)
	if input.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if input.Destination == "" || len(input.Destination) > maxDestinationLength {
		return nil, domain.ErrInvalidInput.WithMessage("destination is required and must be at most %d characters", maxDestinationLength)
	}
	if len(input.Reason) > maxWithdrawalReasonLength {
		return nil, domain.ErrInvalidInput.WithMessage("reason must be at most %d characters", maxWithdrawalReasonLength)
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
	requester, err := s.authorizeUser(ctx, groupID, requesterUserID, CapRequestWithdrawal)
	if err != nil {
		return nil, err
	}
	wallet, err := s.repo.GetWalletByGroup(ctx, groupID)
	if err != nil {
		return nil, storeError(err)
	}
	if input.Amount < wallet.MinWithdrawal {
		return nil, domain.ErrBelowMinimum
	}
	if input.Amount > wallet.Available() {
		return nil, domain.ErrInsufficientGroupBalance
	}

	if wallet.RequirePINForWithdrawal {
		if err := s.consumePINBudget(ctx, groupID, requesterUserID); err != nil {
			return nil, err
		}
		if err := s.verifyPIN(ctx, groupID, input.PIN); err != nil {
			return nil, err
		}
	}

	withdrawal := &domain.WithdrawalRequest{
		ID:                uuid.New(),
		GroupID:           groupID,
		RequesterMemberID: requester.ID,
		Amount:            input.Amount,
		Destination:       input.Destination,
		Reason:            input.Reason,
		Status:            domain.WithdrawalVoting,
		CreatedAt:         s.clock(),
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateWithdrawal(ctx, withdrawal); err != nil {
			return err
		}
		_, err := s.chain.Append(ctx, groupID, domain.AuditWithdrawalRequested, []string{withdrawal.ID.String(), requester.ID.String(), requesterUserID}, map[string]interface{}{
			"withdrawal_id": withdrawal.ID,
			"requester_id":  requester.ID,
			"amount":        withdrawal.Amount,
			"currency":      group.Currency,
			"destination":   withdrawal.Destination,
		})
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}

	log.Printf("level=info component=withdrawal msg=\"withdrawal requested\" group_id=%s withdrawal_id=%s amount=%d", groupID, withdrawal.ID, withdrawal.Amount)
	return withdrawal, nil
}

// finalizeWithdrawal resolves a voting withdrawal inside the caller's transaction. An approval
// whose funds can no longer be locked is recorded as a rejection.
func (s *Service) finalizeWithdrawal(ctx context.Context, group *domain.TrustGroup, withdrawal *domain.WithdrawalRequest, outcome domain.VoteOutcome, reason string) (domain.VoteOutcome, error) {
	now := s.clock()

	if outcome == domain.OutcomeApproved {
		approved, ledgerTx, err := s.repo.ApproveWithdrawal(ctx, store.ApproveWithdrawalParams{
			WithdrawalID:        withdrawal.ID,
			LedgerTransactionID: uuid.New(),
			At:                  now,
		})
		switch {
		case err == nil:
			event := domain.WithdrawalFinalizedEvent{
				EventID:             uuid.New(),
				WithdrawalID:        approved.ID,
				GroupID:             approved.GroupID,
				LedgerTransactionID: ledgerTx.ID,
				Amount:              approved.Amount,
				Currency:            group.Currency,
				Destination:         approved.Destination,
				FinalizedAt:         now,
			}
			if err := s.repo.EnqueueEvent(ctx, s.settings.EventExchange, domain.RoutingKeyWithdrawalFinalized, event); err != nil {
				return "", err
			}
			_, err = s.chain.Append(ctx, approved.GroupID, domain.AuditWithdrawalApproved,
				[]string{approved.ID.String(), approved.RequesterMemberID.String(), ledgerTx.ID.String()},
				map[string]interface{}{
					"withdrawal_id":         approved.ID,
					"amount":                approved.Amount,
					"ledger_transaction_id": ledgerTx.ID,
					"reason":                reason,
				})
			if err != nil {
				return "", err
			}
			s.metrics.RecordFinalization(string(domain.SubjectWithdrawal), string(domain.OutcomeApproved))
			log.Printf("level=info component=withdrawal msg=\"withdrawal approved\" withdrawal_id=%s amount=%d", approved.ID, approved.Amount)
			return domain.OutcomeApproved, nil
		case errors.Is(err, store.ErrInsufficientGroupFunds):
			reason = reasonInsufficientGroupBalance
		default:
			return "", err
		}
	}

	rejected, err := s.repo.RejectWithdrawal(ctx, withdrawal.ID, reason, now)
	if err != nil {
		return "", err
	}
	_, err = s.chain.Append(ctx, rejected.GroupID, domain.AuditWithdrawalRejected,
		[]string{rejected.ID.String(), rejected.RequesterMemberID.String()},
		map[string]interface{}{
			"withdrawal_id": rejected.ID,
			"reason":        reason,
		})
	if err != nil {
		return "", err
	}
	s.metrics.RecordFinalization(string(domain.SubjectWithdrawal), string(domain.OutcomeRejected))
	log.Printf("level=info component=withdrawal msg=\"withdrawal rejected\" withdrawal_id=%s reason=%s", rejected.ID, reason)
	return domain.OutcomeRejected, nil
}

// CompleteWithdrawal settles an approved withdrawal once the payout went through. Replays
// of an already disbursed withdrawal return it unchanged.
func (s *Service) CompleteWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reference string) (*domain.WithdrawalRequest, error) {
	return s.settleWithdrawal(ctx, withdrawalID, true, strings.TrimSpace(reference))
}

// FailWithdrawal releases the locked funds of an approved withdrawal whose payout failed.
func (s *Service) FailWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reason string) (*domain.WithdrawalRequest, error) {
	return s.settleWithdrawal(ctx, withdrawalID, false, strings.TrimSpace(reason))
}

func (s *Service) settleWithdrawal(ctx context.Context, withdrawalID uuid.UUID, succeeded bool, detail string) (*domain.WithdrawalRequest, error) {
	defer s.observe("settle_withdrawal", time.Now())

	lookupCtx, cancel := s.withTimeout(ctx)
	existing, err := s.repo.GetWithdrawal(lookupCtx, withdrawalID)
	cancel()
	if err != nil {
		return nil, storeError(err)
	}

	ctx, done := s.begin(ctx, existing.GroupID)
	defer done()

	target := domain.WithdrawalDisbursed
	eventType := domain.AuditWithdrawalDisbursed
	status := "completed"
	if !succeeded {
		target = domain.WithdrawalFailed
		eventType = domain.AuditWithdrawalFailed
		status = "failed"
	}

	var settled *domain.WithdrawalRequest
	replayed := false
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if current.Status == target {
			settled = current
			replayed = true
			return nil
		}
		if current.Status != domain.WithdrawalApproved {
			return domain.ErrInvalidTransition.WithMessage("withdrawal is %s", current.Status)
		}

		now := s.clock()
		if succeeded {
			settled, err = s.repo.CompleteWithdrawal(ctx, withdrawalID, now)
		} else {
			settled, err = s.repo.FailWithdrawal(ctx, withdrawalID, detail, now)
		}
		if err != nil {
			return err
		}

		refs := []string{settled.ID.String()}
		if settled.LedgerTransactionID != nil {
			refs = append(refs, settled.LedgerTransactionID.String())
		}
		payload := map[string]interface{}{
			"withdrawal_id": settled.ID,
			"amount":        settled.Amount,
		}
		if succeeded {
			payload["reference"] = detail
		} else {
			payload["reason"] = detail
		}
		_, err = s.chain.Append(ctx, settled.GroupID, eventType, refs, payload)
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}

	if replayed {
		log.Printf("level=info component=withdrawal msg=\"settlement replay ignored\" withdrawal_id=%s status=%s", withdrawalID, settled.Status)
		return settled, nil
	}
	s.metrics.RecordDisbursementEvent(status)
	log.Printf("level=info component=withdrawal msg=\"withdrawal settled\" withdrawal_id=%s status=%s", withdrawalID, settled.Status)
	return settled, nil
}

func (s *Service) GetWithdrawal(ctx context.Context, withdrawalID uuid.UUID, viewerUserID string) (*domain.WithdrawalRequest, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	withdrawal, err := s.repo.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, storeError(err)
	}
	if _, err := s.authorizeUser(ctx, withdrawal.GroupID, viewerUserID, CapViewGroup); err != nil {
		return nil, err
	}
	return withdrawal, nil
}

func (s *Service) ListWithdrawals(ctx context.Context, groupID uuid.UUID, viewerUserID string) ([]domain.WithdrawalRequest, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.authorizeUser(ctx, groupID, viewerUserID, CapViewGroup); err != nil {
		return nil, err
	}
	withdrawals, err := s.repo.ListWithdrawals(ctx, groupID)
	if err != nil {
		return nil, storeError(err)
	}
	return withdrawals, nil
}
