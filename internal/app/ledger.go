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

const maxTopUpAmount = int64(1_000_000_000)

// RecordContribution moves amount from the member's personal wallet into the group wallet.
func (s *Service) RecordContribution(ctx context.Context, groupID, memberID uuid.UUID, amount int64) (*domain.LedgerTransaction, error) {
	defer s.observe("record_contribution", time.Now())

	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
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
	member, err := s.memberOfGroup(ctx, groupID, memberID)
	if err != nil {
		return nil, err
	}
	if err := authorize(member, CapContribute); err != nil {
		return nil, err
	}

	var ledgerTx *domain.LedgerTransaction
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		ledgerTx, err = s.repo.RecordContribution(ctx, store.RecordContributionParams{
			TransactionID: uuid.New(),
			GroupID:       groupID,
			MemberID:      member.ID,
			UserID:        member.UserID,
			Amount:        amount,
			At:            s.clock(),
		})
		if err != nil {
			return err
		}
		_, err = s.chain.Append(ctx, groupID, domain.AuditContribution, []string{member.ID.String(), member.UserID, ledgerTx.ID.String()}, map[string]interface{}{
			"member_id":             member.ID,
			"amount":                amount,
			"currency":              group.Currency,
			"ledger_transaction_id": ledgerTx.ID,
		})
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}

	s.metrics.RecordContribution(amount)
	log.Printf("level=info component=ledger msg=\"contribution recorded\" group_id=%s member_id=%s amount=%d", groupID, member.ID, amount)
	return ledgerTx, nil
}

// ContributeAsUser resolves the caller's membership and records the contribution for it.
func (s *Service) ContributeAsUser(ctx context.Context, groupID uuid.UUID, userID string, amount int64) (*domain.LedgerTransaction, error) {
	lookupCtx, cancel := s.withTimeout(ctx)
	member, err := s.authorizeUser(lookupCtx, groupID, userID, CapContribute)
	cancel()
	if err != nil {
		return nil, err
	}
	return s.RecordContribution(ctx, groupID, member.ID, amount)
}

// GetMemberProgress derives contribution progress against the group's monthly target.
func (s *Service) GetMemberProgress(ctx context.Context, memberID uuid.UUID) (*domain.MemberProgress, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	member, err := s.repo.GetMember(ctx, memberID)
	if err != nil {
		return nil, storeError(err)
	}
	group, err := s.repo.GetGroup(ctx, member.GroupID)
	if err != nil {
		return nil, storeError(err)
	}
	progress := domain.NewMemberProgress(member.ID, member.TotalContributed, group.MonthlyContribution)
	return &progress, nil
}

// MemberProgressForUser is GetMemberProgress restricted to members of the same group.
func (s *Service) MemberProgressForUser(ctx context.Context, memberID uuid.UUID, viewerUserID string) (*domain.MemberProgress, error) {
	lookupCtx, cancel := s.withTimeout(ctx)
	member, err := s.repo.GetMember(lookupCtx, memberID)
	if err == nil {
		_, err = s.authorizeUser(lookupCtx, member.GroupID, viewerUserID, CapViewGroup)
	}
	cancel()
	if err != nil {
		return nil, storeError(err)
	}
	return s.GetMemberProgress(ctx, memberID)
}

// TopUpPersonalWallet credits a user's personal wallet. It is reached through the internal
// API by the funding service.
func (s *Service) TopUpPersonalWallet(ctx context.Context, userID string, amount int64) (*domain.PersonalWallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidInput.WithMessage("user id is required")
	}
	if amount <= 0 || amount > maxTopUpAmount {
		return nil, domain.ErrInvalidAmount
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var wallet *domain.PersonalWallet
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		wallet, err = s.repo.CreditPersonalWallet(ctx, userID, amount, domain.DefaultCurrency)
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}
	log.Printf("level=info component=ledger msg=\"personal wallet topped up\" user_id=%s amount=%d", userID, amount)
	return wallet, nil
}

// GetPersonalWallet returns a zero-balance wallet for users that were never credited.
func (s *Service) GetPersonalWallet(ctx context.Context, userID string) (*domain.PersonalWallet, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	wallet, err := s.repo.GetPersonalWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrPersonalWalletNotFound) {
			return &domain.PersonalWallet{UserID: userID, Currency: domain.DefaultCurrency}, nil
		}
		return nil, storeError(err)
	}
	return wallet, nil
}

func (s *Service) ListLedger(ctx context.Context, groupID uuid.UUID, viewerUserID string, limit int) ([]domain.LedgerTransaction, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.authorizeUser(ctx, groupID, viewerUserID, CapViewGroup); err != nil {
		return nil, err
	}
	transactions, err := s.repo.ListLedgerTransactions(ctx, groupID, limit)
	if err != nil {
		return nil, storeError(err)
	}
	return transactions, nil
}
