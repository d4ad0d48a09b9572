package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/trustgroup-service/internal/domain"
	"github.com/transfa/trustgroup-service/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const (
	accountNumberPrefix = "ICAN-GROUP-"
	accountNumberDigits = 16

	pinRateWindow = time.Minute
)

var pinPattern = regexp.MustCompile(`^\d{4,6}$`)

// CreateWallet provisions the group's shared wallet. Only the creator may do this, once.
func (s *Service) CreateWallet(ctx context.Context, groupID uuid.UUID, creatorUserID string, req domain.CreateWalletRequest) (*domain.GroupWalletAccount, error) {
	defer s.observe("create_wallet", time.Now())

	if !pinPattern.MatchString(req.PIN) {
		return nil, domain.ErrInvalidPIN
	}
	threshold := req.ApprovalThresholdPercent
	if threshold == 0 {
		threshold = s.settings.DefaultApprovalThreshold
	}
	if threshold < 1 || threshold > 100 {
		return nil, domain.ErrInvalidInput.WithMessage("approval_threshold_percent must be between 1 and 100")
	}
	minWithdrawal := req.MinWithdrawal
	if minWithdrawal < 0 {
		return nil, domain.ErrInvalidInput.WithMessage("min_withdrawal must not be negative")
	}
	if minWithdrawal == 0 {
		minWithdrawal = domain.DefaultMinWithdrawal
	}

	ctx, done := s.begin(ctx, groupID)
	defer done()

	group, err := s.activeGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizeUser(ctx, groupID, creatorUserID, CapCreateWallet); err != nil {
		return nil, err
	}
	if group.HasWallet() {
		return nil, domain.ErrWalletAlreadyExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), s.settings.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash pin: %w", err)
	}
	accountNumber, err := generateAccountNumber()
	if err != nil {
		return nil, err
	}

	wallet := &domain.GroupWalletAccount{
		ID:                       uuid.New(),
		GroupID:                  groupID,
		AccountNumber:            accountNumber,
		PINHash:                  string(hash),
		ApprovalThresholdPercent: threshold,
		MinWithdrawal:            minWithdrawal,
		CreatedAt:                s.clock(),
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateWallet(ctx, wallet); err != nil {
			return err
		}
		_, err := s.chain.Append(ctx, groupID, domain.AuditWalletCreated, []string{wallet.ID.String(), creatorUserID}, map[string]interface{}{
			"wallet_id":                  wallet.ID,
			"account_number":             wallet.AccountNumber,
			"approval_threshold_percent": threshold,
			"min_withdrawal":             minWithdrawal,
		})
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}

	log.Printf("level=info component=wallet msg=\"wallet created\" group_id=%s wallet_id=%s", groupID, wallet.ID)
	return wallet, nil
}

// generateAccountNumber returns ICAN-GROUP- followed by 16 random digits.
func generateAccountNumber() (string, error) {
	var b strings.Builder
	b.Grow(len(accountNumberPrefix) + accountNumberDigits)
	b.WriteString(accountNumberPrefix)
	ten := big.NewInt(10)
	for i := 0; i < accountNumberDigits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate account number: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// VerifyPIN checks pin against the group wallet on behalf of userID.
func (s *Service) VerifyPIN(ctx context.Context, groupID uuid.UUID, userID, pin string) error {
	defer s.observe("verify_pin", time.Now())

	ctx, done := s.begin(ctx, groupID)
	defer done()

	if _, err := s.openGroup(ctx, groupID); err != nil {
		return err
	}
	if _, err := s.authorizeUser(ctx, groupID, userID, CapVerifyPIN); err != nil {
		return err
	}
	if err := s.consumePINBudget(ctx, groupID, userID); err != nil {
		return err
	}
	return s.verifyPIN(ctx, groupID, pin)
}

// verifyPIN reserves an attempt before comparing so concurrent guesses cannot exceed the
// budget. It must run outside WithinTx: a rolled back transaction would forget the attempt.
func (s *Service) verifyPIN(ctx context.Context, groupID uuid.UUID, pin string) error {
	now := s.clock()
	attempt, err := s.repo.ReservePINAttempt(ctx, groupID, s.settings.PINMaxAttempts, s.settings.PINLockout, now)
	if err != nil {
		if errors.Is(err, store.ErrPINLocked) {
			s.metrics.RecordPINVerification("locked")
			return domain.ErrAccountLocked
		}
		return storeError(err)
	}

	if !pinPattern.MatchString(pin) || bcrypt.CompareHashAndPassword([]byte(attempt.PINHash), []byte(pin)) != nil {
		s.metrics.RecordPINVerification("mismatch")
		if attempt.LockedUntil != nil {
			s.recordPINLockout(ctx, groupID, *attempt.LockedUntil, attempt.Attempts)
		}
		return domain.ErrPINMismatch
	}

	if err := s.repo.ResetPINAttempts(ctx, groupID); err != nil {
		return storeError(err)
	}
	s.metrics.RecordPINVerification("success")
	return nil
}

// recordPINLockout reports a lock already written by ReservePINAttempt. Failures here are
// logged only; the lock itself is in force either way.
func (s *Service) recordPINLockout(ctx context.Context, groupID uuid.UUID, until time.Time, attempts int) {
	s.metrics.IncrementPINLockouts()
	log.Printf("level=warn component=wallet msg=\"pin locked\" group_id=%s attempts=%d locked_until=%s", groupID, attempts, until.Format(time.RFC3339))

	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		_, err := s.chain.Append(ctx, groupID, domain.AuditPINLocked, nil, map[string]interface{}{
			"attempts":     attempts,
			"locked_until": until,
		})
		return err
	})
	if err != nil {
		log.Printf("level=error component=wallet msg=\"failed to audit pin lock\" group_id=%s err=%v", groupID, err)
	}
}

// consumePINBudget applies the per group and user rate limit ahead of PIN comparisons. A
// limiter outage lets the request through; the attempt counter still bounds guessing.
func (s *Service) consumePINBudget(ctx context.Context, groupID uuid.UUID, userID string) error {
	limit := s.settings.PINRateLimitPerMinute
	if s.limiter == nil || limit <= 0 {
		return nil
	}

	decision, err := s.limiter.AllowPINAttempt(ctx, groupID, userID, limit, pinRateWindow)
	if err != nil {
		log.Printf("level=warn component=wallet msg=\"rate limiter unavailable\" group_id=%s err=%v", groupID, err)
		return nil
	}
	if !decision.Allowed {
		s.metrics.RecordPINVerification("rate_limited")
		return &domain.RateLimitError{RetryAfterSeconds: decision.RetryAfterSeconds()}
	}
	return nil
}

// ChangePIN replaces the wallet PIN after the current one verifies.
func (s *Service) ChangePIN(ctx context.Context, groupID uuid.UUID, actorUserID, currentPIN, newPIN string) error {
	defer s.observe("change_pin", time.Now())

	if !pinPattern.MatchString(newPIN) {
		return domain.ErrInvalidPIN
	}

	ctx, done := s.begin(ctx, groupID)
	defer done()

	if _, err := s.openGroup(ctx, groupID); err != nil {
		return err
	}
	actor, err := s.authorizeUser(ctx, groupID, actorUserID, CapChangePIN)
	if err != nil {
		return err
	}
	if err := s.consumePINBudget(ctx, groupID, actorUserID); err != nil {
		return err
	}
	if err := s.verifyPIN(ctx, groupID, currentPIN); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPIN), s.settings.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.UpdatePINHash(ctx, groupID, string(hash)); err != nil {
			return err
		}
		_, err := s.chain.Append(ctx, groupID, domain.AuditPINChanged, []string{actor.ID.String(), actorUserID}, map[string]interface{}{
			"changed_by": actor.ID,
		})
		return err
	})
	if err != nil {
		return storeError(err)
	}

	log.Printf("level=info component=wallet msg=\"pin changed\" group_id=%s", groupID)
	return nil
}

func (s *Service) GetWallet(ctx context.Context, groupID uuid.UUID, viewerUserID string) (*domain.GroupWalletAccount, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.authorizeUser(ctx, groupID, viewerUserID, CapViewGroup); err != nil {
		return nil, err
	}
	wallet, err := s.repo.GetWalletByGroup(ctx, groupID)
	if err != nil {
		return nil, storeError(err)
	}
	return wallet, nil
}

// UpdateWalletSettings toggles whether withdrawal requests must carry the wallet PIN.
func (s *Service) UpdateWalletSettings(ctx context.Context, groupID uuid.UUID, actorUserID string, requirePINForWithdrawal bool) (*domain.GroupWalletAccount, error) {
	ctx, done := s.begin(ctx, groupID)
	defer done()

	if _, err := s.openGroup(ctx, groupID); err != nil {
		return nil, err
	}
	actor, err := s.authorizeUser(ctx, groupID, actorUserID, CapUpdateWalletSettings)
	if err != nil {
		return nil, err
	}

	var wallet *domain.GroupWalletAccount
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		wallet, err = s.repo.UpdateWalletSettings(ctx, groupID, requirePINForWithdrawal)
		if err != nil {
			return err
		}
		_, err = s.chain.Append(ctx, groupID, domain.AuditWalletSettings, []string{wallet.ID.String(), actor.ID.String()}, map[string]interface{}{
			"require_pin_for_withdrawal": requirePINForWithdrawal,
		})
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}
	return wallet, nil
}
