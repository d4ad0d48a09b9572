package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/trustgroup-service/internal/domain"
)

const walletColumns = `id, group_id, account_number, pin_hash, balance, locked_balance, pin_attempts, pin_locked_until,
	approval_threshold_percent, min_withdrawal, require_pin_for_withdrawal, created_at`

func scanWallet(row pgx.Row) (*domain.GroupWalletAccount, error) {
	var wallet domain.GroupWalletAccount
	err := row.Scan(
		&wallet.ID,
		&wallet.GroupID,
		&wallet.AccountNumber,
		&wallet.PINHash,
		&wallet.Balance,
		&wallet.LockedBalance,
		&wallet.PINAttempts,
		&wallet.PINLockedUntil,
		&wallet.ApprovalThresholdPercent,
		&wallet.MinWithdrawal,
		&wallet.RequirePINForWithdrawal,
		&wallet.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// CreateWallet inserts the wallet and copies its voting policy onto the group.
func (r *PostgresRepository) CreateWallet(ctx context.Context, wallet *domain.GroupWalletAccount) error {
	return r.WithinTx(ctx, func(ctx context.Context) error {
		q := r.q(ctx)
		_, err := q.Exec(ctx, `
			INSERT INTO group_accounts (id, group_id, account_number, pin_hash, balance, locked_balance, pin_attempts,
				approval_threshold_percent, min_withdrawal, require_pin_for_withdrawal, created_at)
			VALUES ($1, $2, $3, $4, 0, 0, 0, $5, $6, $7, $8)
		`, wallet.ID, wallet.GroupID, wallet.AccountNumber, wallet.PINHash, wallet.ApprovalThresholdPercent,
			wallet.MinWithdrawal, wallet.RequirePINForWithdrawal, wallet.CreatedAt)
		if err != nil {
			if isUniqueViolation(err, "uq_group_accounts_group") {
				return ErrWalletExists
			}
			return err
		}

		result, err := q.Exec(ctx, `
			UPDATE trust_groups
			SET wallet_account_id = $2, approval_threshold_percent = $3, min_withdrawal = $4
			WHERE id = $1
		`, wallet.GroupID, wallet.ID, wallet.ApprovalThresholdPercent, wallet.MinWithdrawal)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrGroupNotFound
		}
		return nil
	})
}

func (r *PostgresRepository) GetWalletByGroup(ctx context.Context, groupID uuid.UUID) (*domain.GroupWalletAccount, error) {
	return scanWallet(r.q(ctx).QueryRow(ctx, `SELECT `+walletColumns+` FROM group_accounts WHERE group_id = $1`, groupID))
}

// ReservePINAttempt atomically takes one attempt from the budget. An expired lock resets the
// counter, so the reserved attempt becomes the first of a fresh window. The attempt that
// spends the budget writes the lock in the same statement.
func (r *PostgresRepository) ReservePINAttempt(ctx context.Context, groupID uuid.UUID, maxAttempts int, lockout time.Duration, now time.Time) (*domain.PINAttempt, error) {
	var attempt domain.PINAttempt
	err := r.q(ctx).QueryRow(ctx, `
		UPDATE group_accounts
		SET
			pin_attempts = CASE
				WHEN pin_locked_until IS NOT NULL AND pin_locked_until <= $3 THEN 1
				ELSE pin_attempts + 1
			END,
			pin_locked_until = CASE
				WHEN (CASE
					WHEN pin_locked_until IS NOT NULL AND pin_locked_until <= $3 THEN 1
					ELSE pin_attempts + 1
				END) >= $2 THEN $4::timestamptz
				ELSE NULL
			END
		WHERE group_id = $1
			AND (
				(pin_locked_until IS NULL AND pin_attempts < $2)
				OR (pin_locked_until IS NOT NULL AND pin_locked_until <= $3)
			)
		RETURNING pin_hash, pin_attempts, pin_locked_until
	`, groupID, maxAttempts, now, now.Add(lockout)).Scan(&attempt.PINHash, &attempt.Attempts, &attempt.LockedUntil)
	if err != nil {
		if err == pgx.ErrNoRows {
			if _, getErr := r.GetWalletByGroup(ctx, groupID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrPINLocked
		}
		return nil, err
	}
	return &attempt, nil
}

// ResetPINAttempts clears failed-attempt counters after a successful verification.
func (r *PostgresRepository) ResetPINAttempts(ctx context.Context, groupID uuid.UUID) error {
	_, err := r.q(ctx).Exec(ctx, `
		UPDATE group_accounts
		SET pin_attempts = 0, pin_locked_until = NULL
		WHERE group_id = $1
	`, groupID)
	return err
}

func (r *PostgresRepository) UpdatePINHash(ctx context.Context, groupID uuid.UUID, pinHash string) error {
	result, err := r.q(ctx).Exec(ctx, `
		UPDATE group_accounts
		SET pin_hash = $2, pin_attempts = 0, pin_locked_until = NULL
		WHERE group_id = $1
	`, groupID, pinHash)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (r *PostgresRepository) UpdateWalletSettings(ctx context.Context, groupID uuid.UUID, requirePINForWithdrawal bool) (*domain.GroupWalletAccount, error) {
	return scanWallet(r.q(ctx).QueryRow(ctx, `
		UPDATE group_accounts
		SET require_pin_for_withdrawal = $2
		WHERE group_id = $1
		RETURNING `+walletColumns,
		groupID, requirePINForWithdrawal,
	))
}

func (r *PostgresRepository) GetPersonalWallet(ctx context.Context, userID string) (*domain.PersonalWallet, error) {
	var wallet domain.PersonalWallet
	err := r.q(ctx).QueryRow(ctx, `
		SELECT user_id, balance, currency, updated_at FROM personal_wallets WHERE user_id = $1
	`, userID).Scan(&wallet.UserID, &wallet.Balance, &wallet.Currency, &wallet.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPersonalWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

func (r *PostgresRepository) CreditPersonalWallet(ctx context.Context, userID string, amount int64, currency string) (*domain.PersonalWallet, error) {
	var wallet domain.PersonalWallet
	err := r.q(ctx).QueryRow(ctx, `
		INSERT INTO personal_wallets (user_id, balance, currency, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET balance = personal_wallets.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING user_id, balance, currency, updated_at
	`, userID, amount, currency).Scan(&wallet.UserID, &wallet.Balance, &wallet.Currency, &wallet.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// RecordContribution moves money with conditional updates only; a short personal balance
// matches zero rows and nothing is written.
func (r *PostgresRepository) RecordContribution(ctx context.Context, params RecordContributionParams) (*domain.LedgerTransaction, error) {
	ledgerTx := &domain.LedgerTransaction{
		ID:           params.TransactionID,
		GroupID:      params.GroupID,
		Type:         domain.TransactionContribution,
		Amount:       params.Amount,
		FromMemberID: &params.MemberID,
		Status:       domain.TransactionCompleted,
		CreatedAt:    params.At,
		CompletedAt:  &params.At,
	}

	err := r.WithinTx(ctx, func(ctx context.Context) error {
		q := r.q(ctx)

		result, err := q.Exec(ctx, `
			UPDATE personal_wallets
			SET balance = balance - $2, updated_at = $3
			WHERE user_id = $1 AND balance >= $2
		`, params.UserID, params.Amount, params.At)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrInsufficientFunds
		}

		result, err = q.Exec(ctx, `UPDATE group_accounts SET balance = balance + $2 WHERE group_id = $1`, params.GroupID, params.Amount)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrWalletNotFound
		}

		result, err = q.Exec(ctx, `
			UPDATE trust_group_members
			SET total_contributed = total_contributed + $3
			WHERE id = $1 AND group_id = $2 AND is_active
		`, params.MemberID, params.GroupID, params.Amount)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrMemberNotFound
		}

		_, err = q.Exec(ctx, `
			INSERT INTO group_wallet_transactions (id, group_id, type, amount, from_member_id, status, created_at, completed_at)
			VALUES ($1, $2, 'contribution', $3, $4, 'completed', $5, $5)
		`, ledgerTx.ID, ledgerTx.GroupID, ledgerTx.Amount, params.MemberID, params.At)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ledgerTx, nil
}

const ledgerColumns = `id, group_id, type, amount, from_member_id, withdrawal_id, status, created_at, completed_at`

func scanLedgerTransaction(row pgx.Row) (*domain.LedgerTransaction, error) {
	var ledgerTx domain.LedgerTransaction
	var txType, status string
	err := row.Scan(
		&ledgerTx.ID,
		&ledgerTx.GroupID,
		&txType,
		&ledgerTx.Amount,
		&ledgerTx.FromMemberID,
		&ledgerTx.WithdrawalID,
		&status,
		&ledgerTx.CreatedAt,
		&ledgerTx.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	ledgerTx.Type = domain.TransactionType(txType)
	ledgerTx.Status = domain.TransactionStatus(status)
	return &ledgerTx, nil
}

func (r *PostgresRepository) ListLedgerTransactions(ctx context.Context, groupID uuid.UUID, limit int) ([]domain.LedgerTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM group_wallet_transactions
		WHERE group_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, groupID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]domain.LedgerTransaction, 0)
	for rows.Next() {
		ledgerTx, err := scanLedgerTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *ledgerTx)
	}
	return transactions, rows.Err()
}
