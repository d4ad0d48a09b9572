package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/trustgroup-service/internal/domain"
)

const withdrawalColumns = `id, group_id, requester_member_id, amount, destination, reason, status,
	ledger_transaction_id, failure_reason, created_at, resolved_at`

func scanWithdrawal(row pgx.Row) (*domain.WithdrawalRequest, error) {
	var withdrawal domain.WithdrawalRequest
	var status string
	err := row.Scan(
		&withdrawal.ID,
		&withdrawal.GroupID,
		&withdrawal.RequesterMemberID,
		&withdrawal.Amount,
		&withdrawal.Destination,
		&withdrawal.Reason,
		&status,
		&withdrawal.LedgerTransactionID,
		&withdrawal.FailureReason,
		&withdrawal.CreatedAt,
		&withdrawal.ResolvedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	withdrawal.Status = domain.WithdrawalStatus(status)
	return &withdrawal, nil
}

func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, withdrawal *domain.WithdrawalRequest) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO withdrawal_requests (id, group_id, requester_member_id, amount, destination, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, withdrawal.ID, withdrawal.GroupID, withdrawal.RequesterMemberID, withdrawal.Amount, withdrawal.Destination,
		withdrawal.Reason, string(withdrawal.Status), withdrawal.CreatedAt)
	return err
}

func (r *PostgresRepository) GetWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error) {
	return scanWithdrawal(r.q(ctx).QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, withdrawalID))
}

func (r *PostgresRepository) LockWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error) {
	return scanWithdrawal(r.q(ctx).QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, withdrawalID))
}

func (r *PostgresRepository) ListWithdrawals(ctx context.Context, groupID uuid.UUID) ([]domain.WithdrawalRequest, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		WHERE group_id = $1
		ORDER BY created_at DESC
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWithdrawals(rows)
}

func collectWithdrawals(rows pgx.Rows) ([]domain.WithdrawalRequest, error) {
	withdrawals := make([]domain.WithdrawalRequest, 0)
	for rows.Next() {
		withdrawal, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, *withdrawal)
	}
	return withdrawals, rows.Err()
}

// ApproveWithdrawal reserves the amount in locked_balance with a single conditional update,
// then opens the pending ledger row. Funds leave the wallet only in CompleteWithdrawal.
func (r *PostgresRepository) ApproveWithdrawal(ctx context.Context, params ApproveWithdrawalParams) (*domain.WithdrawalRequest, *domain.LedgerTransaction, error) {
	var withdrawal *domain.WithdrawalRequest
	var ledgerTx *domain.LedgerTransaction

	err := r.WithinTx(ctx, func(ctx context.Context) error {
		q := r.q(ctx)

		current, err := r.LockWithdrawal(ctx, params.WithdrawalID)
		if err != nil {
			return err
		}
		if current.Status != domain.WithdrawalVoting {
			return ErrStateConflict
		}

		result, err := q.Exec(ctx, `
			UPDATE group_accounts
			SET locked_balance = locked_balance + $2
			WHERE group_id = $1 AND balance - locked_balance >= $2
		`, current.GroupID, current.Amount)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrInsufficientGroupFunds
		}

		// Read after taking the wallet row lock so a close that committed meanwhile is seen.
		var groupStatus string
		if err := q.QueryRow(ctx, `SELECT status FROM trust_groups WHERE id = $1`, current.GroupID).Scan(&groupStatus); err != nil {
			return err
		}
		if domain.GroupStatus(groupStatus) == domain.GroupStatusClosed {
			return ErrStateConflict
		}

		ledgerTx, err = scanLedgerTransaction(q.QueryRow(ctx, `
			INSERT INTO group_wallet_transactions (id, group_id, type, amount, withdrawal_id, status, created_at)
			VALUES ($1, $2, 'withdrawal', $3, $4, 'pending', $5)
			RETURNING `+ledgerColumns,
			params.LedgerTransactionID, current.GroupID, current.Amount, current.ID, params.At,
		))
		if err != nil {
			return err
		}

		withdrawal, err = scanWithdrawal(q.QueryRow(ctx, `
			UPDATE withdrawal_requests
			SET status = 'approved', ledger_transaction_id = $2, resolved_at = $3
			WHERE id = $1
			RETURNING `+withdrawalColumns,
			current.ID, ledgerTx.ID, params.At,
		))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return withdrawal, ledgerTx, nil
}

func (r *PostgresRepository) RejectWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reason string, at time.Time) (*domain.WithdrawalRequest, error) {
	withdrawal, err := scanWithdrawal(r.q(ctx).QueryRow(ctx, `
		UPDATE withdrawal_requests
		SET status = 'rejected', failure_reason = $2, resolved_at = $3
		WHERE id = $1 AND status = 'voting'
		RETURNING `+withdrawalColumns,
		withdrawalID, reason, at,
	))
	if errors.Is(err, ErrWithdrawalNotFound) {
		if _, getErr := r.GetWithdrawal(ctx, withdrawalID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStateConflict
	}
	return withdrawal, err
}

// CompleteWithdrawal releases the reservation and debits the balance in one statement.
func (r *PostgresRepository) CompleteWithdrawal(ctx context.Context, withdrawalID uuid.UUID, at time.Time) (*domain.WithdrawalRequest, error) {
	var withdrawal *domain.WithdrawalRequest

	err := r.WithinTx(ctx, func(ctx context.Context) error {
		q := r.q(ctx)

		current, err := r.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if current.Status != domain.WithdrawalApproved {
			return ErrStateConflict
		}

		result, err := q.Exec(ctx, `
			UPDATE group_accounts
			SET balance = balance - $2, locked_balance = locked_balance - $2
			WHERE group_id = $1 AND locked_balance >= $2 AND balance >= $2
		`, current.GroupID, current.Amount)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrInsufficientGroupFunds
		}

		if _, err := q.Exec(ctx, `
			UPDATE group_wallet_transactions
			SET status = 'completed', completed_at = $2
			WHERE withdrawal_id = $1 AND status = 'pending'
		`, current.ID, at); err != nil {
			return err
		}

		withdrawal, err = scanWithdrawal(q.QueryRow(ctx, `
			UPDATE withdrawal_requests
			SET status = 'disbursed', resolved_at = $2
			WHERE id = $1
			RETURNING `+withdrawalColumns,
			current.ID, at,
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return withdrawal, nil
}

// FailWithdrawal returns the reserved amount to the available balance.
func (r *PostgresRepository) FailWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reason string, at time.Time) (*domain.WithdrawalRequest, error) {
	var withdrawal *domain.WithdrawalRequest

	err := r.WithinTx(ctx, func(ctx context.Context) error {
		q := r.q(ctx)

		current, err := r.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if current.Status != domain.WithdrawalApproved {
			return ErrStateConflict
		}

		result, err := q.Exec(ctx, `
			UPDATE group_accounts
			SET locked_balance = locked_balance - $2
			WHERE group_id = $1 AND locked_balance >= $2
		`, current.GroupID, current.Amount)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrInsufficientGroupFunds
		}

		if _, err := q.Exec(ctx, `
			UPDATE group_wallet_transactions
			SET status = 'failed', completed_at = $2
			WHERE withdrawal_id = $1 AND status = 'pending'
		`, current.ID, at); err != nil {
			return err
		}

		withdrawal, err = scanWithdrawal(q.QueryRow(ctx, `
			UPDATE withdrawal_requests
			SET status = 'failed', failure_reason = $2, resolved_at = $3
			WHERE id = $1
			RETURNING `+withdrawalColumns,
			current.ID, reason, at,
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return withdrawal, nil
}

func (r *PostgresRepository) ListVotingWithdrawalsCreatedBefore(ctx context.Context, before time.Time, limit int) ([]domain.WithdrawalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		WHERE status = 'voting' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWithdrawals(rows)
}
