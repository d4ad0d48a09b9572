/**
 * @description
 * Wallet, ledger and withdrawal models. A group owns exactly one wallet account; each user
 * owns one personal wallet that funds contributions.
 *
 * @notes
 * - `balance` is everything the group holds; `locked_balance` is the part reserved for
 *   approved withdrawals that have not been disbursed yet.
 * - PIN hashes never leave the store layer in API responses (json:"-").
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GroupWalletAccount maps to the `group_accounts` table.
type GroupWalletAccount struct {
	ID                       uuid.UUID  `json:"id"`
	GroupID                  uuid.UUID  `json:"group_id"`
	AccountNumber            string     `json:"account_number"`
	PINHash                  string     `json:"-"`
	Balance                  int64      `json:"balance"`
	LockedBalance            int64      `json:"locked_balance"`
	PINAttempts              int        `json:"-"`
	PINLockedUntil           *time.Time `json:"-"`
	ApprovalThresholdPercent int        `json:"approval_threshold_percent"`
	MinWithdrawal            int64      `json:"min_withdrawal"`
	RequirePINForWithdrawal  bool       `json:"require_pin_for_withdrawal"`
	CreatedAt                time.Time  `json:"created_at"`
}

// Available is the balance not reserved by approved withdrawals.
func (w *GroupWalletAccount) Available() int64 { return w.Balance - w.LockedBalance }

// PersonalWallet maps to `personal_wallets`; it is debited by contributions.
type PersonalWallet struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateWalletRequest is the DTO for wallet provisioning.
type CreateWalletRequest struct {
	PIN                      string `json:"pin"`
	ApprovalThresholdPercent int    `json:"approval_threshold_percent"`
	MinWithdrawal            int64  `json:"min_withdrawal"`
}

// PINAttempt is the result of atomically reserving one PIN verification attempt.
type PINAttempt struct {
	PINHash  string
	Attempts int
	// LockedUntil is set when this attempt spent the last of the budget.
	LockedUntil *time.Time
}

type TransactionType string

const (
	TransactionContribution TransactionType = "contribution"
	TransactionWithdrawal   TransactionType = "withdrawal"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// LedgerTransaction maps to `group_wallet_transactions`.
type LedgerTransaction struct {
	ID           uuid.UUID         `json:"id"`
	GroupID      uuid.UUID         `json:"group_id"`
	Type         TransactionType   `json:"type"`
	Amount       int64             `json:"amount"`
	FromMemberID *uuid.UUID        `json:"from_member_id,omitempty"`
	WithdrawalID *uuid.UUID        `json:"withdrawal_id,omitempty"`
	Status       TransactionStatus `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

type WithdrawalStatus string

const (
	WithdrawalVoting    WithdrawalStatus = "voting"
	WithdrawalApproved  WithdrawalStatus = "approved"
	WithdrawalRejected  WithdrawalStatus = "rejected"
	WithdrawalDisbursed WithdrawalStatus = "disbursed"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

// WithdrawalRequest maps to `withdrawal_requests`.
type WithdrawalRequest struct {
	ID                  uuid.UUID        `json:"id"`
	GroupID             uuid.UUID        `json:"group_id"`
	RequesterMemberID   uuid.UUID        `json:"requester_member_id"`
	Amount              int64            `json:"amount"`
	Destination         string           `json:"destination"`
	Reason              string           `json:"reason"`
	Status              WithdrawalStatus `json:"status"`
	LedgerTransactionID *uuid.UUID       `json:"ledger_transaction_id,omitempty"`
	FailureReason       *string          `json:"failure_reason,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	ResolvedAt          *time.Time       `json:"resolved_at,omitempty"`
}

// WithdrawalRequestInput is the DTO for opening a withdrawal proposal.
type WithdrawalRequestInput struct {
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
	Reason      string `json:"reason"`
	PIN         string `json:"pin"`
}

// MemberProgress is derived on every read from the member's contributions and the group target.
type MemberProgress struct {
	MemberID        uuid.UUID       `json:"member_id"`
	Contributed     int64           `json:"contributed"`
	Target          int64           `json:"target"`
	PercentComplete decimal.Decimal `json:"percent_complete"`
	AmountOwed      int64           `json:"amount_owed"`
}

var hundred = decimal.NewFromInt(100)

// NewMemberProgress computes progress towards target. A zero target counts as complete.
func NewMemberProgress(memberID uuid.UUID, contributed, target int64) MemberProgress {
	progress := MemberProgress{
		MemberID:        memberID,
		Contributed:     contributed,
		Target:          target,
		PercentComplete: hundred,
	}
	if target > 0 {
		percent := decimal.NewFromInt(contributed).Div(decimal.NewFromInt(target)).Mul(hundred).Round(2)
		if percent.GreaterThan(hundred) {
			percent = hundred
		}
		progress.PercentComplete = percent
	}
	if owed := target - contributed; owed > 0 {
		progress.AmountOwed = owed
	}
	return progress
}
