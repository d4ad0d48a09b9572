package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoutingKeyWithdrawalFinalized   = "withdrawal.finalized"
	RoutingKeyDisbursementCompleted = "disbursement.status.completed"
	RoutingKeyDisbursementFailed    = "disbursement.status.failed"
)

// WithdrawalFinalizedEvent is published once a withdrawal wins its vote and funds are locked.
// The disbursement service moves the money and reports back with a DisbursementStatusEvent.
type WithdrawalFinalizedEvent struct {
	EventID             uuid.UUID `json:"event_id"`
	WithdrawalID        uuid.UUID `json:"withdrawal_id"`
	GroupID             uuid.UUID `json:"group_id"`
	LedgerTransactionID uuid.UUID `json:"ledger_transaction_id"`
	Amount              int64     `json:"amount"`
	Currency            string    `json:"currency"`
	Destination         string    `json:"destination"`
	FinalizedAt         time.Time `json:"finalized_at"`
}

// DisbursementStatusEvent is emitted by the disbursement service.
type DisbursementStatusEvent struct {
	EventID      string    `json:"event_id"`
	WithdrawalID string    `json:"withdrawal_id"`
	Status       string    `json:"status"`
	Reference    string    `json:"reference"`
	Reason       string    `json:"reason"`
	OccurredAt   time.Time `json:"occurred_at"`
}
