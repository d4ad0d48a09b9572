/**
 * @description
 * This file defines the `Repository` interface, the single contract for every data access
 * operation of the trustgroup-service. Balance movements, PIN attempt accounting, vote
 * uniqueness and audit block ordering are enforced here, at the store level, so that the
 * application layer never does check-then-write on shared state.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/trustgroup-service/internal/domain"
)

var (
	ErrGroupNotFound          = errors.New("group not found")
	ErrMemberNotFound         = errors.New("member not found")
	ErrApplicationNotFound    = errors.New("application not found")
	ErrWalletNotFound         = errors.New("wallet not found")
	ErrPersonalWalletNotFound = errors.New("personal wallet not found")
	ErrWithdrawalNotFound     = errors.New("withdrawal request not found")
	ErrDuplicateApplication   = errors.New("unresolved application already exists")
	ErrDuplicateVote          = errors.New("vote already recorded")
	ErrWalletExists           = errors.New("wallet already exists")
	ErrAlreadyMember          = errors.New("user already a member")
	ErrGroupFull              = errors.New("group is full")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientGroupFunds = errors.New("insufficient group funds")
	ErrPINLocked              = errors.New("pin attempts exhausted")
	ErrStateConflict          = errors.New("record is not in the expected state")
	ErrFundsLocked            = errors.New("group wallet has locked funds")
	ErrAuditIndexConflict     = errors.New("audit block index already taken")
	ErrUnavailable            = errors.New("store unavailable")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// WithinTx runs fn in one database transaction. Repository calls made with the ctx
	// passed to fn join that transaction; nested calls reuse the outer one.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	// ReadSnapshot runs fn against one committed view of the store, so reads spread over
	// several queries agree with each other. fn must not write.
	ReadSnapshot(ctx context.Context, fn func(ctx context.Context) error) error

	// Group methods
	CreateGroup(ctx context.Context, group *domain.TrustGroup, creator *domain.Member) error
	GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.TrustGroup, error)
	ListGroupsForUser(ctx context.Context, userID string) ([]domain.TrustGroup, error)
	ListGroupIDs(ctx context.Context) ([]uuid.UUID, error)
	// UpdateGroupStatus moves the group from one of from to to. Closing fails with
	// ErrFundsLocked while the wallet holds locked funds.
	UpdateGroupStatus(ctx context.Context, groupID uuid.UUID, from []domain.GroupStatus, to domain.GroupStatus, at time.Time) (*domain.TrustGroup, error)

	// Member methods
	GetMember(ctx context.Context, memberID uuid.UUID) (*domain.Member, error)
	GetActiveMemberByUser(ctx context.Context, groupID uuid.UUID, userID string) (*domain.Member, error)
	ListMembers(ctx context.Context, groupID uuid.UUID, activeOnly bool) ([]domain.Member, error)
	CountActiveMembers(ctx context.Context, groupID uuid.UUID) (int, error)
	UpdateMemberRole(ctx context.Context, memberID uuid.UUID, role domain.Role) (*domain.Member, error)
	DeactivateMember(ctx context.Context, memberID uuid.UUID, at time.Time) (*domain.Member, error)

	// Membership application methods
	CreateApplication(ctx context.Context, application *domain.MembershipApplication) error
	GetApplication(ctx context.Context, applicationID uuid.UUID) (*domain.MembershipApplication, error)
	// LockApplication reads the application with a row lock when called inside WithinTx.
	LockApplication(ctx context.Context, applicationID uuid.UUID) (*domain.MembershipApplication, error)
	ListApplications(ctx context.Context, groupID uuid.UUID, status *domain.ApplicationStatus) ([]domain.MembershipApplication, error)
	TransitionApplication(ctx context.Context, params TransitionApplicationParams) (*domain.MembershipApplication, error)
	// ApproveApplication moves a voting application to approved and admits the applicant
	// as a member with the next member number, refusing when the group is full.
	ApproveApplication(ctx context.Context, applicationID uuid.UUID, memberID uuid.UUID, at time.Time) (*domain.MembershipApplication, *domain.Member, error)
	CountApplicationsByStatus(ctx context.Context, groupID uuid.UUID) (map[domain.ApplicationStatus]int, error)
	ListVotingApplicationsCreatedBefore(ctx context.Context, before time.Time, limit int) ([]domain.MembershipApplication, error)

	// Vote methods
	InsertVote(ctx context.Context, vote *domain.Vote) error
	TallyVotes(ctx context.Context, subject domain.Subject) (approve int, reject int, err error)
	ListVotes(ctx context.Context, subject domain.Subject) ([]domain.Vote, error)

	// Group wallet methods
	CreateWallet(ctx context.Context, wallet *domain.GroupWalletAccount) error
	GetWalletByGroup(ctx context.Context, groupID uuid.UUID) (*domain.GroupWalletAccount, error)
	// ReservePINAttempt counts one verification attempt before the PIN is compared. The
	// attempt that reaches maxAttempts locks the wallet until now+lockout in the same write.
	// It returns ErrPINLocked while a lock is in force.
	ReservePINAttempt(ctx context.Context, groupID uuid.UUID, maxAttempts int, lockout time.Duration, now time.Time) (*domain.PINAttempt, error)
	ResetPINAttempts(ctx context.Context, groupID uuid.UUID) error
	UpdatePINHash(ctx context.Context, groupID uuid.UUID, pinHash string) error
	UpdateWalletSettings(ctx context.Context, groupID uuid.UUID, requirePINForWithdrawal bool) (*domain.GroupWalletAccount, error)

	// Personal wallet and ledger methods
	GetPersonalWallet(ctx context.Context, userID string) (*domain.PersonalWallet, error)
	CreditPersonalWallet(ctx context.Context, userID string, amount int64, currency string) (*domain.PersonalWallet, error)
	// RecordContribution debits the contributor, credits the group wallet, bumps the
	// member's running total and writes a completed ledger row, all or nothing.
	RecordContribution(ctx context.Context, params RecordContributionParams) (*domain.LedgerTransaction, error)
	ListLedgerTransactions(ctx context.Context, groupID uuid.UUID, limit int) ([]domain.LedgerTransaction, error)

	// Withdrawal methods
	CreateWithdrawal(ctx context.Context, withdrawal *domain.WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error)
	LockWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, groupID uuid.UUID) ([]domain.WithdrawalRequest, error)
	ApproveWithdrawal(ctx context.Context, params ApproveWithdrawalParams) (*domain.WithdrawalRequest, *domain.LedgerTransaction, error)
	RejectWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reason string, at time.Time) (*domain.WithdrawalRequest, error)
	CompleteWithdrawal(ctx context.Context, withdrawalID uuid.UUID, at time.Time) (*domain.WithdrawalRequest, error)
	FailWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reason string, at time.Time) (*domain.WithdrawalRequest, error)
	ListVotingWithdrawalsCreatedBefore(ctx context.Context, before time.Time, limit int) ([]domain.WithdrawalRequest, error)

	// Audit chain methods
	// LockAuditChain serializes appends to one group's chain until the surrounding
	// transaction ends.
	LockAuditChain(ctx context.Context, groupID uuid.UUID) error
	GetAuditHead(ctx context.Context, groupID uuid.UUID) (*domain.AuditBlock, error)
	InsertAuditBlock(ctx context.Context, block *domain.AuditBlock) error
	ListAuditBlocks(ctx context.Context, groupID uuid.UUID) ([]domain.AuditBlock, error)
	ListAuditBlocksByEntity(ctx context.Context, entityID string, afterSeq int64, limit int) ([]domain.AuditBlock, error)

	// Outbox methods
	EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

type TransitionApplicationParams struct {
	ApplicationID uuid.UUID
	From          domain.ApplicationStatus
	To            domain.ApplicationStatus
	ReviewedBy    *string
	Reason        *string
	At            time.Time
}

type RecordContributionParams struct {
	TransactionID uuid.UUID
	GroupID       uuid.UUID
	MemberID      uuid.UUID
	UserID        string
	Amount        int64
	At            time.Time
}

type ApproveWithdrawalParams struct {
	WithdrawalID        uuid.UUID
	LedgerTransactionID uuid.UUID
	At                  time.Time
}

// OutboxMessage is a claimed row of `event_outbox`.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}
