/**
 * @description
 * Error taxonomy shared by every layer of the trustgroup-service. Each error carries a
 * kind (how the caller should react) and a stable code (what happened). The API layer maps
 * kinds to HTTP status codes; the app layer returns these values directly.
 *
 * @notes
 * - errors.Is matches on Code, so wrapped copies produced by WithMessage/Wrap still
 *   compare equal to the package-level sentinels below.
 * - Security errors keep distinct codes for logs and metrics; the API layer renders all of
 *   them as ErrWalletAuthDenied so callers cannot tell a lockout from a wrong PIN.
 */

package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind classifies an error by the reaction expected from the caller.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindConflict       ErrorKind = "conflict"
	KindPolicy         ErrorKind = "policy"
	KindSecurity       ErrorKind = "security"
	KindIntegrity      ErrorKind = "integrity"
	KindInfrastructure ErrorKind = "infrastructure"
	KindNotFound       ErrorKind = "not_found"
	KindForbidden      ErrorKind = "forbidden"
)

// Error is the single error type returned by service operations.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the caller may retry the same request later.
func (e *Error) Retryable() bool { return e.Kind == KindInfrastructure }

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	clone := *e
	clone.Message = fmt.Sprintf(format, args...)
	return &clone
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	clone := *e
	clone.Err = cause
	return &clone
}

// KindOf extracts the kind from err. Unknown errors are treated as infrastructure failures.
func KindOf(err error) ErrorKind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindInfrastructure
}

var (
	ErrInvalidAmount = &Error{Kind: KindValidation, Code: "INVALID_AMOUNT", Message: "amount must be greater than zero"}
	ErrInvalidPIN    = &Error{Kind: KindValidation, Code: "INVALID_PIN", Message: "pin must be 4 to 6 digits"}
	ErrInvalidInput  = &Error{Kind: KindValidation, Code: "INVALID_INPUT", Message: "invalid input"}

	ErrDuplicateApplication = &Error{Kind: KindConflict, Code: "DUPLICATE_APPLICATION", Message: "an unresolved application already exists for this applicant"}
	ErrDuplicateVote        = &Error{Kind: KindConflict, Code: "DUPLICATE_VOTE", Message: "voter has already voted"}
	ErrWalletAlreadyExists  = &Error{Kind: KindConflict, Code: "WALLET_ALREADY_EXISTS", Message: "group already has a wallet"}
	ErrAlreadyMember        = &Error{Kind: KindConflict, Code: "ALREADY_MEMBER", Message: "user is already a member of this group"}
	ErrApplicationResolved  = &Error{Kind: KindConflict, Code: "APPLICATION_RESOLVED", Message: "application is no longer pending review"}
	ErrVotingClosed         = &Error{Kind: KindConflict, Code: "VOTING_CLOSED", Message: "voting is not open for this proposal"}
	ErrInvalidTransition    = &Error{Kind: KindConflict, Code: "INVALID_TRANSITION", Message: "state transition is not allowed"}

	ErrBelowMinimum              = &Error{Kind: KindPolicy, Code: "BELOW_MINIMUM", Message: "amount is below the group's minimum withdrawal"}
	ErrGroupFull                 = &Error{Kind: KindPolicy, Code: "GROUP_FULL", Message: "group has reached its member limit"}
	ErrInsufficientWalletBalance = &Error{Kind: KindPolicy, Code: "INSUFFICIENT_WALLET_BALANCE", Message: "personal wallet balance is too low"}
	ErrInsufficientGroupBalance  = &Error{Kind: KindPolicy, Code: "INSUFFICIENT_GROUP_BALANCE", Message: "group available balance is too low"}
	ErrNotEligibleVoter          = &Error{Kind: KindPolicy, Code: "NOT_ELIGIBLE_VOTER", Message: "voter is not an active member of this group"}
	ErrGroupNotActive            = &Error{Kind: KindPolicy, Code: "GROUP_NOT_ACTIVE", Message: "group is not active"}
	ErrWalletRequired            = &Error{Kind: KindPolicy, Code: "WALLET_REQUIRED", Message: "group needs a wallet before this operation"}
	ErrFundsLocked               = &Error{Kind: KindPolicy, Code: "FUNDS_LOCKED", Message: "group has withdrawals awaiting disbursement"}
	ErrRateLimited               = &Error{Kind: KindPolicy, Code: "RATE_LIMITED", Message: "too many requests"}

	ErrAccountLocked = &Error{Kind: KindSecurity, Code: "ACCOUNT_LOCKED", Message: "wallet authorization denied"}
	ErrPINMismatch   = &Error{Kind: KindSecurity, Code: "PIN_MISMATCH", Message: "wallet authorization denied"}

	// ErrWalletAuthDenied is the only security error that leaves the service.
	ErrWalletAuthDenied = &Error{Kind: KindSecurity, Code: "WALLET_AUTH_DENIED", Message: "wallet authorization denied"}

	ErrChainCorruption = &Error{Kind: KindIntegrity, Code: "CHAIN_CORRUPTION", Message: "audit chain integrity check failed"}

	ErrStoreUnavailable = &Error{Kind: KindInfrastructure, Code: "STORE_UNAVAILABLE", Message: "storage is temporarily unavailable"}

	ErrGroupNotFound       = &Error{Kind: KindNotFound, Code: "GROUP_NOT_FOUND", Message: "group not found"}
	ErrMemberNotFound      = &Error{Kind: KindNotFound, Code: "MEMBER_NOT_FOUND", Message: "member not found"}
	ErrApplicationNotFound = &Error{Kind: KindNotFound, Code: "APPLICATION_NOT_FOUND", Message: "application not found"}
	ErrWalletNotFound      = &Error{Kind: KindNotFound, Code: "WALLET_NOT_FOUND", Message: "wallet not found"}
	ErrWithdrawalNotFound  = &Error{Kind: KindNotFound, Code: "WITHDRAWAL_NOT_FOUND", Message: "withdrawal request not found"}

	ErrForbidden = &Error{Kind: KindForbidden, Code: "FORBIDDEN", Message: "caller is not allowed to perform this operation"}
)

// ChainCorruptionError pinpoints the first corrupted block of a group's audit chain.
type ChainCorruptionError struct {
	GroupID uuid.UUID
	Index   int64
	Reason  string
}

func (e *ChainCorruptionError) Error() string {
	return fmt.Sprintf("audit chain corrupted: group=%s index=%d reason=%s", e.GroupID, e.Index, e.Reason)
}

func (e *ChainCorruptionError) Unwrap() error { return ErrChainCorruption }

// RateLimitError tells the caller how long to back off.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %ds", e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
