package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationVoting   ApplicationStatus = "voting"
	ApplicationApproved ApplicationStatus = "approved"
	ApplicationRejected ApplicationStatus = "rejected"
)

// Resolved reports whether the application reached a terminal state.
func (s ApplicationStatus) Resolved() bool {
	return s == ApplicationApproved || s == ApplicationRejected
}

// MembershipApplication maps to `membership_applications`.
type MembershipApplication struct {
	ID               uuid.UUID         `json:"id"`
	GroupID          uuid.UUID         `json:"group_id"`
	ApplicantUserID  string            `json:"applicant_user_id"`
	ReasonText       string            `json:"reason_text"`
	Status           ApplicationStatus `json:"status"`
	ReviewedBy       *string           `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time        `json:"reviewed_at,omitempty"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
	ResolutionReason *string           `json:"resolution_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
)

// SubjectKind discriminates what a ballot is deciding.
type SubjectKind string

const (
	SubjectMembership SubjectKind = "membership"
	SubjectWithdrawal SubjectKind = "withdrawal"
)

// Subject identifies a proposal that members vote on.
type Subject struct {
	Kind SubjectKind `json:"kind"`
	ID   uuid.UUID   `json:"id"`
}

type VoteType string

const (
	VoteApprove VoteType = "approve"
	VoteReject  VoteType = "reject"
)

func (v VoteType) Valid() bool { return v == VoteApprove || v == VoteReject }

// Vote maps to `membership_votes`. One row per (subject_kind, subject_id, voter_id).
type Vote struct {
	ID          uuid.UUID   `json:"id"`
	SubjectKind SubjectKind `json:"subject_kind"`
	SubjectID   uuid.UUID   `json:"subject_id"`
	GroupID     uuid.UUID   `json:"group_id"`
	VoterID     string      `json:"voter_id"`
	VoteType    VoteType    `json:"vote_type"`
	CastAt      time.Time   `json:"cast_at"`
}

// Tally counts votes against the eligible voter population at the time of counting.
type Tally struct {
	Approve  int `json:"approve"`
	Reject   int `json:"reject"`
	Eligible int `json:"eligible"`
}

// Outstanding is the number of eligible voters who have not voted yet.
func (t Tally) Outstanding() int {
	remaining := t.Eligible - t.Approve - t.Reject
	if remaining < 0 {
		return 0
	}
	return remaining
}

type VoteOutcome string

const (
	OutcomePending  VoteOutcome = "pending"
	OutcomeApproved VoteOutcome = "approved"
	OutcomeRejected VoteOutcome = "rejected"
)

// VotingResult is returned after every vote and by result queries.
type VotingResult struct {
	Subject            Subject         `json:"subject"`
	Tally              Tally           `json:"tally"`
	ApprovalPercentage decimal.Decimal `json:"approval_percentage"`
	ThresholdPercent   int             `json:"threshold_percent"`
	Outcome            VoteOutcome     `json:"outcome"`
	Vote               *Vote           `json:"vote,omitempty"`
}
