/**
 * @description
 * Core models for trust groups (cooperative savings groups) and their members.
 *
 * @notes
 * - Amounts are int64 minor units of the group's currency.
 * - Member user ids are opaque subject identifiers issued by the identity provider.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxMembers               = 30
	DefaultCurrency                 = "USD"
	DefaultApprovalThresholdPercent = 60
	DefaultMinWithdrawal            = int64(1000)
)

type GroupStatus string

const (
	GroupStatusActive GroupStatus = "active"
	GroupStatusPaused GroupStatus = "paused"
	GroupStatusClosed GroupStatus = "closed"
)

type Role string

const (
	RoleMember  Role = "member"
	RoleAdmin   Role = "admin"
	RoleCreator Role = "creator"
)

// TrustGroup maps to the `trust_groups` table.
type TrustGroup struct {
	ID                       uuid.UUID   `json:"id"`
	Name                     string      `json:"name"`
	Description              string      `json:"description"`
	MaxMembers               int         `json:"max_members"`
	MonthlyContribution      int64       `json:"monthly_contribution"`
	Currency                 string      `json:"currency"`
	ApprovalThresholdPercent int         `json:"approval_threshold_percent"`
	MinWithdrawal            int64       `json:"min_withdrawal"`
	Status                   GroupStatus `json:"status"`
	CreatorID                string      `json:"creator_id"`
	WalletAccountID          *uuid.UUID  `json:"wallet_account_id,omitempty"`
	CreatedAt                time.Time   `json:"created_at"`
	ClosedAt                 *time.Time  `json:"closed_at,omitempty"`
}

func (g *TrustGroup) IsActive() bool { return g.Status == GroupStatusActive }

func (g *TrustGroup) HasWallet() bool { return g.WalletAccountID != nil }

// Member maps to the `trust_group_members` table. Removed members are kept with IsActive=false.
type Member struct {
	ID               uuid.UUID  `json:"id"`
	GroupID          uuid.UUID  `json:"group_id"`
	UserID           string     `json:"user_id"`
	Role             Role       `json:"role"`
	MemberNumber     int        `json:"member_number"`
	TotalContributed int64      `json:"total_contributed"`
	IsActive         bool       `json:"is_active"`
	JoinedAt         time.Time  `json:"joined_at"`
	LeftAt           *time.Time `json:"left_at,omitempty"`
}

// CreateGroupRequest is the DTO for group creation.
type CreateGroupRequest struct {
	Name                     string `json:"name"`
	Description              string `json:"description"`
	MaxMembers               int    `json:"max_members"`
	MonthlyContribution      int64  `json:"monthly_contribution"`
	Currency                 string `json:"currency"`
	ApprovalThresholdPercent int    `json:"approval_threshold_percent"`
	MinWithdrawal            int64  `json:"min_withdrawal"`
}

// GroupStats summarises applications and membership for a group dashboard.
type GroupStats struct {
	GroupID       uuid.UUID `json:"group_id"`
	ActiveMembers int       `json:"active_members"`
	Pending       int       `json:"pending_applications"`
	Voting        int       `json:"voting_applications"`
	Approved      int       `json:"approved_applications"`
	Rejected      int       `json:"rejected_applications"`
}
