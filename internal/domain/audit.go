package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEventType names the state transition recorded by a block.
type AuditEventType string

const (
	AuditGroupCreated         AuditEventType = "GROUP_CREATED"
	AuditGroupStatusChanged   AuditEventType = "GROUP_STATUS_CHANGED"
	AuditMemberRoleChanged    AuditEventType = "MEMBER_ROLE_CHANGED"
	AuditMemberRemoved        AuditEventType = "MEMBER_REMOVED"
	AuditApplicationSubmitted AuditEventType = "APPLICATION_SUBMITTED"
	AuditApplicationReviewed  AuditEventType = "APPLICATION_REVIEWED"
	AuditApplicationRejected  AuditEventType = "APPLICATION_REJECTED"
	AuditMemberApproved       AuditEventType = "MEMBER_APPROVED"
	AuditVoteCast             AuditEventType = "VOTE_CAST"
	AuditContribution         AuditEventType = "CONTRIBUTION"
	AuditWalletCreated        AuditEventType = "WALLET_CREATED"
	AuditWalletSettings       AuditEventType = "WALLET_SETTINGS_UPDATED"
	AuditPINChanged           AuditEventType = "PIN_CHANGED"
	AuditPINLocked            AuditEventType = "PIN_LOCKED"
	AuditWithdrawalRequested  AuditEventType = "WITHDRAWAL_REQUESTED"
	AuditWithdrawalApproved   AuditEventType = "WITHDRAWAL_APPROVED"
	AuditWithdrawalRejected   AuditEventType = "WITHDRAWAL_REJECTED"
	AuditWithdrawalDisbursed  AuditEventType = "WITHDRAWAL_DISBURSED"
	AuditWithdrawalFailed     AuditEventType = "WITHDRAWAL_FAILED"
)

// GenesisPreviousHash is the previous hash of block 0 in every group chain.
const GenesisPreviousHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditBlock maps to `audit_blocks`. Blocks are immutable once appended.
type AuditBlock struct {
	Seq          int64           `json:"seq"`
	GroupID      uuid.UUID       `json:"group_id"`
	Index        int64           `json:"index"`
	EventType    AuditEventType  `json:"event_type"`
	EntityRefs   []string        `json:"entity_refs"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
	Timestamp    time.Time       `json:"timestamp"`
}

// References reports whether the block names entityID.
func (b *AuditBlock) References(entityID string) bool {
	for _, ref := range b.EntityRefs {
		if ref == entityID {
			return true
		}
	}
	return false
}

// IntegrityReport is returned by chain verification.
type IntegrityReport struct {
	GroupID    uuid.UUID `json:"group_id"`
	Valid      bool      `json:"valid"`
	BlockCount int       `json:"block_count"`
	HeadHash   string    `json:"head_hash,omitempty"`
	CorruptAt  *int64    `json:"corrupt_at,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}
