package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates every table the service needs. It is idempotent and runs on startup.
// Tables referenced by foreign keys are created first.
const schema = `
CREATE TABLE IF NOT EXISTS trust_groups (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    max_members INTEGER NOT NULL CHECK (max_members > 0),
    monthly_contribution BIGINT NOT NULL DEFAULT 0 CHECK (monthly_contribution >= 0),
    currency TEXT NOT NULL DEFAULT 'USD',
    approval_threshold_percent INTEGER NOT NULL DEFAULT 60 CHECK (approval_threshold_percent BETWEEN 1 AND 100),
    min_withdrawal BIGINT NOT NULL DEFAULT 0 CHECK (min_withdrawal >= 0),
    status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'paused', 'closed')),
    creator_id TEXT NOT NULL,
    wallet_account_id UUID,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    closed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS trust_group_members (
    id UUID PRIMARY KEY,
    group_id UUID NOT NULL REFERENCES trust_groups(id),
    user_id TEXT NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('member', 'admin', 'creator')),
    member_number INTEGER NOT NULL,
    total_contributed BIGINT NOT NULL DEFAULT 0 CHECK (total_contributed >= 0),
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    left_at TIMESTAMPTZ,
    CONSTRAINT uq_trust_group_members_number UNIQUE (group_id, member_number)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_trust_group_members_active_user
    ON trust_group_members(group_id, user_id) WHERE is_active;

CREATE TABLE IF NOT EXISTS membership_applications (
    id UUID PRIMARY KEY,
    group_id UUID NOT NULL REFERENCES trust_groups(id),
    applicant_user_id TEXT NOT NULL,
    reason_text TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL CHECK (status IN ('pending', 'voting', 'approved', 'rejected')),
    reviewed_by TEXT,
    reviewed_at TIMESTAMPTZ,
    resolved_at TIMESTAMPTZ,
    resolution_reason TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_membership_applications_open
    ON membership_applications(group_id, applicant_user_id) WHERE status IN ('pending', 'voting');

CREATE TABLE IF NOT EXISTS membership_votes (
    id UUID PRIMARY KEY,
    subject_kind TEXT NOT NULL CHECK (subject_kind IN ('membership', 'withdrawal')),
    subject_id UUID NOT NULL,
    group_id UUID NOT NULL REFERENCES trust_groups(id),
    voter_id TEXT NOT NULL,
    vote_type TEXT NOT NULL CHECK (vote_type IN ('approve', 'reject')),
    cast_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT uq_membership_votes_voter UNIQUE (subject_kind, subject_id, voter_id)
);

CREATE TABLE IF NOT EXISTS group_accounts (
    id UUID PRIMARY KEY,
    group_id UUID NOT NULL REFERENCES trust_groups(id),
    account_number TEXT NOT NULL,
    pin_hash TEXT NOT NULL,
    balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    locked_balance BIGINT NOT NULL DEFAULT 0 CHECK (locked_balance >= 0),
    pin_attempts INTEGER NOT NULL DEFAULT 0,
    pin_locked_until TIMESTAMPTZ,
    approval_threshold_percent INTEGER NOT NULL CHECK (approval_threshold_percent BETWEEN 1 AND 100),
    min_withdrawal BIGINT NOT NULL CHECK (min_withdrawal >= 0),
    require_pin_for_withdrawal BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT uq_group_accounts_group UNIQUE (group_id),
    CONSTRAINT uq_group_accounts_number UNIQUE (account_number),
    CONSTRAINT ck_group_accounts_locked CHECK (locked_balance <= balance)
);

CREATE TABLE IF NOT EXISTS personal_wallets (
    user_id TEXT PRIMARY KEY,
    balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    currency TEXT NOT NULL DEFAULT 'USD',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS withdrawal_requests (
    id UUID PRIMARY KEY,
    group_id UUID NOT NULL REFERENCES trust_groups(id),
    requester_member_id UUID NOT NULL REFERENCES trust_group_members(id),
    amount BIGINT NOT NULL CHECK (amount > 0),
    destination TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL CHECK (status IN ('voting', 'approved', 'rejected', 'disbursed', 'failed')),
    ledger_transaction_id UUID,
    failure_reason TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    resolved_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS group_wallet_transactions (
    id UUID PRIMARY KEY,
    group_id UUID NOT NULL REFERENCES trust_groups(id),
    type TEXT NOT NULL CHECK (type IN ('contribution', 'withdrawal')),
    amount BIGINT NOT NULL CHECK (amount > 0),
    from_member_id UUID REFERENCES trust_group_members(id),
    withdrawal_id UUID REFERENCES withdrawal_requests(id),
    status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS audit_blocks (
    seq BIGSERIAL PRIMARY KEY,
    group_id UUID NOT NULL,
    block_index BIGINT NOT NULL,
    event_type TEXT NOT NULL,
    entity_refs TEXT[] NOT NULL DEFAULT '{}',
    payload BYTEA NOT NULL,
    payload_hash TEXT NOT NULL,
    previous_hash TEXT NOT NULL,
    block_hash TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    CONSTRAINT uq_audit_blocks_index UNIQUE (group_id, block_index)
);

CREATE INDEX IF NOT EXISTS idx_audit_blocks_entity_refs ON audit_blocks USING GIN (entity_refs);

CREATE OR REPLACE FUNCTION audit_blocks_append_only() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'audit_blocks is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_audit_blocks_append_only ON audit_blocks;
CREATE TRIGGER trg_audit_blocks_append_only
    BEFORE UPDATE OR DELETE ON audit_blocks
    FOR EACH ROW EXECUTE FUNCTION audit_blocks_append_only();

CREATE TABLE IF NOT EXISTS event_outbox (
    id BIGSERIAL PRIMARY KEY,
    exchange TEXT NOT NULL,
    routing_key TEXT NOT NULL,
    payload JSONB NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'published')),
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    processing_started_at TIMESTAMPTZ,
    published_at TIMESTAMPTZ,
    last_error TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_trust_group_members_group ON trust_group_members(group_id);
CREATE INDEX IF NOT EXISTS idx_membership_applications_group ON membership_applications(group_id, status);
CREATE INDEX IF NOT EXISTS idx_group_wallet_transactions_group ON group_wallet_transactions(group_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_withdrawal_requests_group ON withdrawal_requests(group_id, status);
CREATE INDEX IF NOT EXISTS idx_event_outbox_pending ON event_outbox(status, next_attempt_at);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, schema)
	return err
}
