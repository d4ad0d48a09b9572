package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/trustgroup-service/internal/domain"
)

const auditColumns = `seq, group_id, block_index, event_type, entity_refs, payload, payload_hash, previous_hash, block_hash, created_at`

func scanAuditBlock(row pgx.Row) (*domain.AuditBlock, error) {
	var block domain.AuditBlock
	var eventType string
	var payload []byte
	err := row.Scan(
		&block.Seq,
		&block.GroupID,
		&block.Index,
		&eventType,
		&block.EntityRefs,
		&payload,
		&block.PayloadHash,
		&block.PreviousHash,
		&block.Hash,
		&block.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	block.EventType = domain.AuditEventType(eventType)
	block.Payload = payload
	block.Timestamp = block.Timestamp.UTC()
	return &block, nil
}

// LockAuditChain takes a transaction-scoped advisory lock keyed by the group id. It must be
// called inside WithinTx; the lock is released on commit or rollback.
func (r *PostgresRepository) LockAuditChain(ctx context.Context, groupID uuid.UUID) error {
	_, err := r.q(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, groupID.String())
	return err
}

// GetAuditHead returns nil without error for an empty chain.
func (r *PostgresRepository) GetAuditHead(ctx context.Context, groupID uuid.UUID) (*domain.AuditBlock, error) {
	block, err := scanAuditBlock(r.q(ctx).QueryRow(ctx, `
		SELECT `+auditColumns+`
		FROM audit_blocks
		WHERE group_id = $1
		ORDER BY block_index DESC
		LIMIT 1
	`, groupID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return block, err
}

func (r *PostgresRepository) InsertAuditBlock(ctx context.Context, block *domain.AuditBlock) error {
	err := r.q(ctx).QueryRow(ctx, `
		INSERT INTO audit_blocks (group_id, block_index, event_type, entity_refs, payload, payload_hash, previous_hash, block_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq
	`, block.GroupID, block.Index, string(block.EventType), block.EntityRefs, []byte(block.Payload),
		block.PayloadHash, block.PreviousHash, block.Hash, block.Timestamp).Scan(&block.Seq)
	if isUniqueViolation(err, "uq_audit_blocks_index") {
		return ErrAuditIndexConflict
	}
	return err
}

func (r *PostgresRepository) ListAuditBlocks(ctx context.Context, groupID uuid.UUID) ([]domain.AuditBlock, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+auditColumns+`
		FROM audit_blocks
		WHERE group_id = $1
		ORDER BY block_index
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditBlocks(rows)
}

// ListAuditBlocksByEntity pages forward through blocks that reference entityID using seq as
// the cursor.
func (r *PostgresRepository) ListAuditBlocksByEntity(ctx context.Context, entityID string, afterSeq int64, limit int) ([]domain.AuditBlock, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+auditColumns+`
		FROM audit_blocks
		WHERE entity_refs @> ARRAY[$1]::text[] AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, entityID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditBlocks(rows)
}

func collectAuditBlocks(rows pgx.Rows) ([]domain.AuditBlock, error) {
	blocks := make([]domain.AuditBlock, 0)
	for rows.Next() {
		block, err := scanAuditBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, *block)
	}
	return blocks, rows.Err()
}
