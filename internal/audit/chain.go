/**
 * @description
 * The per-group audit chain. Every state-changing operation of the trustgroup-service appends
 * one block whose hash covers its index, the previous block's hash, the payload hash and the
 * timestamp, so any later edit of a stored row is detectable by Verify.
 *
 * @dependencies
 * - internal/store (through the Store interface below): durable audit_blocks rows and the
 *   per-group chain lock.
 * - internal/metrics: append and corruption counters.
 *
 * @notes
 * - Appends for one group are serialized by the store's LockAuditChain inside a transaction;
 *   different groups never contend.
 * - A detected corruption halts further appends to that group until the process restarts
 *   and a sweep finds the chain valid again.
 */

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/trustgroup-service/internal/domain"
	"github.com/transfa/trustgroup-service/internal/metrics"
)

const defaultPageSize = 100

// Store is the slice of the repository the chain needs.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	ReadSnapshot(ctx context.Context, fn func(ctx context.Context) error) error
	LockAuditChain(ctx context.Context, groupID uuid.UUID) error
	GetAuditHead(ctx context.Context, groupID uuid.UUID) (*domain.AuditBlock, error)
	InsertAuditBlock(ctx context.Context, block *domain.AuditBlock) error
	ListAuditBlocks(ctx context.Context, groupID uuid.UUID) ([]domain.AuditBlock, error)
	ListAuditBlocksByEntity(ctx context.Context, entityID string, afterSeq int64, limit int) ([]domain.AuditBlock, error)
}

type Chain struct {
	store    Store
	metrics  *metrics.Metrics
	now      func() time.Time
	pageSize int

	mu     sync.RWMutex
	halted map[uuid.UUID]*domain.ChainCorruptionError
}

type Option func(*Chain)

func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

func WithPageSize(size int) Option {
	return func(c *Chain) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

func NewChain(store Store, m *metrics.Metrics, opts ...Option) *Chain {
	c := &Chain{
		store:    store,
		metrics:  m,
		now:      time.Now,
		pageSize: defaultPageSize,
		halted:   make(map[uuid.UUID]*domain.ChainCorruptionError),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append records one event on the group's chain. When ctx carries a store transaction the
// block commits or rolls back with it.
func (c *Chain) Append(ctx context.Context, groupID uuid.UUID, eventType domain.AuditEventType, entityRefs []string, payload interface{}) (*domain.AuditBlock, error) {
	if err := c.Halted(groupID); err != nil {
		return nil, err
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}
	refs := normalizeRefs(groupID, entityRefs)

	var block *domain.AuditBlock
	err = c.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := c.store.LockAuditChain(ctx, groupID); err != nil {
			return fmt.Errorf("lock audit chain: %w", err)
		}
		head, err := c.store.GetAuditHead(ctx, groupID)
		if err != nil {
			return fmt.Errorf("read audit head: %w", err)
		}

		// PostgreSQL keeps microseconds; hashing the truncated value keeps stored rows verifiable.
		timestamp := c.now().UTC().Truncate(time.Microsecond)
		index := int64(0)
		previousHash := domain.GenesisPreviousHash
		if head != nil {
			index = head.Index + 1
			previousHash = head.Hash
			if timestamp.Before(head.Timestamp) {
				timestamp = head.Timestamp
			}
		}

		payloadHash := PayloadHash(raw)
		block = &domain.AuditBlock{
			GroupID:      groupID,
			Index:        index,
			EventType:    eventType,
			EntityRefs:   refs,
			Payload:      raw,
			PayloadHash:  payloadHash,
			PreviousHash: previousHash,
			Hash:         BlockHash(index, previousHash, payloadHash, timestamp),
			Timestamp:    timestamp,
		}
		return c.store.InsertAuditBlock(ctx, block)
	})
	if err != nil {
		return nil, err
	}

	c.metrics.IncrementAuditBlocks()
	return block, nil
}

// VerifyIntegrity loads the group's chain and verifies it. A corrupted chain yields both the
// report and a *domain.ChainCorruptionError.
func (c *Chain) VerifyIntegrity(ctx context.Context, groupID uuid.UUID) (domain.IntegrityReport, error) {
	blocks, err := c.store.ListAuditBlocks(ctx, groupID)
	if err != nil {
		return domain.IntegrityReport{GroupID: groupID}, fmt.Errorf("load audit chain: %w", err)
	}

	report := Verify(groupID, blocks)
	c.metrics.RecordVerification(report.Valid)
	if report.Valid {
		return report, nil
	}

	corruption := CorruptionError(report).(*domain.ChainCorruptionError)
	c.halt(corruption)
	return report, corruption
}

// History yields the blocks that reference entityID in append order. The sequence pages
// through the store lazily and can be ranged over more than once.
//
// Seq is handed out at insert, so a block can commit after one with a higher seq. Every
// page of one walk is read from the same store snapshot; a block still uncommitted when
// the walk starts is left out entirely and never skipped halfway.
func (c *Chain) History(ctx context.Context, entityID string) iter.Seq2[domain.AuditBlock, error] {
	return func(yield func(domain.AuditBlock, error) bool) {
		stopped := false
		err := c.store.ReadSnapshot(ctx, func(ctx context.Context) error {
			var afterSeq int64
			for {
				page, err := c.store.ListAuditBlocksByEntity(ctx, entityID, afterSeq, c.pageSize)
				if err != nil {
					return err
				}
				for _, block := range page {
					if !yield(block, nil) {
						stopped = true
						return nil
					}
					afterSeq = block.Seq
				}
				if len(page) < c.pageSize {
					return nil
				}
			}
		})
		if err != nil && !stopped {
			yield(domain.AuditBlock{}, err)
		}
	}
}

// Halted returns the corruption that stopped appends to groupID, if any.
func (c *Chain) Halted(groupID uuid.UUID) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if corruption, ok := c.halted[groupID]; ok {
		return corruption
	}
	return nil
}

func (c *Chain) halt(corruption *domain.ChainCorruptionError) {
	c.mu.Lock()
	_, already := c.halted[corruption.GroupID]
	c.halted[corruption.GroupID] = corruption
	c.mu.Unlock()

	if !already {
		c.metrics.IncrementChainCorruptions()
	}
	log.Printf("level=error component=audit msg=\"audit chain corruption detected, appends halted\" group_id=%s index=%d reason=%s",
		corruption.GroupID, corruption.Index, corruption.Reason)
}

func encodePayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		return append([]byte(nil), p...), nil
	case []byte:
		return append([]byte(nil), p...), nil
	default:
		return json.Marshal(payload)
	}
}

// normalizeRefs puts the group id first and drops blanks and duplicates.
func normalizeRefs(groupID uuid.UUID, refs []string) []string {
	out := make([]string, 0, len(refs)+1)
	seen := make(map[string]struct{}, len(refs)+1)
	for _, ref := range append([]string{groupID.String()}, refs...) {
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
