package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/trustgroup-service/internal/domain"
	"github.com/transfa/trustgroup-service/internal/store"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// VerifyChain verifies a group's audit chain for one of its members. A corrupted chain
// returns the report together with a *domain.ChainCorruptionError.
func (s *Service) VerifyChain(ctx context.Context, groupID uuid.UUID, viewerUserID string) (domain.IntegrityReport, error) {
	defer s.observe("verify_chain", time.Now())

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.authorizeUser(ctx, groupID, viewerUserID, CapViewGroup); err != nil {
		return domain.IntegrityReport{GroupID: groupID}, err
	}
	report, err := s.chain.VerifyIntegrity(ctx, groupID)
	if err != nil {
		var corruption *domain.ChainCorruptionError
		if errors.As(err, &corruption) {
			return report, err
		}
		return report, storeError(err)
	}
	return report, nil
}

// EntityHistory lists the blocks naming entityID in append order, restricted to groups the
// viewer belongs to.
func (s *Service) EntityHistory(ctx context.Context, entityID, viewerUserID string, limit int) ([]domain.AuditBlock, error) {
	if entityID == "" {
		return nil, domain.ErrInvalidInput.WithMessage("entity id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	visible := make(map[uuid.UUID]bool)
	blocks := make([]domain.AuditBlock, 0)
	for block, err := range s.chain.History(ctx, entityID) {
		if err != nil {
			return nil, storeError(err)
		}
		allowed, seen := visible[block.GroupID]
		if !seen {
			_, err := s.repo.GetActiveMemberByUser(ctx, block.GroupID, viewerUserID)
			switch {
			case err == nil:
				allowed = true
			case errors.Is(err, store.ErrMemberNotFound):
				allowed = false
			default:
				return nil, storeError(err)
			}
			visible[block.GroupID] = allowed
		}
		if !allowed {
			continue
		}
		blocks = append(blocks, block)
		if len(blocks) >= limit {
			break
		}
	}
	return blocks, nil
}

// VerifyAllChains sweeps every group chain. Corrupted chains are halted by the verification
// itself; the sweep only counts them.
func (s *Service) VerifyAllChains(ctx context.Context) (checked int, corrupted int, err error) {
	listCtx, cancel := s.withTimeout(ctx)
	groupIDs, err := s.repo.ListGroupIDs(listCtx)
	cancel()
	if err != nil {
		return 0, 0, storeError(err)
	}

	for _, groupID := range groupIDs {
		if err := ctx.Err(); err != nil {
			return checked, corrupted, err
		}

		verifyCtx, cancel := s.withTimeout(ctx)
		_, verifyErr := s.chain.VerifyIntegrity(verifyCtx, groupID)
		cancel()

		checked++
		var corruption *domain.ChainCorruptionError
		switch {
		case verifyErr == nil:
		case errors.As(verifyErr, &corruption):
			corrupted++
		default:
			log.Printf("level=warn component=audit msg=\"chain verification failed\" group_id=%s err=%v", groupID, verifyErr)
		}
	}
	return checked, corrupted, nil
}
