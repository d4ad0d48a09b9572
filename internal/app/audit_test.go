package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/transfa/trustgroup-service/internal/domain"
	"github.com/transfa/trustgroup-service/internal/store"
)

// tamperedRepository corrupts the payload of one block on read once armed.
type tamperedRepository struct {
	*store.MemoryRepository
	armed atomic.Bool
	index int64
}

func (r *tamperedRepository) ListAuditBlocks(ctx context.Context, groupID uuid.UUID) ([]domain.AuditBlock, error) {
	blocks, err := r.MemoryRepository.ListAuditBlocks(ctx, groupID)
	if err != nil || !r.armed.Load() {
		return blocks, err
	}
	for i := range blocks {
		if blocks[i].Index == r.index && len(blocks[i].Payload) > 0 {
			blocks[i].Payload[0] ^= 0x01
		}
	}
	return blocks, nil
}

func newTamperedEnv(t *testing.T, index int64) (*testEnv, *tamperedRepository) {
	t.Helper()
	repo := &tamperedRepository{MemoryRepository: store.NewMemoryRepository(), index: index}
	return newTestEnvWithRepository(t, repo, repo.MemoryRepository), repo
}

func TestVerifyChainReportsCorruptionAndHaltsWrites(t *testing.T) {
	env, repo := newTamperedEnv(t, 1)
	ctx := context.Background()
	group := env.newGroup(t, 60, 10_000)
	env.fund(t, group.ID, "creator", 1_000)

	report, err := env.svc.VerifyChain(ctx, group.ID, "creator")
	if err != nil || !report.Valid {
		t.Fatalf("untouched chain should verify, got %+v %v", report, err)
	}

	repo.armed.Store(true)
	report, err = env.svc.VerifyChain(ctx, group.ID, "creator")
	var corruption *domain.ChainCorruptionError
	if !errors.As(err, &corruption) {
		t.Fatalf("expected corruption error, got %v", err)
	}
	if report.Valid || report.CorruptAt == nil || *report.CorruptAt != 1 || corruption.Index != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if domain.KindOf(err) != domain.KindIntegrity {
		t.Fatalf("corruption must be an integrity error, got %s", domain.KindOf(err))
	}

	_, err = env.svc.TopUpPersonalWallet(ctx, "creator", 100)
	if err != nil {
		t.Fatalf("personal wallets are outside the group chain: %v", err)
	}
	_, err = env.svc.ContributeAsUser(ctx, group.ID, "creator", 100)
	expectErr(t, err, domain.ErrChainCorruption)

	if wallet := env.wallet(t, group.ID); wallet.Balance != 1_000 {
		t.Fatalf("halted chain must roll back the contribution, got balance %d", wallet.Balance)
	}
	if got := testutil.ToFloat64(env.metrics.AuditChainCorruptions); got != 1 {
		t.Fatalf("expected one corruption counted, got %v", got)
	}
}

func TestVerifyChainRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	group := env.newGroup(t, 60, 10_000)

	_, err := env.svc.VerifyChain(context.Background(), group.ID, "outsider")
	expectErr(t, err, domain.ErrForbidden)
}

func TestVerifyAllChainsCountsCorruptedGroups(t *testing.T) {
	env, repo := newTamperedEnv(t, 0)
	ctx := context.Background()
	env.newGroup(t, 60, 10_000)
	env.newGroup(t, 60, 10_000)

	checked, corrupted, err := env.svc.VerifyAllChains(ctx)
	if err != nil || checked != 2 || corrupted != 0 {
		t.Fatalf("expected 2 clean chains, got checked=%d corrupted=%d err=%v", checked, corrupted, err)
	}

	repo.armed.Store(true)
	checked, corrupted, err = env.svc.VerifyAllChains(ctx)
	if err != nil || checked != 2 || corrupted != 2 {
		t.Fatalf("expected 2 corrupted chains, got checked=%d corrupted=%d err=%v", checked, corrupted, err)
	}
}

func TestEntityHistoryFiltersByMembership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	group, users := env.groupWithMembers(t, 2, 60)
	env.fund(t, group.ID, users[1], 700)
	member, err := env.repo.GetActiveMemberByUser(ctx, group.ID, users[1])
	if err != nil {
		t.Fatalf("GetActiveMemberByUser: %v", err)
	}

	blocks, err := env.svc.EntityHistory(ctx, member.ID.String(), "creator", 0)
	if err != nil {
		t.Fatalf("EntityHistory: %v", err)
	}
	if len(blocks) == 0 {
		t.Fatalf("expected history for the member")
	}
	for i, block := range blocks {
		if !block.References(member.ID.String()) {
			t.Fatalf("block %d does not reference the member", i)
		}
		if i > 0 && blocks[i-1].Seq >= block.Seq {
			t.Fatalf("history must be in append order")
		}
	}
	if last := blocks[len(blocks)-1]; last.EventType != domain.AuditContribution {
		t.Fatalf("expected the contribution last, got %s", last.EventType)
	}

	hidden, err := env.svc.EntityHistory(ctx, member.ID.String(), "outsider", 0)
	if err != nil {
		t.Fatalf("EntityHistory for outsider: %v", err)
	}
	if len(hidden) != 0 {
		t.Fatalf("outsiders must not see history, got %d blocks", len(hidden))
	}

	limited, err := env.svc.EntityHistory(ctx, member.ID.String(), "creator", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected one block with limit 1, got %d %v", len(limited), err)
	}

	_, err = env.svc.EntityHistory(ctx, "", "creator", 0)
	expectErr(t, err, domain.ErrInvalidInput)
}
