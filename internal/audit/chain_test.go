package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/trustgroup-service/internal/domain"
	"github.com/transfa/trustgroup-service/internal/metrics"
	"github.com/transfa/trustgroup-service/internal/store"
)

// tamperingStore flips one payload byte of a stored block on read.
type tamperingStore struct {
	*store.MemoryRepository
	index int64
}

func (s *tamperingStore) ListAuditBlocks(ctx context.Context, groupID uuid.UUID) ([]domain.AuditBlock, error) {
	blocks, err := s.MemoryRepository.ListAuditBlocks(ctx, groupID)
	if err != nil {
		return nil, err
	}
	for i := range blocks {
		if blocks[i].Index == s.index && len(blocks[i].Payload) > 0 {
			blocks[i].Payload[0] ^= 0x01
		}
	}
	return blocks, nil
}

func appendN(t *testing.T, chain *Chain, groupID uuid.UUID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := chain.Append(context.Background(), groupID, domain.AuditContribution, nil, map[string]int{"n": i})
		require.NoError(t, err)
	}
}

func TestChain_AppendLinksBlocks(t *testing.T) {
	chain := NewChain(store.NewMemoryRepository(), nil)
	groupID := uuid.New()

	first, err := chain.Append(context.Background(), groupID, domain.AuditGroupCreated, nil, map[string]string{"name": "Harbor"})
	require.NoError(t, err)
	second, err := chain.Append(context.Background(), groupID, domain.AuditWalletCreated, []string{"wallet_1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(0), first.Index)
	assert.Equal(t, domain.GenesisPreviousHash, first.PreviousHash)
	assert.Equal(t, int64(1), second.Index)
	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.Equal(t, []string{groupID.String(), "wallet_1"}, second.EntityRefs)
	assert.Equal(t, BlockHash(second.Index, second.PreviousHash, second.PayloadHash, second.Timestamp), second.Hash)
}

func TestChain_VerifyIntegrityOnUntouchedChain(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	chain := NewChain(store.NewMemoryRepository(), m)
	groupID := uuid.New()
	appendN(t, chain, groupID, 20)

	report, err := chain.VerifyIntegrity(context.Background(), groupID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 20, report.BlockCount)
	assert.NotEmpty(t, report.HeadHash)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.AuditChainCorruptions))
}

func TestChain_VerifyIntegrityReportsMutatedBlock(t *testing.T) {
	for _, index := range []int64{0, 7, 19} {
		t.Run(fmt.Sprintf("index_%d", index), func(t *testing.T) {
			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			tampered := &tamperingStore{MemoryRepository: store.NewMemoryRepository(), index: index}
			chain := NewChain(tampered, m)
			groupID := uuid.New()
			appendN(t, chain, groupID, 20)

			report, err := chain.VerifyIntegrity(context.Background(), groupID)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrChainCorruption))

			var corruption *domain.ChainCorruptionError
			require.True(t, errors.As(err, &corruption))
			assert.Equal(t, index, corruption.Index)
			assert.Equal(t, ReasonPayloadHash, corruption.Reason)
			assert.False(t, report.Valid)
			require.NotNil(t, report.CorruptAt)
			assert.Equal(t, index, *report.CorruptAt)
			assert.Equal(t, float64(1), testutil.ToFloat64(m.AuditChainCorruptions))

			_, err = chain.Append(context.Background(), groupID, domain.AuditContribution, nil, nil)
			assert.ErrorIs(t, err, domain.ErrChainCorruption)

			// other groups keep working
			_, err = chain.Append(context.Background(), uuid.New(), domain.AuditContribution, nil, nil)
			assert.NoError(t, err)
		})
	}
}

func TestVerify_DetectsBrokenLinkAndReorder(t *testing.T) {
	repo := store.NewMemoryRepository()
	chain := NewChain(repo, nil)
	groupID := uuid.New()
	appendN(t, chain, groupID, 5)

	blocks, err := repo.ListAuditBlocks(context.Background(), groupID)
	require.NoError(t, err)

	relinked := append([]domain.AuditBlock(nil), blocks...)
	relinked[3].PreviousHash = relinked[1].Hash
	report := Verify(groupID, relinked)
	require.False(t, report.Valid)
	assert.Equal(t, int64(3), *report.CorruptAt)
	assert.Equal(t, ReasonPreviousHash, report.Reason)

	reordered := []domain.AuditBlock{blocks[0], blocks[2], blocks[1]}
	report = Verify(groupID, reordered)
	require.False(t, report.Valid)
	assert.Equal(t, int64(1), *report.CorruptAt)
	assert.Equal(t, ReasonIndexOutOfSequence, report.Reason)

	rehashed := append([]domain.AuditBlock(nil), blocks...)
	rehashed[2].Timestamp = rehashed[2].Timestamp.Add(time.Second)
	report = Verify(groupID, rehashed)
	require.False(t, report.Valid)
	assert.Equal(t, int64(2), *report.CorruptAt)
	assert.Equal(t, ReasonBlockHash, report.Reason)

	assert.True(t, Verify(groupID, nil).Valid)
}

func TestChain_HistoryReturnsReferencingBlocksInOrder(t *testing.T) {
	chain := NewChain(store.NewMemoryRepository(), nil, WithPageSize(7))
	groupA, groupB := uuid.New(), uuid.New()
	entity := uuid.NewString()

	var want []int
	for i := 0; i < 100; i++ {
		groupID := groupA
		if i%2 == 1 {
			groupID = groupB
		}
		var refs []string
		if i%3 == 0 {
			refs = []string{entity}
			want = append(want, i)
		}
		_, err := chain.Append(context.Background(), groupID, domain.AuditVoteCast, refs, map[string]int{"i": i})
		require.NoError(t, err)
	}

	collect := func() []int {
		var got []int
		for block, err := range chain.History(context.Background(), entity) {
			require.NoError(t, err)
			var payload map[string]int
			require.NoError(t, json.Unmarshal(block.Payload, &payload))
			got = append(got, payload["i"])
		}
		return got
	}

	assert.Equal(t, want, collect())
	assert.Equal(t, want, collect(), "history must be restartable")

	count := 0
	for range chain.History(context.Background(), entity) {
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

type snapshotKey struct{}

// snapshotStore marks the ctx handed to ReadSnapshot and records which entity reads ran
// outside one.
type snapshotStore struct {
	*store.MemoryRepository
	snapshots int
	unpinned  int
}

func (s *snapshotStore) ReadSnapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	s.snapshots++
	return s.MemoryRepository.ReadSnapshot(context.WithValue(ctx, snapshotKey{}, true), fn)
}

func (s *snapshotStore) ListAuditBlocksByEntity(ctx context.Context, entityID string, afterSeq int64, limit int) ([]domain.AuditBlock, error) {
	if ctx.Value(snapshotKey{}) == nil {
		s.unpinned++
	}
	return s.MemoryRepository.ListAuditBlocksByEntity(ctx, entityID, afterSeq, limit)
}

func TestChain_HistoryReadsEveryPageFromOneSnapshot(t *testing.T) {
	repo := &snapshotStore{MemoryRepository: store.NewMemoryRepository()}
	chain := NewChain(repo, nil, WithPageSize(2))
	groupID := uuid.New()
	entity := uuid.NewString()
	for i := 0; i < 7; i++ {
		_, err := chain.Append(context.Background(), groupID, domain.AuditVoteCast, []string{entity}, map[string]int{"i": i})
		require.NoError(t, err)
	}

	count := 0
	for _, err := range chain.History(context.Background(), entity) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 7, count)
	assert.Equal(t, 1, repo.snapshots)
	assert.Zero(t, repo.unpinned, "every page must be read inside the snapshot")
}

func TestChain_ConcurrentAppendsKeepChainValid(t *testing.T) {
	chain := NewChain(store.NewMemoryRepository(), nil)
	groupA, groupB := uuid.New(), uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			groupID := groupA
			if i%2 == 0 {
				groupID = groupB
			}
			_, err := chain.Append(context.Background(), groupID, domain.AuditContribution, nil, map[string]int{"i": i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, groupID := range []uuid.UUID{groupA, groupB} {
		report, err := chain.VerifyIntegrity(context.Background(), groupID)
		require.NoError(t, err)
		assert.Equal(t, 20, report.BlockCount)
	}
}
