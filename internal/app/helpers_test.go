package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/transfa/trustgroup-service/internal/audit"
	"github.com/transfa/trustgroup-service/internal/domain"
	"github.com/transfa/trustgroup-service/internal/metrics"
	"github.com/transfa/trustgroup-service/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const testPIN = "1234"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc     *Service
	repo    *store.MemoryRepository
	chain   *audit.Chain
	clock   *fakeClock
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	repo := store.NewMemoryRepository()
	return newTestEnvWithRepository(t, repo, repo, opts...)
}

// newTestEnvWithRepository runs the service on repo, which is usually a stub wrapping mem.
func newTestEnvWithRepository(t *testing.T, repo store.Repository, mem *store.MemoryRepository, opts ...Option) *testEnv {
	t.Helper()

	clock := newFakeClock()
	m := metrics.New(prometheus.NewRegistry())
	chain := audit.NewChain(repo, m, audit.WithClock(clock.Now))

	settings := DefaultSettings()
	settings.BcryptCost = bcrypt.MinCost

	opts = append([]Option{WithClock(clock.Now), WithMetrics(m)}, opts...)
	return &testEnv{
		svc:     NewService(repo, chain, settings, opts...),
		repo:    mem,
		chain:   chain,
		clock:   clock,
		metrics: m,
	}
}

// newGroup creates a group owned by "creator" with a wallet and the given threshold.
func (e *testEnv) newGroup(t *testing.T, threshold int, monthly int64) *domain.TrustGroup {
	t.Helper()
	ctx := context.Background()

	group, err := e.svc.CreateGroup(ctx, "creator", domain.CreateGroupRequest{
		Name:                     "Harvest Circle",
		MaxMembers:               10,
		MonthlyContribution:      monthly,
		ApprovalThresholdPercent: threshold,
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := e.svc.CreateWallet(ctx, group.ID, "creator", domain.CreateWalletRequest{PIN: testPIN, ApprovalThresholdPercent: threshold}); err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	return group
}

// admit runs userID through application, review and enough approvals to become a member.
func (e *testEnv) admit(t *testing.T, groupID uuid.UUID, userID string) {
	t.Helper()
	ctx := context.Background()

	application := e.openVoting(t, groupID, userID)
	members, err := e.repo.ListMembers(ctx, groupID, true)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	for _, member := range members {
		result, err := e.svc.CastMembershipVote(ctx, application.ID, member.UserID, domain.VoteApprove)
		if err != nil {
			t.Fatalf("vote by %s: %v", member.UserID, err)
		}
		if result.Outcome == domain.OutcomeApproved {
			return
		}
	}
	t.Fatalf("application of %s was never approved", userID)
}

// openVoting submits and approves for review an application, leaving it in voting.
func (e *testEnv) openVoting(t *testing.T, groupID uuid.UUID, userID string) *domain.MembershipApplication {
	t.Helper()
	ctx := context.Background()

	application, err := e.svc.SubmitApplication(ctx, groupID, userID, "saving together")
	if err != nil {
		t.Fatalf("SubmitApplication(%s): %v", userID, err)
	}
	application, err = e.svc.ReviewApplication(ctx, application.ID, "creator", domain.DecisionApprove, "")
	if err != nil {
		t.Fatalf("ReviewApplication(%s): %v", userID, err)
	}
	if application.Status != domain.ApplicationVoting {
		t.Fatalf("expected voting status, got %s", application.Status)
	}
	return application
}

// groupWithMembers returns a group whose active members are "creator" plus member-1..n-1.
func (e *testEnv) groupWithMembers(t *testing.T, n int, threshold int) (*domain.TrustGroup, []string) {
	t.Helper()
	group := e.newGroup(t, threshold, 10_000)
	users := []string{"creator"}
	for i := 1; i < n; i++ {
		userID := fmt.Sprintf("member-%d", i)
		e.admit(t, group.ID, userID)
		users = append(users, userID)
	}
	return group, users
}

// fund tops up userID and contributes amount to the group.
func (e *testEnv) fund(t *testing.T, groupID uuid.UUID, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.svc.TopUpPersonalWallet(ctx, userID, amount); err != nil {
		t.Fatalf("TopUpPersonalWallet: %v", err)
	}
	if _, err := e.svc.ContributeAsUser(ctx, groupID, userID, amount); err != nil {
		t.Fatalf("ContributeAsUser: %v", err)
	}
}

func (e *testEnv) wallet(t *testing.T, groupID uuid.UUID) *domain.GroupWalletAccount {
	t.Helper()
	wallet, err := e.repo.GetWalletByGroup(context.Background(), groupID)
	if err != nil {
		t.Fatalf("GetWalletByGroup: %v", err)
	}
	return wallet
}

func (e *testEnv) assertChainValid(t *testing.T, groupID uuid.UUID) {
	t.Helper()
	report, err := e.chain.VerifyIntegrity(context.Background(), groupID)
	if err != nil || !report.Valid {
		t.Fatalf("expected valid chain, got report %+v err %v", report, err)
	}
}

func expectErr(t *testing.T, err error, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
