//go:build integration

package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/transfa/trustgroup-service/internal/domain"
)

func newPostgresRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("trustgroup"),
		tcpostgres.WithUsername("trustgroup"),
		tcpostgres.WithPassword("trustgroup"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	// Migrations are idempotent.
	require.NoError(t, Migrate(ctx, pool))

	return NewPostgresRepository(pool)
}

func seedGroup(t *testing.T, repo Repository) (*domain.TrustGroup, *domain.Member) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	group := &domain.TrustGroup{
		ID:                       uuid.New(),
		Name:                     "Harbor Savings",
		MaxMembers:               3,
		MonthlyContribution:      100,
		Currency:                 "USD",
		ApprovalThresholdPercent: 60,
		MinWithdrawal:            10,
		Status:                   domain.GroupStatusActive,
		CreatorID:                "user_creator",
		CreatedAt:                now,
	}
	creator := &domain.Member{
		ID:           uuid.New(),
		GroupID:      group.ID,
		UserID:       "user_creator",
		Role:         domain.RoleCreator,
		MemberNumber: 1,
		IsActive:     true,
		JoinedAt:     now,
	}
	require.NoError(t, repo.CreateGroup(ctx, group, creator))
	require.NoError(t, repo.CreateWallet(ctx, &domain.GroupWalletAccount{
		ID:                       uuid.New(),
		GroupID:                  group.ID,
		AccountNumber:            "TG" + group.ID.String()[:10],
		PINHash:                  "hash",
		ApprovalThresholdPercent: 60,
		MinWithdrawal:            10,
		CreatedAt:                now,
	}))
	return group, creator
}

func TestPostgresRepository(t *testing.T) {
	repo := newPostgresRepository(t)

	t.Run("concurrent contributions never overdraw", func(t *testing.T) {
		ctx := context.Background()
		group, creator := seedGroup(t, repo)
		_, err := repo.CreditPersonalWallet(ctx, creator.UserID, 100, "USD")
		require.NoError(t, err)

		var succeeded atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.RecordContribution(ctx, RecordContributionParams{
					TransactionID: uuid.New(),
					GroupID:       group.ID,
					MemberID:      creator.ID,
					UserID:        creator.UserID,
					Amount:        100,
					At:            time.Now().UTC(),
				})
				if err == nil {
					succeeded.Add(1)
					return
				}
				assert.ErrorIs(t, err, ErrInsufficientFunds)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), succeeded.Load())
		wallet, err := repo.GetWalletByGroup(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(100), wallet.Balance)
		personal, err := repo.GetPersonalWallet(ctx, creator.UserID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), personal.Balance)
	})

	t.Run("transaction rollback undoes every write", func(t *testing.T) {
		ctx := context.Background()
		group, creator := seedGroup(t, repo)
		_, err := repo.CreditPersonalWallet(ctx, "user_rollback", 500, "USD")
		require.NoError(t, err)

		boom := errors.New("boom")
		err = repo.WithinTx(ctx, func(ctx context.Context) error {
			if _, err := repo.RecordContribution(ctx, RecordContributionParams{
				TransactionID: uuid.New(),
				GroupID:       group.ID,
				MemberID:      creator.ID,
				UserID:        "user_rollback",
				Amount:        200,
				At:            time.Now().UTC(),
			}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		personal, err := repo.GetPersonalWallet(ctx, "user_rollback")
		require.NoError(t, err)
		assert.Equal(t, int64(500), personal.Balance)
		ledger, err := repo.ListLedgerTransactions(ctx, group.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, ledger)
	})

	t.Run("second ballot is rejected", func(t *testing.T) {
		ctx := context.Background()
		group, creator := seedGroup(t, repo)
		subject := domain.Subject{Kind: domain.SubjectWithdrawal, ID: uuid.New()}
		vote := func() *domain.Vote {
			return &domain.Vote{
				ID:          uuid.New(),
				SubjectKind: subject.Kind,
				SubjectID:   subject.ID,
				GroupID:     group.ID,
				VoterID:     creator.UserID,
				VoteType:    domain.VoteReject,
				CastAt:      time.Now().UTC(),
			}
		}
		require.NoError(t, repo.InsertVote(ctx, vote()))
		assert.ErrorIs(t, repo.InsertVote(ctx, vote()), ErrDuplicateVote)

		approve, reject, err := repo.TallyVotes(ctx, subject)
		require.NoError(t, err)
		assert.Equal(t, 0, approve)
		assert.Equal(t, 1, reject)
	})

	t.Run("pin attempts lock after budget", func(t *testing.T) {
		ctx := context.Background()
		group, _ := seedGroup(t, repo)
		now := time.Now().UTC()
		lockout := 15 * time.Minute
		for i := 1; i <= 3; i++ {
			attempt, err := repo.ReservePINAttempt(ctx, group.ID, 3, lockout, now)
			require.NoError(t, err)
			assert.Equal(t, i, attempt.Attempts)
			assert.Equal(t, i == 3, attempt.LockedUntil != nil)
		}
		_, err := repo.ReservePINAttempt(ctx, group.ID, 3, lockout, now)
		assert.ErrorIs(t, err, ErrPINLocked)

		wallet, err := repo.GetWalletByGroup(ctx, group.ID)
		require.NoError(t, err)
		require.NotNil(t, wallet.PINLockedUntil)

		attempt, err := repo.ReservePINAttempt(ctx, group.ID, 3, lockout, now.Add(lockout+time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, attempt.Attempts)
	})

	t.Run("approved applications respect capacity", func(t *testing.T) {
		ctx := context.Background()
		group, _ := seedGroup(t, repo)
		approve := func(userID string) error {
			application := &domain.MembershipApplication{
				ID:              uuid.New(),
				GroupID:         group.ID,
				ApplicantUserID: userID,
				Status:          domain.ApplicationVoting,
				CreatedAt:       time.Now().UTC(),
			}
			require.NoError(t, repo.CreateApplication(ctx, application))
			_, _, err := repo.ApproveApplication(ctx, application.ID, uuid.New(), time.Now().UTC())
			return err
		}
		require.NoError(t, approve("user_a"))
		require.NoError(t, approve("user_b"))
		assert.ErrorIs(t, approve("user_c"), ErrGroupFull)

		count, err := repo.CountActiveMembers(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("withdrawal settles once", func(t *testing.T) {
		ctx := context.Background()
		group, creator := seedGroup(t, repo)
		now := time.Now().UTC()
		_, err := repo.CreditPersonalWallet(ctx, creator.UserID, 300, "USD")
		require.NoError(t, err)
		_, err = repo.RecordContribution(ctx, RecordContributionParams{
			TransactionID: uuid.New(), GroupID: group.ID, MemberID: creator.ID,
			UserID: creator.UserID, Amount: 300, At: now,
		})
		require.NoError(t, err)

		withdrawal := &domain.WithdrawalRequest{ID: uuid.New(), GroupID: group.ID, RequesterMemberID: creator.ID, Amount: 200, Status: domain.WithdrawalVoting, CreatedAt: now}
		require.NoError(t, repo.CreateWithdrawal(ctx, withdrawal))
		_, _, err = repo.ApproveWithdrawal(ctx, ApproveWithdrawalParams{WithdrawalID: withdrawal.ID, LedgerTransactionID: uuid.New(), At: now})
		require.NoError(t, err)

		_, err = repo.CompleteWithdrawal(ctx, withdrawal.ID, now)
		require.NoError(t, err)
		_, err = repo.CompleteWithdrawal(ctx, withdrawal.ID, now)
		assert.ErrorIs(t, err, ErrStateConflict)

		wallet, err := repo.GetWalletByGroup(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(100), wallet.Balance)
		assert.Equal(t, int64(0), wallet.LockedBalance)
	})

	t.Run("concurrent approvals never overlock", func(t *testing.T) {
		ctx := context.Background()
		group, creator := seedGroup(t, repo)
		now := time.Now().UTC()
		_, err := repo.CreditPersonalWallet(ctx, creator.UserID, 300, "USD")
		require.NoError(t, err)
		_, err = repo.RecordContribution(ctx, RecordContributionParams{
			TransactionID: uuid.New(), GroupID: group.ID, MemberID: creator.ID,
			UserID: creator.UserID, Amount: 300, At: now,
		})
		require.NoError(t, err)

		const n = 8
		ids := make([]uuid.UUID, n)
		for i := range ids {
			ids[i] = uuid.New()
			require.NoError(t, repo.CreateWithdrawal(ctx, &domain.WithdrawalRequest{
				ID: ids[i], GroupID: group.ID, RequesterMemberID: creator.ID,
				Amount: 300, Status: domain.WithdrawalVoting, CreatedAt: now,
			}))
		}

		var approved atomic.Int32
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				_, _, err := repo.ApproveWithdrawal(ctx, ApproveWithdrawalParams{WithdrawalID: id, LedgerTransactionID: uuid.New(), At: now})
				if err == nil {
					approved.Add(1)
					return
				}
				assert.ErrorIs(t, err, ErrInsufficientGroupFunds)
			}(id)
		}
		wg.Wait()

		assert.Equal(t, int32(1), approved.Load())
		wallet, err := repo.GetWalletByGroup(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(300), wallet.LockedBalance)
		assert.LessOrEqual(t, wallet.LockedBalance, wallet.Balance)
	})

	t.Run("close and approval never leave locked funds in a closed group", func(t *testing.T) {
		ctx := context.Background()
		for i := 0; i < 10; i++ {
			group, creator := seedGroup(t, repo)
			now := time.Now().UTC()
			_, err := repo.CreditPersonalWallet(ctx, creator.UserID, 300, "USD")
			require.NoError(t, err)
			_, err = repo.RecordContribution(ctx, RecordContributionParams{
				TransactionID: uuid.New(), GroupID: group.ID, MemberID: creator.ID,
				UserID: creator.UserID, Amount: 300, At: now,
			})
			require.NoError(t, err)
			withdrawal := &domain.WithdrawalRequest{ID: uuid.New(), GroupID: group.ID, RequesterMemberID: creator.ID, Amount: 200, Status: domain.WithdrawalVoting, CreatedAt: now}
			require.NoError(t, repo.CreateWithdrawal(ctx, withdrawal))

			var closeErr, approveErr error
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, closeErr = repo.UpdateGroupStatus(ctx, group.ID, []domain.GroupStatus{domain.GroupStatusActive}, domain.GroupStatusClosed, now)
			}()
			go func() {
				defer wg.Done()
				_, _, approveErr = repo.ApproveWithdrawal(ctx, ApproveWithdrawalParams{WithdrawalID: withdrawal.ID, LedgerTransactionID: uuid.New(), At: now})
			}()
			wg.Wait()

			if closeErr == nil {
				assert.ErrorIs(t, approveErr, ErrStateConflict)
			} else {
				assert.ErrorIs(t, closeErr, ErrFundsLocked)
				assert.NoError(t, approveErr)
			}
			stored, err := repo.GetGroup(ctx, group.ID)
			require.NoError(t, err)
			wallet, err := repo.GetWalletByGroup(ctx, group.ID)
			require.NoError(t, err)
			assert.False(t, stored.Status == domain.GroupStatusClosed && wallet.LockedBalance > 0, "closed group holds locked funds")
		}
	})

	t.Run("audit index is unique per group", func(t *testing.T) {
		ctx := context.Background()
		group, _ := seedGroup(t, repo)
		entity := uuid.NewString()
		for i := 0; i < 3; i++ {
			require.NoError(t, repo.InsertAuditBlock(ctx, &domain.AuditBlock{
				GroupID:    group.ID,
				Index:      int64(i),
				EventType:  domain.AuditContribution,
				EntityRefs: []string{group.ID.String(), entity},
				Payload:    []byte(`{}`),
				Timestamp:  time.Now().UTC(),
			}))
		}
		err := repo.InsertAuditBlock(ctx, &domain.AuditBlock{GroupID: group.ID, Index: 1, Payload: []byte(`{}`), Timestamp: time.Now().UTC()})
		assert.ErrorIs(t, err, ErrAuditIndexConflict)

		history, err := repo.ListAuditBlocksByEntity(ctx, entity, 0, 10)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Less(t, history[0].Seq, history[2].Seq)
	})

	t.Run("history snapshot ignores blocks committed mid-walk", func(t *testing.T) {
		ctx := context.Background()
		early, _ := seedGroup(t, repo)
		late, _ := seedGroup(t, repo)
		entity := uuid.NewString()
		block := func(groupID uuid.UUID) *domain.AuditBlock {
			return &domain.AuditBlock{
				GroupID:    groupID,
				EventType:  domain.AuditContribution,
				EntityRefs: []string{entity},
				Payload:    []byte(`{}`),
				Timestamp:  time.Now().UTC(),
			}
		}

		// The pending block takes the lower seq but commits last.
		pending, err := repo.db.Begin(ctx)
		require.NoError(t, err)
		defer pending.Rollback(ctx)
		require.NoError(t, repo.InsertAuditBlock(context.WithValue(ctx, txContextKey{}, pending), block(late.ID)))
		require.NoError(t, repo.InsertAuditBlock(ctx, block(early.ID)))

		err = repo.ReadSnapshot(ctx, func(ctx context.Context) error {
			first, err := repo.ListAuditBlocksByEntity(ctx, entity, 0, 10)
			require.NoError(t, err)
			require.Len(t, first, 1)

			require.NoError(t, pending.Commit(ctx))

			again, err := repo.ListAuditBlocksByEntity(ctx, entity, 0, 10)
			require.NoError(t, err)
			assert.Equal(t, first, again)
			return nil
		})
		require.NoError(t, err)

		after, err := repo.ListAuditBlocksByEntity(ctx, entity, 0, 10)
		require.NoError(t, err)
		require.Len(t, after, 2)
		assert.Less(t, after[0].Seq, after[1].Seq)
	})

	t.Run("outbox rows are claimed and acknowledged", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, repo.EnqueueEvent(ctx, "trustgroup.events", domain.RoutingKeyWithdrawalFinalized, map[string]int{"amount": 1}))

		messages, err := repo.ClaimOutboxMessages(ctx, 10, 60)
		require.NoError(t, err)
		require.NotEmpty(t, messages)
		for _, message := range messages {
			require.NoError(t, repo.MarkOutboxPublished(ctx, message.ID))
		}

		again, err := repo.ClaimOutboxMessages(ctx, 10, 60)
		require.NoError(t, err)
		assert.Empty(t, again)
	})
}
