package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/transfa/trustgroup-service/internal/domain"
)

func approveWithdrawal(t *testing.T, env *testEnv, withdrawalID uuid.UUID, voters ...string) *domain.VotingResult {
	t.Helper()
	var result *domain.VotingResult
	for _, voter := range voters {
		var err error
		result, err = env.svc.CastWithdrawalVote(context.Background(), withdrawalID, voter, domain.VoteApprove)
		if err != nil {
			t.Fatalf("vote by %s: %v", voter, err)
		}
	}
	return result
}

func TestRequestWithdrawalValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	group, users := env.groupWithMembers(t, 3, 60)
	env.fund(t, group.ID, "creator", 5_000)

	cases := []struct {
		name   string
		user   string
		input  domain.WithdrawalRequestInput
		target error
	}{
		{"zero amount", users[1], domain.WithdrawalRequestInput{Amount: 0, Destination: "acct-1"}, domain.ErrInvalidAmount},
		{"below minimum", users[1], domain.WithdrawalRequestInput{Amount: 500, Destination: "acct-1"}, domain.ErrBelowMinimum},
		{"above available", users[1], domain.WithdrawalRequestInput{Amount: 6_000, Destination: "acct-1"}, domain.ErrInsufficientGroupBalance},
		{"missing destination", users[1], domain.WithdrawalRequestInput{Amount: 2_000}, domain.ErrInvalidInput},
		{"non member", "outsider", domain.WithdrawalRequestInput{Amount: 2_000, Destination: "acct-1"}, domain.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.RequestWithdrawal(ctx, group.ID, tc.user, tc.input)
			expectErr(t, err, tc.target)
		})
	}

	withdrawals, err := env.svc.ListWithdrawals(ctx, group.ID, "creator")
	if err != nil {
		t.Fatalf("ListWithdrawals: %v", err)
	}
	if len(withdrawals) != 0 {
		t.Fatalf("rejected requests must not be stored, got %d", len(withdrawals))
	}
}

func TestWithdrawalApprovalLocksFundsAndEnqueuesEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	group, users := env.groupWithMembers(t, 3, 60)
	env.fund(t, group.ID, "creator", 5_000)

	withdrawal, err := env.svc.RequestWithdrawal(ctx, group.ID, users[1], domain.WithdrawalRequestInput{
		Amount:      2_000,
		Destination: "acct-778",
		Reason:      "harvest inputs",
	})
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	if withdrawal.Status != domain.WithdrawalVoting {
		t.Fatalf("expected voting, got %s", withdrawal.Status)
	}

	result := approveWithdrawal(t, env, withdrawal.ID, users[0], users[2])
	if result.Outcome != domain.OutcomeApproved {
		t.Fatalf("expected approval, got %s", result.Outcome)
	}

	wallet := env.wallet(t, group.ID)
	if wallet.Balance != 5_000 || wallet.LockedBalance != 2_000 {
		t.Fatalf("expected 2000 locked of 5000, got locked=%d balance=%d", wallet.LockedBalance, wallet.Balance)
	}

	stored, err := env.svc.GetWithdrawal(ctx, withdrawal.ID, users[1])
	if err != nil {
		t.Fatalf("GetWithdrawal: %v", err)
	}
	if stored.Status != domain.WithdrawalApproved || stored.LedgerTransactionID == nil {
		t.Fatalf("unexpected withdrawal %+v", stored)
	}

	messages, err := env.repo.ClaimOutboxMessages(ctx, 10, 60)
	if err != nil {
		t.Fatalf("ClaimOutboxMessages: %v", err)
	}
	if len(messages) != 1 || messages[0].RoutingKey != domain.RoutingKeyWithdrawalFinalized {
		t.Fatalf("expected one finalized event, got %+v", messages)
	}
	var event domain.WithdrawalFinalizedEvent
	if err := json.Unmarshal(messages[0].Payload, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.WithdrawalID != withdrawal.ID || event.Amount != 2_000 || event.Currency != "USD" || event.LedgerTransactionID != *stored.LedgerTransactionID {
		t.Fatalf("unexpected event %+v", event)
	}

	_, err = env.svc.CloseGroup(ctx, group.ID, "creator")
	expectErr(t, err, domain.ErrFundsLocked)

	settled, err := env.svc.CompleteWithdrawal(ctx, withdrawal.ID, "payout-1")
	if err != nil {
		t.Fatalf("CompleteWithdrawal: %v", err)
	}
	if settled.Status != domain.WithdrawalDisbursed {
		t.Fatalf("expected disbursed, got %s", settled.Status)
	}
	if _, err := env.svc.CompleteWithdrawal(ctx, withdrawal.ID, "payout-1"); err != nil {
		t.Fatalf("replayed completion should succeed, got %v", err)
	}

	wallet = env.wallet(t, group.ID)
	if wallet.Balance != 3_000 || wallet.LockedBalance != 0 {
		t.Fatalf("expected balance 3000 and nothing locked, got %d/%d", wallet.Balance, wallet.LockedBalance)
	}

	_, err = env.svc.FailWithdrawal(ctx, withdrawal.ID, "late failure")
	expectErr(t, err, domain.ErrInvalidTransition)

	if _, err := env.svc.CloseGroup(ctx, group.ID, "creator"); err != nil {
		t.Fatalf("CloseGroup after settlement: %v", err)
	}
	env.assertChainValid(t, group.ID)
}

func TestWithdrawalFailureReleasesLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	group, users := env.groupWithMembers(t, 2, 60)
	env.fund(t, group.ID, "creator", 4_000)

	withdrawal, err := env.svc.RequestWithdrawal(ctx, group.ID, users[1], domain.WithdrawalRequestInput{Amount: 1_500, Destination: "acct-1"})
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	approveWithdrawal(t, env, withdrawal.ID, users[0], users[1])

	failed, err := env.svc.FailWithdrawal(ctx, withdrawal.ID, "beneficiary bank rejected")
	if err != nil {
		t.Fatalf("FailWithdrawal: %v", err)
	}
	if failed.Status != domain.WithdrawalFailed || failed.FailureReason == nil {
		t.Fatalf("unexpected withdrawal %+v", failed)
	}
	if _, err := env.svc.FailWithdrawal(ctx, withdrawal.ID, "beneficiary bank rejected"); err != nil {
		t.Fatalf("replayed failure should succeed, got %v", err)
	}

	wallet := env.wallet(t, group.ID)
	if wallet.Balance != 4_000 || wallet.LockedBalance != 0 {
		t.Fatalf("failure must release the lock only, got %d/%d", wallet.Balance, wallet.LockedBalance)
	}
}

func TestSecondApprovalRejectedWhenFundsAlreadyLocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	group, users := env.groupWithMembers(t, 3, 60)
	env.fund(t, group.ID, "creator", 5_000)

	first, err := env.svc.RequestWithdrawal(ctx, group.ID, users[1], domain.WithdrawalRequestInput{Amount: 3_000, Destination: "acct-1"})
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	second, err := env.svc.RequestWithdrawal(ctx, group.ID, users[2], domain.WithdrawalRequestInput{Amount: 3_000, Destination: "acct-2"})
	if err != nil {
		t.Fatalf("second request: %v", err)
	}

	if result := approveWithdrawal(t, env, first.ID, users[0], users[1]); result.Outcome != domain.OutcomeApproved {
		t.Fatalf("first should be approved, got %s", result.Outcome)
	}
	if result := approveWithdrawal(t, env, second.ID, users[0], users[2]); result.Outcome != domain.OutcomeRejected {
		t.Fatalf("second should be rejected, got %s", result.Outcome)
	}

	stored, _ := env.repo.GetWithdrawal(ctx, second.ID)
	if stored.Status != domain.WithdrawalRejected || stored.FailureReason == nil || *stored.FailureReason != reasonInsufficientGroupBalance {
		t.Fatalf("unexpected second withdrawal %+v", stored)
	}
	wallet := env.wallet(t, group.ID)
	if wallet.LockedBalance != 3_000 {
		t.Fatalf("locked balance must never exceed balance, got %d", wallet.LockedBalance)
	}
	env.assertChainValid(t, group.ID)
}

func TestRequestWithdrawalRequiresPINWhenConfigured(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	group, users := env.groupWithMembers(t, 2, 60)
	env.fund(t, group.ID, "creator", 5_000)
	if _, err := env.svc.UpdateWalletSettings(ctx, group.ID, "creator", true); err != nil {
		t.Fatalf("UpdateWalletSettings: %v", err)
	}

	_, err := env.svc.RequestWithdrawal(ctx, group.ID, users[1], domain.WithdrawalRequestInput{Amount: 2_000, Destination: "acct-1", PIN: "0000"})
	expectErr(t, err, domain.ErrPINMismatch)

	withdrawal, err := env.svc.RequestWithdrawal(ctx, group.ID, users[1], domain.WithdrawalRequestInput{Amount: 2_000, Destination: "acct-1", PIN: testPIN})
	if err != nil {
		t.Fatalf("RequestWithdrawal with pin: %v", err)
	}
	if withdrawal.Status != domain.WithdrawalVoting {
		t.Fatalf("expected voting, got %s", withdrawal.Status)
	}
}

func TestWithdrawalRejectedByVotes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	group, users := env.groupWithMembers(t, 3, 60)
	env.fund(t, group.ID, "creator", 5_000)

	withdrawal, err := env.svc.RequestWithdrawal(ctx, group.ID, users[1], domain.WithdrawalRequestInput{Amount: 2_000, Destination: "acct-1"})
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	for _, voter := range users[:2] {
		if _, err := env.svc.CastWithdrawalVote(ctx, withdrawal.ID, voter, domain.VoteReject); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}

	stored, _ := env.repo.GetWithdrawal(ctx, withdrawal.ID)
	if stored.Status != domain.WithdrawalRejected {
		t.Fatalf("expected rejection, got %s", stored.Status)
	}
	if env.wallet(t, group.ID).LockedBalance != 0 {
		t.Fatalf("rejected withdrawals must not lock funds")
	}
	if env.repo.PendingOutboxCount() != 0 {
		t.Fatalf("rejected withdrawals must not publish events")
	}
}
