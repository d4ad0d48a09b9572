package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/trustgroup-service/internal/domain"
)

// MemoryRepository implements Repository in process memory. It is used for local development
// (STORE_DRIVER=memory) and by the service tests.
//
// Transactions are serialized by txMu and undone from an undo log on error, so WithinTx
// keeps the all-or-nothing behaviour of the PostgreSQL implementation. Every conditional
// update is evaluated under mu, which makes each method atomic on its own.
type MemoryRepository struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	groups       map[uuid.UUID]*domain.TrustGroup
	members      map[uuid.UUID]*domain.Member
	applications map[uuid.UUID]*domain.MembershipApplication
	votes        map[voteKey]*domain.Vote
	wallets      map[uuid.UUID]*domain.GroupWalletAccount
	personal     map[string]*domain.PersonalWallet
	ledger       []*domain.LedgerTransaction
	withdrawals  map[uuid.UUID]*domain.WithdrawalRequest
	chains       map[uuid.UUID][]domain.AuditBlock
	auditSeq     int64
	outbox       []*memoryOutboxMessage
	outboxSeq    int64
}

type voteKey struct {
	kind    domain.SubjectKind
	subject uuid.UUID
	voter   string
}

type memoryOutboxMessage struct {
	OutboxMessage
	status              string
	nextAttemptAt       time.Time
	processingStartedAt time.Time
	createdAt           time.Time
}

type memoryTx struct {
	undo []func()
}

type memoryTxKey struct{}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		groups:       make(map[uuid.UUID]*domain.TrustGroup),
		members:      make(map[uuid.UUID]*domain.Member),
		applications: make(map[uuid.UUID]*domain.MembershipApplication),
		votes:        make(map[voteKey]*domain.Vote),
		wallets:      make(map[uuid.UUID]*domain.GroupWalletAccount),
		personal:     make(map[string]*domain.PersonalWallet),
		withdrawals:  make(map[uuid.UUID]*domain.WithdrawalRequest),
		chains:       make(map[uuid.UUID][]domain.AuditBlock),
	}
}

func (m *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memoryTxKey{}).(*memoryTx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := &memoryTx{}
	if err := fn(context.WithValue(ctx, memoryTxKey{}, tx)); err != nil {
		m.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// ReadSnapshot holds writers off for the duration of fn. Audit blocks are only written
// inside WithinTx, so fn never sees a block that is later rolled back.
func (m *MemoryRepository) ReadSnapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.WithinTx(ctx, fn)
}

// onRollback registers undo for the surrounding transaction. Callers hold mu.
func onRollback(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(memoryTxKey{}).(*memoryTx); ok {
		tx.undo = append(tx.undo, undo)
	}
}

func cloneGroup(g *domain.TrustGroup) *domain.TrustGroup {
	c := *g
	return &c
}

func cloneMember(mb *domain.Member) *domain.Member {
	c := *mb
	return &c
}

func cloneApplication(a *domain.MembershipApplication) *domain.MembershipApplication {
	c := *a
	return &c
}

func cloneWallet(w *domain.GroupWalletAccount) *domain.GroupWalletAccount {
	c := *w
	return &c
}

func cloneWithdrawal(w *domain.WithdrawalRequest) *domain.WithdrawalRequest {
	c := *w
	return &c
}

func cloneBlock(b domain.AuditBlock) domain.AuditBlock {
	b.EntityRefs = append([]string(nil), b.EntityRefs...)
	b.Payload = append(json.RawMessage(nil), b.Payload...)
	return b
}

func (m *MemoryRepository) CreateGroup(ctx context.Context, group *domain.TrustGroup, creator *domain.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.groups[group.ID] = cloneGroup(group)
	creatorCopy := cloneMember(creator)
	creatorCopy.IsActive = true
	m.members[creator.ID] = creatorCopy
	onRollback(ctx, func() {
		delete(m.groups, group.ID)
		delete(m.members, creator.ID)
	})
	return nil
}

func (m *MemoryRepository) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.TrustGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	group, ok := m.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return cloneGroup(group), nil
}

func (m *MemoryRepository) ListGroupsForUser(ctx context.Context, userID string) ([]domain.TrustGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	groups := make([]domain.TrustGroup, 0)
	for _, member := range m.members {
		if member.UserID != userID || !member.IsActive {
			continue
		}
		if group, ok := m.groups[member.GroupID]; ok {
			groups = append(groups, *cloneGroup(group))
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].CreatedAt.After(groups[j].CreatedAt) })
	return groups, nil
}

func (m *MemoryRepository) ListGroupIDs(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	groups := make([]*domain.TrustGroup, 0, len(m.groups))
	for _, group := range m.groups {
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].CreatedAt.Before(groups[j].CreatedAt) })

	ids := make([]uuid.UUID, 0, len(groups))
	for _, group := range groups {
		ids = append(ids, group.ID)
	}
	return ids, nil
}

func (m *MemoryRepository) UpdateGroupStatus(ctx context.Context, groupID uuid.UUID, from []domain.GroupStatus, to domain.GroupStatus, at time.Time) (*domain.TrustGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	allowed := false
	for _, status := range from {
		if group.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrStateConflict
	}
	if wallet, ok := m.wallets[groupID]; ok && to == domain.GroupStatusClosed && wallet.LockedBalance > 0 {
		return nil, ErrFundsLocked
	}

	previous := cloneGroup(group)
	group.Status = to
	if to == domain.GroupStatusClosed {
		closedAt := at
		group.ClosedAt = &closedAt
	}
	onRollback(ctx, func() { m.groups[groupID] = previous })
	return cloneGroup(group), nil
}

func (m *MemoryRepository) GetMember(ctx context.Context, memberID uuid.UUID) (*domain.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	member, ok := m.members[memberID]
	if !ok {
		return nil, ErrMemberNotFound
	}
	return cloneMember(member), nil
}

func (m *MemoryRepository) GetActiveMemberByUser(ctx context.Context, groupID uuid.UUID, userID string) (*domain.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if member := m.activeMemberLocked(groupID, userID); member != nil {
		return cloneMember(member), nil
	}
	return nil, ErrMemberNotFound
}

func (m *MemoryRepository) activeMemberLocked(groupID uuid.UUID, userID string) *domain.Member {
	for _, member := range m.members {
		if member.GroupID == groupID && member.UserID == userID && member.IsActive {
			return member
		}
	}
	return nil
}

func (m *MemoryRepository) ListMembers(ctx context.Context, groupID uuid.UUID, activeOnly bool) ([]domain.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := make([]domain.Member, 0)
	for _, member := range m.members {
		if member.GroupID != groupID || (activeOnly && !member.IsActive) {
			continue
		}
		members = append(members, *cloneMember(member))
	}
	sort.Slice(members, func(i, j int) bool { return members[i].MemberNumber < members[j].MemberNumber })
	return members, nil
}

func (m *MemoryRepository) CountActiveMembers(ctx context.Context, groupID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countActiveLocked(groupID), nil
}

func (m *MemoryRepository) countActiveLocked(groupID uuid.UUID) int {
	count := 0
	for _, member := range m.members {
		if member.GroupID == groupID && member.IsActive {
			count++
		}
	}
	return count
}

func (m *MemoryRepository) UpdateMemberRole(ctx context.Context, memberID uuid.UUID, role domain.Role) (*domain.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[memberID]
	if !ok {
		return nil, ErrMemberNotFound
	}
	if !member.IsActive || member.Role == domain.RoleCreator {
		return nil, ErrStateConflict
	}
	previous := member.Role
	member.Role = role
	onRollback(ctx, func() { member.Role = previous })
	return cloneMember(member), nil
}

func (m *MemoryRepository) DeactivateMember(ctx context.Context, memberID uuid.UUID, at time.Time) (*domain.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.members[memberID]
	if !ok {
		return nil, ErrMemberNotFound
	}
	if !member.IsActive || member.Role == domain.RoleCreator {
		return nil, ErrStateConflict
	}
	member.IsActive = false
	leftAt := at
	member.LeftAt = &leftAt
	onRollback(ctx, func() {
		member.IsActive = true
		member.LeftAt = nil
	})
	return cloneMember(member), nil
}

func (m *MemoryRepository) CreateApplication(ctx context.Context, application *domain.MembershipApplication) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.applications {
		if existing.GroupID == application.GroupID &&
			existing.ApplicantUserID == application.ApplicantUserID &&
			!existing.Status.Resolved() {
			return ErrDuplicateApplication
		}
	}
	m.applications[application.ID] = cloneApplication(application)
	onRollback(ctx, func() { delete(m.applications, application.ID) })
	return nil
}

func (m *MemoryRepository) GetApplication(ctx context.Context, applicationID uuid.UUID) (*domain.MembershipApplication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	application, ok := m.applications[applicationID]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	return cloneApplication(application), nil
}

// LockApplication is a plain read: WithinTx already serializes writers.
func (m *MemoryRepository) LockApplication(ctx context.Context, applicationID uuid.UUID) (*domain.MembershipApplication, error) {
	return m.GetApplication(ctx, applicationID)
}

func (m *MemoryRepository) ListApplications(ctx context.Context, groupID uuid.UUID, status *domain.ApplicationStatus) ([]domain.MembershipApplication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	applications := make([]domain.MembershipApplication, 0)
	for _, application := range m.applications {
		if application.GroupID != groupID {
			continue
		}
		if status != nil && application.Status != *status {
			continue
		}
		applications = append(applications, *cloneApplication(application))
	}
	sort.Slice(applications, func(i, j int) bool { return applications[i].CreatedAt.After(applications[j].CreatedAt) })
	return applications, nil
}

func (m *MemoryRepository) TransitionApplication(ctx context.Context, params TransitionApplicationParams) (*domain.MembershipApplication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	application, ok := m.applications[params.ApplicationID]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	if application.Status != params.From {
		return nil, ErrStateConflict
	}

	previous := cloneApplication(application)
	application.Status = params.To
	at := params.At
	if params.ReviewedBy != nil {
		reviewer := *params.ReviewedBy
		application.ReviewedBy = &reviewer
		application.ReviewedAt = &at
	}
	if params.Reason != nil {
		reason := *params.Reason
		application.ResolutionReason = &reason
	}
	if params.To.Resolved() {
		application.ResolvedAt = &at
	}
	onRollback(ctx, func() { m.applications[params.ApplicationID] = previous })
	return cloneApplication(application), nil
}

func (m *MemoryRepository) ApproveApplication(ctx context.Context, applicationID uuid.UUID, memberID uuid.UUID, at time.Time) (*domain.MembershipApplication, *domain.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	application, ok := m.applications[applicationID]
	if !ok {
		return nil, nil, ErrApplicationNotFound
	}
	if application.Status != domain.ApplicationVoting {
		return nil, nil, ErrStateConflict
	}
	group, ok := m.groups[application.GroupID]
	if !ok {
		return nil, nil, ErrGroupNotFound
	}
	if m.activeMemberLocked(group.ID, application.ApplicantUserID) != nil {
		return nil, nil, ErrAlreadyMember
	}
	if m.countActiveLocked(group.ID) >= group.MaxMembers {
		return nil, nil, ErrGroupFull
	}

	nextNumber := 1
	for _, member := range m.members {
		if member.GroupID == group.ID && member.MemberNumber >= nextNumber {
			nextNumber = member.MemberNumber + 1
		}
	}

	previous := cloneApplication(application)
	application.Status = domain.ApplicationApproved
	resolvedAt := at
	application.ResolvedAt = &resolvedAt

	member := &domain.Member{
		ID:           memberID,
		GroupID:      group.ID,
		UserID:       application.ApplicantUserID,
		Role:         domain.RoleMember,
		MemberNumber: nextNumber,
		IsActive:     true,
		JoinedAt:     at,
	}
	m.members[memberID] = member
	onRollback(ctx, func() {
		m.applications[applicationID] = previous
		delete(m.members, memberID)
	})
	return cloneApplication(application), cloneMember(member), nil
}

func (m *MemoryRepository) CountApplicationsByStatus(ctx context.Context, groupID uuid.UUID) (map[domain.ApplicationStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[domain.ApplicationStatus]int)
	for _, application := range m.applications {
		if application.GroupID == groupID {
			counts[application.Status]++
		}
	}
	return counts, nil
}

func (m *MemoryRepository) ListVotingApplicationsCreatedBefore(ctx context.Context, before time.Time, limit int) ([]domain.MembershipApplication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	applications := make([]domain.MembershipApplication, 0)
	for _, application := range m.applications {
		if application.Status != domain.ApplicationVoting {
			continue
		}
		opened := application.CreatedAt
		if application.ReviewedAt != nil {
			opened = *application.ReviewedAt
		}
		if opened.Before(before) {
			applications = append(applications, *cloneApplication(application))
		}
	}
	sort.Slice(applications, func(i, j int) bool { return applications[i].CreatedAt.Before(applications[j].CreatedAt) })
	if limit > 0 && len(applications) > limit {
		applications = applications[:limit]
	}
	return applications, nil
}

func (m *MemoryRepository) InsertVote(ctx context.Context, vote *domain.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := voteKey{kind: vote.SubjectKind, subject: vote.SubjectID, voter: vote.VoterID}
	if _, exists := m.votes[key]; exists {
		return ErrDuplicateVote
	}
	stored := *vote
	m.votes[key] = &stored
	onRollback(ctx, func() { delete(m.votes, key) })
	return nil
}

func (m *MemoryRepository) TallyVotes(ctx context.Context, subject domain.Subject) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	approve, reject := 0, 0
	for key, vote := range m.votes {
		if key.kind != subject.Kind || key.subject != subject.ID {
			continue
		}
		if m.activeMemberLocked(vote.GroupID, vote.VoterID) == nil {
			continue
		}
		switch vote.VoteType {
		case domain.VoteApprove:
			approve++
		case domain.VoteReject:
			reject++
		}
	}
	return approve, reject, nil
}

func (m *MemoryRepository) ListVotes(ctx context.Context, subject domain.Subject) ([]domain.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	votes := make([]domain.Vote, 0)
	for key, vote := range m.votes {
		if key.kind == subject.Kind && key.subject == subject.ID {
			votes = append(votes, *vote)
		}
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].CastAt.Before(votes[j].CastAt) })
	return votes, nil
}

func (m *MemoryRepository) CreateWallet(ctx context.Context, wallet *domain.GroupWalletAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.wallets[wallet.GroupID]; exists {
		return ErrWalletExists
	}
	group, ok := m.groups[wallet.GroupID]
	if !ok {
		return ErrGroupNotFound
	}

	previous := cloneGroup(group)
	m.wallets[wallet.GroupID] = cloneWallet(wallet)
	walletID := wallet.ID
	group.WalletAccountID = &walletID
	group.ApprovalThresholdPercent = wallet.ApprovalThresholdPercent
	group.MinWithdrawal = wallet.MinWithdrawal
	onRollback(ctx, func() {
		delete(m.wallets, wallet.GroupID)
		m.groups[wallet.GroupID] = previous
	})
	return nil
}

func (m *MemoryRepository) GetWalletByGroup(ctx context.Context, groupID uuid.UUID) (*domain.GroupWalletAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wallet, ok := m.wallets[groupID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return cloneWallet(wallet), nil
}

func (m *MemoryRepository) ReservePINAttempt(ctx context.Context, groupID uuid.UUID, maxAttempts int, lockout time.Duration, now time.Time) (*domain.PINAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, ok := m.wallets[groupID]
	if !ok {
		return nil, ErrWalletNotFound
	}

	switch {
	case wallet.PINLockedUntil != nil && !wallet.PINLockedUntil.After(now):
		wallet.PINLockedUntil = nil
		wallet.PINAttempts = 1
	case wallet.PINLockedUntil == nil && wallet.PINAttempts < maxAttempts:
		wallet.PINAttempts++
	default:
		return nil, ErrPINLocked
	}

	attempt := &domain.PINAttempt{PINHash: wallet.PINHash, Attempts: wallet.PINAttempts}
	if wallet.PINAttempts >= maxAttempts {
		lockedUntil := now.Add(lockout)
		wallet.PINLockedUntil = &lockedUntil
		attempt.LockedUntil = &lockedUntil
	}
	return attempt, nil
}

func (m *MemoryRepository) ResetPINAttempts(ctx context.Context, groupID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if wallet, ok := m.wallets[groupID]; ok {
		wallet.PINAttempts = 0
		wallet.PINLockedUntil = nil
	}
	return nil
}

func (m *MemoryRepository) UpdatePINHash(ctx context.Context, groupID uuid.UUID, pinHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, ok := m.wallets[groupID]
	if !ok {
		return ErrWalletNotFound
	}
	previous := wallet.PINHash
	wallet.PINHash = pinHash
	wallet.PINAttempts = 0
	wallet.PINLockedUntil = nil
	onRollback(ctx, func() { wallet.PINHash = previous })
	return nil
}

func (m *MemoryRepository) UpdateWalletSettings(ctx context.Context, groupID uuid.UUID, requirePINForWithdrawal bool) (*domain.GroupWalletAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, ok := m.wallets[groupID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	previous := wallet.RequirePINForWithdrawal
	wallet.RequirePINForWithdrawal = requirePINForWithdrawal
	onRollback(ctx, func() { wallet.RequirePINForWithdrawal = previous })
	return cloneWallet(wallet), nil
}

func (m *MemoryRepository) GetPersonalWallet(ctx context.Context, userID string) (*domain.PersonalWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wallet, ok := m.personal[userID]
	if !ok {
		return nil, ErrPersonalWalletNotFound
	}
	c := *wallet
	return &c, nil
}

func (m *MemoryRepository) CreditPersonalWallet(ctx context.Context, userID string, amount int64, currency string) (*domain.PersonalWallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, ok := m.personal[userID]
	if !ok {
		wallet = &domain.PersonalWallet{UserID: userID, Currency: currency}
		m.personal[userID] = wallet
		onRollback(ctx, func() { delete(m.personal, userID) })
	}
	wallet.Balance += amount
	wallet.UpdatedAt = time.Now().UTC()
	onRollback(ctx, func() { wallet.Balance -= amount })
	c := *wallet
	return &c, nil
}

// RecordContribution checks every precondition before the first write so a failure leaves
// no partial state behind even outside a transaction.
func (m *MemoryRepository) RecordContribution(ctx context.Context, params RecordContributionParams) (*domain.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	personal, ok := m.personal[params.UserID]
	if !ok || personal.Balance < params.Amount {
		return nil, ErrInsufficientFunds
	}
	wallet, ok := m.wallets[params.GroupID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	member, ok := m.members[params.MemberID]
	if !ok || member.GroupID != params.GroupID || !member.IsActive {
		return nil, ErrMemberNotFound
	}

	personal.Balance -= params.Amount
	personal.UpdatedAt = params.At
	wallet.Balance += params.Amount
	member.TotalContributed += params.Amount

	memberID := params.MemberID
	completedAt := params.At
	ledgerTx := &domain.LedgerTransaction{
		ID:           params.TransactionID,
		GroupID:      params.GroupID,
		Type:         domain.TransactionContribution,
		Amount:       params.Amount,
		FromMemberID: &memberID,
		Status:       domain.TransactionCompleted,
		CreatedAt:    params.At,
		CompletedAt:  &completedAt,
	}
	m.ledger = append(m.ledger, ledgerTx)

	onRollback(ctx, func() {
		personal.Balance += params.Amount
		wallet.Balance -= params.Amount
		member.TotalContributed -= params.Amount
		m.removeLedgerLocked(ledgerTx.ID)
	})

	c := *ledgerTx
	return &c, nil
}

func (m *MemoryRepository) removeLedgerLocked(id uuid.UUID) {
	for i, entry := range m.ledger {
		if entry.ID == id {
			m.ledger = append(m.ledger[:i], m.ledger[i+1:]...)
			return
		}
	}
}

func (m *MemoryRepository) ListLedgerTransactions(ctx context.Context, groupID uuid.UUID, limit int) ([]domain.LedgerTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	transactions := make([]domain.LedgerTransaction, 0)
	for i := len(m.ledger) - 1; i >= 0 && len(transactions) < limit; i-- {
		if m.ledger[i].GroupID == groupID {
			transactions = append(transactions, *m.ledger[i])
		}
	}
	return transactions, nil
}

func (m *MemoryRepository) CreateWithdrawal(ctx context.Context, withdrawal *domain.WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.withdrawals[withdrawal.ID] = cloneWithdrawal(withdrawal)
	onRollback(ctx, func() { delete(m.withdrawals, withdrawal.ID) })
	return nil
}

func (m *MemoryRepository) GetWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	withdrawal, ok := m.withdrawals[withdrawalID]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return cloneWithdrawal(withdrawal), nil
}

func (m *MemoryRepository) LockWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.WithdrawalRequest, error) {
	return m.GetWithdrawal(ctx, withdrawalID)
}

func (m *MemoryRepository) ListWithdrawals(ctx context.Context, groupID uuid.UUID) ([]domain.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	withdrawals := make([]domain.WithdrawalRequest, 0)
	for _, withdrawal := range m.withdrawals {
		if withdrawal.GroupID == groupID {
			withdrawals = append(withdrawals, *cloneWithdrawal(withdrawal))
		}
	}
	sort.Slice(withdrawals, func(i, j int) bool { return withdrawals[i].CreatedAt.After(withdrawals[j].CreatedAt) })
	return withdrawals, nil
}

func (m *MemoryRepository) ApproveWithdrawal(ctx context.Context, params ApproveWithdrawalParams) (*domain.WithdrawalRequest, *domain.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	withdrawal, ok := m.withdrawals[params.WithdrawalID]
	if !ok {
		return nil, nil, ErrWithdrawalNotFound
	}
	if withdrawal.Status != domain.WithdrawalVoting {
		return nil, nil, ErrStateConflict
	}
	if group, ok := m.groups[withdrawal.GroupID]; ok && group.Status == domain.GroupStatusClosed {
		return nil, nil, ErrStateConflict
	}
	wallet, ok := m.wallets[withdrawal.GroupID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	if wallet.Balance-wallet.LockedBalance < withdrawal.Amount {
		return nil, nil, ErrInsufficientGroupFunds
	}

	previous := cloneWithdrawal(withdrawal)
	wallet.LockedBalance += withdrawal.Amount

	withdrawalID := withdrawal.ID
	ledgerTx := &domain.LedgerTransaction{
		ID:           params.LedgerTransactionID,
		GroupID:      withdrawal.GroupID,
		Type:         domain.TransactionWithdrawal,
		Amount:       withdrawal.Amount,
		WithdrawalID: &withdrawalID,
		Status:       domain.TransactionPending,
		CreatedAt:    params.At,
	}
	m.ledger = append(m.ledger, ledgerTx)

	ledgerID := ledgerTx.ID
	resolvedAt := params.At
	withdrawal.Status = domain.WithdrawalApproved
	withdrawal.LedgerTransactionID = &ledgerID
	withdrawal.ResolvedAt = &resolvedAt

	amount := withdrawal.Amount
	onRollback(ctx, func() {
		wallet.LockedBalance -= amount
		m.removeLedgerLocked(ledgerID)
		m.withdrawals[withdrawalID] = previous
	})

	c := *ledgerTx
	return cloneWithdrawal(withdrawal), &c, nil
}

func (m *MemoryRepository) RejectWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reason string, at time.Time) (*domain.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	withdrawal, ok := m.withdrawals[withdrawalID]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	if withdrawal.Status != domain.WithdrawalVoting {
		return nil, ErrStateConflict
	}

	previous := cloneWithdrawal(withdrawal)
	withdrawal.Status = domain.WithdrawalRejected
	failureReason := reason
	resolvedAt := at
	withdrawal.FailureReason = &failureReason
	withdrawal.ResolvedAt = &resolvedAt
	onRollback(ctx, func() { m.withdrawals[withdrawalID] = previous })
	return cloneWithdrawal(withdrawal), nil
}

func (m *MemoryRepository) CompleteWithdrawal(ctx context.Context, withdrawalID uuid.UUID, at time.Time) (*domain.WithdrawalRequest, error) {
	return m.settleWithdrawal(ctx, withdrawalID, true, "", at)
}

func (m *MemoryRepository) FailWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reason string, at time.Time) (*domain.WithdrawalRequest, error) {
	return m.settleWithdrawal(ctx, withdrawalID, false, reason, at)
}

func (m *MemoryRepository) settleWithdrawal(ctx context.Context, withdrawalID uuid.UUID, succeeded bool, reason string, at time.Time) (*domain.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	withdrawal, ok := m.withdrawals[withdrawalID]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	if withdrawal.Status != domain.WithdrawalApproved {
		return nil, ErrStateConflict
	}
	wallet, ok := m.wallets[withdrawal.GroupID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	amount := withdrawal.Amount
	if wallet.LockedBalance < amount || (succeeded && wallet.Balance < amount) {
		return nil, ErrInsufficientGroupFunds
	}

	previous := cloneWithdrawal(withdrawal)
	wallet.LockedBalance -= amount
	if succeeded {
		wallet.Balance -= amount
	}

	var ledgerTx *domain.LedgerTransaction
	for _, entry := range m.ledger {
		if entry.WithdrawalID != nil && *entry.WithdrawalID == withdrawalID && entry.Status == domain.TransactionPending {
			ledgerTx = entry
			break
		}
	}
	completedAt := at
	if ledgerTx != nil {
		ledgerTx.CompletedAt = &completedAt
		ledgerTx.Status = domain.TransactionFailed
		if succeeded {
			ledgerTx.Status = domain.TransactionCompleted
		}
	}

	withdrawal.ResolvedAt = &completedAt
	if succeeded {
		withdrawal.Status = domain.WithdrawalDisbursed
	} else {
		withdrawal.Status = domain.WithdrawalFailed
		failureReason := reason
		withdrawal.FailureReason = &failureReason
	}

	onRollback(ctx, func() {
		wallet.LockedBalance += amount
		if succeeded {
			wallet.Balance += amount
		}
		if ledgerTx != nil {
			ledgerTx.Status = domain.TransactionPending
			ledgerTx.CompletedAt = nil
		}
		m.withdrawals[withdrawalID] = previous
	})
	return cloneWithdrawal(withdrawal), nil
}

func (m *MemoryRepository) ListVotingWithdrawalsCreatedBefore(ctx context.Context, before time.Time, limit int) ([]domain.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	withdrawals := make([]domain.WithdrawalRequest, 0)
	for _, withdrawal := range m.withdrawals {
		if withdrawal.Status == domain.WithdrawalVoting && withdrawal.CreatedAt.Before(before) {
			withdrawals = append(withdrawals, *cloneWithdrawal(withdrawal))
		}
	}
	sort.Slice(withdrawals, func(i, j int) bool { return withdrawals[i].CreatedAt.Before(withdrawals[j].CreatedAt) })
	if limit > 0 && len(withdrawals) > limit {
		withdrawals = withdrawals[:limit]
	}
	return withdrawals, nil
}

// LockAuditChain relies on WithinTx: memory transactions already run one at a time.
func (m *MemoryRepository) LockAuditChain(ctx context.Context, groupID uuid.UUID) error {
	return nil
}

func (m *MemoryRepository) GetAuditHead(ctx context.Context, groupID uuid.UUID) (*domain.AuditBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.chains[groupID]
	if len(chain) == 0 {
		return nil, nil
	}
	head := cloneBlock(chain[len(chain)-1])
	return &head, nil
}

func (m *MemoryRepository) InsertAuditBlock(ctx context.Context, block *domain.AuditBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chains[block.GroupID]
	if int64(len(chain)) != block.Index {
		return ErrAuditIndexConflict
	}
	m.auditSeq++
	block.Seq = m.auditSeq
	m.chains[block.GroupID] = append(chain, cloneBlock(*block))

	groupID := block.GroupID
	onRollback(ctx, func() {
		current := m.chains[groupID]
		if len(current) > 0 {
			m.chains[groupID] = current[:len(current)-1]
		}
	})
	return nil
}

func (m *MemoryRepository) ListAuditBlocks(ctx context.Context, groupID uuid.UUID) ([]domain.AuditBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.chains[groupID]
	blocks := make([]domain.AuditBlock, 0, len(chain))
	for _, block := range chain {
		blocks = append(blocks, cloneBlock(block))
	}
	return blocks, nil
}

func (m *MemoryRepository) ListAuditBlocksByEntity(ctx context.Context, entityID string, afterSeq int64, limit int) ([]domain.AuditBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	matches := make([]domain.AuditBlock, 0)
	for _, chain := range m.chains {
		for i := range chain {
			if chain[i].Seq > afterSeq && chain[i].References(entityID) {
				matches = append(matches, cloneBlock(chain[i]))
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Seq < matches[j].Seq })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (m *MemoryRepository) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.outboxSeq++
	now := time.Now()
	message := &memoryOutboxMessage{
		OutboxMessage: OutboxMessage{
			ID:         m.outboxSeq,
			Exchange:   strings.TrimSpace(exchange),
			RoutingKey: strings.TrimSpace(routingKey),
			Payload:    blob,
		},
		status:        "pending",
		nextAttemptAt: now,
		createdAt:     now,
	}
	m.outbox = append(m.outbox, message)
	id := message.ID
	onRollback(ctx, func() {
		for i, queued := range m.outbox {
			if queued.ID == id {
				m.outbox = append(m.outbox[:i], m.outbox[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (m *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	now := time.Now()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)

	claimed := make([]OutboxMessage, 0)
	for _, message := range m.outbox {
		if len(claimed) >= limit {
			break
		}
		ready := message.status == "pending" && !message.nextAttemptAt.After(now)
		stale := message.status == "processing" && message.processingStartedAt.Before(staleBefore)
		if !ready && !stale {
			continue
		}
		message.status = "processing"
		message.processingStartedAt = now
		message.Attempts++
		claimed = append(claimed, message.OutboxMessage)
	}
	return claimed, nil
}

func (m *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, message := range m.outbox {
		if message.ID == id {
			message.status = "published"
		}
	}
	return nil
}

func (m *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	for _, message := range m.outbox {
		if message.ID == id {
			message.status = "pending"
			message.nextAttemptAt = time.Now().Add(time.Duration(retryAfterSeconds) * time.Second)
		}
	}
	return nil
}

// PendingOutboxCount reports messages not yet published. Used by tests and the dev server.
func (m *MemoryRepository) PendingOutboxCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, message := range m.outbox {
		if message.status != "published" {
			count++
		}
	}
	return count
}
