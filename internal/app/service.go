/**
 * @description
 * This file contains the `Service` struct that orchestrates every trust-group use case:
 * group lifecycle, membership applications, voting, contributions, wallet security and
 * withdrawals. Each use case is implemented in its own file of this package; this file holds
 * the shared plumbing (settings, timeouts, per-group locking, store error translation).
 *
 * Key features:
 * - Every state change and its audit block commit in one store transaction.
 * - Operations touching a group are serialized in-process per group id, and across
 *   processes by row locks and the audit chain lock in the store.
 * - Store failures are translated into the domain error taxonomy; unknown failures become
 *   retryable infrastructure errors.
 *
 * @dependencies
 * - internal/domain, internal/store, internal/audit, internal/metrics.
 * - golang.org/x/crypto/bcrypt: PIN hashing (wallet.go).
 * - github.com/shopspring/decimal: approval percentages (voting.go).
 */

package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/trustgroup-service/internal/audit"
	"github.com/transfa/trustgroup-service/internal/domain"
	"github.com/transfa/trustgroup-service/internal/metrics"
	"github.com/transfa/trustgroup-service/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// Settings carries the tunables the service reads from configuration.
type Settings struct {
	StoreTimeout             time.Duration
	PINMaxAttempts           int
	PINLockout               time.Duration
	PINRateLimitPerMinute    int
	DefaultApprovalThreshold int
	VotingWindow             time.Duration
	EventExchange            string
	BcryptCost               int
}

func DefaultSettings() Settings {
	return Settings{
		StoreTimeout:             5 * time.Second,
		PINMaxAttempts:           3,
		PINLockout:               15 * time.Minute,
		PINRateLimitPerMinute:    10,
		DefaultApprovalThreshold: domain.DefaultApprovalThresholdPercent,
		VotingWindow:             7 * 24 * time.Hour,
		EventExchange:            "trustgroup.events",
		BcryptCost:               bcrypt.DefaultCost,
	}
}

func (s Settings) normalized() Settings {
	defaults := DefaultSettings()
	if s.StoreTimeout <= 0 {
		s.StoreTimeout = defaults.StoreTimeout
	}
	if s.PINMaxAttempts <= 0 {
		s.PINMaxAttempts = defaults.PINMaxAttempts
	}
	if s.PINLockout <= 0 {
		s.PINLockout = defaults.PINLockout
	}
	if s.DefaultApprovalThreshold < 1 || s.DefaultApprovalThreshold > 100 {
		s.DefaultApprovalThreshold = defaults.DefaultApprovalThreshold
	}
	if s.VotingWindow <= 0 {
		s.VotingWindow = defaults.VotingWindow
	}
	if s.EventExchange == "" {
		s.EventExchange = defaults.EventExchange
	}
	if s.BcryptCost < bcrypt.MinCost || s.BcryptCost > bcrypt.MaxCost {
		s.BcryptCost = defaults.BcryptCost
	}
	return s
}

// RateLimiter bounds PIN attempts per group wallet and user over a sliding window. A nil
// limiter disables limiting.
type RateLimiter interface {
	AllowPINAttempt(ctx context.Context, groupID uuid.UUID, userID string, limit int, window time.Duration) (RateDecision, error)
}

// Service provides the core business logic for trust groups.
type Service struct {
	repo     store.Repository
	chain    *audit.Chain
	limiter  RateLimiter
	metrics  *metrics.Metrics
	settings Settings
	now      func() time.Time
	groups   *keyedMutex
}

type Option func(*Service)

// WithClock replaces time.Now, used by lockout and expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithRateLimiter(limiter RateLimiter) Option {
	return func(s *Service) { s.limiter = limiter }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a new trust group service instance.
func NewService(repo store.Repository, chain *audit.Chain, settings Settings, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		chain:    chain,
		settings: settings.normalized(),
		now:      time.Now,
		groups:   newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// begin bounds the call with the store timeout and takes the group's in-process lock.
// The returned function releases both.
func (s *Service) begin(ctx context.Context, groupID uuid.UUID) (context.Context, func()) {
	unlock := s.groups.Lock(groupID.String())
	ctx, cancel := context.WithTimeout(ctx, s.settings.StoreTimeout)
	return ctx, func() {
		cancel()
		unlock()
	}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.settings.StoreTimeout)
}

func (s *Service) observe(operation string, start time.Time) {
	s.metrics.ObserveOperation(operation, time.Since(start).Seconds())
}

// storeError translates repository errors into the domain taxonomy. Errors that already
// belong to the taxonomy pass through unchanged.
func storeError(err error) error {
	if err == nil {
		return nil
	}

	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return err
	}

	switch {
	case errors.Is(err, store.ErrGroupNotFound):
		return domain.ErrGroupNotFound
	case errors.Is(err, store.ErrMemberNotFound):
		return domain.ErrMemberNotFound
	case errors.Is(err, store.ErrApplicationNotFound):
		return domain.ErrApplicationNotFound
	case errors.Is(err, store.ErrWalletNotFound):
		return domain.ErrWalletNotFound
	case errors.Is(err, store.ErrWithdrawalNotFound):
		return domain.ErrWithdrawalNotFound
	case errors.Is(err, store.ErrDuplicateApplication):
		return domain.ErrDuplicateApplication
	case errors.Is(err, store.ErrDuplicateVote):
		return domain.ErrDuplicateVote
	case errors.Is(err, store.ErrWalletExists):
		return domain.ErrWalletAlreadyExists
	case errors.Is(err, store.ErrAlreadyMember):
		return domain.ErrAlreadyMember
	case errors.Is(err, store.ErrGroupFull):
		return domain.ErrGroupFull
	case errors.Is(err, store.ErrInsufficientFunds), errors.Is(err, store.ErrPersonalWalletNotFound):
		return domain.ErrInsufficientWalletBalance
	case errors.Is(err, store.ErrInsufficientGroupFunds):
		return domain.ErrInsufficientGroupBalance
	case errors.Is(err, store.ErrPINLocked):
		return domain.ErrAccountLocked
	case errors.Is(err, store.ErrFundsLocked):
		return domain.ErrFundsLocked
	case errors.Is(err, store.ErrStateConflict):
		return domain.ErrInvalidTransition
	default:
		return domain.ErrStoreUnavailable.Wrap(err)
	}
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyedLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
