/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface: the
 * connection/transaction plumbing plus the trust group and member queries. The remaining
 * tables live in the sibling postgres_*.go files.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/trustgroup-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type txContextKey struct{}

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresRepository) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.db
}

func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txContextKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReadSnapshot runs fn in a read-only REPEATABLE READ transaction. Inside WithinTx it reuses
// the open transaction.
func (r *PostgresRepository) ReadSnapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txContextKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return constraint == "" || pgErr.ConstraintName == constraint
	}
	return false
}

const groupColumns = `id, name, description, max_members, monthly_contribution, currency,
	approval_threshold_percent, min_withdrawal, status, creator_id, wallet_account_id, created_at, closed_at`

func scanGroup(row pgx.Row) (*domain.TrustGroup, error) {
	var group domain.TrustGroup
	var status string
	err := row.Scan(
		&group.ID,
		&group.Name,
		&group.Description,
		&group.MaxMembers,
		&group.MonthlyContribution,
		&group.Currency,
		&group.ApprovalThresholdPercent,
		&group.MinWithdrawal,
		&status,
		&group.CreatorID,
		&group.WalletAccountID,
		&group.CreatedAt,
		&group.ClosedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	group.Status = domain.GroupStatus(status)
	return &group, nil
}

const memberColumns = `id, group_id, user_id, role, member_number, total_contributed, is_active, joined_at, left_at`

func scanMember(row pgx.Row) (*domain.Member, error) {
	var member domain.Member
	var role string
	err := row.Scan(
		&member.ID,
		&member.GroupID,
		&member.UserID,
		&role,
		&member.MemberNumber,
		&member.TotalContributed,
		&member.IsActive,
		&member.JoinedAt,
		&member.LeftAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	member.Role = domain.Role(role)
	return &member, nil
}

// CreateGroup inserts the group and its creator (member #1) together.
func (r *PostgresRepository) CreateGroup(ctx context.Context, group *domain.TrustGroup, creator *domain.Member) error {
	return r.WithinTx(ctx, func(ctx context.Context) error {
		q := r.q(ctx)
		_, err := q.Exec(ctx, `
			INSERT INTO trust_groups (id, name, description, max_members, monthly_contribution, currency,
				approval_threshold_percent, min_withdrawal, status, creator_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, group.ID, group.Name, group.Description, group.MaxMembers, group.MonthlyContribution, group.Currency,
			group.ApprovalThresholdPercent, group.MinWithdrawal, string(group.Status), group.CreatorID, group.CreatedAt)
		if err != nil {
			return err
		}

		_, err = q.Exec(ctx, `
			INSERT INTO trust_group_members (id, group_id, user_id, role, member_number, total_contributed, is_active, joined_at)
			VALUES ($1, $2, $3, $4, $5, 0, TRUE, $6)
		`, creator.ID, creator.GroupID, creator.UserID, string(creator.Role), creator.MemberNumber, creator.JoinedAt)
		return err
	})
}

func (r *PostgresRepository) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.TrustGroup, error) {
	return scanGroup(r.q(ctx).QueryRow(ctx, `SELECT `+groupColumns+` FROM trust_groups WHERE id = $1`, groupID))
}

func (r *PostgresRepository) ListGroupsForUser(ctx context.Context, userID string) ([]domain.TrustGroup, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT g.id, g.name, g.description, g.max_members, g.monthly_contribution, g.currency,
			g.approval_threshold_percent, g.min_withdrawal, g.status, g.creator_id, g.wallet_account_id, g.created_at, g.closed_at
		FROM trust_groups g
		JOIN trust_group_members m ON m.group_id = g.id
		WHERE m.user_id = $1 AND m.is_active
		ORDER BY g.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make([]domain.TrustGroup, 0)
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *group)
	}
	return groups, rows.Err()
}

func (r *PostgresRepository) ListGroupIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.q(ctx).Query(ctx, `SELECT id FROM trust_groups ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateGroupStatus changes the status only when the current status is one of from.
// Closing row-locks the wallet first, so an approval either commits before the locked
// balance is read or waits and then sees the group closed.
func (r *PostgresRepository) UpdateGroupStatus(ctx context.Context, groupID uuid.UUID, from []domain.GroupStatus, to domain.GroupStatus, at time.Time) (*domain.TrustGroup, error) {
	allowed := make([]string, 0, len(from))
	for _, status := range from {
		allowed = append(allowed, string(status))
	}

	var group *domain.TrustGroup
	err := r.WithinTx(ctx, func(ctx context.Context) error {
		q := r.q(ctx)

		if to == domain.GroupStatusClosed {
			var lockedBalance int64
			err := q.QueryRow(ctx, `SELECT locked_balance FROM group_accounts WHERE group_id = $1 FOR UPDATE`, groupID).Scan(&lockedBalance)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			if lockedBalance > 0 {
				return ErrFundsLocked
			}
		}

		var err error
		group, err = scanGroup(q.QueryRow(ctx, `
			UPDATE trust_groups
			SET status = $2,
				closed_at = CASE WHEN $2 = 'closed' THEN $3::timestamptz ELSE closed_at END
			WHERE id = $1 AND status = ANY($4)
			RETURNING `+groupColumns,
			groupID, string(to), at, allowed,
		))
		if errors.Is(err, ErrGroupNotFound) {
			if _, getErr := r.GetGroup(ctx, groupID); getErr != nil {
				return getErr
			}
			return ErrStateConflict
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

func (r *PostgresRepository) GetMember(ctx context.Context, memberID uuid.UUID) (*domain.Member, error) {
	return scanMember(r.q(ctx).QueryRow(ctx, `SELECT `+memberColumns+` FROM trust_group_members WHERE id = $1`, memberID))
}

func (r *PostgresRepository) GetActiveMemberByUser(ctx context.Context, groupID uuid.UUID, userID string) (*domain.Member, error) {
	return scanMember(r.q(ctx).QueryRow(ctx, `
		SELECT `+memberColumns+`
		FROM trust_group_members
		WHERE group_id = $1 AND user_id = $2 AND is_active
	`, groupID, userID))
}

func (r *PostgresRepository) ListMembers(ctx context.Context, groupID uuid.UUID, activeOnly bool) ([]domain.Member, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+memberColumns+`
		FROM trust_group_members
		WHERE group_id = $1 AND (is_active OR NOT $2)
		ORDER BY member_number
	`, groupID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]domain.Member, 0)
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *member)
	}
	return members, rows.Err()
}

func (r *PostgresRepository) CountActiveMembers(ctx context.Context, groupID uuid.UUID) (int, error) {
	var count int
	err := r.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM trust_group_members WHERE group_id = $1 AND is_active`, groupID).Scan(&count)
	return count, err
}

// UpdateMemberRole never touches the creator row.
func (r *PostgresRepository) UpdateMemberRole(ctx context.Context, memberID uuid.UUID, role domain.Role) (*domain.Member, error) {
	member, err := scanMember(r.q(ctx).QueryRow(ctx, `
		UPDATE trust_group_members
		SET role = $2
		WHERE id = $1 AND is_active AND role <> 'creator'
		RETURNING `+memberColumns,
		memberID, string(role),
	))
	if errors.Is(err, ErrMemberNotFound) {
		if _, getErr := r.GetMember(ctx, memberID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStateConflict
	}
	return member, err
}

func (r *PostgresRepository) DeactivateMember(ctx context.Context, memberID uuid.UUID, at time.Time) (*domain.Member, error) {
	member, err := scanMember(r.q(ctx).QueryRow(ctx, `
		UPDATE trust_group_members
		SET is_active = FALSE, left_at = $2
		WHERE id = $1 AND is_active AND role <> 'creator'
		RETURNING `+memberColumns,
		memberID, at,
	))
	if errors.Is(err, ErrMemberNotFound) {
		if _, getErr := r.GetMember(ctx, memberID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStateConflict
	}
	return member, err
}
