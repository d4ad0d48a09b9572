package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/trustgroup-service/internal/domain"
)

const applicationColumns = `id, group_id, applicant_user_id, reason_text, status, reviewed_by, reviewed_at,
	resolved_at, resolution_reason, created_at`

func scanApplication(row pgx.Row) (*domain.MembershipApplication, error) {
	var application domain.MembershipApplication
	var status string
	err := row.Scan(
		&application.ID,
		&application.GroupID,
		&application.ApplicantUserID,
		&application.ReasonText,
		&status,
		&application.ReviewedBy,
		&application.ReviewedAt,
		&application.ResolvedAt,
		&application.ResolutionReason,
		&application.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrApplicationNotFound
		}
		return nil, err
	}
	application.Status = domain.ApplicationStatus(status)
	return &application, nil
}

// CreateApplication relies on uq_membership_applications_open to reject a second
// unresolved application from the same applicant.
func (r *PostgresRepository) CreateApplication(ctx context.Context, application *domain.MembershipApplication) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO membership_applications (id, group_id, applicant_user_id, reason_text, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, application.ID, application.GroupID, application.ApplicantUserID, application.ReasonText, string(application.Status), application.CreatedAt)
	if isUniqueViolation(err, "uq_membership_applications_open") {
		return ErrDuplicateApplication
	}
	return err
}

func (r *PostgresRepository) GetApplication(ctx context.Context, applicationID uuid.UUID) (*domain.MembershipApplication, error) {
	return scanApplication(r.q(ctx).QueryRow(ctx, `SELECT `+applicationColumns+` FROM membership_applications WHERE id = $1`, applicationID))
}

func (r *PostgresRepository) LockApplication(ctx context.Context, applicationID uuid.UUID) (*domain.MembershipApplication, error) {
	return scanApplication(r.q(ctx).QueryRow(ctx, `SELECT `+applicationColumns+` FROM membership_applications WHERE id = $1 FOR UPDATE`, applicationID))
}

func (r *PostgresRepository) ListApplications(ctx context.Context, groupID uuid.UUID, status *domain.ApplicationStatus) ([]domain.MembershipApplication, error) {
	var statusFilter *string
	if status != nil {
		value := string(*status)
		statusFilter = &value
	}

	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+applicationColumns+`
		FROM membership_applications
		WHERE group_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
	`, groupID, statusFilter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApplications(rows)
}

func collectApplications(rows pgx.Rows) ([]domain.MembershipApplication, error) {
	applications := make([]domain.MembershipApplication, 0)
	for rows.Next() {
		application, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		applications = append(applications, *application)
	}
	return applications, rows.Err()
}

func (r *PostgresRepository) TransitionApplication(ctx context.Context, params TransitionApplicationParams) (*domain.MembershipApplication, error) {
	application, err := scanApplication(r.q(ctx).QueryRow(ctx, `
		UPDATE membership_applications
		SET status = $3,
			reviewed_by = COALESCE($4, reviewed_by),
			reviewed_at = CASE WHEN $4::text IS NOT NULL THEN $6::timestamptz ELSE reviewed_at END,
			resolution_reason = COALESCE($5, resolution_reason),
			resolved_at = CASE WHEN $3 IN ('approved', 'rejected') THEN $6::timestamptz ELSE resolved_at END
		WHERE id = $1 AND status = $2
		RETURNING `+applicationColumns,
		params.ApplicationID, string(params.From), string(params.To), params.ReviewedBy, params.Reason, params.At,
	))
	if errors.Is(err, ErrApplicationNotFound) {
		if _, getErr := r.GetApplication(ctx, params.ApplicationID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStateConflict
	}
	return application, err
}

// ApproveApplication checks capacity under a group row lock before mutating anything, so a
// full group leaves the application untouched in voting for the caller to reject.
func (r *PostgresRepository) ApproveApplication(ctx context.Context, applicationID uuid.UUID, memberID uuid.UUID, at time.Time) (*domain.MembershipApplication, *domain.Member, error) {
	var application *domain.MembershipApplication
	var member *domain.Member

	err := r.WithinTx(ctx, func(ctx context.Context) error {
		q := r.q(ctx)

		current, err := r.LockApplication(ctx, applicationID)
		if err != nil {
			return err
		}
		if current.Status != domain.ApplicationVoting {
			return ErrStateConflict
		}

		var maxMembers int
		if err := q.QueryRow(ctx, `SELECT max_members FROM trust_groups WHERE id = $1 FOR UPDATE`, current.GroupID).Scan(&maxMembers); err != nil {
			if err == pgx.ErrNoRows {
				return ErrGroupNotFound
			}
			return err
		}

		var activeCount int
		var alreadyMember bool
		err = q.QueryRow(ctx, `
			SELECT COUNT(*), COALESCE(BOOL_OR(user_id = $2), FALSE)
			FROM trust_group_members
			WHERE group_id = $1 AND is_active
		`, current.GroupID, current.ApplicantUserID).Scan(&activeCount, &alreadyMember)
		if err != nil {
			return err
		}
		if alreadyMember {
			return ErrAlreadyMember
		}
		if activeCount >= maxMembers {
			return ErrGroupFull
		}

		application, err = scanApplication(q.QueryRow(ctx, `
			UPDATE membership_applications
			SET status = 'approved', resolved_at = $2
			WHERE id = $1 AND status = 'voting'
			RETURNING `+applicationColumns,
			applicationID, at,
		))
		if err != nil {
			return err
		}

		member, err = scanMember(q.QueryRow(ctx, `
			INSERT INTO trust_group_members (id, group_id, user_id, role, member_number, total_contributed, is_active, joined_at)
			SELECT $1, $2, $3, 'member', COALESCE(MAX(member_number), 0) + 1, 0, TRUE, $4
			FROM trust_group_members
			WHERE group_id = $2
			RETURNING `+memberColumns,
			memberID, current.GroupID, current.ApplicantUserID, at,
		))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return application, member, nil
}

func (r *PostgresRepository) CountApplicationsByStatus(ctx context.Context, groupID uuid.UUID) (map[domain.ApplicationStatus]int, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT status, COUNT(*)
		FROM membership_applications
		WHERE group_id = $1
		GROUP BY status
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.ApplicationStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[domain.ApplicationStatus(status)] = count
	}
	return counts, rows.Err()
}

// ListVotingApplicationsCreatedBefore measures the voting window from the review that opened it.
func (r *PostgresRepository) ListVotingApplicationsCreatedBefore(ctx context.Context, before time.Time, limit int) ([]domain.MembershipApplication, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+applicationColumns+`
		FROM membership_applications
		WHERE status = 'voting' AND COALESCE(reviewed_at, created_at) < $1
		ORDER BY created_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApplications(rows)
}

func (r *PostgresRepository) InsertVote(ctx context.Context, vote *domain.Vote) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO membership_votes (id, subject_kind, subject_id, group_id, voter_id, vote_type, cast_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, vote.ID, string(vote.SubjectKind), vote.SubjectID, vote.GroupID, vote.VoterID, string(vote.VoteType), vote.CastAt)
	if isUniqueViolation(err, "uq_membership_votes_voter") {
		return ErrDuplicateVote
	}
	return err
}

// TallyVotes counts only ballots from voters who are still active members.
func (r *PostgresRepository) TallyVotes(ctx context.Context, subject domain.Subject) (int, int, error) {
	var approve, reject int
	err := r.q(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE v.vote_type = 'approve'),
			COUNT(*) FILTER (WHERE v.vote_type = 'reject')
		FROM membership_votes v
		JOIN trust_group_members m ON m.group_id = v.group_id AND m.user_id = v.voter_id AND m.is_active
		WHERE v.subject_kind = $1 AND v.subject_id = $2
	`, string(subject.Kind), subject.ID).Scan(&approve, &reject)
	return approve, reject, err
}

func (r *PostgresRepository) ListVotes(ctx context.Context, subject domain.Subject) ([]domain.Vote, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, subject_kind, subject_id, group_id, voter_id, vote_type, cast_at
		FROM membership_votes
		WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY cast_at
	`, string(subject.Kind), subject.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	votes := make([]domain.Vote, 0)
	for rows.Next() {
		var vote domain.Vote
		var kind, voteType string
		if err := rows.Scan(&vote.ID, &kind, &vote.SubjectID, &vote.GroupID, &vote.VoterID, &voteType, &vote.CastAt); err != nil {
			return nil, err
		}
		vote.SubjectKind = domain.SubjectKind(kind)
		vote.VoteType = domain.VoteType(voteType)
		votes = append(votes, vote)
	}
	return votes, rows.Err()
}
