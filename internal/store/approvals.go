package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cmdgate/internal/domain"
)

const approvalColumns = `a.id, a.submission_id, a.user_id, COALESCE(u.username, ''), a.command_text, a.status, a.created_at, a.resolved_at, a.resolved_by`

func scanApproval(row interface{ Scan(...any) error }) (domain.ApprovalItem, error) {
	var it domain.ApprovalItem
	var status string
	var resolvedAt sql.NullTime
	var resolvedBy sql.NullInt64
	if err := row.Scan(&it.ID, &it.SubmissionID, &it.UserID, &it.Username, &it.CommandText,
		&status, &it.CreatedAt, &resolvedAt, &resolvedBy); err != nil {
		return domain.ApprovalItem{}, err
	}
	it.Status = domain.ApprovalStatus(status)
	it.ResolvedAt = timePtr(resolvedAt)
	it.ResolvedBy = int64Ptr(resolvedBy)
	return it, nil
}

// InsertApproval stores a pending item. A second item for the same
// submission, or a second pending item for the same user and command, fails
// with domain.ErrAlreadyQueued.
func (s *SQLiteStore) InsertApproval(ctx context.Context, it domain.ApprovalItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, submission_id, user_id, command_text, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		it.ID, it.SubmissionID, it.UserID, it.CommandText, string(it.Status), it.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("submission %s: %w", it.SubmissionID, domain.ErrAlreadyQueued)
	}
	return err
}

// PendingApprovalFor returns the pending item userID already has for
// commandText, or domain.ErrNotFound.
func (s *SQLiteStore) PendingApprovalFor(ctx context.Context, userID int64, commandText string) (domain.ApprovalItem, error) {
	it, err := scanApproval(s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals a LEFT JOIN users u ON u.id = a.user_id
		 WHERE a.user_id = ? AND a.command_text = ? AND a.status = ?`,
		userID, commandText, string(domain.ApprovalPending)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ApprovalItem{}, domain.ErrNotFound
	}
	return it, err
}

func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (domain.ApprovalItem, error) {
	it, err := scanApproval(s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals a LEFT JOIN users u ON u.id = a.user_id WHERE a.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ApprovalItem{}, fmt.Errorf("approval %s: %w", id, domain.ErrNotFound)
	}
	return it, err
}

// PendingApprovals returns pending items, oldest first.
func (s *SQLiteStore) PendingApprovals(ctx context.Context) ([]domain.ApprovalItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals a LEFT JOIN users u ON u.id = a.user_id
		 WHERE a.status = ? ORDER BY a.rowid ASC`, string(domain.ApprovalPending),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.ApprovalItem
	for rows.Next() {
		it, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ClaimApproval performs the single pending -> terminal transition. Exactly
// one concurrent caller succeeds; the rest get domain.ErrAlreadyResolved.
func (s *SQLiteStore) ClaimApproval(ctx context.Context, id string, status domain.ApprovalStatus, actorID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_at = ?, resolved_by = ? WHERE id = ? AND status = ?`,
		string(status), at, actorID, id, string(domain.ApprovalPending),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM approvals WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("approval %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("approval %s is %s: %w", id, current, domain.ErrAlreadyResolved)
}

// ReleaseApproval puts a claimed item back to pending.
func (s *SQLiteStore) ReleaseApproval(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_at = NULL, resolved_by = NULL WHERE id = ?`,
		string(domain.ApprovalPending), id,
	)
	return err
}
