package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cmdgate/internal/domain"
)

const submissionColumns = `id, user_id, command_text, submitted_at, status, reason, matched_rule_id, cost, output, resolved_at`

func scanSubmission(row interface{ Scan(...any) error }) (domain.Submission, error) {
	var sub domain.Submission
	var status string
	var ruleID sql.NullInt64
	var resolvedAt sql.NullTime
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.CommandText, &sub.SubmittedAt, &status,
		&sub.Reason, &ruleID, &sub.Cost, &sub.Output, &resolvedAt); err != nil {
		return domain.Submission{}, err
	}
	sub.Status = domain.SubmissionStatus(status)
	sub.MatchedRuleID = int64Ptr(ruleID)
	sub.ResolvedAt = timePtr(resolvedAt)
	return sub, nil
}

func (s *SQLiteStore) InsertSubmission(ctx context.Context, sub domain.Submission) error {
	var resolvedAt sql.NullTime
	if sub.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *sub.ResolvedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (`+submissionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.UserID, sub.CommandText, sub.SubmittedAt, string(sub.Status), sub.Reason,
		nullInt64(sub.MatchedRuleID), sub.Cost, sub.Output, resolvedAt,
	)
	return err
}

// FinalizeSubmission moves a pending submission to a terminal status. It fails
// with domain.ErrAlreadyResolved if the submission is no longer pending.
func (s *SQLiteStore) FinalizeSubmission(ctx context.Context, sub domain.Submission) error {
	if !sub.Status.Terminal() {
		return fmt.Errorf("finalize submission %s: status %q is not terminal", sub.ID, sub.Status)
	}
	var resolvedAt sql.NullTime
	if sub.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *sub.ResolvedAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = ?, reason = ?, cost = ?, output = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		string(sub.Status), sub.Reason, sub.Cost, sub.Output, resolvedAt,
		sub.ID, string(domain.StatusPendingApproval),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("submission %s: %w", sub.ID, domain.ErrAlreadyResolved)
	}
	return nil
}

// RevertSubmission restores a submission to pending. Used only to undo a
// finalize whose audit record could not be written.
func (s *SQLiteStore) RevertSubmission(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = ?, reason = ?, cost = 0, output = '', resolved_at = NULL WHERE id = ?`,
		string(domain.StatusPendingApproval), reason, id,
	)
	return err
}

// DeleteSubmission removes a provisional submission whose audit record could
// not be written. Its approval item, if any, goes with it.
func (s *SQLiteStore) DeleteSubmission(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Submission{}, fmt.Errorf("submission %s: %w", id, domain.ErrNotFound)
	}
	return sub, err
}

// SubmissionsByUser returns a user's submissions, newest first.
func (s *SQLiteStore) SubmissionsByUser(ctx context.Context, userID int64, limit int) ([]domain.Submission, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE user_id = ?
		 ORDER BY rowid DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
