package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cmdgate/internal/domain"
)

// LedgerEntry is one applied balance change.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason"`
	SubmissionID string    `json:"submission_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ApplyDelta changes a user's balance by delta in one transaction and records
// the change. A negative delta that would take the balance below zero fails
// with domain.ErrInsufficientCredits and changes nothing.
func (s *SQLiteStore) ApplyDelta(ctx context.Context, userID, delta int64, reason, submissionID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET credits = credits + ? WHERE id = ? AND credits + ? >= 0`,
		delta, userID, delta,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("user %d: %w", userID, domain.ErrNotFound)
		}
		if err != nil {
			return 0, err
		}
		return 0, domain.ErrInsufficientCredits
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&balance); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (user_id, delta, balance_after, reason, submission_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, delta, balance, reason, submissionID, time.Now().UTC(),
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit ledger tx: %w", err)
	}
	return balance, nil
}

func (s *SQLiteStore) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("user %d: %w", userID, domain.ErrNotFound)
	}
	return balance, err
}

// LedgerEntries returns a user's balance changes, newest first.
func (s *SQLiteStore) LedgerEntries(ctx context.Context, userID int64, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, delta, balance_after, reason, submission_id, created_at
		 FROM ledger_entries WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.BalanceAfter, &e.Reason, &e.SubmissionID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
