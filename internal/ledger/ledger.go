// Package ledger owns user credit balances.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"cmdgate/internal/domain"
	"cmdgate/internal/keylock"
	"cmdgate/internal/store"
)

// Ledger reasons recorded with each balance change.
const (
	ReasonCommand = "command"
	ReasonRefund  = "refund"
	ReasonGrant   = "grant"
)

// Memo annotates a balance change for reconciliation.
type Memo struct {
	Reason       string
	SubmissionID string
}

// Repository is the persistence the ledger needs.
type Repository interface {
	ApplyDelta(ctx context.Context, userID, delta int64, reason, submissionID string) (int64, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	LedgerEntries(ctx context.Context, userID int64, limit int) ([]store.LedgerEntry, error)
}

// Ledger serializes mutations per user. Different users proceed in parallel.
type Ledger struct {
	repo   Repository
	locks  *keylock.Map[int64]
	logger *slog.Logger
}

func New(repo Repository, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, locks: keylock.New[int64](), logger: logger}
}

// Debit removes amount from the balance. An overdraft fails with
// domain.ErrInsufficientCredits and leaves the balance untouched.
func (l *Ledger) Debit(ctx context.Context, userID, amount int64, memo Memo) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit %d: %w", amount, domain.ErrInvalidAmount)
	}
	if memo.Reason == "" {
		memo.Reason = ReasonCommand
	}
	return l.apply(ctx, userID, -amount, memo)
}

func (l *Ledger) Credit(ctx context.Context, userID, amount int64, memo Memo) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit %d: %w", amount, domain.ErrInvalidAmount)
	}
	if memo.Reason == "" {
		memo.Reason = ReasonGrant
	}
	return l.apply(ctx, userID, amount, memo)
}

func (l *Ledger) apply(ctx context.Context, userID, delta int64, memo Memo) (int64, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	balance, err := l.repo.ApplyDelta(ctx, userID, delta, memo.Reason, memo.SubmissionID)
	if err != nil {
		return 0, err
	}
	l.logger.Debug("ledger: balance changed",
		"user_id", userID, "delta", delta, "balance", balance, "reason", memo.Reason)
	return balance, nil
}

func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	return l.repo.Balance(ctx, userID)
}

// Entries lists a user's balance changes, newest first.
func (l *Ledger) Entries(ctx context.Context, userID int64, limit int) ([]store.LedgerEntry, error) {
	return l.repo.LedgerEntries(ctx, userID, limit)
}
