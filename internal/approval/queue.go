// Package approval holds submissions that wait for an admin decision.
//
// An item moves pending -> approved or pending -> denied exactly once. The
// transition is a conditional update in the store, so two admins racing on
// the same item cannot both win.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"cmdgate/internal/domain"
)

// Repository is the persistence the queue needs.
type Repository interface {
	InsertApproval(ctx context.Context, it domain.ApprovalItem) error
	GetApproval(ctx context.Context, id string) (domain.ApprovalItem, error)
	PendingApprovalFor(ctx context.Context, userID int64, commandText string) (domain.ApprovalItem, error)
	PendingApprovals(ctx context.Context) ([]domain.ApprovalItem, error)
	ClaimApproval(ctx context.Context, id string, status domain.ApprovalStatus, actorID int64, at time.Time) error
	ReleaseApproval(ctx context.Context, id string) error
}

type Queue struct {
	repo   Repository
	now    func() time.Time
	logger *slog.Logger
}

func NewQueue(repo Repository, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{repo: repo, now: time.Now, logger: logger}
}

// Enqueue creates the pending item for sub. A second call for the same
// submission, or for a command the user already has pending, fails with
// domain.ErrAlreadyQueued.
func (q *Queue) Enqueue(ctx context.Context, sub domain.Submission) (domain.ApprovalItem, error) {
	it := domain.ApprovalItem{
		ID:           uuid.New().String(),
		SubmissionID: sub.ID,
		UserID:       sub.UserID,
		CommandText:  sub.CommandText,
		Status:       domain.ApprovalPending,
		CreatedAt:    q.now().UTC(),
	}
	if err := q.repo.InsertApproval(ctx, it); err != nil {
		return domain.ApprovalItem{}, err
	}
	q.logger.Info("approval: queued", "approval_id", it.ID, "submission_id", sub.ID, "user_id", sub.UserID)
	return it, nil
}

// ListPending returns pending items, oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]domain.ApprovalItem, error) {
	items, err := q.repo.PendingApprovals(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return items, nil
}

// FindPending returns the item userID is already waiting on for
// commandText. ok is false when there is none.
func (q *Queue) FindPending(ctx context.Context, userID int64, commandText string) (it domain.ApprovalItem, ok bool, err error) {
	it, err = q.repo.PendingApprovalFor(ctx, userID, commandText)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ApprovalItem{}, false, nil
	}
	if err != nil {
		return domain.ApprovalItem{}, false, fmt.Errorf("find pending approval: %w", err)
	}
	return it, true, nil
}

func (q *Queue) Get(ctx context.Context, id string) (domain.ApprovalItem, error) {
	return q.repo.GetApproval(ctx, id)
}

// Claim moves the item out of pending on behalf of actorID. The loser of a
// race gets domain.ErrAlreadyResolved; unknown ids get domain.ErrNotFound.
func (q *Queue) Claim(ctx context.Context, id string, decision domain.ApprovalDecision, actorID int64) (domain.ApprovalItem, error) {
	var status domain.ApprovalStatus
	switch decision {
	case domain.DecisionApprove:
		status = domain.ApprovalApproved
	case domain.DecisionDeny:
		status = domain.ApprovalDenied
	default:
		return domain.ApprovalItem{}, fmt.Errorf("unknown decision %q: %w", decision, domain.ErrInvalidCommand)
	}
	if err := q.repo.ClaimApproval(ctx, id, status, actorID, q.now().UTC()); err != nil {
		return domain.ApprovalItem{}, err
	}
	return q.repo.GetApproval(ctx, id)
}

// Release returns a claimed item to pending. Used only when the effects that
// should follow a claim could not be recorded.
func (q *Queue) Release(ctx context.Context, id string) error {
	if err := q.repo.ReleaseApproval(ctx, id); err != nil {
		return fmt.Errorf("release approval %s: %w", id, err)
	}
	q.logger.Warn("approval: claim released", "approval_id", id)
	return nil
}
