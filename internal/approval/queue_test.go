package approval

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cmdgate/internal/domain"
	"cmdgate/internal/store"
)

func testQueue(t *testing.T) (*Queue, *store.SQLiteStore, domain.User) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "approval.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	u, err := s.CreateUser(context.Background(), "alice", domain.RoleMember, "hash-alice", 100)
	if err != nil {
		t.Fatal(err)
	}
	return NewQueue(s, logger), s, u
}

func pendingSubmission(t *testing.T, s *store.SQLiteStore, u domain.User, id, cmd string) domain.Submission {
	t.Helper()
	sub := domain.Submission{
		ID: id, UserID: u.ID, CommandText: cmd, SubmittedAt: time.Now().UTC(),
		Status: domain.StatusPendingApproval, Reason: domain.ReasonDefaultPolicy,
	}
	if err := s.InsertSubmission(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

func TestEnqueue_ListPendingOldestFirst(t *testing.T) {
	q, s, u := testQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, pendingSubmission(t, s, u, "s1", "deploy a"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, pendingSubmission(t, s, u, "s2", "deploy b")); err != nil {
		t.Fatal(err)
	}

	items, err := q.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != first.ID {
		t.Fatalf("expected oldest first, got %+v", items)
	}
	if items[0].Username != "alice" || items[0].CommandText != "deploy a" {
		t.Errorf("item missing joined fields: %+v", items[0])
	}
}

func TestEnqueue_Twice(t *testing.T) {
	q, s, u := testQueue(t)
	sub := pendingSubmission(t, s, u, "s1", "deploy")

	if _, err := q.Enqueue(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(context.Background(), sub); !errors.Is(err, domain.ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
}

func TestEnqueue_SameCommandPendingOnce(t *testing.T) {
	q, s, u := testQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, pendingSubmission(t, s, u, "s1", "deploy service-x"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, pendingSubmission(t, s, u, "s2", "deploy service-x")); !errors.Is(err, domain.ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued for a repeated pending command, got %v", err)
	}

	found, ok, err := q.FindPending(ctx, u.ID, "deploy service-x")
	if err != nil || !ok || found.ID != first.ID {
		t.Fatalf("FindPending = %+v, %v, %v; want %s", found, ok, err, first.ID)
	}

	// Once resolved, the same command can be queued again.
	if _, err := q.Claim(ctx, first.ID, domain.DecisionDeny, u.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := q.FindPending(ctx, u.ID, "deploy service-x"); ok {
		t.Fatal("resolved item should not be found as pending")
	}
	if _, err := q.Enqueue(ctx, pendingSubmission(t, s, u, "s3", "deploy service-x")); err != nil {
		t.Fatalf("re-queue after resolution: %v", err)
	}
}

func TestClaim_ApproveAndDeny(t *testing.T) {
	q, s, u := testQueue(t)
	ctx := context.Background()
	a, _ := q.Enqueue(ctx, pendingSubmission(t, s, u, "s1", "one"))
	b, _ := q.Enqueue(ctx, pendingSubmission(t, s, u, "s2", "two"))

	got, err := q.Claim(ctx, a.ID, domain.DecisionApprove, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ApprovalApproved || got.ResolvedBy == nil || *got.ResolvedBy != u.ID {
		t.Fatalf("unexpected approved item: %+v", got)
	}
	got, err = q.Claim(ctx, b.ID, domain.DecisionDeny, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ApprovalDenied {
		t.Fatalf("expected denied, got %s", got.Status)
	}

	pending, _ := q.ListPending(ctx)
	if len(pending) != 0 {
		t.Fatalf("expected empty queue, got %d", len(pending))
	}
}

func TestClaim_UnknownAndInvalid(t *testing.T) {
	q, s, u := testQueue(t)
	ctx := context.Background()

	if _, err := q.Claim(ctx, "missing", domain.DecisionApprove, u.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	it, _ := q.Enqueue(ctx, pendingSubmission(t, s, u, "s1", "x"))
	if _, err := q.Claim(ctx, it.ID, "maybe", u.ID); err == nil {
		t.Fatal("expected error for unknown decision")
	}
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	q, s, u := testQueue(t)
	ctx := context.Background()
	it, _ := q.Enqueue(ctx, pendingSubmission(t, s, u, "s1", "deploy"))

	const admins = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0
	for i := 0; i < admins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := domain.DecisionApprove
			if i%2 == 1 {
				d = domain.DecisionDeny
			}
			_, err := q.Claim(ctx, it.ID, d, u.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrAlreadyResolved):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || losses != admins-1 {
		t.Fatalf("expected exactly one winner, got wins=%d losses=%d", wins, losses)
	}
}

func TestRelease_RestoresPending(t *testing.T) {
	q, s, u := testQueue(t)
	ctx := context.Background()
	it, _ := q.Enqueue(ctx, pendingSubmission(t, s, u, "s1", "deploy"))

	if _, err := q.Claim(ctx, it.ID, domain.DecisionApprove, u.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Release(ctx, it.ID); err != nil {
		t.Fatal(err)
	}
	got, err := q.Get(ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ApprovalPending || got.ResolvedBy != nil {
		t.Fatalf("expected pending item after release, got %+v", got)
	}
	if _, err := q.Claim(ctx, it.ID, domain.DecisionDeny, u.ID); err != nil {
		t.Fatalf("released item should be claimable: %v", err)
	}
}
