package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cmdgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunMigrations_FreshDB(t *testing.T) {
	s := testStore(t)

	version, err := GetSchemaVersion(s.DB())
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	s := testStore(t)

	if err := RunMigrations(s.DB(), testLogger()); err != nil {
		t.Fatalf("second migration (idempotent) failed: %v", err)
	}
	version, _ := GetSchemaVersion(s.DB())
	if version != schemaVersion {
		t.Errorf("expected schema version %d after re-run, got %d", schemaVersion, version)
	}
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.CreateUser(ctx, "alice", domain.RoleMember, "h1", 10); err != nil {
		t.Fatal(err)
	}
	_, err := s.CreateUser(ctx, "alice", domain.RoleMember, "h2", 10)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestApplyDelta_NeverNegative(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u, _ := s.CreateUser(ctx, "bob", domain.RoleMember, "h", 2)

	bal, err := s.ApplyDelta(ctx, u.ID, -2, "debit", "sub-1")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if bal != 0 {
		t.Fatalf("expected balance 0, got %d", bal)
	}

	_, err = s.ApplyDelta(ctx, u.ID, -1, "debit", "sub-2")
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	entries, err := s.LedgerEntries(ctx, u.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry (failed debit leaves none), got %d", len(entries))
	}
}

func TestApplyDelta_UnknownUser(t *testing.T) {
	s := testStore(t)

	_, err := s.ApplyDelta(context.Background(), 999, -1, "debit", "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendRules_PositionsPreservedOnDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rules, err := s.AppendRules(ctx, []domain.RuleSpec{
		{Pattern: "a", Action: domain.ActionAutoAccept},
		{Pattern: "b", Action: domain.ActionAutoReject},
		{Pattern: "c", Action: domain.ActionRequireApproval},
	}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRule(ctx, rules[1].ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRule(ctx, rules[1].ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}

	more, _ := s.AppendRules(ctx, []domain.RuleSpec{{Pattern: "d", Action: domain.ActionAutoAccept}}, 1)

	got, err := s.ListRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %d rules, got %d", len(want), len(got))
	}
	for i, r := range got {
		if r.Pattern != want[i] {
			t.Errorf("rule %d: expected %q, got %q", i, want[i], r.Pattern)
		}
	}
	if more[0].Position <= rules[2].Position {
		t.Errorf("appended rule should sort after existing ones")
	}
}

func TestClaimApproval_SingleWinner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u, _ := s.CreateUser(ctx, "carol", domain.RoleMember, "h", 5)
	now := time.Now().UTC()
	sub := domain.Submission{ID: "sub-1", UserID: u.ID, CommandText: "deploy", SubmittedAt: now, Status: domain.StatusPendingApproval}
	if err := s.InsertSubmission(ctx, sub); err != nil {
		t.Fatal(err)
	}
	item := domain.ApprovalItem{ID: "ap-1", SubmissionID: sub.ID, UserID: u.ID, CommandText: "deploy", Status: domain.ApprovalPending, CreatedAt: now}
	if err := s.InsertApproval(ctx, item); err != nil {
		t.Fatal(err)
	}

	dup := item
	dup.ID = "ap-2"
	if err := s.InsertApproval(ctx, dup); !errors.Is(err, domain.ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}

	if err := s.ClaimApproval(ctx, "ap-1", domain.ApprovalApproved, 1, now); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := s.ClaimApproval(ctx, "ap-1", domain.ApprovalDenied, 1, now); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("second claim: expected ErrAlreadyResolved, got %v", err)
	}
	if err := s.ClaimApproval(ctx, "missing", domain.ApprovalDenied, 1, now); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown claim: expected ErrNotFound, got %v", err)
	}

	pending, err := s.PendingApprovals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending items, got %d", len(pending))
	}
}

func TestFinalizeSubmission_OnlyFromPending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u, _ := s.CreateUser(ctx, "dave", domain.RoleMember, "h", 5)
	sub := domain.Submission{ID: "sub-x", UserID: u.ID, CommandText: "x", SubmittedAt: time.Now().UTC(), Status: domain.StatusPendingApproval}
	if err := s.InsertSubmission(ctx, sub); err != nil {
		t.Fatal(err)
	}

	sub.Status = domain.StatusRejected
	sub.Reason = domain.ReasonDenied
	if err := s.FinalizeSubmission(ctx, sub); err != nil {
		t.Fatal(err)
	}
	sub.Status = domain.StatusExecuted
	if err := s.FinalizeSubmission(ctx, sub); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	got, _ := s.GetSubmission(ctx, sub.ID)
	if got.Status != domain.StatusRejected {
		t.Fatalf("terminal status changed: %s", got.Status)
	}
}

func TestSnapshotTo_CopiesData(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if _, err := s.CreateUser(ctx, "alice", domain.RoleMember, "h1", 42); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "snap.db")
	if err := s.SnapshotTo(ctx, path); err != nil {
		t.Fatal(err)
	}
	if err := s.SnapshotTo(ctx, path); err == nil {
		t.Error("expected error when snapshot target exists")
	}

	snap, err := NewSQLiteStore(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Close()
	u, err := snap.UserByUsername(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.Credits != 42 {
		t.Errorf("credits = %d, want 42", u.Credits)
	}
}
