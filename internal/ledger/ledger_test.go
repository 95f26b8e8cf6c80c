package ledger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"cmdgate/internal/domain"
	"cmdgate/internal/store"
)

func testLedger(t *testing.T) (*Ledger, *store.SQLiteStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, logger), s
}

func createUser(t *testing.T, s *store.SQLiteStore, name string, credits int64) domain.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), name, domain.RoleMember, "hash-"+name, credits)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestDebit_Basic(t *testing.T) {
	l, s := testLedger(t)
	ctx := context.Background()
	u := createUser(t, s, "alice", 5)

	bal, err := l.Debit(ctx, u.ID, 2, Memo{SubmissionID: "sub-1"})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if bal != 3 {
		t.Fatalf("expected balance 3, got %d", bal)
	}

	entries, err := l.Entries(ctx, u.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Delta != -2 || entries[0].Reason != ReasonCommand || entries[0].SubmissionID != "sub-1" {
		t.Fatalf("unexpected ledger entries: %+v", entries)
	}
}

func TestDebit_InsufficientLeavesBalance(t *testing.T) {
	l, s := testLedger(t)
	ctx := context.Background()
	u := createUser(t, s, "bob", 0)

	_, err := l.Debit(ctx, u.ID, 1, Memo{})
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	bal, _ := l.Balance(ctx, u.ID)
	if bal != 0 {
		t.Fatalf("balance changed to %d", bal)
	}
	entries, _ := l.Entries(ctx, u.ID, 10)
	if len(entries) != 0 {
		t.Fatalf("failed debit must not be recorded, got %d entries", len(entries))
	}
}

func TestCredit_RefundRestores(t *testing.T) {
	l, s := testLedger(t)
	ctx := context.Background()
	u := createUser(t, s, "carol", 1)

	if _, err := l.Debit(ctx, u.ID, 1, Memo{}); err != nil {
		t.Fatal(err)
	}
	bal, err := l.Credit(ctx, u.ID, 1, Memo{Reason: ReasonRefund})
	if err != nil {
		t.Fatal(err)
	}
	if bal != 1 {
		t.Fatalf("expected balance 1 after refund, got %d", bal)
	}
}

func TestNonPositiveAmounts(t *testing.T) {
	l, s := testLedger(t)
	ctx := context.Background()
	u := createUser(t, s, "dave", 10)

	for _, amt := range []int64{0, -1} {
		if _, err := l.Debit(ctx, u.ID, amt, Memo{}); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("Debit(%d): expected ErrInvalidAmount, got %v", amt, err)
		}
		if _, err := l.Credit(ctx, u.ID, amt, Memo{}); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("Credit(%d): expected ErrInvalidAmount, got %v", amt, err)
		}
	}
}

func TestUnknownUser(t *testing.T) {
	l, _ := testLedger(t)
	if _, err := l.Debit(context.Background(), 999, 1, Memo{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := l.Balance(context.Background(), 999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Balance, got %v", err)
	}
}

// Concurrent debits against one balance never overdraw it: exactly
// initial/amount succeed and every other caller sees ErrInsufficientCredits.
func TestDebit_ConcurrentNeverNegative(t *testing.T) {
	l, s := testLedger(t)
	ctx := context.Background()
	u := createUser(t, s, "erin", 10)

	const workers = 40
	var ok, short atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, u.ID, 1, Memo{})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientCredits):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 10 || short.Load() != workers-10 {
		t.Fatalf("expected 10 successes and %d rejections, got %d/%d", workers-10, ok.Load(), short.Load())
	}
	bal, _ := l.Balance(ctx, u.ID)
	if bal != 0 {
		t.Fatalf("expected final balance 0, got %d", bal)
	}
	entries, _ := l.Entries(ctx, u.ID, 100)
	if len(entries) != 10 {
		t.Fatalf("expected 10 ledger entries, got %d", len(entries))
	}
}

func TestDebit_UsersIndependent(t *testing.T) {
	l, s := testLedger(t)
	ctx := context.Background()
	a := createUser(t, s, "frank", 3)
	b := createUser(t, s, "grace", 3)

	var wg sync.WaitGroup
	for _, id := range []int64{a.ID, b.ID} {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				if _, err := l.Debit(ctx, id, 1, Memo{}); err != nil {
					t.Errorf("debit user %d: %v", id, err)
				}
			}(id)
		}
	}
	wg.Wait()

	for _, id := range []int64{a.ID, b.ID} {
		if bal, _ := l.Balance(ctx, id); bal != 0 {
			t.Errorf("user %d: expected 0, got %d", id, bal)
		}
	}
}
