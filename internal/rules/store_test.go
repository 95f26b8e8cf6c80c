package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cmdgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memRepo is an in-memory Repository.
type memRepo struct {
	mu     sync.Mutex
	rules  []domain.Rule
	nextID int64
	nextPo int64
	failOn string
}

func (m *memRepo) AppendRules(ctx context.Context, specs []domain.RuleSpec, createdBy int64) ([]domain.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "append" {
		return nil, errors.New("disk full")
	}
	var out []domain.Rule
	for _, s := range specs {
		m.nextID++
		m.nextPo++
		r := domain.Rule{ID: m.nextID, Pattern: s.Pattern, Action: s.Action, Position: m.nextPo, CreatedBy: createdBy, CreatedAt: time.Now()}
		m.rules = append(m.rules, r)
		out = append(out, r)
	}
	return out, nil
}

func (m *memRepo) DeleteRule(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memRepo) ListRules(ctx context.Context) ([]domain.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Rule(nil), m.rules...), nil
}

func TestStore_AddAppendsAtLowestPriority(t *testing.T) {
	s := NewStore(&memRepo{}, testLogger())
	ctx := context.Background()

	first, err := s.Add(ctx, "ls", domain.ActionAutoAccept, 1)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Add(ctx, "rm -rf", domain.ActionAutoReject, 1)
	if err != nil {
		t.Fatal(err)
	}

	list := s.List()
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestStore_AddRejectsInvalidPattern(t *testing.T) {
	s := NewStore(&memRepo{}, testLogger())

	for _, p := range []string{"", "   ", "[unclosed"} {
		if _, err := s.Add(context.Background(), p, domain.ActionAutoReject, 1); !errors.Is(err, domain.ErrInvalidRule) {
			t.Errorf("pattern %q: expected ErrInvalidRule, got %v", p, err)
		}
	}
	if _, err := s.Add(context.Background(), "ls", domain.Action("MAYBE"), 1); !errors.Is(err, domain.ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule for unknown action, got %v", err)
	}
	if s.Snapshot().Len() != 0 {
		t.Fatal("invalid rules must not reach the snapshot")
	}
}

func TestStore_RepositoryFailureLeavesSnapshot(t *testing.T) {
	repo := &memRepo{}
	s := NewStore(repo, testLogger())
	before := s.Snapshot()

	repo.failOn = "append"
	if _, err := s.Add(context.Background(), "ls", domain.ActionAutoAccept, 1); err == nil {
		t.Fatal("expected error")
	}
	if s.Snapshot() != before {
		t.Fatal("snapshot must not change when storage fails")
	}
}

func TestStore_DeleteNotFound(t *testing.T) {
	s := NewStore(&memRepo{}, testLogger())

	if err := s.Delete(context.Background(), 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeletePreservesRelativeOrder(t *testing.T) {
	s := NewStore(&memRepo{}, testLogger())
	ctx := context.Background()

	var ids []int64
	for _, p := range []string{"a", "b", "c", "d"} {
		r, _ := s.Add(ctx, p, domain.ActionAutoAccept, 1)
		ids = append(ids, r.ID)
	}
	if err := s.Delete(ctx, ids[1]); err != nil {
		t.Fatal(err)
	}

	list := s.List()
	want := []string{"a", "c", "d"}
	for i, r := range list {
		if r.Pattern != want[i] {
			t.Fatalf("position %d: expected %q, got %q", i, want[i], r.Pattern)
		}
	}
}

func TestStore_LoadFromRepository(t *testing.T) {
	repo := &memRepo{}
	repo.AppendRules(context.Background(), []domain.RuleSpec{
		{Pattern: "x", Action: domain.ActionAutoAccept},
		{Pattern: "y", Action: domain.ActionAutoReject},
	}, 1)

	s := NewStore(repo, testLogger())
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Snapshot().Len() != 2 {
		t.Fatalf("expected 2 rules, got %d", s.Snapshot().Len())
	}
}

func TestStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	s := NewStore(&memRepo{}, testLogger())
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 20; i++ {
		r, _ := s.Add(ctx, fmt.Sprintf("cmd%d", i), domain.ActionAutoAccept, 1)
		ids = append(ids, r.ID)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Snapshot()
				entries := snap.Entries()
				for j := 1; j < len(entries); j++ {
					if entries[j].Position <= entries[j-1].Position {
						t.Errorf("snapshot out of order at %d", j)
						return
					}
				}
			}
		}()
	}

	for _, id := range ids[:10] {
		if err := s.Delete(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()

	if s.Snapshot().Len() != 10 {
		t.Fatalf("expected 10 rules, got %d", s.Snapshot().Len())
	}
}

func TestCompile_LiteralIsCaseInsensitiveSubstring(t *testing.T) {
	re, err := Compile("DROP TABLE")
	if err != nil {
		t.Fatal(err)
	}
	if !re.MatchString("psql -c 'drop table users'") {
		t.Fatal("literal pattern should match case-insensitively anywhere")
	}
}

func TestCompile_RegexIsUnanchoredSearch(t *testing.T) {
	re, err := Compile(`rm\s+-rf\s+/`)
	if err != nil {
		t.Fatal(err)
	}
	if !re.MatchString("sudo rm  -rf /data") {
		t.Fatal("regex should match anywhere in the command")
	}
	anchored, _ := Compile(`^(ls|cat)`)
	if anchored.MatchString("echo ls") {
		t.Fatal("explicit anchor must be honored")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "rules.yaml")
	os.WriteFile(good, []byte("rules:\n  - pattern: \"rm -rf\"\n    action: AUTO_REJECT\n  - pattern: \"^ls\"\n    action: AUTO_ACCEPT\n"), 0o644)

	specs, err := LoadFile(good)
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 2 || specs[0].Action != domain.ActionAutoReject || specs[1].Pattern != "^ls" {
		t.Fatalf("unexpected specs: %+v", specs)
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("rules:\n  - pattern: ls\n    action: ALLOW\n"), 0o644)
	if _, err := LoadFile(bad); !errors.Is(err, domain.ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}

func TestDefaultSeedCompiles(t *testing.T) {
	for _, spec := range DefaultSeed() {
		if _, err := Compile(spec.Pattern); err != nil {
			t.Errorf("seed %q: %v", spec.Pattern, err)
		}
	}
}
