// Package rules holds the ordered rule set used for admission decisions.
//
// Readers take an immutable Snapshot; writers build a new one and swap it in,
// so evaluation never waits on an admin edit and never sees a half-applied
// change.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"cmdgate/internal/domain"
)

// Repository persists rules in position order.
type Repository interface {
	AppendRules(ctx context.Context, specs []domain.RuleSpec, createdBy int64) ([]domain.Rule, error)
	DeleteRule(ctx context.Context, id int64) error
	ListRules(ctx context.Context) ([]domain.Rule, error)
}

// Snapshot is an immutable, position-ordered view of the rule set.
type Snapshot struct {
	entries []Compiled
	version uint64
}

// Entries returns the compiled rules in evaluation order. Callers must not
// modify the returned slice.
func (s *Snapshot) Entries() []Compiled { return s.entries }

func (s *Snapshot) Len() int { return len(s.entries) }

// Version increases with every mutation.
func (s *Snapshot) Version() uint64 { return s.version }

// Rules returns a copy of the plain rules.
func (s *Snapshot) Rules() []domain.Rule {
	out := make([]domain.Rule, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Rule
	}
	return out
}

// NewSnapshot compiles rules in the given order. It is used by the store and
// by callers that evaluate against an ad-hoc rule list.
func NewSnapshot(rules []domain.Rule, logger *slog.Logger) *Snapshot {
	entries := make([]Compiled, 0, len(rules))
	for _, r := range rules {
		re, err := Compile(r.Pattern)
		if err != nil && logger != nil {
			logger.Warn("stored rule does not compile, it will never match", "rule_id", r.ID, "err", err)
		}
		entries = append(entries, Compiled{Rule: r, re: re})
	}
	return &Snapshot{entries: entries}
}

type Store struct {
	repo   Repository
	logger *slog.Logger

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[Snapshot]
}

func NewStore(repo Repository, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{repo: repo, logger: logger}
	s.snap.Store(&Snapshot{})
	return s
}

// Load replaces the in-memory snapshot with what is in storage.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.repo.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	next := NewSnapshot(stored, s.logger)
	next.version = s.snap.Load().version + 1
	s.snap.Store(next)
	s.logger.Info("rules loaded", "count", next.Len())
	return nil
}

// Snapshot returns the current rule set. It never blocks.
func (s *Store) Snapshot() *Snapshot { return s.snap.Load() }

// List returns the rules in evaluation order.
func (s *Store) List() []domain.Rule { return s.Snapshot().Rules() }

// Add appends a rule at the lowest priority.
func (s *Store) Add(ctx context.Context, pattern string, action domain.Action, actorID int64) (domain.Rule, error) {
	added, err := s.Import(ctx, []domain.RuleSpec{{Pattern: pattern, Action: action}}, actorID)
	if err != nil {
		return domain.Rule{}, err
	}
	return added[0], nil
}

// Import appends several rules, keeping their order. Either all are added or
// none are.
func (s *Store) Import(ctx context.Context, specs []domain.RuleSpec, actorID int64) ([]domain.Rule, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	specs = slices.Clone(specs)
	for i := range specs {
		specs[i].Pattern = strings.TrimSpace(specs[i].Pattern)
		if !specs[i].Action.Valid() {
			return nil, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidRule, specs[i].Action)
		}
		if _, err := Compile(specs[i].Pattern); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added, err := s.repo.AppendRules(ctx, specs, actorID)
	if err != nil {
		return nil, fmt.Errorf("append rules: %w", err)
	}

	cur := s.snap.Load()
	entries := make([]Compiled, 0, len(cur.entries)+len(added))
	entries = append(entries, cur.entries...)
	for _, r := range added {
		re, _ := Compile(r.Pattern)
		entries = append(entries, Compiled{Rule: r, re: re})
	}
	s.snap.Store(&Snapshot{entries: entries, version: cur.version + 1})

	for _, r := range added {
		s.logger.Info("rule added", "rule_id", r.ID, "pattern", r.Pattern, "action", r.Action, "position", r.Position)
	}
	return added, nil
}

// Delete removes a rule from future evaluations. Items already queued for
// approval are not re-evaluated.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.DeleteRule(ctx, id); err != nil {
		return err
	}

	cur := s.snap.Load()
	entries := make([]Compiled, 0, len(cur.entries))
	for _, e := range cur.entries {
		if e.ID != id {
			entries = append(entries, e)
		}
	}
	s.snap.Store(&Snapshot{entries: entries, version: cur.version + 1})

	s.logger.Info("rule deleted", "rule_id", id)
	return nil
}
