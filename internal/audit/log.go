// Package audit is the append-only, hash-chained record of every decision
// and administrative action. Each entry's hash covers its fields and the
// previous entry's hash, so editing or removing a stored row breaks Verify.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"cmdgate/internal/domain"
	"cmdgate/internal/store"
)

const (
	genesisHash     = "0000000000000000"
	defaultPageSize = 100
	defaultRecent   = 200
)

// Repository is the persistence the log needs.
type Repository interface {
	InsertAudit(ctx context.Context, e domain.AuditEntry) error
	LastAudit(ctx context.Context) (domain.AuditEntry, bool, error)
	AuditPage(ctx context.Context, f store.AuditFilter, afterSeq int64, limit int) ([]domain.AuditEntry, error)
	RecentAudit(ctx context.Context, f store.AuditFilter, limit int) ([]domain.AuditEntry, error)
}

// Record is what callers supply; the log fills in order and hashes.
type Record struct {
	Actor      string
	ActionType string
	Subject    string
	Outcome    string
	RuleID     *int64
	Details    string
}

// Filter selects entries for Query. AfterSeq is an exclusive cursor, so a
// reader can resume from the last Seq it saw.
type Filter struct {
	Actor      string
	ActionType string
	Subject    string
	Since      time.Time
	Until      time.Time
	AfterSeq   int64
	PageSize   int
	Limit      int
}

func (f Filter) store() store.AuditFilter {
	return store.AuditFilter{
		Actor:      f.Actor,
		ActionType: f.ActionType,
		Subject:    f.Subject,
		Since:      f.Since,
		Until:      f.Until,
	}
}

// Log serializes appends under one mutex so Seq and the chain stay total.
type Log struct {
	mu       sync.Mutex
	repo     Repository
	loaded   bool
	lastSeq  int64
	lastHash string
	now      func() time.Time
	logger   *slog.Logger
}

func New(repo Repository, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{repo: repo, now: time.Now, logger: logger}
}

// Append stores r as the next entry. Any failure is reported as
// domain.ErrAuditFailure and leaves the chain where it was.
func (l *Log) Append(ctx context.Context, r Record) (domain.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		last, ok, err := l.repo.LastAudit(ctx)
		if err != nil {
			return domain.AuditEntry{}, fmt.Errorf("%w: load chain head: %v", domain.ErrAuditFailure, err)
		}
		l.lastSeq, l.lastHash = 0, genesisHash
		if ok {
			l.lastSeq, l.lastHash = last.Seq, last.Hash
		}
		l.loaded = true
	}

	e := domain.AuditEntry{
		Seq:        l.lastSeq + 1,
		Timestamp:  l.now().UTC(),
		Actor:      r.Actor,
		ActionType: r.ActionType,
		Subject:    r.Subject,
		Outcome:    r.Outcome,
		RuleID:     r.RuleID,
		Details:    r.Details,
		PrevHash:   l.lastHash,
	}
	e.Hash = computeHash(e)

	if err := l.repo.InsertAudit(ctx, e); err != nil {
		// The head may be stale if the row landed anyway; re-read next time.
		l.loaded = false
		l.logger.Error("audit: append failed", "action", r.ActionType, "subject", r.Subject, "error", err)
		return domain.AuditEntry{}, fmt.Errorf("%w: %v", domain.ErrAuditFailure, err)
	}
	l.lastSeq, l.lastHash = e.Seq, e.Hash
	return e, nil
}

// Query yields matching entries in ascending Seq order, fetching one page
// at a time. Entries appended while iterating are picked up by later pages.
func (l *Log) Query(ctx context.Context, f Filter) iter.Seq2[domain.AuditEntry, error] {
	return func(yield func(domain.AuditEntry, error) bool) {
		pageSize := f.PageSize
		if pageSize <= 0 {
			pageSize = defaultPageSize
		}
		cursor := f.AfterSeq
		sf := f.store()
		yielded := 0
		for {
			if f.Limit > 0 && yielded >= f.Limit {
				return
			}
			page, err := l.repo.AuditPage(ctx, sf, cursor, pageSize)
			if err != nil {
				yield(domain.AuditEntry{}, err)
				return
			}
			for _, e := range page {
				if f.Limit > 0 && yielded >= f.Limit {
					return
				}
				if !yield(e, nil) {
					return
				}
				yielded++
				cursor = e.Seq
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(ctx context.Context, f Filter, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = defaultRecent
	}
	return l.repo.RecentAudit(ctx, f.store(), limit)
}

// Verify walks the whole chain and returns how many entries were checked.
// The error names the first entry whose sequence, link, or hash is wrong.
func (l *Log) Verify(ctx context.Context) (int, error) {
	prevSeq, prevHash := int64(0), genesisHash
	n := 0
	for e, err := range l.Query(ctx, Filter{PageSize: 500}) {
		if err != nil {
			return n, err
		}
		if e.Seq != prevSeq+1 {
			return n, fmt.Errorf("audit entry %d: sequence gap after %d", e.Seq, prevSeq)
		}
		if e.PrevHash != prevHash {
			return n, fmt.Errorf("audit entry %d: previous hash mismatch", e.Seq)
		}
		if computeHash(e) != e.Hash {
			return n, fmt.Errorf("audit entry %d: hash mismatch", e.Seq)
		}
		prevSeq, prevHash = e.Seq, e.Hash
		n++
	}
	return n, nil
}

func computeHash(e domain.AuditEntry) string {
	rule := ""
	if e.RuleID != nil {
		rule = strconv.FormatInt(*e.RuleID, 10)
	}
	fields := []string{
		strconv.FormatInt(e.Seq, 10),
		strconv.FormatInt(e.Timestamp.UnixNano(), 10),
		e.Actor, e.ActionType, e.Subject, e.Outcome, rule, e.Details,
		e.PrevHash,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}
