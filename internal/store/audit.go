package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"cmdgate/internal/domain"
)

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	Actor      string
	ActionType string
	Subject    string
	Since      time.Time
	Until      time.Time
}

const auditColumns = `seq, ts_nanos, actor, action_type, subject, outcome, rule_id, details, prev_hash, hash`

func scanAudit(row interface{ Scan(...any) error }) (domain.AuditEntry, error) {
	var e domain.AuditEntry
	var nanos int64
	var ruleID sql.NullInt64
	if err := row.Scan(&e.Seq, &nanos, &e.Actor, &e.ActionType, &e.Subject, &e.Outcome,
		&ruleID, &e.Details, &e.PrevHash, &e.Hash); err != nil {
		return domain.AuditEntry{}, err
	}
	e.Timestamp = time.Unix(0, nanos).UTC()
	e.RuleID = int64Ptr(ruleID)
	return e, nil
}

// InsertAudit writes a fully formed entry. Seq and hashes are assigned by the
// caller, which serializes appends.
func (s *SQLiteStore) InsertAudit(ctx context.Context, e domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Timestamp.UnixNano(), e.Actor, e.ActionType, e.Subject, e.Outcome,
		nullInt64(e.RuleID), e.Details, e.PrevHash, e.Hash,
	)
	return err
}

// LastAudit returns the newest entry, or ok=false on an empty log.
func (s *SQLiteStore) LastAudit(ctx context.Context) (domain.AuditEntry, bool, error) {
	e, err := scanAudit(s.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AuditEntry{}, false, nil
	}
	if err != nil {
		return domain.AuditEntry{}, false, err
	}
	return e, true, nil
}

// AuditPage returns up to limit entries with seq > afterSeq, ascending.
func (s *SQLiteStore) AuditPage(ctx context.Context, f AuditFilter, afterSeq int64, limit int) ([]domain.AuditEntry, error) {
	where, args := auditWhere(f)
	where = append(where, "seq > ?")
	args = append(args, afterSeq, limit)
	return s.queryAudit(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE `+strings.Join(where, " AND ")+` ORDER BY seq ASC LIMIT ?`,
		args...)
}

// RecentAudit returns the newest entries first.
func (s *SQLiteStore) RecentAudit(ctx context.Context, f AuditFilter, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	where, args := auditWhere(f)
	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	return s.queryAudit(ctx, query+` ORDER BY seq DESC LIMIT ?`, args...)
}

func (s *SQLiteStore) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func auditWhere(f AuditFilter) ([]string, []any) {
	var where []string
	var args []any
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.ActionType != "" {
		where = append(where, "action_type = ?")
		args = append(args, f.ActionType)
	}
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts_nanos >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts_nanos < ?")
		args = append(args, f.Until.UnixNano())
	}
	return where, args
}
