package store

import (
	"context"
	"fmt"
	"time"

	"cmdgate/internal/domain"
)

// AppendRules stores specs after every existing rule, in the given order,
// within one transaction.
func (s *SQLiteStore) AppendRules(ctx context.Context, specs []domain.RuleSpec, createdBy int64) ([]domain.Rule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rules tx: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM rules`).Scan(&last); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]domain.Rule, 0, len(specs))
	for _, spec := range specs {
		last++
		res, err := tx.ExecContext(ctx,
			`INSERT INTO rules (pattern, action, position, created_by, created_at) VALUES (?, ?, ?, ?, ?)`,
			spec.Pattern, string(spec.Action), last, createdBy, now,
		)
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Rule{
			ID:        id,
			Pattern:   spec.Pattern,
			Action:    spec.Action,
			Position:  last,
			CreatedBy: createdBy,
			CreatedAt: now,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rules tx: %w", err)
	}
	return out, nil
}

// DeleteRule removes a rule. Remaining positions are left untouched so their
// relative order is preserved.
func (s *SQLiteStore) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("rule %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern, action, position, COALESCE(created_by, 0), created_at FROM rules ORDER BY position ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.Rule
	for rows.Next() {
		var r domain.Rule
		var action string
		if err := rows.Scan(&r.ID, &r.Pattern, &action, &r.Position, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Action = domain.Action(action)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
