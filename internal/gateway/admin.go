package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cmdgate/internal/audit"
	"cmdgate/internal/auth"
	"cmdgate/internal/domain"
	"cmdgate/internal/events"
	"cmdgate/internal/ledger"
	"cmdgate/internal/metrics"
)

// Me returns the caller's account with its current balance.
func (g *Gateway) Me(ctx context.Context, userID int64) (domain.User, error) {
	return g.users.GetUser(ctx, userID)
}

// History lists the caller's own submissions, newest first.
func (g *Gateway) History(ctx context.Context, userID int64, limit int) ([]domain.Submission, error) {
	subs, err := g.submissions.SubmissionsByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if subs == nil {
		subs = []domain.Submission{}
	}
	return subs, nil
}

// --- Rules ---

func (g *Gateway) ListRules(ctx context.Context, actor domain.User) ([]domain.Rule, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return g.rules.List(), nil
}

// AddRule appends a rule at the lowest priority. If the audit record cannot
// be written the rule is removed again.
func (g *Gateway) AddRule(ctx context.Context, actor domain.User, pattern string, action domain.Action) (domain.Rule, error) {
	added, err := g.ImportRules(ctx, actor, []domain.RuleSpec{{Pattern: pattern, Action: action}})
	if err != nil {
		return domain.Rule{}, err
	}
	return added[0], nil
}

// ImportRules appends rules in order, all or none.
func (g *Gateway) ImportRules(ctx context.Context, actor domain.User, specs []domain.RuleSpec) ([]domain.Rule, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return g.importRules(context.WithoutCancel(ctx), actor.ID, actor.Username, specs)
}

func (g *Gateway) importRules(ctx context.Context, actorID int64, actorName string, specs []domain.RuleSpec) ([]domain.Rule, error) {
	added, err := g.rules.Import(ctx, specs, actorID)
	if err != nil {
		return nil, err
	}
	for i, r := range added {
		id := r.ID
		if err := g.record(ctx, audit.Record{
			Actor:      actorName,
			ActionType: domain.AuditRuleAdd,
			Subject:    "rule " + strconv.FormatInt(r.ID, 10),
			Outcome:    "ok",
			RuleID:     &id,
			Details:    fmt.Sprintf("pattern %q action %s position %d", r.Pattern, r.Action, r.Position),
		}); err != nil {
			// Rules already audited stay; the rest are withdrawn.
			for _, undo := range added[i:] {
				if delErr := g.rules.Delete(ctx, undo.ID); delErr != nil {
					g.logger.Error("withdraw unaudited rule failed", "rule_id", undo.ID, "error", delErr)
				}
			}
			metrics.RulesLoaded.Set(int64(g.rules.Snapshot().Len()))
			return nil, err
		}
		g.emit(events.RuleAdded, map[string]any{"rule_id": r.ID, "pattern": r.Pattern, "action": string(r.Action), "by": actorName})
	}
	metrics.RulesLoaded.Set(int64(g.rules.Snapshot().Len()))
	return added, nil
}

// DeleteRule removes a rule from future evaluations. The deletion is
// recorded before it happens, so a failed audit leaves the rule in place.
func (g *Gateway) DeleteRule(ctx context.Context, actor domain.User, id int64) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	var target *domain.Rule
	for _, r := range g.rules.List() {
		if r.ID == id {
			target = &r
			break
		}
	}
	if target == nil {
		return fmt.Errorf("rule %d: %w", id, domain.ErrNotFound)
	}

	if err := g.record(ctx, audit.Record{
		Actor:      actor.Username,
		ActionType: domain.AuditRuleDelete,
		Subject:    "rule " + strconv.FormatInt(id, 10),
		Outcome:    "ok",
		RuleID:     &id,
		Details:    fmt.Sprintf("pattern %q action %s", target.Pattern, target.Action),
	}); err != nil {
		return err
	}
	if err := g.rules.Delete(ctx, id); err != nil {
		// The intent is on record; note that it did not take effect.
		if recErr := g.record(ctx, audit.Record{
			Actor:      actor.Username,
			ActionType: domain.AuditRuleDelete,
			Subject:    "rule " + strconv.FormatInt(id, 10),
			Outcome:    "failed",
			RuleID:     &id,
			Details:    err.Error(),
		}); recErr != nil {
			g.logger.Error("record failed rule delete", "rule_id", id, "delete_error", err, "error", recErr)
		}
		return err
	}
	metrics.RulesLoaded.Set(int64(g.rules.Snapshot().Len()))
	g.emit(events.RuleDeleted, map[string]any{"rule_id": id, "by": actor.Username})
	return nil
}

// --- Audit and approvals ---

// Audit lists recent audit entries, newest first.
func (g *Gateway) Audit(ctx context.Context, actor domain.User, f audit.Filter, limit int) ([]domain.AuditEntry, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	entries, err := g.audit.Recent(ctx, f, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return entries, nil
}

func (g *Gateway) PendingApprovals(ctx context.Context, actor domain.User) ([]domain.ApprovalItem, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	items, err := g.approvals.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.ApprovalItem{}
	}
	return items, nil
}

// --- Users ---

func (g *Gateway) ListUsers(ctx context.Context, actor domain.User) ([]domain.User, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return g.users.ListUsers(ctx)
}

// NewUser describes an account to provision. Credits defaults by role.
type NewUser struct {
	Username string      `json:"username"`
	Role     domain.Role `json:"role"`
	Credits  *int64      `json:"credits,omitempty"`
}

// CreateUser provisions an account and returns its API key. The key is not
// retrievable afterwards.
func (g *Gateway) CreateUser(ctx context.Context, actor domain.User, nu NewUser) (domain.IssuedUser, error) {
	if err := requireAdmin(actor); err != nil {
		return domain.IssuedUser{}, err
	}
	return g.createUser(context.WithoutCancel(ctx), actor.Username, nu, "")
}

func (g *Gateway) createUser(ctx context.Context, actorName string, nu NewUser, key string) (domain.IssuedUser, error) {
	nu.Username = strings.TrimSpace(nu.Username)
	if nu.Username == "" {
		return domain.IssuedUser{}, fmt.Errorf("%w: username required", domain.ErrInvalidUser)
	}
	if nu.Role == "" {
		nu.Role = domain.RoleMember
	}
	if !nu.Role.Valid() {
		return domain.IssuedUser{}, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidUser, nu.Role)
	}
	credits := g.memberCredits
	if nu.Role == domain.RoleAdmin {
		credits = g.adminCredits
	}
	if nu.Credits != nil {
		if *nu.Credits < 0 {
			return domain.IssuedUser{}, fmt.Errorf("%w: credits %d", domain.ErrInvalidAmount, *nu.Credits)
		}
		credits = *nu.Credits
	}

	if key == "" {
		var err error
		if key, err = auth.GenerateKey(g.keyBytes); err != nil {
			return domain.IssuedUser{}, err
		}
	}
	u, err := g.users.CreateUser(ctx, nu.Username, nu.Role, auth.HashKey(key), credits)
	if err != nil {
		return domain.IssuedUser{}, err
	}
	if err := g.record(ctx, audit.Record{
		Actor:      actorName,
		ActionType: domain.AuditUserCreate,
		Subject:    u.Username,
		Outcome:    "ok",
		Details:    fmt.Sprintf("id %d role %s credits %d", u.ID, u.Role, u.Credits),
	}); err != nil {
		if delErr := g.users.DeleteUser(ctx, u.ID); delErr != nil {
			g.logger.Error("withdraw unaudited user failed", "user_id", u.ID, "error", delErr)
		}
		return domain.IssuedUser{}, err
	}

	g.logger.Info("user created", "user_id", u.ID, "username", u.Username, "role", u.Role, "by", actorName)
	g.emit(events.UserCreated, map[string]any{"user_id": u.ID, "username": u.Username, "role": string(u.Role), "by": actorName})
	return domain.IssuedUser{User: u, APIKey: key}, nil
}

// AdjustCredits grants (positive) or removes (negative) credits from a user.
// A removal that would overdraw fails with domain.ErrInsufficientCredits.
func (g *Gateway) AdjustCredits(ctx context.Context, actor domain.User, userID, delta int64) (int64, error) {
	if err := requireAdmin(actor); err != nil {
		return 0, err
	}
	if delta == 0 {
		return 0, fmt.Errorf("%w: zero adjustment", domain.ErrInvalidAmount)
	}
	ctx = context.WithoutCancel(ctx)
	target, err := g.users.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	memo := ledger.Memo{Reason: ledger.ReasonGrant}
	rec := audit.Record{
		Actor:      actor.Username,
		ActionType: domain.AuditCreditAdjust,
		Subject:    target.Username,
		Outcome:    "ok",
	}
	var bal int64
	if delta > 0 {
		// A grant is recorded first: taking it back later could fail once the
		// user has spent it.
		rec.Details = fmt.Sprintf("delta %+d", delta)
		if err := g.record(ctx, rec); err != nil {
			return 0, err
		}
		if bal, err = g.ledger.Credit(ctx, userID, delta, memo); err != nil {
			rec.Outcome, rec.Details = "failed", fmt.Sprintf("delta %+d: %v", delta, err)
			if recErr := g.record(ctx, rec); recErr != nil {
				g.logger.Error("record failed grant", "user_id", userID, "delta", delta, "error", recErr)
			}
			return 0, err
		}
	} else {
		if bal, err = g.ledger.Debit(ctx, userID, -delta, memo); err != nil {
			return 0, err
		}
		rec.Details = fmt.Sprintf("delta %+d balance %d", delta, bal)
		if err := g.record(ctx, rec); err != nil {
			if _, undoErr := g.ledger.Credit(ctx, userID, -delta, memo); undoErr != nil {
				g.logger.Error("undo unaudited removal failed", "user_id", userID, "delta", delta, "error", undoErr)
			}
			return 0, err
		}
	}
	g.logger.Info("credits adjusted", "user_id", userID, "delta", delta, "balance", bal, "by", actor.Username)
	return bal, nil
}

// --- Bootstrap ---

// BootstrapOptions controls first-start provisioning.
type BootstrapOptions struct {
	AdminUsername string
	AdminKey      string // empty: generate one
	SeedRules     []domain.RuleSpec
}

// BootstrapResult reports what Bootstrap created. AdminKey is set only when
// an admin was created.
type BootstrapResult struct {
	Admin       *domain.User
	AdminKey    string
	RulesSeeded int
}

// Bootstrap creates the first admin when none exists and seeds rules when
// the rule set is empty. It is safe to call on every start.
func (g *Gateway) Bootstrap(ctx context.Context, opts BootstrapOptions) (BootstrapResult, error) {
	var res BootstrapResult
	if opts.AdminUsername == "" {
		opts.AdminUsername = "admin"
	}

	admins, err := g.users.CountAdmins(ctx)
	if err != nil {
		return res, fmt.Errorf("count admins: %w", err)
	}
	if admins == 0 {
		issued, err := g.createUser(ctx, SystemActor, NewUser{Username: opts.AdminUsername, Role: domain.RoleAdmin}, opts.AdminKey)
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return res, fmt.Errorf("create admin: %w", err)
		}
		if err == nil {
			res.Admin = &issued.User
			res.AdminKey = issued.APIKey
		}
	}

	if g.rules.Snapshot().Len() == 0 && len(opts.SeedRules) > 0 {
		added, err := g.importRules(ctx, 0, SystemActor, opts.SeedRules)
		if err != nil {
			return res, fmt.Errorf("seed rules: %w", err)
		}
		res.RulesSeeded = len(added)
		g.logger.Info("default rules seeded", "count", len(added))
	}
	metrics.RulesLoaded.Set(int64(g.rules.Snapshot().Len()))
	return res, nil
}
