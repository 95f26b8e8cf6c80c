package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"cmdgate/internal/audit"
	"cmdgate/internal/domain"
	"cmdgate/internal/events"
	"cmdgate/internal/ledger"
	"cmdgate/internal/metrics"
)

// Resolution is what an admin gets back after deciding an approval item.
type Resolution struct {
	Item       domain.ApprovalItem `json:"item"`
	Submission domain.Submission   `json:"submission"`
	Message    string              `json:"message"`
	NewBalance int64               `json:"new_balance"`
}

// Resolve applies an admin's decision to a pending approval item.
//
// Only one caller can move an item out of pending; the others get
// domain.ErrAlreadyResolved and cause no ledger or audit effect. An approved
// item is charged, audited as admitted and executed now, with the same
// compensation rules as an auto-accepted submission.
func (g *Gateway) Resolve(ctx context.Context, actor domain.User, itemID string, decision domain.ApprovalDecision) (Resolution, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("approval.id", itemID), attribute.String("approval.decision", string(decision)))

	if err := requireAdmin(actor); err != nil {
		return Resolution{}, err
	}
	if decision != domain.DecisionApprove && decision != domain.DecisionDeny {
		return Resolution{}, fmt.Errorf("%w: unknown decision %q", domain.ErrInvalidCommand, decision)
	}

	item, err := g.approvals.Get(ctx, itemID)
	if err != nil {
		return Resolution{}, err
	}
	if item.Status != domain.ApprovalPending {
		return Resolution{}, fmt.Errorf("approval %s is %s: %w", item.ID, item.Status, domain.ErrAlreadyResolved)
	}

	unlock := g.subLocks.Lock(item.SubmissionID)
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	claimed, err := g.approvals.Claim(ctx, item.ID, decision, actor.ID)
	if err != nil {
		return Resolution{}, err
	}
	metrics.ApprovalsPending.Dec()

	res, ran, err := g.settle(ctx, actor, claimed, decision)
	if err != nil {
		// A claim whose command already ran stays claimed so it cannot run twice.
		if !ran {
			if relErr := g.approvals.Release(ctx, claimed.ID); relErr != nil {
				g.logger.Error("release approval failed", "approval_id", claimed.ID, "error", relErr)
			} else {
				metrics.ApprovalsPending.Inc()
			}
		}
		span.RecordError(err)
		return Resolution{}, err
	}

	metrics.Resolutions(string(decision)).Inc()
	metrics.Submissions(string(res.Submission.Status), res.Submission.Reason).Inc()
	payload := map[string]any{
		"approval_id":   res.Item.ID,
		"submission_id": res.Submission.ID,
		"user_id":       res.Submission.UserID,
		"username":      res.Item.Username,
		"command":       res.Submission.CommandText,
		"decision":      string(decision),
		"status":        string(res.Submission.Status),
		"reason":        res.Submission.Reason,
		"resolved_by":   actor.Username,
	}
	g.emit(events.ApprovalResolved, payload)
	return res, nil
}

// settle runs the effects of a claimed decision. ran reports whether the
// executor was called. Until then an error means every effect was undone and
// the caller releases the claim; after that the outcome stands.
func (g *Gateway) settle(ctx context.Context, actor domain.User, item domain.ApprovalItem, decision domain.ApprovalDecision) (res Resolution, ran bool, err error) {
	sub, err := g.submissions.GetSubmission(ctx, item.SubmissionID)
	if err != nil {
		return Resolution{}, false, err
	}
	owner, err := g.users.GetUser(ctx, sub.UserID)
	if err != nil {
		return Resolution{}, false, err
	}
	pendingReason := sub.Reason
	balance := owner.Credits
	debited := false
	msg := ""

	switch decision {
	case domain.DecisionDeny:
		sub.Status = domain.StatusRejected
		sub.Reason = domain.ReasonDenied
		msg = "Request denied"
	case domain.DecisionApprove:
		sub.Status, sub.Reason, msg = domain.StatusExecuted, domain.ReasonApproved, msgExecuted
		if g.cost > 0 {
			bal, err := g.ledger.Debit(ctx, owner.ID, g.cost, ledger.Memo{Reason: ledger.ReasonCommand, SubmissionID: sub.ID})
			switch {
			case errors.Is(err, domain.ErrInsufficientCredits):
				sub.Status, sub.Reason, msg = domain.StatusRejected, domain.ReasonInsufficientCredits, msgInsufficient
			case err != nil:
				return Resolution{}, false, fmt.Errorf("debit: %w", err)
			default:
				balance, debited = bal, true
			}
		}
		if sub.Status == domain.StatusExecuted {
			why := fmt.Sprintf("approval %s by %s", item.ID, actor.Username)
			if err := g.record(ctx, admitRecord(actor.Username, sub, why)); err != nil {
				if debited {
					g.refund(ctx, owner.ID, g.cost, sub.ID)
				}
				return Resolution{}, false, err
			}
			ran = true
			out, execErr := g.run(ctx, sub)
			sub.Output = out
			if execErr != nil {
				g.logger.Warn("execution failed", "user_id", owner.ID, "submission_id", sub.ID, "error", execErr)
				if debited {
					if bal, err := g.refund(ctx, owner.ID, g.cost, sub.ID); err == nil {
						balance = bal
					}
					debited = false
				}
				sub.Status, sub.Reason, msg = domain.StatusRejected, domain.ReasonExecutionFailed, msgExecutionFailed
			} else if debited {
				sub.Cost = g.cost
			}
		}
	}
	at := g.now()
	sub.ResolvedAt = &at

	rec := audit.Record{
		Actor:      actor.Username,
		ActionType: domain.AuditApprovalResolve,
		Subject:    sub.ID,
		Outcome:    string(sub.Status),
		RuleID:     sub.MatchedRuleID,
		Details: fmt.Sprintf("approval %s %s by %s for %s; reason %s; command %q",
			item.ID, decision, actor.Username, owner.Username, sub.Reason, sub.CommandText),
	}
	if ran {
		if err := g.submissions.FinalizeSubmission(ctx, sub); err != nil {
			g.logger.Error("finalize after execution failed", "submission_id", sub.ID, "status", sub.Status, "error", err)
			return Resolution{}, true, fmt.Errorf("finalize submission: %w", err)
		}
		g.recordOutcome(ctx, rec)
	} else {
		// Nothing was charged or run on this path.
		if err := g.submissions.FinalizeSubmission(ctx, sub); err != nil {
			return Resolution{}, false, fmt.Errorf("finalize submission: %w", err)
		}
		if err := g.record(ctx, rec); err != nil {
			if revErr := g.submissions.RevertSubmission(ctx, sub.ID, pendingReason); revErr != nil {
				g.logger.Error("revert submission failed", "submission_id", sub.ID, "error", revErr)
			}
			return Resolution{}, false, err
		}
	}

	if !debited && sub.Status != domain.StatusExecuted {
		balance = g.balance(ctx, owner)
	}
	g.logger.Info("approval resolved",
		"approval_id", item.ID, "submission_id", sub.ID, "decision", decision,
		"status", sub.Status, "user_id", owner.ID, "resolved_by", actor.Username)

	item.Username = owner.Username
	return Resolution{Item: item, Submission: sub, Message: msg, NewBalance: balance}, ran, nil
}
