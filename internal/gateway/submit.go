package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"cmdgate/internal/audit"
	"cmdgate/internal/domain"
	"cmdgate/internal/events"
	"cmdgate/internal/ledger"
	"cmdgate/internal/metrics"
	"cmdgate/internal/policy"
)

// Caller-facing messages.
const (
	msgExecuted        = "Command executed"
	msgBlockedByRule   = "Blocked by rule"
	msgBlockedDefault  = "Blocked by default policy"
	msgNeedsApproval   = "Approval required. Request sent to Admin."
	msgAlreadyPending  = "Approval already pending for this command."
	msgInsufficient    = "Insufficient credits"
	msgExecutionFailed = "Execution failed"
)

func newSubmissionID() string { return uuid.New().String() }

// Submit classifies commandText for userID and carries it to a terminal
// state (executed or rejected) or to pending_approval.
//
// Once a submission is admitted the work runs detached from ctx's
// cancellation, so a client disconnect cannot leave a debit without a
// record. Business outcomes (rejected, insufficient credits) are results,
// not errors. An error before the executor runs means nothing was kept.
func (g *Gateway) Submit(ctx context.Context, userID int64, commandText string) (domain.SubmitResult, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Submit")
	defer span.End()

	cmd := strings.TrimSpace(commandText)
	if cmd == "" {
		return domain.SubmitResult{}, fmt.Errorf("%w: command cannot be empty", domain.ErrInvalidCommand)
	}

	user, err := g.users.GetUser(ctx, userID)
	if err != nil {
		return domain.SubmitResult{}, err
	}

	d := g.policy.EvaluateCurrent(cmd)
	sub := domain.Submission{
		ID:            g.newID(),
		UserID:        user.ID,
		CommandText:   cmd,
		SubmittedAt:   g.now(),
		Reason:        d.Reason(),
		MatchedRuleID: d.MatchedRuleID,
	}
	span.SetAttributes(
		attribute.String("submission.id", sub.ID),
		attribute.Int64("user.id", user.ID),
		attribute.String("policy.action", string(d.Action)),
	)

	unlock := g.subLocks.Lock(sub.ID)
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	var res domain.SubmitResult
	switch d.Action {
	case domain.ActionAutoReject:
		msg := msgBlockedByRule
		if d.MatchedRuleID == nil {
			msg = msgBlockedDefault
		}
		res, err = g.reject(ctx, user, sub, d, msg)
	case domain.ActionAutoAccept:
		res, err = g.admit(ctx, user, sub, d)
	default:
		res, err = g.enqueue(ctx, user, sub, d)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.SubmitResult{}, err
	}
	span.SetAttributes(attribute.String("submission.status", string(res.Status)))
	return res, nil
}

// reject persists sub as rejected and records the decision. No credits move.
func (g *Gateway) reject(ctx context.Context, user domain.User, sub domain.Submission, d policy.Decision, msg string) (domain.SubmitResult, error) {
	sub.Status = domain.StatusRejected
	at := g.now()
	sub.ResolvedAt = &at

	if err := g.submissions.InsertSubmission(ctx, sub); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("store submission: %w", err)
	}
	if err := g.record(ctx, decisionRecord(user, sub, d)); err != nil {
		g.rollbackSubmission(ctx, sub.ID)
		return domain.SubmitResult{}, err
	}
	return g.finish(user, sub, msg, g.balance(ctx, user)), nil
}

// admit debits and executes an auto-accepted submission. The admission is
// audited before the executor runs; after that the outcome is never rolled
// back.
func (g *Gateway) admit(ctx context.Context, user domain.User, sub domain.Submission, d policy.Decision) (domain.SubmitResult, error) {
	balance := user.Credits
	debited := false
	if g.cost > 0 {
		bal, err := g.ledger.Debit(ctx, user.ID, g.cost, ledger.Memo{Reason: ledger.ReasonCommand, SubmissionID: sub.ID})
		if errors.Is(err, domain.ErrInsufficientCredits) {
			sub.Reason = domain.ReasonInsufficientCredits
			return g.reject(ctx, user, sub, d, msgInsufficient)
		}
		if err != nil {
			return domain.SubmitResult{}, fmt.Errorf("debit: %w", err)
		}
		balance, debited = bal, true
	}

	if err := g.record(ctx, admitRecord(user.Username, sub, d.Describe())); err != nil {
		if debited {
			g.refund(ctx, user.ID, g.cost, sub.ID)
		}
		return domain.SubmitResult{}, err
	}

	msg := msgExecuted
	out, execErr := g.run(ctx, sub)
	sub.Output = out
	if execErr != nil {
		g.logger.Warn("execution failed", "user_id", user.ID, "submission_id", sub.ID, "error", execErr)
		if debited {
			if bal, err := g.refund(ctx, user.ID, g.cost, sub.ID); err == nil {
				balance = bal
			}
		}
		sub.Status, sub.Reason, msg = domain.StatusRejected, domain.ReasonExecutionFailed, msgExecutionFailed
	} else {
		sub.Status, sub.Cost = domain.StatusExecuted, g.cost
	}
	at := g.now()
	sub.ResolvedAt = &at

	if err := g.submissions.InsertSubmission(ctx, sub); err != nil {
		g.logger.Error("store submission after execution failed",
			"user_id", user.ID, "submission_id", sub.ID, "status", sub.Status, "error", err)
		return domain.SubmitResult{}, fmt.Errorf("store submission: %w", err)
	}
	g.recordOutcome(ctx, decisionRecord(user, sub, d))
	return g.finish(user, sub, msg, balance), nil
}

// finish logs, counts and announces a submission that reached a terminal
// state.
func (g *Gateway) finish(user domain.User, sub domain.Submission, msg string, balance int64) domain.SubmitResult {
	if sub.Status == domain.StatusExecuted {
		g.logger.Info("command executed",
			"user_id", user.ID, "submission_id", sub.ID, "rule_id", ruleIDAttr(sub.MatchedRuleID), "balance", balance)
		g.emit(events.SubmissionExecuted, submissionPayload(user, sub))
	} else {
		g.logger.Warn("command rejected",
			"user_id", user.ID, "submission_id", sub.ID, "reason", sub.Reason, "rule_id", ruleIDAttr(sub.MatchedRuleID))
		g.emit(events.SubmissionRejected, submissionPayload(user, sub))
	}
	metrics.Submissions(string(sub.Status), sub.Reason).Inc()

	return domain.SubmitResult{
		SubmissionID: sub.ID,
		Status:       sub.Status,
		Message:      msg,
		NewBalance:   balance,
		Output:       sub.Output,
	}
}

// enqueue parks sub for an admin decision. Nothing is charged until approval.
// A user who already waits on the same command gets that item back instead
// of a second one.
func (g *Gateway) enqueue(ctx context.Context, user domain.User, sub domain.Submission, d policy.Decision) (domain.SubmitResult, error) {
	if res, ok, err := g.alreadyPending(ctx, user, sub.CommandText); err != nil || ok {
		return res, err
	}
	sub.Status = domain.StatusPendingApproval

	if err := g.submissions.InsertSubmission(ctx, sub); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("store submission: %w", err)
	}
	item, err := g.approvals.Enqueue(ctx, sub)
	if err != nil {
		g.rollbackSubmission(ctx, sub.ID)
		if errors.Is(err, domain.ErrAlreadyQueued) {
			// Lost a race with an identical submission.
			if res, ok, lookupErr := g.alreadyPending(ctx, user, sub.CommandText); lookupErr == nil && ok {
				return res, nil
			}
		}
		return domain.SubmitResult{}, err
	}
	rec := decisionRecord(user, sub, d)
	rec.Details += "; approval " + item.ID
	if err := g.record(ctx, rec); err != nil {
		// Deleting the submission cascades to its approval item.
		g.rollbackSubmission(ctx, sub.ID)
		return domain.SubmitResult{}, err
	}

	g.logger.Info("command queued for approval", "user_id", user.ID, "submission_id", sub.ID, "approval_id", item.ID)
	metrics.Submissions(string(sub.Status), sub.Reason).Inc()
	metrics.ApprovalsPending.Inc()
	payload := submissionPayload(user, sub)
	payload["approval_id"] = item.ID
	g.emit(events.ApprovalQueued, payload)

	return domain.SubmitResult{
		SubmissionID: sub.ID,
		Status:       sub.Status,
		Message:      msgNeedsApproval,
		NewBalance:   g.balance(ctx, user),
	}, nil
}

// alreadyPending reports the submission user is still waiting on for cmd.
// Nothing is recorded: the original submission already was.
func (g *Gateway) alreadyPending(ctx context.Context, user domain.User, cmd string) (domain.SubmitResult, bool, error) {
	item, ok, err := g.approvals.FindPending(ctx, user.ID, cmd)
	if err != nil || !ok {
		return domain.SubmitResult{}, false, err
	}
	g.logger.Info("command already awaiting approval",
		"user_id", user.ID, "submission_id", item.SubmissionID, "approval_id", item.ID)
	return domain.SubmitResult{
		SubmissionID: item.SubmissionID,
		Status:       domain.StatusPendingApproval,
		Message:      msgAlreadyPending,
		NewBalance:   g.balance(ctx, user),
	}, true, nil
}

func (g *Gateway) rollbackSubmission(ctx context.Context, id string) {
	if err := g.submissions.DeleteSubmission(ctx, id); err != nil {
		g.logger.Error("rollback submission failed", "submission_id", id, "error", err)
	}
}

// balance reads the current balance for a response. A read failure falls
// back to the balance loaded with the user.
func (g *Gateway) balance(ctx context.Context, user domain.User) int64 {
	bal, err := g.ledger.Balance(ctx, user.ID)
	if err != nil {
		g.logger.Warn("balance lookup failed", "user_id", user.ID, "error", err)
		return user.Credits
	}
	return bal
}

func decisionRecord(user domain.User, sub domain.Submission, d policy.Decision) audit.Record {
	return audit.Record{
		Actor:      user.Username,
		ActionType: domain.AuditCommandDecision,
		Subject:    sub.ID,
		Outcome:    string(sub.Status),
		RuleID:     sub.MatchedRuleID,
		Details:    fmt.Sprintf("%s; reason %s; command %q", d.Describe(), sub.Reason, sub.CommandText),
	}
}

// admitRecord is appended before the executor runs, so every execution has
// a durable record even when its outcome entry cannot be written.
func admitRecord(actor string, sub domain.Submission, why string) audit.Record {
	return audit.Record{
		Actor:      actor,
		ActionType: domain.AuditCommandAdmit,
		Subject:    sub.ID,
		Outcome:    domain.AuditOutcomeAdmitted,
		RuleID:     sub.MatchedRuleID,
		Details:    fmt.Sprintf("%s; command %q", why, sub.CommandText),
	}
}

func submissionPayload(user domain.User, sub domain.Submission) map[string]any {
	return map[string]any{
		"submission_id": sub.ID,
		"user_id":       user.ID,
		"username":      user.Username,
		"command":       sub.CommandText,
		"status":        string(sub.Status),
		"reason":        sub.Reason,
	}
}

func ruleIDAttr(id *int64) any {
	if id == nil {
		return "none"
	}
	return *id
}
