// Package gateway is the single entry point for command submissions and
// approval decisions. It composes the policy evaluator, the credit ledger,
// the approval queue, the executor and the audit log. A submission is audited
// as admitted before the executor runs; a failure up to that point rolls
// everything back, and a command that ran is never rolled back or run again.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"cmdgate/internal/approval"
	"cmdgate/internal/audit"
	"cmdgate/internal/domain"
	"cmdgate/internal/events"
	"cmdgate/internal/keylock"
	"cmdgate/internal/ledger"
	"cmdgate/internal/metrics"
	"cmdgate/internal/policy"
	"cmdgate/internal/rules"
	"cmdgate/internal/telemetry"
)

// SystemActor is the audit actor for actions taken by the gateway itself.
const SystemActor = "system"

const defaultExecTimeout = 30 * time.Second

// Appends of an outcome that already happened are retried this many times.
const (
	outcomeAttempts   = 3
	outcomeRetryDelay = 100 * time.Millisecond
)

type SubmissionRepository interface {
	InsertSubmission(ctx context.Context, sub domain.Submission) error
	FinalizeSubmission(ctx context.Context, sub domain.Submission) error
	RevertSubmission(ctx context.Context, id, reason string) error
	DeleteSubmission(ctx context.Context, id string) error
	GetSubmission(ctx context.Context, id string) (domain.Submission, error)
	SubmissionsByUser(ctx context.Context, userID int64, limit int) ([]domain.Submission, error)
}

type UserRepository interface {
	CreateUser(ctx context.Context, username string, role domain.Role, keyHash string, credits int64) (domain.User, error)
	DeleteUser(ctx context.Context, id int64) error
	GetUser(ctx context.Context, id int64) (domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	CountAdmins(ctx context.Context) (int, error)
}

// Config wires the gateway's collaborators. Events is optional.
type Config struct {
	Rules       *rules.Store
	Policy      *policy.Evaluator
	Ledger      *ledger.Ledger
	Audit       *audit.Log
	Approvals   *approval.Queue
	Executor    domain.Executor
	Submissions SubmissionRepository
	Users       UserRepository
	Events      *events.Bus

	CommandCost   int64
	ExecTimeout   time.Duration
	MemberCredits int64
	AdminCredits  int64
	KeyBytes      int

	Logger *slog.Logger
}

type Gateway struct {
	rules       *rules.Store
	policy      *policy.Evaluator
	ledger      *ledger.Ledger
	audit       *audit.Log
	approvals   *approval.Queue
	executor    domain.Executor
	submissions SubmissionRepository
	users       UserRepository
	events      *events.Bus

	cost          int64
	execTimeout   time.Duration
	memberCredits int64
	adminCredits  int64
	keyBytes      int

	subLocks   *keylock.Map[string]
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
	retryDelay time.Duration
	logger     *slog.Logger
}

func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Rules == nil, cfg.Policy == nil, cfg.Ledger == nil, cfg.Audit == nil,
		cfg.Approvals == nil, cfg.Executor == nil, cfg.Submissions == nil, cfg.Users == nil:
		return nil, errors.New("gateway: missing dependency")
	}
	if cfg.CommandCost < 0 {
		return nil, fmt.Errorf("gateway: negative command cost %d", cfg.CommandCost)
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		rules:         cfg.Rules,
		policy:        cfg.Policy,
		ledger:        cfg.Ledger,
		audit:         cfg.Audit,
		approvals:     cfg.Approvals,
		executor:      cfg.Executor,
		submissions:   cfg.Submissions,
		users:         cfg.Users,
		events:        cfg.Events,
		cost:          cfg.CommandCost,
		execTimeout:   cfg.ExecTimeout,
		memberCredits: cfg.MemberCredits,
		adminCredits:  cfg.AdminCredits,
		keyBytes:      cfg.KeyBytes,
		subLocks:      keylock.New[string](),
		tracer:        telemetry.Tracer(),
		now:           func() time.Time { return time.Now().UTC() },
		newID:         newSubmissionID,
		retryDelay:    outcomeRetryDelay,
		logger:        cfg.Logger,
	}, nil
}

func (g *Gateway) emit(eventType string, payload map[string]any) {
	if g.events == nil {
		return
	}
	g.events.Emit(events.Event{Type: eventType, Source: "gateway", Payload: payload})
}

// record appends to the audit log and counts failures.
func (g *Gateway) record(ctx context.Context, r audit.Record) error {
	if _, err := g.audit.Append(ctx, r); err != nil {
		metrics.AuditFailures.Inc()
		return err
	}
	return nil
}

// recordOutcome appends the decision for a command the executor has already
// run. That cannot be undone, so state is left as is and the append is
// retried; the admission entry stays as the record if every attempt fails.
func (g *Gateway) recordOutcome(ctx context.Context, r audit.Record) {
	var err error
	for attempt := 1; attempt <= outcomeAttempts; attempt++ {
		if err = g.record(ctx, r); err == nil {
			return
		}
		if attempt < outcomeAttempts {
			time.Sleep(time.Duration(attempt) * g.retryDelay)
		}
	}
	g.logger.Error("outcome not recorded after execution",
		"subject", r.Subject, "outcome", r.Outcome, "attempts", outcomeAttempts, "error", err)
}

func requireAdmin(actor domain.User) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("%s is not an admin: %w", actor.Username, domain.ErrForbidden)
	}
	return nil
}

// run calls the executor under the configured timeout. A panicking executor
// counts as a failed execution.
func (g *Gateway) run(ctx context.Context, sub domain.Submission) (out string, err error) {
	ctx, span := g.tracer.Start(ctx, "executor.Execute")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.execTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("executor panic", "submission_id", sub.ID, "panic", r)
			err = fmt.Errorf("executor panic: %v", r)
		}
		metrics.ExecLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ExecutorFailures.Inc()
			span.RecordError(err)
			err = fmt.Errorf("%w: %v", domain.ErrExecutionFailed, err)
		}
	}()

	return g.executor.Execute(ctx, domain.ExecRequest{
		SubmissionID: sub.ID,
		UserID:       sub.UserID,
		CommandText:  sub.CommandText,
	})
}

// refund returns a debit after a failed execution or a rolled-back
// submission. A failed refund is logged; the ledger entries keep the trail.
func (g *Gateway) refund(ctx context.Context, userID, amount int64, submissionID string) (int64, error) {
	bal, err := g.ledger.Credit(ctx, userID, amount, ledger.Memo{Reason: ledger.ReasonRefund, SubmissionID: submissionID})
	if err != nil {
		g.logger.Error("refund failed", "user_id", userID, "submission_id", submissionID, "amount", amount, "error", err)
		return 0, fmt.Errorf("refund %s: %w", submissionID, err)
	}
	return bal, nil
}
