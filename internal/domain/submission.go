package domain

import "time"

type SubmissionStatus string

const (
	StatusExecuted        SubmissionStatus = "executed"
	StatusRejected        SubmissionStatus = "rejected"
	StatusPendingApproval SubmissionStatus = "pending_approval"
)

// Terminal reports whether no further transition is allowed.
func (s SubmissionStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusRejected
}

// Decision reasons recorded on submissions.
const (
	ReasonMatchedRule         = "matched_rule"
	ReasonDefaultPolicy       = "default_policy"
	ReasonShellSyntax         = "shell_syntax"
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonExecutionFailed     = "execution_failed"
	ReasonApproved            = "approved"
	ReasonDenied              = "denied"
)

// Submission is one command sent through the gateway.
type Submission struct {
	ID            string           `json:"id"`
	UserID        int64            `json:"user_id"`
	CommandText   string           `json:"command_text"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	Status        SubmissionStatus `json:"status"`
	Reason        string           `json:"decision_reason"`
	MatchedRuleID *int64           `json:"matched_rule_id,omitempty"`
	Cost          int64            `json:"cost"`
	Output        string           `json:"output,omitempty"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
}

// SubmitResult is the caller-facing outcome of a submission.
type SubmitResult struct {
	SubmissionID string           `json:"submission_id"`
	Status       SubmissionStatus `json:"status"`
	Message      string           `json:"message"`
	NewBalance   int64            `json:"new_balance"`
	Output       string           `json:"output,omitempty"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// ApprovalDecision is an admin's verdict on a queued item.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionDeny    ApprovalDecision = "deny"
)

// ParseDecision accepts "approve", "deny" and the legacy "reject".
func ParseDecision(s string) (ApprovalDecision, bool) {
	switch s {
	case "approve":
		return DecisionApprove, true
	case "deny", "reject":
		return DecisionDeny, true
	}
	return "", false
}

// ApprovalItem is a submission awaiting a human decision.
type ApprovalItem struct {
	ID           string         `json:"id"`
	SubmissionID string         `json:"submission_id"`
	UserID       int64          `json:"user_id"`
	Username     string         `json:"user,omitempty"`
	CommandText  string         `json:"command"`
	Status       ApprovalStatus `json:"status"`
	CreatedAt    time.Time      `json:"time"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy   *int64         `json:"resolved_by,omitempty"`
}
