package domain

import "time"

// Audit action types.
const (
	AuditCommandAdmit    = "command.admit"
	AuditCommandDecision = "command.decision"
	AuditApprovalResolve = "approval.resolve"
	AuditRuleAdd         = "rule.add"
	AuditRuleDelete      = "rule.delete"
	AuditUserCreate      = "user.create"
	AuditCreditAdjust    = "credit.adjust"
)

// AuditOutcomeAdmitted marks a command cleared to run; the decision entry
// that follows carries the terminal outcome.
const AuditOutcomeAdmitted = "admitted"

// AuditEntry is an immutable record of a decision or admin action.
// Seq is the total order; Hash chains each entry to the previous one.
type AuditEntry struct {
	Seq        int64     `json:"id"`
	Timestamp  time.Time `json:"time"`
	Actor      string    `json:"actor"`
	ActionType string    `json:"action_type"`
	Subject    string    `json:"subject"`
	Outcome    string    `json:"outcome"`
	RuleID     *int64    `json:"rule_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}
