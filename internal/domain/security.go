package domain

import (
	"fmt"
	"time"
)

// Action is what the policy decides for a command.
type Action string

const (
	ActionAutoAccept      Action = "AUTO_ACCEPT"
	ActionAutoReject      Action = "AUTO_REJECT"
	ActionRequireApproval Action = "REQUIRE_APPROVAL"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAutoAccept, ActionAutoReject, ActionRequireApproval:
		return true
	}
	return false
}

// ParseAction converts user input into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidRule, s)
	}
	return a, nil
}

// Rule maps a command pattern to an action. Rules are evaluated in Position
// order and the first match wins.
type Rule struct {
	ID        int64     `json:"id"`
	Pattern   string    `json:"pattern"`
	Action    Action    `json:"action"`
	Position  int64     `json:"position"`
	CreatedBy int64     `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RuleSpec is a rule before it has been stored.
type RuleSpec struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Action  Action `json:"action" yaml:"action"`
}
