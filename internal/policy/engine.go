// Package policy classifies commands against a rule snapshot.
//
// Tie-break: rules are scanned once in stored position order and the first
// matching rule decides, even when later rules also match. A command that
// matches nothing gets the configured default action.
//
// With the shell guard on, an AUTO_ACCEPT outcome for a command containing
// shell control syntax (";", "&", "|", redirection, substitution, newlines)
// is held for approval instead: a pattern like ^ls would otherwise admit
// "ls; rm -rf ~" to an executor that runs sh -c.
package policy

import (
	"fmt"
	"strings"

	"cmdgate/internal/domain"
	"cmdgate/internal/rules"
)

// Decision is the outcome of evaluating one command.
type Decision struct {
	Action        domain.Action
	MatchedRuleID *int64
	Pattern       string
	// Held is set when the shell guard turned AUTO_ACCEPT into approval.
	Held bool
}

// Reason is the submission reason recorded for this decision.
func (d Decision) Reason() string {
	if d.Held {
		return domain.ReasonShellSyntax
	}
	if d.MatchedRuleID != nil {
		return domain.ReasonMatchedRule
	}
	return domain.ReasonDefaultPolicy
}

// Describe renders the decision for audit details.
func (d Decision) Describe() string {
	var s string
	if d.MatchedRuleID == nil {
		s = "default policy: " + string(d.Action)
	} else {
		s = fmt.Sprintf("rule %d (%s): %s", *d.MatchedRuleID, d.Pattern, d.Action)
	}
	if d.Held {
		s += " (auto-accept held: shell syntax)"
	}
	return s
}

// SnapshotSource supplies the current rules.
type SnapshotSource interface {
	Snapshot() *rules.Snapshot
}

// Evaluator is stateless apart from its settings.
type Evaluator struct {
	defaultAction domain.Action
	source        SnapshotSource
	shellGuard    bool
}

type Option func(*Evaluator)

// WithShellGuard holds auto-accepted commands that contain shell control
// syntax. Use it whenever the executor hands commands to a shell.
func WithShellGuard() Option {
	return func(e *Evaluator) { e.shellGuard = true }
}

func NewEvaluator(defaultAction domain.Action, source SnapshotSource, opts ...Option) (*Evaluator, error) {
	if defaultAction == "" {
		defaultAction = domain.ActionRequireApproval
	}
	if !defaultAction.Valid() {
		return nil, fmt.Errorf("invalid default action %q", defaultAction)
	}
	e := &Evaluator{defaultAction: defaultAction, source: source}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Evaluator) DefaultAction() domain.Action { return e.defaultAction }

// Evaluate is a pure function of the command and the snapshot.
func (e *Evaluator) Evaluate(command string, snap *rules.Snapshot) Decision {
	cmd := strings.TrimSpace(command)
	d := Decision{Action: e.defaultAction}
	if snap != nil {
		for _, r := range snap.Entries() {
			if r.Matches(cmd) {
				id := r.ID
				d = Decision{Action: r.Action, MatchedRuleID: &id, Pattern: r.Pattern}
				break
			}
		}
	}
	if e.shellGuard && d.Action == domain.ActionAutoAccept && HasShellSyntax(cmd) {
		d.Action, d.Held = domain.ActionRequireApproval, true
	}
	return d
}

// HasShellSyntax reports whether a shell would read cmd as more than one
// simple command: sequencing, pipes, background jobs, redirection or
// command substitution.
func HasShellSyntax(cmd string) bool {
	return strings.ContainsAny(cmd, ";&|<>`\n\r") || strings.Contains(cmd, "$(")
}

// EvaluateCurrent evaluates against the source's current snapshot.
func (e *Evaluator) EvaluateCurrent(command string) Decision {
	var snap *rules.Snapshot
	if e.source != nil {
		snap = e.source.Snapshot()
	}
	return e.Evaluate(command, snap)
}
