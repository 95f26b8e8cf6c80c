package policy

import (
	"testing"

	"cmdgate/internal/domain"
	"cmdgate/internal/rules"
)

func snapshot(specs ...domain.RuleSpec) *rules.Snapshot {
	rs := make([]domain.Rule, len(specs))
	for i, s := range specs {
		rs[i] = domain.Rule{ID: int64(i + 1), Pattern: s.Pattern, Action: s.Action, Position: int64(i + 1)}
	}
	return rules.NewSnapshot(rs, nil)
}

func mustEvaluator(t *testing.T, def domain.Action) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(def, nil)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return e
}

// --- First match wins ---

func TestEvaluate_FirstMatchWins(t *testing.T) {
	e := mustEvaluator(t, domain.ActionRequireApproval)
	snap := snapshot(
		domain.RuleSpec{Pattern: "git", Action: domain.ActionAutoAccept},
		domain.RuleSpec{Pattern: "git push", Action: domain.ActionAutoReject},
	)

	d := e.Evaluate("git push origin main", snap)
	if d.Action != domain.ActionAutoAccept {
		t.Fatalf("expected first rule's action, got %v", d.Action)
	}
	if d.MatchedRuleID == nil || *d.MatchedRuleID != 1 {
		t.Fatalf("expected matched rule 1, got %v", d.MatchedRuleID)
	}
}

func TestEvaluate_OrderDeterminesOutcome(t *testing.T) {
	e := mustEvaluator(t, domain.ActionRequireApproval)
	accept := domain.RuleSpec{Pattern: "deploy", Action: domain.ActionAutoAccept}
	reject := domain.RuleSpec{Pattern: `deploy\s+prod`, Action: domain.ActionAutoReject}

	cases := []struct {
		name string
		snap *rules.Snapshot
		want domain.Action
	}{
		{"accept first", snapshot(accept, reject), domain.ActionAutoAccept},
		{"reject first", snapshot(reject, accept), domain.ActionAutoReject},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.Evaluate("deploy prod", tc.snap).Action; got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

// --- Default action ---

func TestEvaluate_NoMatchUsesDefault(t *testing.T) {
	for _, def := range []domain.Action{domain.ActionAutoAccept, domain.ActionAutoReject, domain.ActionRequireApproval} {
		e := mustEvaluator(t, def)
		d := e.Evaluate("deploy service-x", snapshot(domain.RuleSpec{Pattern: "rm -rf", Action: domain.ActionAutoReject}))
		if d.Action != def {
			t.Errorf("default %v: got %v", def, d.Action)
		}
		if d.MatchedRuleID != nil {
			t.Errorf("default %v: expected no matched rule", def)
		}
		if d.Reason() != domain.ReasonDefaultPolicy {
			t.Errorf("expected default_policy reason, got %s", d.Reason())
		}
	}
}

func TestNewEvaluator_DefaultsToRequireApproval(t *testing.T) {
	e := mustEvaluator(t, "")
	if e.DefaultAction() != domain.ActionRequireApproval {
		t.Fatalf("expected REQUIRE_APPROVAL, got %v", e.DefaultAction())
	}
	if _, err := NewEvaluator("ALLOW", nil); err == nil {
		t.Fatal("expected error for unknown default action")
	}
}

func TestEvaluate_EmptySnapshotAndNil(t *testing.T) {
	e := mustEvaluator(t, domain.ActionAutoReject)
	if d := e.Evaluate("ls", nil); d.Action != domain.ActionAutoReject {
		t.Fatalf("nil snapshot: got %v", d.Action)
	}
	if d := e.EvaluateCurrent("ls"); d.Action != domain.ActionAutoReject {
		t.Fatalf("no source: got %v", d.Action)
	}
}

// --- Edge cases ---

func TestEvaluate_WhitespaceTrimmed(t *testing.T) {
	e := mustEvaluator(t, domain.ActionRequireApproval)
	snap := snapshot(domain.RuleSpec{Pattern: "^ls", Action: domain.ActionAutoAccept})

	if d := e.Evaluate("   ls -la", snap); d.Action != domain.ActionAutoAccept {
		t.Fatalf("expected accept after trimming, got %v", d.Action)
	}
}

func TestEvaluate_Scenario_RmRfRejected(t *testing.T) {
	e := mustEvaluator(t, domain.ActionRequireApproval)
	snap := snapshot(domain.RuleSpec{Pattern: "rm -rf", Action: domain.ActionAutoReject})

	d := e.Evaluate("rm -rf /data", snap)
	if d.Action != domain.ActionAutoReject {
		t.Fatalf("expected reject, got %v", d.Action)
	}
	if d.Reason() != domain.ReasonMatchedRule {
		t.Fatalf("expected matched_rule reason, got %s", d.Reason())
	}
}

func TestEvaluate_Pure(t *testing.T) {
	e := mustEvaluator(t, domain.ActionRequireApproval)
	snap := snapshot(
		domain.RuleSpec{Pattern: "a", Action: domain.ActionAutoAccept},
		domain.RuleSpec{Pattern: "b", Action: domain.ActionAutoReject},
	)
	first := e.Evaluate("b a", snap)
	for i := 0; i < 10; i++ {
		again := e.Evaluate("b a", snap)
		if again.Action != first.Action || *again.MatchedRuleID != *first.MatchedRuleID {
			t.Fatal("evaluation must be reproducible")
		}
	}
}

// --- Shell guard ---

func TestEvaluate_ShellGuardHoldsCompoundCommands(t *testing.T) {
	e, err := NewEvaluator(domain.ActionAutoAccept, nil, WithShellGuard())
	if err != nil {
		t.Fatal(err)
	}
	snap := snapshot(domain.RuleSpec{Pattern: `^(ls|cat|pwd|echo)`, Action: domain.ActionAutoAccept})

	for _, cmd := range []string{"ls; rm -rf ~", "ls && reboot", "cat x | sh", "echo $(id)", "echo `id`", "ls > /etc/passwd", "ls\nrm -rf /"} {
		d := e.Evaluate(cmd, snap)
		if d.Action != domain.ActionRequireApproval || !d.Held || d.Reason() != domain.ReasonShellSyntax {
			t.Errorf("%q: expected hold for approval, got %+v", cmd, d)
		}
	}
	for _, cmd := range []string{"ls -la /tmp", "cat README.md", "whoami"} {
		if d := e.Evaluate(cmd, snap); d.Action != domain.ActionAutoAccept || d.Held {
			t.Errorf("%q: simple command should stay accepted, got %+v", cmd, d)
		}
	}
}

func TestEvaluate_ShellGuardLeavesOtherActions(t *testing.T) {
	e, _ := NewEvaluator(domain.ActionRequireApproval, nil, WithShellGuard())
	snap := snapshot(domain.RuleSpec{Pattern: "rm -rf", Action: domain.ActionAutoReject})
	if d := e.Evaluate("rm -rf /; ls", snap); d.Action != domain.ActionAutoReject || d.Held {
		t.Fatalf("reject must not be softened, got %+v", d)
	}
	if d := mustEvaluator(t, domain.ActionAutoAccept).Evaluate("ls; rm -rf ~", nil); d.Held {
		t.Fatal("guard is off unless requested")
	}
}
