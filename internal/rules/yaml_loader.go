package rules

import (
	"fmt"
	"os"

	"cmdgate/internal/domain"

	"gopkg.in/yaml.v3"
)

// File is the on-disk rule set format used for seeding, import and export.
type File struct {
	Rules []domain.RuleSpec `yaml:"rules"`
}

// LoadFile reads rule specs from a YAML file, in file order.
func LoadFile(path string) ([]domain.RuleSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	for i, spec := range f.Rules {
		if !spec.Action.Valid() {
			return nil, fmt.Errorf("rules file %s: entry %d: %w: unknown action %q", path, i+1, domain.ErrInvalidRule, spec.Action)
		}
		if _, err := Compile(spec.Pattern); err != nil {
			return nil, fmt.Errorf("rules file %s: entry %d: %w", path, i+1, err)
		}
	}
	return f.Rules, nil
}

// WriteFile exports rules in evaluation order.
func WriteFile(path string, rules []domain.Rule) error {
	f := File{Rules: make([]domain.RuleSpec, len(rules))}
	for i, r := range rules {
		f.Rules[i] = domain.RuleSpec{Pattern: r.Pattern, Action: r.Action}
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultSeed is installed on first start when no rules exist.
func DefaultSeed() []domain.RuleSpec {
	return []domain.RuleSpec{
		{Pattern: `:\(\)\{ :\|:& \};:`, Action: domain.ActionAutoReject},
		{Pattern: `rm\s+-rf\s+/`, Action: domain.ActionAutoReject},
		{Pattern: `mkfs\.`, Action: domain.ActionAutoReject},
		{Pattern: `git\s+(status|log|diff)`, Action: domain.ActionAutoAccept},
		{Pattern: `^(ls|cat|pwd|echo)`, Action: domain.ActionAutoAccept},
	}
}
