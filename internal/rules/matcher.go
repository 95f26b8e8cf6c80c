package rules

import (
	"fmt"
	"regexp"
	"strings"

	"cmdgate/internal/domain"
)

// Compiled is a rule with its matcher ready for evaluation.
type Compiled struct {
	domain.Rule
	re *regexp.Regexp
}

// Matches reports whether the rule's pattern matches command. A rule whose
// pattern failed to compile never matches.
func (c Compiled) Matches(command string) bool {
	return c.re != nil && c.re.MatchString(command)
}

// Compile validates a pattern and builds its matcher.
// Patterns with regex metacharacters are RE2 expressions matched anywhere in
// the command; plain strings are case-insensitive substring matches.
func Compile(pattern string) (*regexp.Regexp, error) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return nil, fmt.Errorf("%w: empty pattern", domain.ErrInvalidRule)
	}
	var re *regexp.Regexp
	var err error
	if isRegex(p) {
		re, err = regexp.Compile(p)
	} else {
		re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", domain.ErrInvalidRule, p, err)
	}
	return re, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}
