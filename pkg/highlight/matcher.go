package highlight

import (
	"strings"

	"github.com/modoterra/logkit/pkg/core"
)

type compiled struct {
	lower string
	rule  Rule
}

// Matcher finds the first rule whose keyword occurs in a line.
// Matching is case-insensitive. A keyword repeated in the rule list keeps
// its first position and takes the colour of its last occurrence. Empty
// keywords never match.
type Matcher struct {
	rules []compiled
}

// NewMatcher compiles rules into a matcher.
func NewMatcher(rules []Rule) *Matcher {
	m := &Matcher{}
	index := make(map[string]int)
	for _, r := range rules {
		lower := strings.ToLower(r.Keyword)
		if lower == "" {
			continue
		}
		if i, ok := index[lower]; ok {
			m.rules[i].rule.Color = r.Color
			continue
		}
		index[lower] = len(m.rules)
		m.rules = append(m.rules, compiled{lower: lower, rule: r})
	}
	return m
}

// Match returns the first matching rule.
func (m *Matcher) Match(line string) (Rule, bool) {
	if m == nil || len(m.rules) == 0 {
		return Rule{}, false
	}
	lower := strings.ToLower(line)
	for _, c := range m.rules {
		if strings.Contains(lower, c.lower) {
			return c.rule, true
		}
	}
	return Rule{}, false
}

// Apply matches the raw line and records the colour on it.
func (m *Matcher) Apply(line *core.LogLine) bool {
	r, ok := m.Match(line.Raw)
	if !ok {
		return false
	}
	line.Color = r.Color
	return true
}

// Rules returns the effective rules in match order.
func (m *Matcher) Rules() []Rule {
	if m == nil {
		return nil
	}
	out := make([]Rule, len(m.rules))
	for i, c := range m.rules {
		out[i] = c.rule
	}
	return out
}

// Len returns the number of effective rules.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}
