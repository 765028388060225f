package highlight

import (
	"fmt"
	"strings"
)

// ParseInline parses the text-box form "error:red, warning:yellow".
// Blank pairs are skipped; a pair without ':' is an error.
func ParseInline(s string) ([]Rule, error) {
	var rules []Rule
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		i := strings.LastIndex(pair, ":")
		if i < 0 {
			return nil, fmt.Errorf("keyword pair %q: expected keyword:color", pair)
		}
		rules = append(rules, Rule{
			Keyword: strings.TrimSpace(pair[:i]),
			Color:   strings.TrimSpace(pair[i+1:]),
		})
	}
	return rules, nil
}

// FormatInline is the inverse of ParseInline.
func FormatInline(rules []Rule) string {
	parts := make([]string, len(rules))
	for i, r := range rules {
		parts[i] = r.Keyword + ":" + r.Color
	}
	return strings.Join(parts, ",")
}
