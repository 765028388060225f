package highlight

import (
	"fmt"
	"strings"
)

// Validate checks a config for rules that could never render.
// Returns all errors found.
func Validate(cfg *Config) []error {
	var errs []error

	if len(cfg.Keywords) == 0 {
		errs = append(errs, fmt.Errorf("no keywords defined"))
	}

	for i, r := range cfg.Keywords {
		if strings.TrimSpace(r.Keyword) == "" {
			errs = append(errs, fmt.Errorf("keyword %d: keyword is empty", i))
		}
		if err := checkColor(r.Color); err != nil {
			errs = append(errs, fmt.Errorf("keyword %d (%s): %w", i, r.Keyword, err))
		}
	}

	return errs
}

func checkColor(c string) error {
	c = strings.TrimSpace(c)
	switch {
	case c == "":
		return fmt.Errorf("color is empty")
	case strings.HasPrefix(c, "#"):
		if !isHex(c) {
			return fmt.Errorf("color %q: expected #rgb or #rrggbb", c)
		}
	case isANSI256(c):
	default:
		if _, ok := lookupNamed(c); !ok {
			return fmt.Errorf("color %q: unknown color name", c)
		}
	}
	return nil
}

func isHex(c string) bool {
	digits := strings.TrimPrefix(c, "#")
	if len(digits) != 3 && len(digits) != 6 {
		return false
	}
	for _, r := range digits {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func isANSI256(c string) bool {
	if c == "" || len(c) > 3 {
		return false
	}
	n := 0
	for _, r := range c {
		if r < '0' || r > '9' {
			return false
		}
		n = n*10 + int(r-'0')
	}
	return n <= 255
}
