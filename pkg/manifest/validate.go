package manifest

import (
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/modoterra/logkit/pkg/highlight"
)

var packageRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)+$`)

// Validate checks the manifest for structural correctness.
func Validate(m *Manifest) []error {
	var errs []error

	if m.Version != 1 {
		errs = append(errs, fmt.Errorf("version must be 1, got %d", m.Version))
	}

	switch {
	case m.Package == "":
		errs = append(errs, fmt.Errorf("package is required"))
	case !packageRe.MatchString(m.Package):
		errs = append(errs, fmt.Errorf("package %q is not a valid application id", m.Package))
	}

	if m.SampleInterval < time.Second {
		errs = append(errs, fmt.Errorf("sample_interval must be at least 1s, got %s", m.SampleInterval))
	}

	if len(m.Keywords) > 0 {
		for _, err := range highlight.Validate(&highlight.Config{Keywords: m.Keywords}) {
			errs = append(errs, fmt.Errorf("keywords: %w", err))
		}
	}

	// Trace
	if m.Trace.Duration < time.Second {
		errs = append(errs, fmt.Errorf("trace: duration must be at least 1s, got %s", m.Trace.Duration))
	}
	if m.Trace.BufferKB <= 0 {
		errs = append(errs, fmt.Errorf("trace: buffer_kb must be positive, got %d", m.Trace.BufferKB))
	}
	for _, c := range m.Trace.Categories {
		if c == "" {
			errs = append(errs, fmt.Errorf("trace: empty category"))
		}
	}

	// Mirror
	if _, _, err := net.SplitHostPort(m.Mirror.Listen); err != nil {
		errs = append(errs, fmt.Errorf("mirror: listen %q: %w", m.Mirror.Listen, err))
	}
	if m.Mirror.Scale <= 0 || m.Mirror.Scale > 1 {
		errs = append(errs, fmt.Errorf("mirror: scale must be in (0, 1], got %g", m.Mirror.Scale))
	}
	if m.Mirror.FPS < 1 || m.Mirror.FPS > 60 {
		errs = append(errs, fmt.Errorf("mirror: fps must be between 1 and 60, got %d", m.Mirror.FPS))
	}

	return errs
}
