package daemon

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/modoterra/logkit/pkg/core"
	"github.com/modoterra/logkit/pkg/highlight"
)

// Save formats understood by writeLogs.
const (
	FormatText = "text"
	FormatHTML = "html"
)

// writeLogs atomically writes lines to path. Text output is the raw lines,
// one per line; HTML output keeps each line's highlight colour.
func writeLogs(path, format string, lines []core.LogLine, r *highlight.Renderer) error {
	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "", FormatText:
		for _, l := range lines {
			buf.WriteString(l.Raw)
			buf.WriteByte('\n')
		}
	case FormatHTML:
		if err := r.WriteHTML(&buf, "logkit capture", lines); err != nil {
			return fmt.Errorf("render html: %w", err)
		}
	default:
		return fmt.Errorf("unknown format %q (want text or html)", format)
	}

	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
