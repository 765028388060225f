package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const traceEventsVar = "var traceEvents"

// ParseSystraceHTML extracts events from a systrace HTML report. Both the
// legacy `var traceEvents = [...]` script and catapult `trace-data` blocks
// holding JSON are understood.
func ParseSystraceHTML(r io.Reader) ([]Event, error) {
	z := html.NewTokenizer(r)
	var (
		inScript  bool
		traceData bool
	)

	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return nil, fmt.Errorf("no trace events found in HTML")
			}
			return nil, fmt.Errorf("parse html: %w", z.Err())

		case html.StartTagToken:
			name, hasAttr := z.TagName()
			if atom.Lookup(name) != atom.Script {
				continue
			}
			inScript = true
			traceData = false
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if string(key) == "class" && strings.Contains(string(val), "trace-data") {
					traceData = true
				}
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) == atom.Script {
				inScript = false
			}

		case html.TextToken:
			if !inScript {
				continue
			}
			text := z.Text()
			if traceData {
				trimmed := bytes.TrimSpace(text)
				if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
					return ParseJSON(trimmed)
				}
				continue
			}
			if i := bytes.Index(text, []byte(traceEventsVar)); i >= 0 {
				return decodeAssigned(text[i+len(traceEventsVar):])
			}
		}
	}
}

// decodeAssigned decodes the array following "= " in a script.
func decodeAssigned(rest []byte) ([]Event, error) {
	start := bytes.IndexByte(rest, '[')
	if start < 0 {
		return nil, fmt.Errorf("traceEvents is not an array")
	}
	dec := json.NewDecoder(bytes.NewReader(rest[start:]))
	var events []Event
	if err := dec.Decode(&events); err != nil {
		return nil, fmt.Errorf("decode traceEvents: %w", err)
	}
	return events, nil
}
