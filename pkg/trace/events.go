// Package trace captures Android system traces and analyses frame jank and
// CPU load from them.
package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Event is one Chrome trace event. Timestamps are in microseconds.
type Event struct {
	Name string         `json:"name"`
	Cat  string         `json:"cat,omitempty"`
	Ph   string         `json:"ph,omitempty"`
	Ts   *float64       `json:"ts,omitempty"`
	Dur  *float64       `json:"dur,omitempty"`
	PID  flexInt        `json:"pid,omitempty"`
	TID  flexInt        `json:"tid,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// Timed reports whether the event carries both ts and dur.
func (e Event) Timed() bool {
	return e.Ts != nil && e.Dur != nil
}

// CPU returns args.cpu when present.
func (e Event) CPU() (int, bool) {
	return argInt(e.Args, "cpu")
}

// State returns args.state, the scheduler end state.
func (e Event) State() string {
	s, _ := e.Args["state"].(string)
	return s
}

func argInt(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("trace id %q: %w", b, err)
	}
	*f = flexInt(n)
	return nil
}

func ptr(v float64) *float64 { return &v }

// ParseJSON decodes a JSON trace: a bare event array or an object with
// "traceEvents".
func ParseJSON(data []byte) ([]Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty trace")
	}
	if data[0] == '[' {
		var events []Event
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("decode trace events: %w", err)
		}
		return events, nil
	}
	var doc struct {
		TraceEvents []Event `json:"traceEvents"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	if doc.TraceEvents == nil {
		return nil, fmt.Errorf("decode trace: no traceEvents")
	}
	return doc.TraceEvents, nil
}

// Parse detects the trace format (systrace HTML, JSON or ftrace text) and
// returns its events.
func Parse(data []byte) ([]Event, error) {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
		return nil, fmt.Errorf("empty trace")
	case trimmed[0] == '<':
		return ParseSystraceHTML(bytes.NewReader(data))
	case trimmed[0] == '[' || trimmed[0] == '{':
		return ParseJSON(trimmed)
	default:
		return ParseFtrace(bytes.NewReader(data))
	}
}

// ParseFile reads and parses a trace file.
func ParseFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	events, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}
