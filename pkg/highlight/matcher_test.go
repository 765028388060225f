package highlight

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/modoterra/logkit/pkg/core"
)

func TestMatchFirstRuleWins(t *testing.T) {
	m := NewMatcher([]Rule{
		{Keyword: "error", Color: "red"},
		{Keyword: "camera", Color: "blue"},
	})

	r, ok := m.Match("E/Camera: open error")
	if !ok {
		t.Fatal("expected match")
	}
	if r.Color != "red" {
		t.Errorf("expected first rule, got %+v", r)
	}
}

func TestMatchCaseInsensitive(t *testing.T) {
	m := NewMatcher([]Rule{{Keyword: "WARNING", Color: "yellow"}})
	if _, ok := m.Match("w/Foo: warning: low memory"); !ok {
		t.Error("expected case-insensitive match")
	}
	if _, ok := m.Match("i/Foo: all good"); ok {
		t.Error("unexpected match")
	}
}

func TestMatcherDuplicates(t *testing.T) {
	m := NewMatcher([]Rule{
		{Keyword: "Error", Color: "red"},
		{Keyword: "warn", Color: "yellow"},
		{Keyword: "error", Color: "magenta"},
	})

	want := []Rule{
		{Keyword: "Error", Color: "magenta"},
		{Keyword: "warn", Color: "yellow"},
	}
	if diff := cmp.Diff(want, m.Rules()); diff != "" {
		t.Errorf("rules mismatch (-want +got):\n%s", diff)
	}

	r, _ := m.Match("error and warn")
	if r.Color != "magenta" {
		t.Errorf("expected last colour at first position, got %+v", r)
	}
}

func TestMatcherSkipsEmptyKeyword(t *testing.T) {
	m := NewMatcher([]Rule{{Keyword: "", Color: "red"}})
	if m.Len() != 0 {
		t.Errorf("expected empty matcher, got %d rules", m.Len())
	}
	if _, ok := m.Match("anything"); ok {
		t.Error("empty keyword must not match")
	}
}

func TestNilMatcher(t *testing.T) {
	var m *Matcher
	if _, ok := m.Match("error"); ok {
		t.Error("nil matcher matched")
	}
	if m.Len() != 0 || m.Rules() != nil {
		t.Error("nil matcher not empty")
	}
}

func TestApplySetsColor(t *testing.T) {
	m := NewMatcher(Default().Keywords)
	line := core.LogLine{Raw: "03-10 11:00:00.000 W/Cam( 1): Warning: slow"}
	if !m.Apply(&line) {
		t.Fatal("expected match")
	}
	if line.Color != "yellow" {
		t.Errorf("color: got %q", line.Color)
	}
}

func TestParseInline(t *testing.T) {
	rules, err := ParseInline("error:red, warning:yellow,, E/Cam:#00ff00 ")
	if err != nil {
		t.Fatalf("ParseInline: %v", err)
	}
	want := []Rule{
		{Keyword: "error", Color: "red"},
		{Keyword: "warning", Color: "yellow"},
		{Keyword: "E/Cam", Color: "#00ff00"},
	}
	if diff := cmp.Diff(want, rules); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if got := FormatInline(rules); got != "error:red,warning:yellow,E/Cam:#00ff00" {
		t.Errorf("FormatInline: %q", got)
	}
}

func TestParseInlineErrors(t *testing.T) {
	if _, err := ParseInline("error:red,oops"); err == nil || !strings.Contains(err.Error(), "oops") {
		t.Errorf("expected error naming the bad pair, got %v", err)
	}
	rules, err := ParseInline("   ")
	if err != nil || len(rules) != 0 {
		t.Errorf("blank input: %v %v", rules, err)
	}
}
