package logcat

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/modoterra/logkit/pkg/adb"
	"github.com/modoterra/logkit/pkg/adb/adbtest"
	"github.com/modoterra/logkit/pkg/core"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStreamerDeliversLines(t *testing.T) {
	r := adbtest.New().OnStream("-s R58M123 logcat -v time",
		"03-10 11:00:00.000 E/Camera( 1): error one\n"+
			"03-10 11:00:01.000 I/Camera( 1): info two\n")
	client := adb.New("", "")
	client.Runner = r

	s := NewStreamer(client, discardLogger())
	ch, err := s.Subscribe(context.Background(), "R58M123")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var lines []core.LogLine
	for line := range ch {
		lines = append(lines, line)
	}

	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Serial != "R58M123" {
		t.Errorf("serial not stamped: %q", lines[0].Serial)
	}
	if lines[0].Priority != core.PriorityError || lines[1].Message != "info two" {
		t.Errorf("unexpected lines: %+v", lines)
	}
}

func TestStreamerStartFailure(t *testing.T) {
	client := adb.New("", "")
	client.Runner = adbtest.New()

	s := NewStreamer(client, discardLogger())
	if _, err := s.Subscribe(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unscripted stream")
	}
}

func TestUnsubscribeUnknown(t *testing.T) {
	s := NewStreamer(adb.New("", ""), discardLogger())
	if err := s.Unsubscribe("nope"); err != nil {
		t.Errorf("Unsubscribe: %v", err)
	}
}

func TestSubscribeReplacesCancelledSubscription(t *testing.T) {
	r := adbtest.New().OnHeldStream("-s R58M123 logcat -v time", "03-10 11:00:00.000 E/Camera( 1): error one\n")
	client := adb.New("", "")
	client.Runner = r
	s := NewStreamer(client, discardLogger())

	ctx1, cancel1 := context.WithCancel(context.Background())
	first, err := s.Subscribe(ctx1, "R58M123")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if again, _ := s.Subscribe(ctx1, "R58M123"); again != first {
		t.Fatal("a live subscription should be shared")
	}
	cancel1()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	second, err := s.Subscribe(ctx2, "R58M123")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if second == first {
		t.Fatal("got the cancelled subscription back")
	}
	if got := len(r.Calls()); got != 2 {
		t.Errorf("logcat started %d times, want 2", got)
	}

	for range first {
	}
	line, ok := <-second
	if !ok || line.Message != "error one" {
		t.Fatalf("new subscription: line=%+v ok=%v", line, ok)
	}

	cancel2()
	for range second {
	}
}
