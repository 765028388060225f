package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// FrameThresholdMs is the 60 FPS frame budget.
const FrameThresholdMs = 16.6

// LoadCategory holds the per-sample load track.
const LoadCategory = "load"

// FrameCategories are the slice categories frame events are read from.
var FrameCategories = []string{"gfx", "view", "SurfaceFlinger"}

// CPULoad is the busy percentage of one CPU over its observed span.
type CPULoad struct {
	CPU     int     `json:"cpu"`
	Percent float64 `json:"percent"`
	Slices  int     `json:"slices"`
}

// Report summarises a trace.
type Report struct {
	Slices    int       `json:"slices"`
	Sched     int       `json:"sched"`
	Frames    []Point   `json:"frames"`
	Jank      []Point   `json:"jank"`
	CPU       []CPULoad `json:"cpu"`
	Runnable  int       `json:"runnable"`
	Sleeping  int       `json:"sleeping"`
	LoadTrack []Point   `json:"load,omitempty"`
}

// Analyze queries the store and builds a report.
func Analyze(ctx context.Context, s *Store) (*Report, error) {
	var r Report
	var err error

	if r.Slices, r.Sched, err = s.Counts(ctx); err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}
	if r.Frames, err = s.Frames(ctx, FrameCategories); err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	r.Jank = Jank(r.Frames)

	spans, err := s.CPUSpans(ctx)
	if err != nil {
		return nil, fmt.Errorf("query cpu: %w", err)
	}
	for _, span := range spans {
		r.CPU = append(r.CPU, CPULoad{CPU: span.CPU, Percent: loadPercent(span), Slices: span.Slices})
	}

	if r.Runnable, r.Sleeping, err = s.StateCounts(ctx); err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	if r.LoadTrack, err = s.Category(ctx, LoadCategory); err != nil {
		return nil, fmt.Errorf("query load: %w", err)
	}
	return &r, nil
}

// AnalyzeEvents loads events into a fresh in-memory store and analyses them.
func AnalyzeEvents(ctx context.Context, events []Event) (*Report, error) {
	s, err := OpenStore("")
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if _, err := s.Insert(ctx, events); err != nil {
		return nil, err
	}
	return Analyze(ctx, s)
}

// Jank returns frames over the frame budget.
func Jank(frames []Point) []Point {
	var out []Point
	for _, f := range frames {
		if f.DurMs > FrameThresholdMs {
			out = append(out, f)
		}
	}
	return out
}

func loadPercent(c CPUSpan) float64 {
	span := c.MaxTs - c.MinTs
	if span <= 0 {
		return 0
	}
	return c.BusyMs / span * 100
}

// WriteText prints the report for humans.
func (r *Report) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "slices: %d  sched: %d\n", r.Slices, r.Sched)
	if len(r.CPU) > 0 {
		fmt.Fprintln(w, "CPU load:")
		for _, c := range r.CPU {
			fmt.Fprintf(w, "  CPU %d: %.1f%% (%d slices)\n", c.CPU, c.Percent, c.Slices)
		}
	}
	fmt.Fprintf(w, "states: runnable=%d sleeping=%d\n", r.Runnable, r.Sleeping)
	fmt.Fprintf(w, "frames: %d, jank: %d (> %.1fms)\n", len(r.Frames), len(r.Jank), FrameThresholdMs)
	for _, j := range r.Jank {
		fmt.Fprintf(w, "  jank at %.3fms: %.2fms\n", j.TsMs, j.DurMs)
	}
	if len(r.LoadTrack) > 0 {
		_, err := fmt.Fprintf(w, "load samples: %d\n", len(r.LoadTrack))
		return err
	}
	return nil
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
