package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/modoterra/logkit/pkg/adb"
	"github.com/modoterra/logkit/pkg/adb/adbtest"
	"github.com/modoterra/logkit/pkg/core"
)

type fakeProbe struct {
	mu     sync.Mutex
	pss    []int64
	power  []float64
	pssErr error
}

func (p *fakeProbe) TotalPSS(context.Context, string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pssErr != nil {
		return 0, p.pssErr
	}
	v := p.pss[0]
	if len(p.pss) > 1 {
		p.pss = p.pss[1:]
	}
	return v, nil
}

func (p *fakeProbe) PowerUse(context.Context, string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.power) == 0 {
		return 0, errors.New("no estimate")
	}
	v := p.power[0]
	p.power = p.power[1:]
	return v, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSeriesKeepsWindow(t *testing.T) {
	s := NewSeries(3)
	for i := 1; i <= 5; i++ {
		s.Add(core.Sample{PSSKB: int64(i), HasPSS: true})
	}
	got := Memory(s.Snapshot())
	if diff := cmp.Diff([]float64{3, 4, 5}, got); diff != "" {
		t.Errorf("window (-want +got):\n%s", diff)
	}
	last, ok := s.Last()
	if !ok || last.PSSKB != 5 {
		t.Errorf("last: %+v %v", last, ok)
	}
}

func TestSeriesDefaultWindow(t *testing.T) {
	s := NewSeries(0)
	for i := 0; i < 60; i++ {
		s.Add(core.Sample{})
	}
	if s.Len() != DefaultWindow {
		t.Errorf("len: got %d, want %d", s.Len(), DefaultWindow)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	s := NewSeries(5)
	s.Add(core.Sample{PSSKB: 1})
	snap := s.Snapshot()
	snap[0].PSSKB = 99
	if last, _ := s.Last(); last.PSSKB != 1 {
		t.Error("snapshot aliases the series")
	}
}

func TestPowerDelta(t *testing.T) {
	probe := &fakeProbe{pss: []int64{1000}, power: []float64{10.0, 10.5, 12.0}}
	s := NewSampler(probe, "R58M123", "com.android.camera", time.Second, discard())

	first := s.Sample(context.Background())
	if first.HasPower {
		t.Errorf("first reading should only prime the baseline: %+v", first)
	}
	second := s.Sample(context.Background())
	if !second.HasPower || second.PowerDeltaMAh != 0.5 {
		t.Errorf("second delta: %+v", second)
	}
	third := s.Sample(context.Background())
	if !third.HasPower || third.PowerDeltaMAh != 1.5 {
		t.Errorf("third delta: %+v", third)
	}
	if diff := cmp.Diff([]float64{0.5, 1.5}, Power(s.Series().Snapshot())); diff != "" {
		t.Errorf("power series (-want +got):\n%s", diff)
	}
}

func TestZeroBaselineNeverDeltas(t *testing.T) {
	probe := &fakeProbe{pss: []int64{1}, power: []float64{0, 3.0, 4.0}}
	s := NewSampler(probe, "", "com.example", time.Second, discard())

	s.Sample(context.Background())
	if got := s.Sample(context.Background()); got.HasPower {
		t.Errorf("zero previous reading produced a delta: %+v", got)
	}
	if got := s.Sample(context.Background()); !got.HasPower || got.PowerDeltaMAh != 1.0 {
		t.Errorf("expected delta 1.0, got %+v", got)
	}
}

func TestMemoryFailureStillRecordsPower(t *testing.T) {
	probe := &fakeProbe{pssErr: errors.New("no process"), power: []float64{1.0, 2.0}}
	s := NewSampler(probe, "", "com.example", time.Second, discard())

	var seen []core.Sample
	s.OnSample(func(sample core.Sample) { seen = append(seen, sample) })

	s.Sample(context.Background())
	got := s.Sample(context.Background())
	if got.HasPSS {
		t.Error("unexpected PSS")
	}
	if !got.HasPower {
		t.Error("power should still be recorded")
	}
	if len(seen) != 1 || s.Series().Len() != 1 {
		t.Errorf("expected one recorded sample, callbacks=%d series=%d", len(seen), s.Series().Len())
	}
}

func TestSamplerWithADBClient(t *testing.T) {
	r := adbtest.New().
		On("-s R58M123 shell dumpsys meminfo com.android.camera", "** MEMINFO **\n TOTAL PSS:   123456   TOTAL RSS: 1\n").
		OnResponse("-s R58M123 shell dumpsys batterystats --unplugged", adbtest.Response{Stderr: "denied"})
	client := adb.New("", "R58M123")
	client.Runner = r

	s := NewSampler(client, "R58M123", "com.android.camera", 0, discard())
	got := s.Sample(context.Background())
	if !got.HasPSS || got.PSSKB != 123456 {
		t.Errorf("pss: %+v", got)
	}
	if got.HasPower {
		t.Errorf("power should be missing: %+v", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	probe := &fakeProbe{pss: []int64{1}}
	s := NewSampler(probe, "", "com.example", 10*time.Millisecond, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if s.Series().Len() == 0 {
		t.Error("expected samples")
	}
}
