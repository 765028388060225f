package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modoterra/logkit/pkg/core"
)

// DefaultInterval is the time between samples.
const DefaultInterval = 5 * time.Second

// Probe reads the raw figures for a package. *adb.Client implements it.
type Probe interface {
	TotalPSS(ctx context.Context, pkg string) (int64, error)
	PowerUse(ctx context.Context, pkg string) (float64, error)
}

// Sampler periodically records memory and power for one package.
type Sampler struct {
	probe    Probe
	serial   string
	pkg      string
	interval time.Duration
	series   *Series
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastPower float64
	onSample  func(core.Sample)
}

// NewSampler creates a sampler. A zero interval means DefaultInterval.
func NewSampler(probe Probe, serial, pkg string, interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		probe:    probe,
		serial:   serial,
		pkg:      pkg,
		interval: interval,
		series:   NewSeries(DefaultWindow),
		logger:   logger,
		now:      time.Now,
	}
}

// OnSample registers a callback invoked after every recorded sample.
func (s *Sampler) OnSample(fn func(core.Sample)) {
	s.mu.Lock()
	s.onSample = fn
	s.mu.Unlock()
}

// Series returns the sample window.
func (s *Sampler) Series() *Series {
	return s.series
}

// Package returns the sampled application id.
func (s *Sampler) Package() string {
	return s.pkg
}

// Sample takes one reading. Memory and power are read independently; a
// failure of one is logged and the other is still recorded. Power is the
// difference from the previous non-zero estimate, so the first reading
// only establishes the baseline.
func (s *Sampler) Sample(ctx context.Context) core.Sample {
	sample := core.Sample{
		Serial:   s.serial,
		Package:  s.pkg,
		TsUnixMs: s.now().UnixMilli(),
	}

	if kb, err := s.probe.TotalPSS(ctx, s.pkg); err != nil {
		s.logger.Debug("memory sample failed", "serial", s.serial, "package", s.pkg, "err", err)
	} else {
		sample.PSSKB = kb
		sample.HasPSS = true
	}

	if mah, err := s.probe.PowerUse(ctx, s.pkg); err != nil {
		s.logger.Debug("power sample failed", "serial", s.serial, "package", s.pkg, "err", err)
	} else {
		s.mu.Lock()
		if s.lastPower != 0 {
			sample.PowerDeltaMAh = mah - s.lastPower
			sample.HasPower = true
		}
		s.lastPower = mah
		s.mu.Unlock()
	}

	if sample.HasPSS || sample.HasPower {
		s.series.Add(sample)
		s.mu.Lock()
		fn := s.onSample
		s.mu.Unlock()
		if fn != nil {
			fn(sample)
		}
	}
	return sample
}

// Run samples immediately and then every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}
