// Package monitor samples memory and power usage of an app on a device.
package monitor

import (
	"sync"

	"github.com/modoterra/logkit/pkg/core"
)

// DefaultWindow is how many samples a Series keeps.
const DefaultWindow = 50

// Series keeps the most recent samples.
type Series struct {
	mu      sync.RWMutex
	samples []core.Sample
	limit   int
}

// NewSeries creates a series holding at most limit samples.
func NewSeries(limit int) *Series {
	if limit <= 0 {
		limit = DefaultWindow
	}
	return &Series{limit: limit}
}

// Add appends a sample, evicting the oldest beyond the limit.
func (s *Series) Add(sample core.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	if len(s.samples) > s.limit {
		s.samples = s.samples[len(s.samples)-s.limit:]
	}
}

// Snapshot returns a copy of the samples, oldest first.
func (s *Series) Snapshot() []core.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Len returns the number of samples held.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}

// Last returns the newest sample.
func (s *Series) Last() (core.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.samples) == 0 {
		return core.Sample{}, false
	}
	return s.samples[len(s.samples)-1], true
}

// Memory returns the PSS values (KB) of samples that carry one.
func Memory(samples []core.Sample) []float64 {
	var out []float64
	for _, s := range samples {
		if s.HasPSS {
			out = append(out, float64(s.PSSKB))
		}
	}
	return out
}

// Power returns the power deltas (mAh) of samples that carry one.
func Power(samples []core.Sample) []float64 {
	var out []float64
	for _, s := range samples {
		if s.HasPower {
			out = append(out, s.PowerDeltaMAh)
		}
	}
	return out
}
