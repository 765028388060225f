package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/modoterra/logkit/pkg/core"
	"github.com/modoterra/logkit/pkg/monitor"
	"github.com/modoterra/logkit/pkg/transport/uds"
)

// DefaultBufferLines is how many matched lines a session keeps.
const DefaultBufferLines = 5000

// logBuffer is a ring of matched lines stamped with increasing sequence numbers.
type logBuffer struct {
	mu    sync.Mutex
	lines []core.LogLine
	limit int
	seq   uint64
}

func newLogBuffer(limit int) *logBuffer {
	if limit <= 0 {
		limit = DefaultBufferLines
	}
	return &logBuffer{limit: limit}
}

// append stamps the next Seq on line, stores it and returns the stored copy.
func (b *logBuffer) append(line core.LogLine) core.LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	line.Seq = b.seq
	b.lines = append(b.lines, line)
	if len(b.lines) > b.limit {
		b.lines = b.lines[len(b.lines)-b.limit:]
	}
	return line
}

// since returns lines with Seq > after, oldest first, at most limit of them
// when limit > 0.
func (b *logBuffer) since(after uint64, limit int) []core.LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := len(b.lines)
	for i, l := range b.lines {
		if l.Seq > after {
			start = i
			break
		}
	}
	out := b.lines[start:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]core.LogLine(nil), out...)
}

func (b *logBuffer) snapshot() []core.LogLine {
	return b.since(0, 0)
}

func (b *logBuffer) lastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

func (b *logBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Session is a supervised logcat capture of one device, plus the memory and
// power sampler of the package under test.
type Session struct {
	ID        string
	Serial    string
	Package   string
	StartedAt time.Time

	buf     *logBuffer
	sampler *monitor.Sampler
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	restarts  int
	streaming bool
}

// Lines returns the buffered lines with Seq greater than after.
func (s *Session) Lines(after uint64, limit int) []core.LogLine {
	return s.buf.since(after, limit)
}

// Snapshot returns every buffered line.
func (s *Session) Snapshot() []core.LogLine {
	return s.buf.snapshot()
}

// LastSeq returns the sequence number of the newest line ever buffered.
func (s *Session) LastSeq() uint64 {
	return s.buf.lastSeq()
}

// Samples returns the sample window, or nil when the session has no sampler.
func (s *Session) Samples() []core.Sample {
	if s.sampler == nil {
		return nil
	}
	return s.sampler.Series().Snapshot()
}

// Info summarises the session for the wire.
func (s *Session) Info() uds.SessionInfo {
	s.mu.Lock()
	restarts, streaming := s.restarts, s.streaming
	s.mu.Unlock()
	return uds.SessionInfo{
		ID:              s.ID,
		Serial:          s.Serial,
		Package:         s.Package,
		StartedAtUnixMs: s.StartedAt.UnixMilli(),
		LastSeq:         s.buf.lastSeq(),
		Buffered:        s.buf.len(),
		Restarts:        restarts,
		Streaming:       streaming,
	}
}

func (s *Session) setStreaming(v bool) {
	s.mu.Lock()
	s.streaming = v
	s.mu.Unlock()
}

func (s *Session) restarted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	return s.restarts
}
