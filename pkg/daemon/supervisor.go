package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/modoterra/logkit/pkg/core"
	"github.com/modoterra/logkit/pkg/highlight"
	"github.com/modoterra/logkit/pkg/metrics"
	"github.com/modoterra/logkit/pkg/monitor"
)

const (
	// A logcat run at least this long resets the failure count.
	stableRun = 10 * time.Second
	// How often a session re-checks whether its device came back.
	attachPoll = time.Second
)

// ProbeFunc returns the sampler probe for a device.
type ProbeFunc func(serial string) monitor.Probe

// Supervisor manages one capture session per device. Each session keeps
// logcat running while its device is attached, restarting it with
// exponential backoff when it exits.
type Supervisor struct {
	source  core.LogSource
	probes  ProbeFunc
	matcher atomic.Pointer[highlight.Matcher]

	sessions map[string]*Session
	mu       sync.RWMutex

	hookMu   sync.RWMutex
	onLine   func(core.LogLine)
	onSample func(core.Sample)
	attached func(serial string) bool

	interval time.Duration
	backoff  func(failures int) time.Duration
	now      func() time.Time

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor creates a session supervisor. probes may be nil, in which
// case sessions run without a sampler.
func NewSupervisor(ctx context.Context, source core.LogSource, probes ProbeFunc, logger *slog.Logger) *Supervisor {
	sctx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		source:   source,
		probes:   probes,
		sessions: make(map[string]*Session),
		interval: monitor.DefaultInterval,
		backoff:  backoff,
		now:      time.Now,
		logger:   logger,
		ctx:      sctx,
		cancel:   cancel,
	}
	s.matcher.Store(highlight.NewMatcher(highlight.Default().Keywords))
	return s
}

// SetMatcher replaces the highlight rules used for new lines.
func (s *Supervisor) SetMatcher(m *highlight.Matcher) {
	s.matcher.Store(m)
	s.logger.Info("keywords updated", "rules", m.Len())
}

// Matcher returns the active highlight rules.
func (s *Supervisor) Matcher() *highlight.Matcher {
	return s.matcher.Load()
}

// SetInterval sets the sample interval for sessions started afterwards.
func (s *Supervisor) SetInterval(d time.Duration) {
	if d > 0 {
		s.mu.Lock()
		s.interval = d
		s.mu.Unlock()
	}
}

// OnLine registers the callback for every matched, buffered line.
func (s *Supervisor) OnLine(fn func(core.LogLine)) {
	s.hookMu.Lock()
	s.onLine = fn
	s.hookMu.Unlock()
}

// OnSample registers the callback for every recorded sample.
func (s *Supervisor) OnSample(fn func(core.Sample)) {
	s.hookMu.Lock()
	s.onSample = fn
	s.hookMu.Unlock()
}

// SetAttached registers the function reporting whether a device is ready.
// Without one every device counts as attached.
func (s *Supervisor) SetAttached(fn func(serial string) bool) {
	s.hookMu.Lock()
	s.attached = fn
	s.hookMu.Unlock()
}

// Start begins capturing serial for pkg. Starting a serial that is already
// captured for the same package returns the existing session; a different
// package replaces it.
func (s *Supervisor) Start(serial, pkg string) (*Session, error) {
	if serial == "" {
		return nil, fmt.Errorf("serial is required")
	}
	if s.ctx.Err() != nil {
		return nil, fmt.Errorf("supervisor stopped")
	}

	s.mu.Lock()
	if old, ok := s.sessions[serial]; ok {
		if old.Package == pkg {
			s.mu.Unlock()
			return old, nil
		}
		delete(s.sessions, serial)
		s.mu.Unlock()
		s.stopSession(old)
		s.mu.Lock()
		if cur, ok := s.sessions[serial]; ok {
			s.mu.Unlock()
			return cur, nil
		}
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sess := &Session{
		ID:        uuid.NewString(),
		Serial:    serial,
		Package:   pkg,
		StartedAt: s.now(),
		buf:       newLogBuffer(DefaultBufferLines),
		cancel:    cancel,
	}
	if s.probes != nil && pkg != "" {
		sess.sampler = monitor.NewSampler(s.probes(serial), serial, pkg, s.interval, s.logger)
		sess.sampler.OnSample(s.recordSample)
	}
	s.sessions[serial] = sess
	s.mu.Unlock()

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		s.run(ctx, sess)
	}()
	if sess.sampler != nil {
		sess.wg.Add(1)
		go func() {
			defer sess.wg.Done()
			sess.sampler.Run(ctx)
		}()
	}

	s.logger.Info("capture started", "serial", serial, "package", pkg, "session", sess.ID)
	return sess, nil
}

// Stop ends the session for serial and waits for its goroutines.
func (s *Supervisor) Stop(serial string) error {
	s.mu.Lock()
	sess, ok := s.sessions[serial]
	if ok {
		delete(s.sessions, serial)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no capture session for %s", serial)
	}
	s.stopSession(sess)
	s.logger.Info("capture stopped", "serial", serial, "session", sess.ID)
	return nil
}

// StopAll ends every session.
func (s *Supervisor) StopAll() {
	s.cancel()
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for serial, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, serial)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		s.stopSession(sess)
	}
}

// Get returns the session for serial.
func (s *Supervisor) Get(serial string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[serial]
	return sess, ok
}

// List returns all sessions ordered by serial.
func (s *Supervisor) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

func (s *Supervisor) stopSession(sess *Session) {
	sess.cancel()
	sess.wg.Wait()
}

func (s *Supervisor) isAttached(serial string) bool {
	s.hookMu.RLock()
	fn := s.attached
	s.hookMu.RUnlock()
	return fn == nil || fn(serial)
}

func (s *Supervisor) run(ctx context.Context, sess *Session) {
	failures := 0
	for {
		if !s.isAttached(sess.Serial) {
			if !sleep(ctx, attachPoll) {
				return
			}
			continue
		}

		started := s.now()
		err := s.stream(ctx, sess)
		if ctx.Err() != nil {
			return
		}

		if s.now().Sub(started) >= stableRun {
			failures = 0
		}
		failures++
		restarts := sess.restarted()
		metrics.RecordRestart(sess.Serial)

		delay := s.backoff(failures)
		s.logger.Info("logcat ended, restarting", "serial", sess.Serial, "delay", delay, "attempt", restarts, "err", err)
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (s *Supervisor) stream(ctx context.Context, sess *Session) error {
	ch, err := s.source.Subscribe(ctx, sess.Serial)
	if err != nil {
		return err
	}
	sess.setStreaming(true)
	defer sess.setStreaming(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-ch:
			if !ok {
				return nil
			}
			s.ingest(sess, line)
		}
	}
}

// ingest filters a line through the matcher; matched lines are buffered
// and handed to the line callback.
func (s *Supervisor) ingest(sess *Session, line core.LogLine) {
	matched := s.matcher.Load().Apply(&line)
	metrics.RecordLine(sess.Serial, matched)
	if !matched {
		return
	}
	line = sess.buf.append(line)

	s.hookMu.RLock()
	fn := s.onLine
	s.hookMu.RUnlock()
	if fn != nil {
		fn(line)
	}
}

func (s *Supervisor) recordSample(sample core.Sample) {
	metrics.RecordSample(sample.Serial, sample.Package, sample.PSSKB, sample.HasPSS)
	s.hookMu.RLock()
	fn := s.onSample
	s.hookMu.RUnlock()
	if fn != nil {
		fn(sample)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// backoff returns exponential backoff delay: 1s, 2s, 4s, 8s, 16s, 30s max.
func backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if failures > 6 {
		return 30 * time.Second
	}
	d := time.Duration(1<<uint(failures-1)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
