package logcat

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modoterra/logkit/pkg/adb"
	"github.com/modoterra/logkit/pkg/core"
)

const streamBuffer = 1024

// Streamer streams `adb logcat -v time` from devices.
type Streamer struct {
	client  *adb.Client
	subs    map[string]*subscription
	mu      sync.Mutex
	dropped atomic.Uint64
	now     func() time.Time
	logger  *slog.Logger
}

type subscription struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan core.LogLine
}

// NewStreamer creates a logcat streamer using the given adb client.
func NewStreamer(client *adb.Client, logger *slog.Logger) *Streamer {
	return &Streamer{
		client: client,
		subs:   make(map[string]*subscription),
		now:    time.Now,
		logger: logger,
	}
}

// Dropped returns how many lines were discarded because a consumer lagged.
func (s *Streamer) Dropped() uint64 {
	return s.dropped.Load()
}

// Subscribe starts logcat on the device. A second subscription for the same
// serial returns the existing channel unless that one is shutting down.
func (s *Streamer) Subscribe(ctx context.Context, serial string) (<-chan core.LogLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subs[serial]; ok && sub.ctx.Err() == nil {
		return sub.ch, nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	stdout, wait, err := s.client.WithSerial(serial).Stream(subCtx, "logcat", "-v", "time")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("logcat start: %w", err)
	}

	ch := make(chan core.LogLine, streamBuffer)
	sub := &subscription{ctx: subCtx, cancel: cancel, ch: ch}

	go func() {
		defer cancel()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := ParseLine(scanner.Text(), s.now())
			line.Serial = serial
			select {
			case ch <- line:
			default:
				s.dropped.Add(1)
			}
		}
		stdout.Close()
		if err := wait(); err != nil && subCtx.Err() == nil {
			s.logger.Warn("logcat exited", "serial", serial, "err", err)
		}
		s.mu.Lock()
		if s.subs[serial] == sub {
			delete(s.subs, serial)
		}
		s.mu.Unlock()
		close(ch)
	}()

	s.subs[serial] = sub
	s.logger.Info("subscribed to logcat", "serial", serial)
	return ch, nil
}

// Unsubscribe stops logcat for the given device.
func (s *Streamer) Unsubscribe(serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[serial]
	if !ok {
		return nil
	}
	sub.cancel()
	delete(s.subs, serial)
	return nil
}
