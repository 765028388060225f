// Package daemon implements logkitd: device polling, supervised logcat
// capture sessions and the socket API used by the TUI and CLI.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modoterra/logkit/internal/buildinfo"
	"github.com/modoterra/logkit/pkg/adb"
	"github.com/modoterra/logkit/pkg/core"
	"github.com/modoterra/logkit/pkg/highlight"
	"github.com/modoterra/logkit/pkg/logcat"
	"github.com/modoterra/logkit/pkg/manifest"
	"github.com/modoterra/logkit/pkg/monitor"
	"github.com/modoterra/logkit/pkg/trace"
	"github.com/modoterra/logkit/pkg/transport/uds"
)

// Daemon is the main logkitd process that owns devices, sessions and transport.
type Daemon struct {
	server     *uds.Server
	client     *adb.Client
	lister     core.DeviceLister
	source     core.LogSource
	supervisor *Supervisor
	renderer   *highlight.Renderer
	manifest   *manifest.Manifest
	devices    map[string]core.Device
	mu         sync.RWMutex
	logger     *slog.Logger
}

// New creates a daemon driving adb through client.
func New(socketPath string, client *adb.Client, logger *slog.Logger) *Daemon {
	source := logcat.NewStreamer(client, logger)
	probes := func(serial string) monitor.Probe { return client.WithSerial(serial) }

	d := &Daemon{
		server:     uds.NewServer(socketPath, logger),
		client:     client,
		lister:     client,
		source:     source,
		supervisor: NewSupervisor(context.Background(), source, probes, logger),
		renderer:   highlight.NewRenderer(true),
		manifest:   manifest.Default(),
		logger:     logger,
	}
	d.supervisor.SetAttached(d.isAttached)
	d.supervisor.OnLine(d.broadcastLine)
	d.supervisor.OnSample(d.broadcastSample)
	d.registerHandlers()
	return d
}

// SetManifest applies a project manifest: default package, sample
// interval and keywords.
func (d *Daemon) SetManifest(m *manifest.Manifest) error {
	rules, err := m.Rules()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.manifest = m
	d.mu.Unlock()

	d.supervisor.SetInterval(m.SampleInterval)
	d.supervisor.SetMatcher(highlight.NewMatcher(rules))
	return nil
}

// Manifest returns the currently applied manifest.
func (d *Daemon) Manifest() *manifest.Manifest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.manifest
}

// Supervisor returns the session supervisor.
func (d *Daemon) Supervisor() *Supervisor {
	return d.supervisor
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	return d.server.Start(ctx)
}

// RunNotify is Run with a callback fired once the socket accepts connections.
func (d *Daemon) RunNotify(ctx context.Context, ready func()) error {
	return d.server.StartNotify(ctx, ready)
}

// WatchKeywords reloads the highlight rules whenever path changes.
func (d *Daemon) WatchKeywords(ctx context.Context, path string) error {
	return highlight.Watch(ctx, path, d.logger, d.supervisor.SetMatcher)
}

// Shutdown stops every session and closes the socket.
func (d *Daemon) Shutdown() {
	d.supervisor.StopAll()
	d.server.Shutdown()
}

// Server returns the underlying UDS server (for broadcasting events).
func (d *Daemon) Server() *uds.Server {
	return d.server
}

// isAttached reports whether serial is ready. Before the first poll every
// device is assumed attached.
func (d *Daemon) isAttached(serial string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.devices == nil {
		return true
	}
	dev, ok := d.devices[serial]
	return ok && dev.Ready()
}

func (d *Daemon) broadcastLine(line core.LogLine) {
	if evt, err := uds.NewEvent(uds.EventLogsLine, line); err == nil {
		d.server.Broadcast(evt)
	}
}

func (d *Daemon) broadcastSample(sample core.Sample) {
	if evt, err := uds.NewEvent(uds.EventSamplesUpdate, sample); err == nil {
		d.server.Broadcast(evt)
	}
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.MethodPing, d.handlePing)
	d.server.Handle(uds.MethodListDevices, d.handleListDevices)
	d.server.Handle(uds.MethodStartCapture, d.handleStartCapture)
	d.server.Handle(uds.MethodStopCapture, d.handleStopCapture)
	d.server.Handle(uds.MethodListSessions, d.handleListSessions)
	d.server.Handle(uds.MethodLogsSince, d.handleLogsSince)
	d.server.Handle(uds.MethodSamples, d.handleSamples)
	d.server.Handle(uds.MethodSetKeywords, d.handleSetKeywords)
	d.server.Handle(uds.MethodSaveLogs, d.handleSaveLogs)
	d.server.Handle(uds.MethodSystrace, d.handleSystrace)
}

func decode(msg uds.Message, v any) error {
	if len(msg.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	return uds.PingResponse{Pong: true, Version: buildinfo.Version}, nil
}

func (d *Daemon) listDevices(ctx context.Context) ([]core.Device, error) {
	devices, err := d.lister.Devices(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		_, devices[i].Capturing = d.supervisor.Get(devices[i].Serial)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Serial < devices[j].Serial })
	return devices, nil
}

func (d *Daemon) handleListDevices(ctx context.Context, _ uds.Message) (any, error) {
	devices, err := d.listDevices(ctx)
	if err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []core.Device{}
	}
	return devices, nil
}

// resolveSerial returns serial, or the only ready device when it is empty.
func (d *Daemon) resolveSerial(ctx context.Context, serial string) (string, error) {
	if serial != "" {
		return serial, nil
	}
	if m := d.Manifest(); m != nil && m.Device != "" {
		return m.Device, nil
	}
	devices, err := d.listDevices(ctx)
	if err != nil {
		return "", err
	}
	var ready []string
	for _, dev := range devices {
		if dev.Ready() {
			ready = append(ready, dev.Serial)
		}
	}
	switch len(ready) {
	case 0:
		return "", adb.ErrNoDevice
	case 1:
		return ready[0], nil
	default:
		return "", fmt.Errorf("%d devices attached, pass a serial", len(ready))
	}
}

// session returns the session for serial, or the only session when serial
// is empty.
func (d *Daemon) session(serial string) (*Session, error) {
	if serial == "" {
		sessions := d.supervisor.List()
		if len(sessions) == 1 {
			return sessions[0], nil
		}
		if len(sessions) == 0 {
			return nil, errors.New("no capture sessions")
		}
		return nil, fmt.Errorf("%d capture sessions, pass a serial", len(sessions))
	}
	sess, ok := d.supervisor.Get(serial)
	if !ok {
		return nil, fmt.Errorf("no capture session for %s", serial)
	}
	return sess, nil
}

func (d *Daemon) handleStartCapture(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.CaptureRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	serial, err := d.resolveSerial(ctx, req.Serial)
	if err != nil {
		return nil, err
	}
	pkg := req.Package
	if pkg == "" {
		pkg = d.Manifest().Package
	}
	sess, err := d.supervisor.Start(serial, pkg)
	if err != nil {
		return nil, err
	}
	return sess.Info(), nil
}

func (d *Daemon) handleStopCapture(_ context.Context, msg uds.Message) (any, error) {
	var req uds.CaptureRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	sess, err := d.session(req.Serial)
	if err != nil {
		return nil, err
	}
	if err := d.supervisor.Stop(sess.Serial); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (d *Daemon) handleListSessions(_ context.Context, _ uds.Message) (any, error) {
	sessions := d.supervisor.List()
	out := make([]uds.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out, nil
}

func (d *Daemon) handleLogsSince(_ context.Context, msg uds.Message) (any, error) {
	var req uds.LogsSinceRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	sess, err := d.session(req.Serial)
	if err != nil {
		return nil, err
	}
	lines := sess.Lines(req.AfterSeq, req.Limit)
	if lines == nil {
		lines = []core.LogLine{}
	}
	return uds.LogsSinceResponse{Lines: lines, LastSeq: sess.LastSeq()}, nil
}

func (d *Daemon) handleSamples(_ context.Context, msg uds.Message) (any, error) {
	var req uds.SamplesRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	sess, err := d.session(req.Serial)
	if err != nil {
		return nil, err
	}
	samples := sess.Samples()
	if samples == nil {
		samples = []core.Sample{}
	}
	return uds.SamplesResponse{Serial: sess.Serial, Package: sess.Package, Samples: samples}, nil
}

func (d *Daemon) handleSetKeywords(_ context.Context, msg uds.Message) (any, error) {
	var req uds.SetKeywordsRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}

	var rules []highlight.Rule
	switch {
	case req.Inline != "":
		parsed, err := highlight.ParseInline(req.Inline)
		if err != nil {
			return uds.SetKeywordsResponse{Errors: []string{err.Error()}}, nil
		}
		rules = parsed
	case req.Path != "":
		cfg, err := highlight.Load(req.Path)
		if err != nil {
			return uds.SetKeywordsResponse{Errors: []string{err.Error()}}, nil
		}
		rules = cfg.Keywords
	case len(req.Rules) > 0:
		rules = req.Rules
	default:
		return uds.SetKeywordsResponse{Errors: []string{"no keywords given"}}, nil
	}

	cfg := &highlight.Config{Keywords: rules}
	if errs := highlight.Validate(cfg); len(errs) > 0 {
		strs := make([]string, len(errs))
		for i, e := range errs {
			strs[i] = e.Error()
		}
		return uds.SetKeywordsResponse{Errors: strs}, nil
	}

	if req.SaveTo != "" {
		if err := highlight.Save(cfg, req.SaveTo); err != nil {
			return uds.SetKeywordsResponse{Errors: []string{err.Error()}}, nil
		}
	}

	m := highlight.NewMatcher(rules)
	d.supervisor.SetMatcher(m)
	return uds.SetKeywordsResponse{OK: true, Rules: m.Rules()}, nil
}

func (d *Daemon) handleSaveLogs(_ context.Context, msg uds.Message) (any, error) {
	var req uds.SaveLogsRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if req.Path == "" {
		return nil, errors.New("path is required")
	}
	sess, err := d.session(req.Serial)
	if err != nil {
		return nil, err
	}
	lines := sess.Snapshot()
	if err := writeLogs(req.Path, req.Format, lines, d.renderer); err != nil {
		return nil, err
	}
	d.logger.Info("logs saved", "serial", sess.Serial, "path", req.Path, "lines", len(lines))
	return uds.SaveLogsResponse{Path: req.Path, Lines: len(lines)}, nil
}

func (d *Daemon) handleSystrace(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.SystraceRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	serial, err := d.resolveSerial(ctx, req.Serial)
	if err != nil {
		return nil, err
	}

	t := d.Manifest().Trace
	opts := trace.Options{
		Duration:   t.Duration,
		BufferKB:   t.BufferKB,
		Categories: t.Categories,
		Output:     t.Output,
	}
	if req.DurationSec > 0 {
		opts.Duration = time.Duration(req.DurationSec) * time.Second
	}
	if req.BufferKB > 0 {
		opts.BufferKB = req.BufferKB
	}
	if len(req.Categories) > 0 {
		opts.Categories = req.Categories
	}
	if req.Output != "" {
		opts.Output = req.Output
	}

	path, err := trace.NewCapturer(d.client.WithSerial(serial), d.logger).Systrace(ctx, opts)
	if err != nil {
		return nil, err
	}
	return uds.SystraceResponse{Path: path}, nil
}
