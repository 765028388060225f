package daemon

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/modoterra/logkit/pkg/core"
	"github.com/modoterra/logkit/pkg/metrics"
	"github.com/modoterra/logkit/pkg/transport/uds"
)

// DefaultPollInterval is how often adb devices is refreshed.
const DefaultPollInterval = time.Second

// PollLoop refreshes the device list every interval and emits delta events.
type PollLoop struct {
	daemon      *Daemon
	interval    time.Duration
	logger      *slog.Logger
	lastDropped uint64
}

// NewPollLoop creates a poll loop for the given daemon.
func NewPollLoop(d *Daemon, interval time.Duration, logger *slog.Logger) *PollLoop {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollLoop{daemon: d, interval: interval, logger: logger}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
func (pl *PollLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(pl.interval)
	defer ticker.Stop()

	pl.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pl.tick(ctx)
		}
	}
}

func (pl *PollLoop) tick(ctx context.Context) {
	if d, ok := pl.daemon.source.(interface{ Dropped() uint64 }); ok {
		total := d.Dropped()
		metrics.RecordDropped(total - pl.lastDropped)
		pl.lastDropped = total
	}

	devices, err := pl.daemon.lister.Devices(ctx)
	if err != nil {
		if ctx.Err() == nil {
			pl.logger.Error("list devices", "err", err)
		}
		return
	}

	newDevices := make(map[string]core.Device, len(devices))
	ready := 0
	for _, dev := range devices {
		_, dev.Capturing = pl.daemon.supervisor.Get(dev.Serial)
		newDevices[dev.Serial] = dev
		if dev.Ready() {
			ready++
		}
	}
	metrics.DevicesAttached.Set(float64(ready))

	pl.daemon.mu.Lock()
	oldDevices := pl.daemon.devices
	pl.daemon.devices = newDevices
	pl.daemon.mu.Unlock()

	delta := computeDevicesDelta(oldDevices, newDevices)
	if delta.HasChanges() {
		for _, serial := range delta.Removed {
			pl.logger.Info("device detached", "serial", serial)
		}
		for _, dev := range delta.Added {
			pl.logger.Info("device attached", "serial", dev.Serial, "state", dev.State)
		}
		evt, err := uds.NewEvent(uds.EventDevicesDelta, delta)
		if err == nil {
			pl.daemon.Server().Broadcast(evt)
		}
	}
}

func computeDevicesDelta(old, new map[string]core.Device) uds.DevicesDelta {
	var d uds.DevicesDelta

	for serial, dev := range new {
		prev, existed := old[serial]
		if !existed {
			d.Added = append(d.Added, dev)
		} else if prev != dev {
			d.Updated = append(d.Updated, dev)
		}
	}

	for serial := range old {
		if _, exists := new[serial]; !exists {
			d.Removed = append(d.Removed, serial)
		}
	}

	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i].Serial < d.Added[j].Serial })
	sort.Slice(d.Updated, func(i, j int) bool { return d.Updated[i].Serial < d.Updated[j].Serial })
	sort.Strings(d.Removed)
	return d
}
