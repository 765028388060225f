package core

import "context"

// DeviceLister enumerates devices attached to the host.
type DeviceLister interface {
	Devices(ctx context.Context) ([]Device, error)
}

// LogSource is the interface for anything that can stream logcat lines.
type LogSource interface {
	// Subscribe starts streaming log lines for the given device serial.
	// The channel is closed when the underlying stream ends.
	Subscribe(ctx context.Context, serial string) (<-chan LogLine, error)
}
