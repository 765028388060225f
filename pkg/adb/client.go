package adb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/modoterra/logkit/pkg/core"
)

var (
	// ErrADBNotFound is returned when the adb executable cannot be located.
	ErrADBNotFound = errors.New("adb not found on PATH")
	// ErrNoDevice is returned when adb reports no matching device.
	ErrNoDevice = errors.New("no device")
)

const defaultPath = "adb"

// Client runs adb commands, optionally pinned to one device serial.
type Client struct {
	Path   string
	Serial string
	Runner Runner
}

// New creates a client for the adb binary at path (empty means "adb" on PATH).
func New(path, serial string) *Client {
	if strings.TrimSpace(path) == "" {
		path = defaultPath
	}
	return &Client{Path: path, Serial: serial, Runner: ExecRunner{}}
}

// WithSerial returns a copy of the client targeting another device.
func (c *Client) WithSerial(serial string) *Client {
	dup := *c
	dup.Serial = serial
	return &dup
}

// LookPath verifies that the adb binary can be executed.
func (c *Client) LookPath() error {
	if _, err := exec.LookPath(c.Path); err != nil {
		return fmt.Errorf("%w: %w", ErrADBNotFound, err)
	}
	return nil
}

func (c *Client) args(args ...string) []string {
	if c.Serial == "" {
		return args
	}
	return append([]string{"-s", c.Serial}, args...)
}

func (c *Client) run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	out, err := c.Runner.Run(ctx, stdin, c.Path, c.args(args...)...)
	if err != nil {
		return out, c.classify(err)
	}
	return out, nil
}

func (c *Client) classify(err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrADBNotFound, err)
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		lower := strings.ToLower(ce.Stderr)
		if strings.Contains(lower, "no devices/emulators found") ||
			(strings.Contains(lower, "device") && strings.Contains(lower, "not found")) {
			return fmt.Errorf("%w: %w", ErrNoDevice, err)
		}
	}
	return err
}

// Devices lists attached devices via `adb devices -l`.
func (c *Client) Devices(ctx context.Context) ([]core.Device, error) {
	// The device list is global; never pin it to a serial.
	out, err := c.Runner.Run(ctx, nil, c.Path, "devices", "-l")
	if err != nil {
		return nil, c.classify(err)
	}
	return ParseDevices(string(out)), nil
}

// Shell runs `adb shell args...` and returns its output.
func (c *Client) Shell(ctx context.Context, args ...string) (string, error) {
	out, err := c.run(ctx, nil, append([]string{"shell"}, args...)...)
	return string(out), err
}

// ShellInput runs `adb shell args...` with stdin attached.
func (c *Client) ShellInput(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	out, err := c.run(ctx, stdin, append([]string{"shell"}, args...)...)
	return string(out), err
}

// ExecOut runs `adb exec-out args...` and returns the raw bytes.
func (c *Client) ExecOut(ctx context.Context, args ...string) ([]byte, error) {
	return c.run(ctx, nil, append([]string{"exec-out"}, args...)...)
}

// Pull copies a file from the device to the host.
func (c *Client) Pull(ctx context.Context, remote, local string) error {
	_, err := c.run(ctx, nil, "pull", remote, local)
	return err
}

// Stream starts a long-running adb command (e.g. logcat).
func (c *Client) Stream(ctx context.Context, args ...string) (io.ReadCloser, func() error, error) {
	rc, wait, err := c.Runner.Start(ctx, c.Path, c.args(args...)...)
	if err != nil {
		return nil, nil, c.classify(err)
	}
	return rc, wait, nil
}

// Tap injects a touch at device coordinates.
func (c *Client) Tap(ctx context.Context, x, y int) error {
	_, err := c.Shell(ctx, "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// ScreenSize returns the display resolution reported by `wm size`.
func (c *Client) ScreenSize(ctx context.Context) (int, int, error) {
	out, err := c.Shell(ctx, "wm", "size")
	if err != nil {
		return 0, 0, err
	}
	return ParseScreenSize(out)
}

// TotalPSS returns the package's total PSS in kilobytes.
func (c *Client) TotalPSS(ctx context.Context, pkg string) (int64, error) {
	out, err := c.Shell(ctx, "dumpsys", "meminfo", pkg)
	if err != nil {
		return 0, err
	}
	kb, ok := ParseTotalPSS(out)
	if !ok {
		return 0, fmt.Errorf("meminfo %s: no TOTAL PSS in output", pkg)
	}
	return kb, nil
}

// PowerUse returns the package's estimated power use in mAh since unplug.
func (c *Client) PowerUse(ctx context.Context, pkg string) (float64, error) {
	out, err := c.Shell(ctx, "dumpsys", "batterystats", "--unplugged")
	if err != nil {
		return 0, err
	}
	mah, ok := ParsePowerUse(out, pkg)
	if !ok {
		return 0, fmt.Errorf("batterystats %s: no power estimate in output", pkg)
	}
	return mah, nil
}
