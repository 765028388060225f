// Package service manages the logkitd systemd user service unit.
package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/google/renameio/v2"
)

const (
	unitName   = "logkitd.service"
	binaryName = "logkitd"
)

// UnitContents returns the systemd unit file contents for the given binary path.
// logkitd reports readiness with sd_notify once its socket is listening.
func UnitContents(binaryPath string) string {
	return fmt.Sprintf(`[Unit]
Description=LogKit daemon for Android device logs
Documentation=https://github.com/modoterra/logkit

[Service]
Type=notify
NotifyAccess=main
ExecStart=%s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`, binaryPath)
}

// UnitPath returns the path to the systemd user unit file.
func UnitPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(configDir, "systemd", "user", unitName), nil
}

// Install writes the unit file, reloads systemd, and enables+starts the service.
func Install(ctx context.Context) error {
	binaryPath, err := exec.LookPath(binaryName)
	if err != nil {
		return fmt.Errorf("%s not found in PATH: %w", binaryName, err)
	}
	binaryPath, err = filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("cannot resolve %s path: %w", binaryName, err)
	}

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	if err := renameio.WriteFile(unitPath, []byte(UnitContents(binaryPath)), 0o644); err != nil {
		return fmt.Errorf("cannot write unit file: %w", err)
	}

	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("dbus connect: %w", err)
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("systemd reload: %w", err)
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{unitPath}, false, true); err != nil {
		return fmt.Errorf("enable %s: %w", unitName, err)
	}
	return runJob(ctx, "start", func(ch chan<- string) error {
		_, err := conn.StartUnitContext(ctx, unitName, "replace", ch)
		return err
	})
}

// Uninstall stops+disables the service, removes the unit file, and reloads systemd.
func Uninstall(ctx context.Context) error {
	unitPath, err := UnitPath()
	if err != nil {
		return err
	}

	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("dbus connect: %w", err)
	}
	defer conn.Close()

	// Best-effort stop and disable; ignore errors if not running.
	_ = runJob(ctx, "stop", func(ch chan<- string) error {
		_, err := conn.StopUnitContext(ctx, unitName, "replace", ch)
		return err
	})
	_, _ = conn.DisableUnitFilesContext(ctx, []string{unitName}, false)

	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove unit file: %w", err)
	}
	return conn.ReloadContext(ctx)
}

// Status returns a human-readable status string.
func Status(ctx context.Context, socketPath string) string {
	var lines []string

	// Socket check
	if _, err := os.Stat(socketPath); err == nil {
		lines = append(lines, "socket: active ("+socketPath+")")
	} else {
		lines = append(lines, "socket: inactive ("+socketPath+")")
	}

	// Systemd unit check
	unitPath, err := UnitPath()
	if err == nil {
		if _, statErr := os.Stat(unitPath); statErr == nil {
			lines = append(lines, "systemd user service: "+unitState(ctx))
		} else {
			lines = append(lines, "systemd user service: not installed")
		}
	}

	return strings.Join(lines, "\n")
}

func unitState(ctx context.Context) string {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return "unknown"
	}
	defer conn.Close()

	units, err := conn.ListUnitsByNamesContext(ctx, []string{unitName})
	if err != nil || len(units) == 0 {
		return "unknown"
	}
	state := describeState(units[0].ActiveState, units[0].SubState)

	if units[0].ActiveState == "active" {
		props, err := conn.GetUnitTypePropertiesContext(ctx, unitName, "Service")
		if err == nil {
			if pid, ok := props["MainPID"].(uint32); ok && pid > 0 {
				state += fmt.Sprintf(" (pid %d)", pid)
			}
		}
	}
	return state
}

func describeState(active, sub string) string {
	switch {
	case active == "":
		return "unknown"
	case sub == "" || sub == active:
		return active
	default:
		return active + "/" + sub
	}
}

// runJob starts a systemd job and waits for its result.
func runJob(ctx context.Context, action string, start func(chan<- string) error) error {
	ch := make(chan string, 1)
	if err := start(ch); err != nil {
		return fmt.Errorf("systemd %s %s: %w", action, unitName, err)
	}
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("systemd %s %s: job result %q", action, unitName, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
