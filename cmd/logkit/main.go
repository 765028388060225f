package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/modoterra/logkit/internal/buildinfo"
	"github.com/modoterra/logkit/pkg/adb"
	"github.com/modoterra/logkit/pkg/daemon/service"
	"github.com/modoterra/logkit/pkg/manifest"
	"github.com/modoterra/logkit/pkg/transport/uds"
	tuimodel "github.com/modoterra/logkit/pkg/tui/model"
)

var (
	socketPath   string
	manifestPath string
	adbPath      string
	serialFlag   string
	prefsPath    string

	// adbRunner replaces the exec runner in tests.
	adbRunner adb.Runner
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "logkit",
	Short:         "Android log analysis from the terminal",
	Long:          "LogKit captures logcat from Android devices over adb, highlights keywords, samples memory and power, and records traces.",
	RunE:          runTUI,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/logkit.sock", "daemon socket path")
	rootCmd.PersistentFlags().StringVar(&manifestPath, "manifest", manifest.FileName, "path to logkit.yaml")
	rootCmd.PersistentFlags().StringVar(&adbPath, "adb", "", "adb executable (default from manifest or PATH)")
	rootCmd.PersistentFlags().StringVarP(&serialFlag, "serial", "s", "", "device serial (default from manifest or the only device)")
	rootCmd.Flags().StringVar(&prefsPath, "prefs", "", "preferences file (default ~/.config/logkit/prefs.toml)")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}

// --- Root: TUI ---

func runTUI(_ *cobra.Command, _ []string) error {
	ensureDaemon()
	app := tuimodel.New(socketPath, prefsPath)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func ensureDaemon() {
	if _, err := os.Stat(socketPath); err == nil {
		return
	}
	cmd := exec.Command("logkitd", daemonArgs()...)
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not start logkitd:", err)
		return
	}
	for i := 0; i < 30; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "warning: could not start daemon, continuing anyway")
}

func daemonArgs() []string {
	args := []string{"--socket", socketPath}
	if manifestPath != "" {
		args = append(args, "--manifest", manifestPath)
	}
	if adbPath != "" {
		args = append(args, "--adb", adbPath)
	}
	return args
}

func dialDaemon() (*uds.Client, error) {
	client, err := uds.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon at %s: %w", socketPath, err)
	}
	return client, nil
}

// loadManifest reads --manifest, falling back to the defaults when the file
// does not exist.
func loadManifest() (*manifest.Manifest, error) {
	m, err := manifest.LoadOrDefault(manifestPath)
	if err != nil {
		return nil, err
	}
	if errs := manifest.Validate(m); len(errs) > 0 {
		return nil, fmt.Errorf("%s: %w", manifestPath, errs[0])
	}
	return m, nil
}

// newADB builds a client from the flags, then the manifest.
func newADB(m *manifest.Manifest) *adb.Client {
	path, serial := adbPath, serialFlag
	if path == "" {
		path = m.ADB
	}
	if serial == "" {
		serial = m.Device
	}
	c := adb.New(path, serial)
	if adbRunner != nil {
		c.Runner = adbRunner
	}
	return c
}

// --- Ping ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if daemon is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var pong uds.PingResponse
		if err := client.Call(ctx, uds.MethodPing, nil, &pong); err != nil {
			return err
		}
		if pong.Pong {
			fmt.Fprintf(cmd.OutOrStdout(), "pong ✓ (logkitd %s)\n", pong.Version)
		}
		return nil
	},
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "logkit %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	},
}

// --- Daemon ---

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start daemon in foreground (for debugging)",
	Long:  "Normally the TUI auto-spawns the daemon. Use this to run it manually.",
	RunE: func(_ *cobra.Command, _ []string) error {
		cmd := exec.Command("logkitd", append(daemonArgs(), "--log-level", "debug")...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	},
}

// --- Status ---

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and capture sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		client, err := dialDaemon()
		if err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			fmt.Fprintln(out, service.Status(ctx, socketPath))
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var sessions []uds.SessionInfo
		if err := client.Call(ctx, uds.MethodListSessions, nil, &sessions); err != nil {
			return err
		}

		if statusJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(sessions)
		}

		if len(sessions) == 0 {
			fmt.Fprintln(out, "no capture sessions")
			return nil
		}

		fmt.Fprintf(out, "%-20s %-28s %-9s %-8s %-8s %s\n", "SERIAL", "PACKAGE", "STREAMING", "LINES", "RESTARTS", "STARTED")
		for _, s := range sessions {
			started := time.UnixMilli(s.StartedAtUnixMs).Format(time.TimeOnly)
			fmt.Fprintf(out, "%-20s %-28s %-9t %-8d %-8d %s\n", s.Serial, s.Package, s.Streaming, s.Buffered, s.Restarts, started)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}
