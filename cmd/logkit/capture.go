package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	"github.com/modoterra/logkit/pkg/adb"
	"github.com/modoterra/logkit/pkg/core"
	"github.com/modoterra/logkit/pkg/daemon"
	"github.com/modoterra/logkit/pkg/highlight"
	"github.com/modoterra/logkit/pkg/logcat"
	"github.com/modoterra/logkit/pkg/logging"
	"github.com/modoterra/logkit/pkg/manifest"
	"github.com/modoterra/logkit/pkg/monitor"
)

var logLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(logcatCmd)
	rootCmd.AddCommand(viewCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(keywordsCmd)
}

func cliLogger() *slog.Logger {
	return logging.New(os.Stderr, logging.ParseLevel(logLevel), false)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// resolveSerial returns the client's serial, or the only ready device.
func resolveSerial(ctx context.Context, c *adb.Client) (string, error) {
	if c.Serial != "" {
		return c.Serial, nil
	}
	devices, err := c.Devices(ctx)
	if err != nil {
		return "", err
	}
	var ready []core.Device
	for _, d := range devices {
		if d.Ready() {
			ready = append(ready, d)
		}
	}
	switch len(ready) {
	case 0:
		return "", adb.ErrNoDevice
	case 1:
		return ready[0].Serial, nil
	default:
		return "", fmt.Errorf("%d devices attached, pass --serial", len(ready))
	}
}

// rulesFor returns the inline keywords when given, otherwise the manifest's.
func rulesFor(m *manifest.Manifest, inline string) ([]highlight.Rule, error) {
	if strings.TrimSpace(inline) == "" {
		return m.Rules()
	}
	rules, err := highlight.ParseInline(inline)
	if err != nil {
		return nil, err
	}
	if errs := highlight.Validate(&highlight.Config{Keywords: rules}); len(errs) > 0 {
		return nil, errs[0]
	}
	return rules, nil
}

// lineFilter prints matched lines, or every line with all set.
type lineFilter struct {
	matcher  *highlight.Matcher
	renderer *highlight.Renderer
	all      bool
	out      io.Writer
	limit    int // matched lines kept for export, like the daemon's buffer
	kept     []core.LogLine
}

func (f *lineFilter) handle(line core.LogLine) {
	matched := f.matcher.Apply(&line)
	if matched {
		f.kept = append(f.kept, line)
		// Compact once the slice doubles so appends stay amortised O(1).
		if len(f.kept) >= 2*f.limit {
			f.kept = append([]core.LogLine(nil), f.kept[len(f.kept)-f.limit:]...)
		}
	}
	if matched || f.all {
		fmt.Fprintln(f.out, f.renderer.Line(line))
	}
}

// export writes the matched lines; a .html path gets the HTML export.
func (f *lineFilter) export(path, title string) error {
	if path == "" {
		return nil
	}
	if len(f.kept) > f.limit {
		f.kept = f.kept[len(f.kept)-f.limit:]
	}
	var buf bytes.Buffer
	if strings.EqualFold(filepath.Ext(path), ".html") {
		if err := highlight.NewRenderer(true).WriteHTML(&buf, title, f.kept); err != nil {
			return err
		}
	} else {
		for _, l := range f.kept {
			buf.WriteString(l.Raw + "\n")
		}
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("save logs: %w", err)
	}
	return nil
}

func newLineFilter(cmd *cobra.Command, m *manifest.Manifest, inline string, all bool) (*lineFilter, error) {
	rules, err := rulesFor(m, inline)
	if err != nil {
		return nil, err
	}
	return &lineFilter{
		matcher:  highlight.NewMatcher(rules),
		renderer: highlight.AutoRenderer(),
		all:      all,
		out:      cmd.OutOrStdout(),
		limit:    daemon.DefaultBufferLines,
	}, nil
}

// --- Devices ---

var devicesJSON bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List attached Android devices",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := loadManifest()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		devices, err := newADB(m).Devices(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if devicesJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(devices)
		}
		if len(devices) == 0 {
			fmt.Fprintln(out, "no devices attached")
			return nil
		}
		fmt.Fprintf(out, "%-24s %-14s %s\n", "SERIAL", "STATE", "MODEL")
		for _, d := range devices {
			fmt.Fprintf(out, "%-24s %-14s %s\n", d.Serial, d.State, d.Model)
		}
		return nil
	},
}

func init() {
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "output as JSON")
}

// --- Logcat ---

var (
	logcatKeywords string
	logcatAll      bool
	logcatSave     string
)

var logcatCmd = &cobra.Command{
	Use:   "logcat",
	Short: "Stream highlighted logcat from a device",
	Long:  "Streams `adb logcat -v time` and prints lines containing a keyword in its colour. Ctrl-C stops; --save writes the matched lines on exit.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := loadManifest()
		if err != nil {
			return err
		}
		filter, err := newLineFilter(cmd, m, logcatKeywords, logcatAll)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		client := newADB(m)
		serial, err := resolveSerial(ctx, client)
		if err != nil {
			return err
		}

		streamer := logcat.NewStreamer(client, cliLogger())
		lines, err := streamer.Subscribe(ctx, serial)
		if err != nil {
			return err
		}
		defer streamer.Unsubscribe(serial)

	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case line, ok := <-lines:
				if !ok {
					break loop
				}
				filter.handle(line)
			}
		}
		return filter.export(logcatSave, "logcat "+serial)
	},
}

func init() {
	logcatCmd.Flags().StringVar(&logcatKeywords, "keywords", "", `inline keywords, e.g. "error:red,warning:yellow"`)
	logcatCmd.Flags().BoolVar(&logcatAll, "all", false, "also print lines without a keyword")
	logcatCmd.Flags().StringVar(&logcatSave, "save", "", "write matched lines to this file on exit (.html for HTML)")
}

// --- View ---

var (
	viewKeywords string
	viewAll      bool
	viewLines    int
	viewExport   string
)

var viewCmd = &cobra.Command{
	Use:   "view <file>",
	Short: "Highlight a saved log file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadManifest()
		if err != nil {
			return err
		}
		filter, err := newLineFilter(cmd, m, viewKeywords, viewAll)
		if err != nil {
			return err
		}

		raw, err := logcat.ReadFile(args[0], viewLines)
		if err != nil {
			return err
		}
		if raw == nil {
			if _, err := os.Stat(args[0]); err != nil {
				return fmt.Errorf("open log: %w", err)
			}
		}
		now := time.Now()
		for _, r := range raw {
			filter.handle(logcat.ParseLine(r, now))
		}
		return filter.export(viewExport, filepath.Base(args[0]))
	},
}

func init() {
	viewCmd.Flags().StringVar(&viewKeywords, "keywords", "", "inline keywords (default from manifest)")
	viewCmd.Flags().BoolVar(&viewAll, "all", false, "also print lines without a keyword")
	viewCmd.Flags().IntVarP(&viewLines, "lines", "n", 5000, "read at most the last n lines (0 for all)")
	viewCmd.Flags().StringVar(&viewExport, "export", "", "write matched lines to this file (.html for HTML)")
}

// --- Tail ---

var (
	tailKeywords string
	tailAll      bool
)

var tailCmd = &cobra.Command{
	Use:   "tail <file>",
	Short: "Follow a growing log file with highlighting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadManifest()
		if err != nil {
			return err
		}
		filter, err := newLineFilter(cmd, m, tailKeywords, tailAll)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		lines, err := logcat.Follow(ctx, args[0])
		if err != nil {
			return err
		}
		for raw := range lines {
			filter.handle(logcat.ParseLine(raw, time.Now()))
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().StringVar(&tailKeywords, "keywords", "", "inline keywords (default from manifest)")
	tailCmd.Flags().BoolVar(&tailAll, "all", false, "also print lines without a keyword")
}

// --- Monitor ---

var (
	monitorPackage  string
	monitorInterval time.Duration
	monitorCount    int
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Sample memory and power use of a package",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := loadManifest()
		if err != nil {
			return err
		}
		pkg := monitorPackage
		if pkg == "" {
			pkg = m.Package
		}
		interval := monitorInterval
		if interval <= 0 {
			interval = m.SampleInterval
		}

		ctx, stop := signalContext()
		defer stop()

		client := newADB(m)
		serial, err := resolveSerial(ctx, client)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "sampling %s on %s every %s\n", pkg, serial, interval)
		seen := 0
		sampler := monitor.NewSampler(client.WithSerial(serial), serial, pkg, interval, cliLogger())
		sampler.OnSample(func(s core.Sample) {
			fmt.Fprintln(out, formatSample(s))
			seen++
			if monitorCount > 0 && seen >= monitorCount {
				cancel()
			}
		})
		sampler.Run(ctx)
		return nil
	},
}

func formatSample(s core.Sample) string {
	ts := time.UnixMilli(s.TsUnixMs).Format(time.TimeOnly)
	mem, power := "pss n/a", "power n/a"
	if s.HasPSS {
		mem = fmt.Sprintf("pss %d KB", s.PSSKB)
	}
	if s.HasPower {
		power = fmt.Sprintf("power %+.3f mAh", s.PowerDeltaMAh)
	}
	return fmt.Sprintf("%s  %-16s %s", ts, mem, power)
}

func init() {
	monitorCmd.Flags().StringVarP(&monitorPackage, "package", "p", "", "application id (default from manifest)")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 0, "sample interval (default from manifest)")
	monitorCmd.Flags().IntVar(&monitorCount, "count", 0, "stop after n samples")
}

// --- Keywords ---

var keywordsCmd = &cobra.Command{
	Use:   "keywords",
	Short: "Inspect keyword highlight configs",
}

var keywordsValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a keyword JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := highlight.Load(args[0])
		if err != nil {
			return err
		}
		errs := highlight.Validate(cfg)
		if len(errs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d keywords)\n", args[0], len(cfg.Keywords))
			return nil
		}
		for _, e := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "  • %s\n", e)
		}
		return fmt.Errorf("%s: %d error(s)", args[0], len(errs))
	},
}

var keywordsShowInline bool

var keywordsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the keywords the manifest resolves to",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := loadManifest()
		if err != nil {
			return err
		}
		rules, err := m.Rules()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if keywordsShowInline {
			fmt.Fprintln(out, highlight.FormatInline(rules))
			return nil
		}
		r := highlight.AutoRenderer()
		for _, rule := range rules {
			fmt.Fprintf(out, "%-24s %s\n", r.ANSI(rule.Keyword, rule.Color), rule.Color)
		}
		return nil
	},
}

func init() {
	keywordsShowCmd.Flags().BoolVar(&keywordsShowInline, "inline", false, "print as keyword:color pairs")
	keywordsCmd.AddCommand(keywordsValidateCmd)
	keywordsCmd.AddCommand(keywordsShowCmd)
}
