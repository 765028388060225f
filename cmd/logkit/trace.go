package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/modoterra/logkit/pkg/manifest"
	"github.com/modoterra/logkit/pkg/trace"
)

func init() {
	rootCmd.AddCommand(systraceCmd)
	rootCmd.AddCommand(perfettoCmd)
	rootCmd.AddCommand(analyzeCmd)
}

var (
	traceDuration   time.Duration
	traceBufferKB   int
	traceCategories []string
	traceOutput     string
	traceAnalyze    bool
)

// traceOptions starts from the manifest and applies the flags that were set.
func traceOptions(cmd *cobra.Command, m *manifest.Manifest) trace.Options {
	opts := trace.Options{
		Duration:   m.Trace.Duration,
		BufferKB:   m.Trace.BufferKB,
		Categories: m.Trace.Categories,
		Output:     m.Trace.Output,
	}
	flags := cmd.Flags()
	if flags.Changed("duration") {
		opts.Duration = traceDuration
	}
	if flags.Changed("buffer-kb") {
		opts.BufferKB = traceBufferKB
	}
	if flags.Changed("categories") {
		opts.Categories = traceCategories
	}
	if flags.Changed("output") {
		opts.Output = traceOutput
	}
	return opts
}

func addTraceFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVarP(&traceDuration, "duration", "t", 0, "capture duration (default from manifest)")
	cmd.Flags().StringVarP(&traceOutput, "output", "o", "", "local output path (default from manifest)")
}

func runCapture(cmd *cobra.Command, perfetto bool) error {
	m, err := loadManifest()
	if err != nil {
		return err
	}
	opts := traceOptions(cmd, m)
	if perfetto && !cmd.Flags().Changed("output") {
		opts.Output = ""
	}

	ctx, stop := signalContext()
	defer stop()

	client := newADB(m)
	serial, err := resolveSerial(ctx, client)
	if err != nil {
		return err
	}
	capturer := trace.NewCapturer(client.WithSerial(serial), cliLogger())

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "tracing %s for %s...\n", serial, opts.Duration)

	var path string
	if perfetto {
		path, err = capturer.Perfetto(ctx, opts)
	} else {
		path, err = capturer.Systrace(ctx, opts)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "saved %s\n", path)

	if traceAnalyze && !perfetto {
		return analyzeFile(ctx, cmd, path, "", false)
	}
	return nil
}

var systraceCmd = &cobra.Command{
	Use:   "systrace",
	Short: "Capture an atrace/systrace session and pull it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCapture(cmd, false)
	},
}

var perfettoCmd = &cobra.Command{
	Use:   "perfetto",
	Short: "Capture a perfetto trace and pull it",
	Long:  "Records sched, power and SurfaceFlinger frame data with perfetto. The binary trace is pulled as-is; open it in ui.perfetto.dev.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCapture(cmd, true)
	},
}

func init() {
	addTraceFlags(systraceCmd)
	systraceCmd.Flags().IntVarP(&traceBufferKB, "buffer-kb", "b", 0, "atrace buffer size in KB (default from manifest)")
	systraceCmd.Flags().StringSliceVarP(&traceCategories, "categories", "c", nil, "atrace categories (default from manifest)")
	systraceCmd.Flags().BoolVar(&traceAnalyze, "analyze", false, "print an analysis report after pulling")
	addTraceFlags(perfettoCmd)
}

// --- Analyze ---

var (
	analyzeJSON bool
	analyzeDB   string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <trace>",
	Short: "Report jank, CPU load and thread states from a trace",
	Long:  "Accepts systrace HTML, Chrome JSON traces and ftrace text. Events are loaded into SQLite (in memory unless --db is given) and queried.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return analyzeFile(cmd.Context(), cmd, args[0], analyzeDB, analyzeJSON)
	},
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "output as JSON")
	analyzeCmd.Flags().StringVar(&analyzeDB, "db", "", "keep the loaded events in this SQLite file")
}

func analyzeFile(ctx context.Context, cmd *cobra.Command, path, dbPath string, asJSON bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	events, err := trace.ParseFile(path)
	if err != nil {
		return err
	}

	store, err := trace.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.Insert(ctx, events); err != nil {
		return err
	}
	report, err := trace.Analyze(ctx, store)
	if err != nil {
		return err
	}
	if asJSON {
		return report.WriteJSON(cmd.OutOrStdout())
	}
	return report.WriteText(cmd.OutOrStdout())
}
