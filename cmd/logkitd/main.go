package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/modoterra/logkit/internal/buildinfo"
	"github.com/modoterra/logkit/pkg/adb"
	"github.com/modoterra/logkit/pkg/daemon"
	"github.com/modoterra/logkit/pkg/logging"
	"github.com/modoterra/logkit/pkg/manifest"
	"github.com/modoterra/logkit/pkg/metrics"
)

const defaultSocket = "/tmp/logkit.sock"

type options struct {
	socket       string
	manifestPath string
	adbPath      string
	logLevel     string
	logJSON      bool
	metrics      string
}

// newRootCmd builds the daemon command; serve receives the parsed options.
func newRootCmd(serve func(context.Context, options) error) *cobra.Command {
	var o options
	root := &cobra.Command{
		Use:           "logkitd",
		Short:         "LogKit daemon: device sessions, logcat capture and sampling",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), o)
		},
	}
	root.Flags().StringVar(&o.socket, "socket", defaultSocket, "unix socket path")
	root.Flags().StringVar(&o.manifestPath, "manifest", manifest.FileName, "path to logkit.yaml")
	root.Flags().StringVar(&o.adbPath, "adb", "", "adb executable (default from manifest or PATH)")
	root.Flags().StringVar(&o.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.Flags().BoolVar(&o.logJSON, "log-json", false, "log as JSON")
	root.Flags().StringVar(&o.metrics, "metrics-listen", "", "serve Prometheus /metrics on this address (disabled when empty)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "logkitd %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		},
	})
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(func(ctx context.Context, o options) error {
		logger := logging.New(os.Stderr, logging.ParseLevel(o.logLevel), o.logJSON)
		if err := run(ctx, o, logger); err != nil {
			logger.Error("daemon error", "err", err)
			return err
		}
		return nil
	})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "logkitd:", err)
		os.Exit(1)
	}
}

// loadManifest applies the manifest when present; an invalid one is logged
// and the defaults are kept.
func loadManifest(path string, logger *slog.Logger) *manifest.Manifest {
	m, err := manifest.LoadOrDefault(path)
	if err != nil {
		logger.Warn("manifest not loaded", "path", path, "err", err)
		return manifest.Default()
	}
	if errs := manifest.Validate(m); len(errs) > 0 {
		for _, e := range errs {
			logger.Warn("manifest validation", "path", path, "err", e)
		}
		return manifest.Default()
	}
	return m
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	m := loadManifest(opts.manifestPath, logger)

	adbPath := opts.adbPath
	if adbPath == "" {
		adbPath = m.ADB
	}
	client := adb.New(adbPath, "")
	if err := client.LookPath(); err != nil {
		// Devices may appear once adb is installed; the poll loop keeps reporting.
		logger.Warn("adb unavailable", "path", client.Path, "err", err)
	}

	d := daemon.New(opts.socket, client, logger)
	defer d.Shutdown()

	if err := d.SetManifest(m); err != nil {
		logger.Warn("manifest keywords not applied", "err", err)
	} else {
		logger.Info("manifest applied", "path", opts.manifestPath, "package", m.Package)
	}

	g, ctx := errgroup.WithContext(ctx)

	pollLoop := daemon.NewPollLoop(d, daemon.DefaultPollInterval, logger)
	g.Go(func() error {
		pollLoop.Run(ctx)
		return nil
	})

	if m.KeywordsFile != "" {
		g.Go(func() error {
			if err := d.WatchKeywords(ctx, m.KeywordsFile); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("keyword watch stopped", "path", m.KeywordsFile, "err", err)
			}
			return nil
		})
	}

	if opts.metrics != "" {
		g.Go(func() error { return serveMetrics(ctx, opts.metrics, logger) })
	}

	g.Go(func() error {
		logger.Info("starting logkitd", "version", buildinfo.Version, "socket", opts.socket)
		return d.RunNotify(ctx, func() {
			if ok, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
				logger.Warn("sd_notify failed", "err", err)
			} else if ok {
				logger.Debug("notified systemd")
			}
		})
	})

	return g.Wait()
}

// serveMetrics exposes the Prometheus collectors until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
