package trace

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/modoterra/logkit/pkg/adb"
)

const (
	systraceRemote = "/data/local/tmp/trace.txt"
	perfettoDir    = "/data/misc/perfetto-traces"
	perfettoBufKB  = 8960
)

// Options controls a capture.
type Options struct {
	Duration   time.Duration
	BufferKB   int
	Categories []string
	Output     string
}

func (o Options) withDefaults() Options {
	if o.Duration <= 0 {
		o.Duration = 10 * time.Second
	}
	if o.BufferKB <= 0 {
		o.BufferKB = 8192
	}
	if len(o.Categories) == 0 {
		o.Categories = []string{"gfx"}
	}
	if o.Output == "" {
		o.Output = "trace.txt"
	}
	return o
}

// Capturer records traces on a device and pulls them to the host.
type Capturer struct {
	client *adb.Client
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewCapturer creates a capturer for the client's device.
func NewCapturer(client *adb.Client, logger *slog.Logger) *Capturer {
	return &Capturer{client: client, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Systrace runs an asynchronous atrace session for the configured duration,
// dumps it on the device and pulls it to opts.Output.
func (c *Capturer) Systrace(ctx context.Context, opts Options) (string, error) {
	opts = opts.withDefaults()
	secs := strconv.Itoa(int(opts.Duration.Round(time.Second) / time.Second))

	args := []string{"atrace", "--async_start", "-t", secs, "-b", strconv.Itoa(opts.BufferKB)}
	args = append(args, opts.Categories...)
	if _, err := c.client.Shell(ctx, args...); err != nil {
		return "", fmt.Errorf("atrace start: %w", err)
	}
	c.logger.Info("systrace started", "serial", c.client.Serial, "duration", opts.Duration, "categories", strings.Join(opts.Categories, ","))

	if err := c.sleep(ctx, opts.Duration); err != nil {
		// Leave the device clean when interrupted.
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.client.Shell(stopCtx, "atrace", "--async_stop")
		return "", err
	}

	if _, err := c.client.Shell(ctx, "atrace", "--async_dump", "-o", systraceRemote); err != nil {
		return "", fmt.Errorf("atrace dump: %w", err)
	}
	if err := c.client.Pull(ctx, systraceRemote, opts.Output); err != nil {
		return "", fmt.Errorf("pull trace: %w", err)
	}
	c.logger.Info("systrace saved", "serial", c.client.Serial, "path", opts.Output)
	return opts.Output, nil
}

// PerfettoConfig renders the text-proto capture config.
func PerfettoConfig(d time.Duration) string {
	return fmt.Sprintf(`buffers: {
    size_kb: %d
    fill_policy: RING_BUFFER
}
data_sources: {
    config {
        name: "linux.process_stats"
        target_buffer: 0
    }
}
data_sources: {
    config {
        name: "linux.ftrace"
        ftrace_config {
            ftrace_events: "sched/sched_switch"
            ftrace_events: "sched/sched_wakeup"
            ftrace_events: "power/cpu_frequency"
            ftrace_events: "power/cpu_idle"
        }
    }
}
data_sources: {
    config {
        name: "android.surfaceflinger.framestats"
    }
}
duration_ms: %d
`, perfettoBufKB, d.Milliseconds())
}

// Perfetto records a perfetto trace with the config fed on stdin and
// pulls it to opts.Output. The binary trace is not decoded.
func (c *Capturer) Perfetto(ctx context.Context, opts Options) (string, error) {
	if opts.Output == "" {
		opts.Output = "trace.perfetto-trace"
	}
	opts = opts.withDefaults()
	remote := path.Join(perfettoDir, filepath.Base(opts.Output))

	cfg := PerfettoConfig(opts.Duration)
	c.logger.Info("perfetto started", "serial", c.client.Serial, "duration", opts.Duration)
	if _, err := c.client.ShellInput(ctx, strings.NewReader(cfg), "perfetto", "-c", "-", "--txt", "-o", remote); err != nil {
		return "", fmt.Errorf("perfetto: %w", err)
	}
	if err := c.client.Pull(ctx, remote, opts.Output); err != nil {
		return "", fmt.Errorf("pull trace: %w", err)
	}
	c.logger.Info("perfetto saved", "serial", c.client.Serial, "path", opts.Output)
	return opts.Output, nil
}
