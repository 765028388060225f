package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/time/rate"

	"github.com/modoterra/logkit/pkg/metrics"
)

// DefaultFPS caps how often screencap runs.
const DefaultFPS = 10

// ErrNoFrame is returned before the first successful capture.
var ErrNoFrame = errors.New("no frame captured yet")

// Screencapper runs `adb exec-out`. *adb.Client implements it.
type Screencapper interface {
	ExecOut(ctx context.Context, args ...string) ([]byte, error)
}

// Frame is one decoded, scaled screenshot.
type Frame struct {
	Seq   uint64
	Image image.Image
	At    time.Time
}

// Capturer keeps the latest screenshot of a device.
type Capturer struct {
	src     Screencapper
	limiter *rate.Limiter
	scale   float64
	logger  *slog.Logger

	mu      sync.Mutex
	latest  Frame
	updated chan struct{}
}

// NewCapturer creates a capturer taking at most fps screenshots per second,
// scaled by scale.
func NewCapturer(src Screencapper, fps int, scale float64, logger *slog.Logger) *Capturer {
	if fps <= 0 {
		fps = DefaultFPS
	}
	if scale <= 0 || scale > 1 {
		scale = 0.5
	}
	return &Capturer{
		src:     src,
		limiter: rate.NewLimiter(rate.Limit(fps), 1),
		scale:   scale,
		logger:  logger,
		updated: make(chan struct{}),
	}
}

// Run captures frames until ctx is cancelled. Failed captures are logged
// and retried at the same pace.
func (c *Capturer) Run(ctx context.Context) error {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.CaptureOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("screencap failed", "err", err)
		}
	}
}

// CaptureOnce takes a single screenshot and publishes it.
func (c *Capturer) CaptureOnce(ctx context.Context) error {
	start := time.Now()
	data, err := c.src.ExecOut(ctx, "screencap", "-p")
	if err != nil {
		metrics.RecordFrame(false, time.Since(start).Seconds())
		return fmt.Errorf("screencap: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		metrics.RecordFrame(false, time.Since(start).Seconds())
		return fmt.Errorf("decode screenshot: %w", err)
	}
	scaled := Scale(img, c.scale)
	metrics.RecordFrame(true, time.Since(start).Seconds())

	c.mu.Lock()
	c.latest = Frame{Seq: c.latest.Seq + 1, Image: scaled, At: time.Now()}
	close(c.updated)
	c.updated = make(chan struct{})
	c.mu.Unlock()
	return nil
}

// Latest returns the newest frame.
func (c *Capturer) Latest() (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest.Image == nil {
		return Frame{}, ErrNoFrame
	}
	return c.latest, nil
}

// Next blocks until a frame newer than after is available.
func (c *Capturer) Next(ctx context.Context, after uint64) (Frame, error) {
	for {
		c.mu.Lock()
		f, wait := c.latest, c.updated
		c.mu.Unlock()
		if f.Image != nil && f.Seq > after {
			return f, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Scale resizes img by factor with bilinear interpolation.
func Scale(img image.Image, factor float64) image.Image {
	b := img.Bounds()
	if factor == 1 {
		return img
	}
	w := max(int(float64(b.Dx())*factor), 1)
	h := max(int(float64(b.Dy())*factor), 1)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
