// Package mirror captures a device screen with screencap and serves it over
// HTTP, forwarding clicks back to the device as taps.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
)

// Used when `wm size` cannot be read.
const (
	DefaultScreenWidth  = 1080
	DefaultScreenHeight = 1920
)

// ScreenSizer reports the device resolution. *adb.Client implements it.
type ScreenSizer interface {
	ScreenSize(ctx context.Context) (int, int, error)
}

// Geometry maps between the scaled view and device pixels.
type Geometry struct {
	ScreenWidth  int
	ScreenHeight int
	Scale        float64
}

// ResolveGeometry asks the device for its size, falling back to
// 1080x1920 when it cannot be determined.
func ResolveGeometry(ctx context.Context, sizer ScreenSizer, scale float64, logger *slog.Logger) Geometry {
	if scale <= 0 || scale > 1 {
		scale = 0.5
	}
	w, h, err := sizer.ScreenSize(ctx)
	if err != nil || w <= 0 || h <= 0 {
		logger.Warn("screen size unavailable, using default", "err", err, "width", DefaultScreenWidth, "height", DefaultScreenHeight)
		w, h = DefaultScreenWidth, DefaultScreenHeight
	}
	return Geometry{ScreenWidth: w, ScreenHeight: h, Scale: scale}
}

// Window returns the size of the scaled view.
func (g Geometry) Window() (int, int) {
	w := int(float64(g.ScreenWidth) * g.Scale)
	h := int(float64(g.ScreenHeight) * g.Scale)
	return max(w, 1), max(h, 1)
}

// ToDevice maps a point in a view of winW x winH pixels to device
// coordinates. A zero view size means the default scaled window.
func (g Geometry) ToDevice(x, y, winW, winH int) (int, int, error) {
	if winW <= 0 || winH <= 0 {
		winW, winH = g.Window()
	}
	if x < 0 || y < 0 || x >= winW || y >= winH {
		return 0, 0, fmt.Errorf("point %d,%d outside %dx%d view", x, y, winW, winH)
	}
	dx := x * g.ScreenWidth / winW
	dy := y * g.ScreenHeight / winH
	return dx, dy, nil
}
