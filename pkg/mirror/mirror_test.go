package mirror

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSizer struct {
	w, h int
	err  error
}

func (f fakeSizer) ScreenSize(context.Context) (int, int, error) { return f.w, f.h, f.err }

type fakeScreen struct {
	data []byte
	err  error
}

func (f fakeScreen) ExecOut(_ context.Context, args ...string) ([]byte, error) {
	if strings.Join(args, " ") != "screencap -p" {
		return nil, errors.New("unexpected command")
	}
	return f.data, f.err
}

type fakeTapper struct {
	mu   sync.Mutex
	taps [][2]int
	err  error
}

func (f *fakeTapper) Tap(_ context.Context, x, y int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taps = append(f.taps, [2]int{x, y})
	return f.err
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestResolveGeometry(t *testing.T) {
	g := ResolveGeometry(context.Background(), fakeSizer{w: 1080, h: 2400}, 0.5, discardLogger())
	if g.ScreenWidth != 1080 || g.ScreenHeight != 2400 {
		t.Errorf("unexpected geometry %+v", g)
	}

	g = ResolveGeometry(context.Background(), fakeSizer{err: errors.New("no wm")}, 0, discardLogger())
	if g.ScreenWidth != DefaultScreenWidth || g.ScreenHeight != DefaultScreenHeight || g.Scale != 0.5 {
		t.Errorf("fallback geometry = %+v", g)
	}
}

func TestToDevice(t *testing.T) {
	g := Geometry{ScreenWidth: 1080, ScreenHeight: 1920, Scale: 0.5}

	tests := []struct {
		name         string
		x, y, ww, wh int
		wantX, wantY int
		wantErr      bool
	}{
		{"default window", 100, 200, 0, 0, 200, 400, false},
		{"origin", 0, 0, 0, 0, 0, 0, false},
		{"resized window", 270, 480, 1080, 1920, 270, 480, false},
		{"quarter window", 135, 240, 270, 480, 540, 960, false},
		{"outside", 540, 10, 0, 0, 0, 0, true},
		{"negative", -1, 10, 0, 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y, err := g.ToDevice(tt.x, tt.y, tt.ww, tt.wh)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (x != tt.wantX || y != tt.wantY) {
				t.Errorf("ToDevice = %d,%d, want %d,%d", x, y, tt.wantX, tt.wantY)
			}
		})
	}
}

func TestScale(t *testing.T) {
	img, err := png.Decode(bytes.NewReader(testPNG(t, 40, 80)))
	if err != nil {
		t.Fatal(err)
	}
	got := Scale(img, 0.5).Bounds()
	if got.Dx() != 20 || got.Dy() != 40 {
		t.Errorf("scaled to %dx%d, want 20x40", got.Dx(), got.Dy())
	}
	if Scale(img, 1) != img {
		t.Error("factor 1 should return the image unchanged")
	}
}

func TestCaptureOnce(t *testing.T) {
	c := NewCapturer(fakeScreen{data: testPNG(t, 40, 80)}, 0, 0.5, discardLogger())
	if _, err := c.Latest(); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("Latest before capture: %v", err)
	}

	if err := c.CaptureOnce(context.Background()); err != nil {
		t.Fatalf("CaptureOnce: %v", err)
	}
	f, err := c.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if f.Seq != 1 || f.Image.Bounds().Dx() != 20 {
		t.Errorf("unexpected frame seq=%d bounds=%v", f.Seq, f.Image.Bounds())
	}

	bad := NewCapturer(fakeScreen{data: []byte("not a png")}, 0, 0.5, discardLogger())
	if err := bad.CaptureOnce(context.Background()); err == nil {
		t.Error("expected decode error")
	}
}

func TestNextWaitsForNewFrame(t *testing.T) {
	c := NewCapturer(fakeScreen{data: testPNG(t, 8, 8)}, 0, 0.5, discardLogger())

	got := make(chan Frame, 1)
	go func() {
		f, err := c.Next(context.Background(), 0)
		if err == nil {
			got <- f
		}
	}()

	time.Sleep(10 * time.Millisecond)
	if err := c.CaptureOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-got:
		if f.Seq != 1 {
			t.Errorf("seq = %d, want 1", f.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after a capture")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Next(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Next with cancelled ctx: %v", err)
	}
}

func newTestServer(t *testing.T, tapper Tapper) (*Server, *Capturer) {
	t.Helper()
	c := NewCapturer(fakeScreen{data: testPNG(t, 40, 80)}, 0, 0.5, discardLogger())
	g := Geometry{ScreenWidth: 1080, ScreenHeight: 1920, Scale: 0.5}
	return NewServer(c, g, tapper, discardLogger()), c
}

func TestFrameEndpoint(t *testing.T) {
	s, c := newTestServer(t, &fakeTapper{})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frame.png", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("before capture: status %d, want 503", rec.Code)
	}

	if err := c.CaptureOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frame.png", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("status %d content-type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode served frame: %v", err)
	}
	if img.Bounds().Dx() != 20 {
		t.Errorf("served width %d, want 20", img.Bounds().Dx())
	}
}

func TestIndexEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeTapper{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `src="/stream"`) || !strings.Contains(body, `width="540"`) {
		t.Errorf("unexpected index page:\n%s", body)
	}
}

func TestTapEndpoint(t *testing.T) {
	tapper := &fakeTapper{}
	s, _ := newTestServer(t, tapper)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tap?x=100&y=200", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if len(tapper.taps) != 1 || tapper.taps[0] != [2]int{200, 400} {
		t.Errorf("taps = %v, want [[200 400]]", tapper.taps)
	}
	if !strings.Contains(rec.Body.String(), `"x":200`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	for _, target := range []string{"/tap?x=a&y=1", "/tap?x=9999&y=1"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", target, rec.Code)
		}
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tap?x=1&y=1", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /tap: status %d, want 405", rec.Code)
	}
}

func TestTapRateLimited(t *testing.T) {
	s, _ := newTestServer(t, &fakeTapper{})
	h := s.Handler()

	limited := false
	for i := 0; i < tapLimit+5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tap?x=1&y=1", nil))
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected a 429 after exceeding the tap limit")
	}
}

func TestTapDeviceError(t *testing.T) {
	s, _ := newTestServer(t, &fakeTapper{err: errors.New("device offline")})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tap?x=1&y=1", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status %d, want 502", rec.Code)
	}
}

func TestStreamWritesJPEGParts(t *testing.T) {
	s, c := newTestServer(t, &fakeTapper{})
	if err := c.CaptureOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Errorf("content-type %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "--"+streamBoundary) || !strings.Contains(body, "image/jpeg") {
		t.Errorf("stream body missing a jpeg part (%d bytes)", len(body))
	}
}

func TestServeStopsWithOpenStream(t *testing.T) {
	s, _ := newTestServer(t, &fakeTapper{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	// Wait for the first part so the handler is blocked on the next frame.
	buf := make([]byte, 64)
	if _, err := io.ReadAtLeast(resp.Body, buf, len(streamBoundary)); err != nil {
		t.Fatalf("read stream: %v", err)
	}

	start := time.Now()
	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
		if d := time.Since(start); d >= shutdownGrace {
			t.Errorf("shutdown took %s", d)
		}
	case <-time.After(2 * shutdownGrace):
		t.Fatal("Serve did not return")
	}
}
