package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"image/jpeg"
	"image/png"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"golang.org/x/sync/errgroup"

	"github.com/modoterra/logkit/pkg/metrics"
)

const (
	streamBoundary = "logkitframe"
	jpegQuality    = 80
	tapLimit       = 10
	tapWindow      = time.Second
	shutdownGrace  = 3 * time.Second
)

// Tapper sends a tap to the device. *adb.Client implements it.
type Tapper interface {
	Tap(ctx context.Context, x, y int) error
}

// Server serves the mirrored screen and accepts taps.
type Server struct {
	capturer *Capturer
	geometry Geometry
	tapper   Tapper
	logger   *slog.Logger
}

// NewServer creates a mirror server.
func NewServer(capturer *Capturer, geometry Geometry, tapper Tapper, logger *slog.Logger) *Server {
	return &Server{capturer: capturer, geometry: geometry, tapper: tapper, logger: logger}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/frame.png", s.handleFrame)
	r.Get("/stream", s.handleStream)
	r.Handle("/metrics", metrics.Handler())

	r.With(httprate.Limit(
		tapLimit,
		tapWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many taps", http.StatusTooManyRequests)
		}),
	)).Post("/tap", s.handleTap)
	return r
}

// Run captures frames and serves HTTP on listen until ctx is cancelled.
func (s *Server) Run(ctx context.Context, listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener, which it closes on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("mirror listening", "addr", ln.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	// Request contexts end with the server so open /stream clients let
	// Shutdown finish.
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error { return s.capturer.Run(ctx) })
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>logkit mirror</title>
<style>body{margin:0;background:#111}img{display:block;cursor:crosshair}</style></head>
<body><img id="screen" src="/stream" width="{{.Width}}" height="{{.Height}}" alt="device screen">
<script>
const img = document.getElementById("screen");
img.addEventListener("click", (e) => {
  const q = new URLSearchParams({x: e.offsetX, y: e.offsetY, w: img.clientWidth, h: img.clientHeight});
  fetch("/tap?" + q, {method: "POST"});
});
</script></body></html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	width, height := s.geometry.Window()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, struct{ Width, Height int }{width, height}); err != nil {
		s.logger.Error("render index", "err", err)
	}
}

func (s *Server) handleFrame(w http.ResponseWriter, _ *http.Request) {
	f, err := s.capturer.Latest()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, f.Image); err != nil {
		s.logger.Debug("write frame", "err", err)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+streamBoundary)
	w.Header().Set("Cache-Control", "no-store")

	var seq uint64
	for {
		f, err := s.capturer.Next(r.Context(), seq)
		if err != nil {
			return
		}
		seq = f.Seq
		if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", streamBoundary); err != nil {
			return
		}
		if err := jpeg.Encode(w, f.Image, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return
		}
		if _, err := fmt.Fprint(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

type tapResponse struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	x, errX := strconv.Atoi(q.Get("x"))
	y, errY := strconv.Atoi(q.Get("y"))
	if errX != nil || errY != nil {
		http.Error(w, "x and y must be integers", http.StatusBadRequest)
		return
	}
	winW, _ := strconv.Atoi(q.Get("w"))
	winH, _ := strconv.Atoi(q.Get("h"))

	dx, dy, err := s.geometry.ToDevice(x, y, winW, winH)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.tapper.Tap(r.Context(), dx, dy); err != nil {
		s.logger.Warn("tap failed", "x", dx, "y", dy, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	metrics.MirrorTapsTotal.Inc()
	s.logger.Debug("tap", "x", dx, "y", dy)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tapResponse{X: dx, Y: dy})
}
