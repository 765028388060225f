// Package metrics exposes logkit's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LinesCapturedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logkit_lines_captured_total",
		Help: "Logcat lines read from devices",
	}, []string{"serial"})

	LinesMatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logkit_lines_matched_total",
		Help: "Logcat lines that matched a highlight keyword",
	}, []string{"serial"})

	LinesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logkit_lines_dropped_total",
		Help: "Logcat lines discarded because a consumer lagged",
	})

	SamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logkit_samples_total",
		Help: "Memory/power samples recorded",
	}, []string{"serial"})

	MemoryPSSKilobytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logkit_memory_pss_kilobytes",
		Help: "Last TOTAL PSS reading of the monitored package",
	}, []string{"serial", "package"})

	SessionRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logkit_session_restarts_total",
		Help: "Times a logcat stream was restarted",
	}, []string{"serial"})

	DevicesAttached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logkit_devices_attached",
		Help: "Devices currently reported by adb",
	})

	MirrorFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logkit_mirror_frames_total",
		Help: "Screen captures by outcome",
	}, []string{"result"})

	MirrorTapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logkit_mirror_taps_total",
		Help: "Taps forwarded to the device",
	})

	MirrorCaptureSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logkit_mirror_capture_seconds",
		Help:    "Duration of one screencap round trip",
		Buckets: []float64{0.02, 0.05, 0.1, 0.2, 0.5, 1, 2},
	})
)

// RecordLine counts a captured line and, if matched, a matched line.
func RecordLine(serial string, matched bool) {
	LinesCapturedTotal.WithLabelValues(serial).Inc()
	if matched {
		LinesMatchedTotal.WithLabelValues(serial).Inc()
	}
}

// RecordDropped adds lines lost to backpressure.
func RecordDropped(n uint64) {
	if n > 0 {
		LinesDroppedTotal.Add(float64(n))
	}
}

// RecordSample counts a sample and updates the PSS gauge.
func RecordSample(serial, pkg string, pssKB int64, hasPSS bool) {
	SamplesTotal.WithLabelValues(serial).Inc()
	if hasPSS {
		MemoryPSSKilobytes.WithLabelValues(serial, pkg).Set(float64(pssKB))
	}
}

// RecordRestart counts a logcat restart.
func RecordRestart(serial string) {
	SessionRestartsTotal.WithLabelValues(serial).Inc()
}

// RecordFrame counts a capture attempt.
func RecordFrame(ok bool, seconds float64) {
	result := "ok"
	if !ok {
		result = "error"
	}
	MirrorFramesTotal.WithLabelValues(result).Inc()
	MirrorCaptureSeconds.Observe(seconds)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
