package manifest

import (
	"time"

	"github.com/modoterra/logkit/pkg/highlight"
)

// FileName is the manifest looked up in the working directory.
const FileName = "logkit.yaml"

// Manifest represents a logkit.yaml configuration file.
type Manifest struct {
	Version        int              `yaml:"version"                   json:"version"`
	ADB            string           `yaml:"adb,omitempty"             json:"adb,omitempty"`
	Device         string           `yaml:"device,omitempty"          json:"device,omitempty"`
	Package        string           `yaml:"package"                   json:"package"`
	KeywordsFile   string           `yaml:"keywords_file,omitempty"   json:"keywords_file,omitempty"`
	Keywords       []highlight.Rule `yaml:"keywords,omitempty"        json:"keywords,omitempty"`
	SampleInterval time.Duration    `yaml:"sample_interval,omitempty" json:"sample_interval,omitempty"`
	Trace          Trace            `yaml:"trace"                     json:"trace"`
	Mirror         Mirror           `yaml:"mirror"                    json:"mirror"`
}

// Trace configures systrace and perfetto captures.
type Trace struct {
	Duration   time.Duration `yaml:"duration,omitempty"   json:"duration,omitempty"`
	Categories []string      `yaml:"categories,omitempty" json:"categories,omitempty"`
	BufferKB   int           `yaml:"buffer_kb,omitempty"  json:"buffer_kb,omitempty"`
	Output     string        `yaml:"output,omitempty"     json:"output,omitempty"`
}

// Mirror configures the screen mirroring server.
type Mirror struct {
	Listen string  `yaml:"listen,omitempty" json:"listen,omitempty"`
	Scale  float64 `yaml:"scale,omitempty"  json:"scale,omitempty"`
	FPS    int     `yaml:"fps,omitempty"    json:"fps,omitempty"`
}

// Defaults.
const (
	DefaultPackage        = "com.android.camera"
	DefaultSampleInterval = 5 * time.Second
	DefaultTraceDuration  = 10 * time.Second
	DefaultTraceBufferKB  = 8192
	DefaultTraceOutput    = "trace.txt"
	DefaultMirrorListen   = "127.0.0.1:8089"
	DefaultMirrorScale    = 0.5
	DefaultMirrorFPS      = 10
)

// Default returns a manifest with every default filled in.
func Default() *Manifest {
	m := &Manifest{Version: 1, Package: DefaultPackage}
	m.ApplyDefaults()
	return m
}

// ApplyDefaults fills unset fields.
func (m *Manifest) ApplyDefaults() {
	if m.SampleInterval == 0 {
		m.SampleInterval = DefaultSampleInterval
	}
	if m.Trace.Duration == 0 {
		m.Trace.Duration = DefaultTraceDuration
	}
	if len(m.Trace.Categories) == 0 {
		m.Trace.Categories = []string{"gfx"}
	}
	if m.Trace.BufferKB == 0 {
		m.Trace.BufferKB = DefaultTraceBufferKB
	}
	if m.Trace.Output == "" {
		m.Trace.Output = DefaultTraceOutput
	}
	if m.Mirror.Listen == "" {
		m.Mirror.Listen = DefaultMirrorListen
	}
	if m.Mirror.Scale == 0 {
		m.Mirror.Scale = DefaultMirrorScale
	}
	if m.Mirror.FPS == 0 {
		m.Mirror.FPS = DefaultMirrorFPS
	}
}
