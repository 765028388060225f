package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/modoterra/logkit/pkg/highlight"
)

func TestParseValidManifest(t *testing.T) {
	yaml := `
version: 1
device: R58M123
package: com.android.camera
keywords:
  - keyword: error
    color: red
  - keyword: CameraService
    color: "#00ffff"
sample_interval: 2s
trace:
  duration: 5s
  categories: [gfx, view, sched]
  buffer_kb: 4096
  output: "${dir}/trace.txt"
mirror:
  listen: 0.0.0.0:9000
  scale: 0.25
  fps: 5
`
	m, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if m.Version != 1 {
		t.Errorf("version: got %d, want 1", m.Version)
	}
	if m.Device != "R58M123" {
		t.Errorf("device: got %q", m.Device)
	}
	if m.SampleInterval != 2*time.Second {
		t.Errorf("sample_interval: got %s", m.SampleInterval)
	}
	if m.Trace.Duration != 5*time.Second || m.Trace.BufferKB != 4096 {
		t.Errorf("trace: got %+v", m.Trace)
	}
	// Check interpolation
	if m.Trace.Output != "./trace.txt" {
		t.Errorf("trace output interpolation: got %q", m.Trace.Output)
	}
	if m.Mirror.FPS != 5 || m.Mirror.Scale != 0.25 {
		t.Errorf("mirror: got %+v", m.Mirror)
	}
	errs := Validate(m)
	if len(errs) != 0 {
		t.Errorf("unexpected validation errors: %v", errs)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	m, err := Parse([]byte("version: 1\npackage: com.example.app\n"))
	if err != nil {
		t.Fatal(err)
	}
	if m.SampleInterval != DefaultSampleInterval {
		t.Errorf("sample_interval: got %s", m.SampleInterval)
	}
	if diff := cmp.Diff([]string{"gfx"}, m.Trace.Categories); diff != "" {
		t.Errorf("categories (-want +got):\n%s", diff)
	}
	if m.Mirror.Listen != DefaultMirrorListen || m.Mirror.FPS != DefaultMirrorFPS {
		t.Errorf("mirror defaults: %+v", m.Mirror)
	}
	if errs := Validate(m); len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("version: 1\npackage: com.example.app\nitems: {}\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseEmptyDocument(t *testing.T) {
	m, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	assertHasError(t, Validate(m), "version must be 1")
}

func TestInterpolationHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	m, err := Parse([]byte("version: 1\npackage: com.example.app\nkeywords_file: ${home}/keywords.json\n"))
	if err != nil {
		t.Fatal(err)
	}
	if m.KeywordsFile != filepath.Join(home, "keywords.json") {
		t.Errorf("keywords_file: got %q", m.KeywordsFile)
	}
}

func TestLoadInterpolatesManifestDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	os.WriteFile(path, []byte("version: 1\npackage: com.example.app\nkeywords_file: ${dir}/kw.json\n"), 0o644)

	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.KeywordsFile != filepath.Join(dir, "kw.json") {
		t.Errorf("keywords_file: got %q", m.KeywordsFile)
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	m, err := LoadOrDefault(filepath.Join(t.TempDir(), FileName))
	if err != nil {
		t.Fatal(err)
	}
	if m.Package != DefaultPackage {
		t.Errorf("package: got %q", m.Package)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	m := Default()
	m.Device = "emulator-5554"
	m.Keywords = []highlight.Rule{{Keyword: "fatal", Color: "magenta"}}

	if err := Save(m, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(m, loaded); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestKeywordsMergeFileThenInline(t *testing.T) {
	dir := t.TempDir()
	kw := filepath.Join(dir, "keywords.json")
	if err := highlight.Save(&highlight.Config{Keywords: []highlight.Rule{{Keyword: "error", Color: "red"}}}, kw); err != nil {
		t.Fatal(err)
	}

	m := Default()
	m.KeywordsFile = kw
	m.Keywords = []highlight.Rule{{Keyword: "anr", Color: "magenta"}}

	rules, err := m.Rules()
	if err != nil {
		t.Fatal(err)
	}
	want := []highlight.Rule{{Keyword: "error", Color: "red"}, {Keyword: "anr", Color: "magenta"}}
	if diff := cmp.Diff(want, rules); diff != "" {
		t.Errorf("keywords (-want +got):\n%s", diff)
	}
}

func TestKeywordsDefault(t *testing.T) {
	rules, err := Default().Rules()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(highlight.Default().Keywords, rules); diff != "" {
		t.Errorf("keywords (-want +got):\n%s", diff)
	}
}

func TestKeywordsMissingFile(t *testing.T) {
	m := Default()
	m.KeywordsFile = filepath.Join(t.TempDir(), "missing.json")
	if _, err := m.Rules(); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateVersionMustBe1(t *testing.T) {
	m := Default()
	m.Version = 2
	assertHasError(t, Validate(m), "version must be 1")
}

func TestValidatePackage(t *testing.T) {
	m := Default()
	m.Package = ""
	assertHasError(t, Validate(m), "package is required")

	m.Package = "not a package"
	assertHasError(t, Validate(m), "not a valid application id")
}

func TestValidateSampleInterval(t *testing.T) {
	m := Default()
	m.SampleInterval = 100 * time.Millisecond
	assertHasError(t, Validate(m), "sample_interval")
}

func TestValidateInlineKeywords(t *testing.T) {
	m := Default()
	m.Keywords = []highlight.Rule{{Keyword: "x", Color: "#zz"}}
	assertHasError(t, Validate(m), "keywords:")
}

func TestValidateMirror(t *testing.T) {
	m := Default()
	m.Mirror.Listen = "nope"
	m.Mirror.Scale = 2
	m.Mirror.FPS = 0
	errs := Validate(m)
	assertHasError(t, errs, "mirror: listen")
	assertHasError(t, errs, "scale must be")
	assertHasError(t, errs, "fps must be")
}

func TestValidateTrace(t *testing.T) {
	m := Default()
	m.Trace.Duration = 0
	m.Trace.BufferKB = -1
	m.Trace.Categories = []string{"gfx", ""}
	errs := Validate(m)
	assertHasError(t, errs, "trace: duration")
	assertHasError(t, errs, "buffer_kb")
	assertHasError(t, errs, "empty category")
}

func assertHasError(t *testing.T, errs []error, substr string) {
	t.Helper()
	for _, e := range errs {
		if strings.Contains(e.Error(), substr) {
			return
		}
	}
	t.Errorf("expected error containing %q, got: %v", substr, errs)
}
