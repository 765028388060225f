package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/modoterra/logkit/pkg/adb"
	"github.com/modoterra/logkit/pkg/adb/adbtest"
	"github.com/modoterra/logkit/pkg/core"
	"github.com/modoterra/logkit/pkg/highlight"
	"github.com/modoterra/logkit/pkg/manifest"
	"github.com/modoterra/logkit/pkg/transport/uds"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestDaemon(t *testing.T) (*Daemon, *adbtest.Runner) {
	t.Helper()
	r := adbtest.New()
	client := adb.New("", "")
	client.Runner = r

	d := New(filepath.Join(t.TempDir(), "logkitd.sock"), client, discardLogger())
	d.supervisor.backoff = func(int) time.Duration { return time.Hour }
	t.Cleanup(d.Shutdown)
	return d, r
}

func makeMsg(t *testing.T, req any) uds.Message {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return uds.Message{Data: data}
}

// startCapture starts a session on R58M123 fed by testLogcat and waits for
// its two matched lines.
func startCapture(t *testing.T, d *Daemon, r *adbtest.Runner) *Session {
	t.Helper()
	r.OnStream("-s R58M123 logcat -v time", testLogcat)

	res, err := d.handleStartCapture(context.Background(), makeMsg(t, uds.CaptureRequest{Serial: "R58M123"}))
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	info := res.(uds.SessionInfo)
	if info.Package != manifest.DefaultPackage {
		t.Errorf("package = %q, want manifest default %q", info.Package, manifest.DefaultPackage)
	}
	sess, ok := d.supervisor.Get("R58M123")
	if !ok {
		t.Fatal("session not registered")
	}
	waitFor(t, "matched lines", func() bool { return sess.LastSeq() == 2 })
	return sess
}

func TestHandlePing(t *testing.T) {
	d, _ := newTestDaemon(t)
	res, err := d.handlePing(context.Background(), uds.Message{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.(uds.PingResponse).Pong {
		t.Error("expected pong")
	}
}

func TestStartCapturePicksOnlyReadyDevice(t *testing.T) {
	d, r := newTestDaemon(t)
	r.On("devices -l", "List of devices attached\nR58M123\tdevice\nemulator-5554\tunauthorized\n")
	r.OnStream("-s R58M123 logcat -v time", "")

	res, err := d.handleStartCapture(context.Background(), makeMsg(t, uds.CaptureRequest{Package: "com.example.app"}))
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	info := res.(uds.SessionInfo)
	if info.Serial != "R58M123" || info.Package != "com.example.app" {
		t.Errorf("unexpected session %+v", info)
	}
	if info.ID == "" {
		t.Error("session ID not set")
	}
}

func TestStartCaptureDeviceSelectionErrors(t *testing.T) {
	tests := []struct {
		name    string
		devices string
		want    string
	}{
		{"none", "List of devices attached\n\n", "no device"},
		{"several", "List of devices attached\nA\tdevice\nB\tdevice\n", "pass a serial"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, r := newTestDaemon(t)
			r.On("devices -l", tt.devices)

			_, err := d.handleStartCapture(context.Background(), makeMsg(t, uds.CaptureRequest{}))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
			if tt.name == "none" && !errors.Is(err, adb.ErrNoDevice) {
				t.Errorf("expected ErrNoDevice, got %v", err)
			}
		})
	}
}

func TestLogsSince(t *testing.T) {
	d, r := newTestDaemon(t)
	startCapture(t, d, r)

	res, err := d.handleLogsSince(context.Background(), makeMsg(t, uds.LogsSinceRequest{Serial: "R58M123", AfterSeq: 1}))
	if err != nil {
		t.Fatalf("LogsSince: %v", err)
	}
	resp := res.(uds.LogsSinceResponse)
	if resp.LastSeq != 2 || len(resp.Lines) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !strings.Contains(resp.Lines[0].Raw, "low light") {
		t.Errorf("unexpected line %q", resp.Lines[0].Raw)
	}

	// An empty serial resolves to the only session.
	res, err = d.handleLogsSince(context.Background(), makeMsg(t, uds.LogsSinceRequest{}))
	if err != nil {
		t.Fatalf("LogsSince without serial: %v", err)
	}
	if got := len(res.(uds.LogsSinceResponse).Lines); got != 2 {
		t.Errorf("got %d lines, want 2", got)
	}
}

func TestLogsSinceUnknownSession(t *testing.T) {
	d, _ := newTestDaemon(t)
	if _, err := d.handleLogsSince(context.Background(), makeMsg(t, uds.LogsSinceRequest{Serial: "nope"})); err == nil {
		t.Error("expected error for unknown session")
	}
	if _, err := d.handleLogsSince(context.Background(), makeMsg(t, uds.LogsSinceRequest{})); err == nil {
		t.Error("expected error with no sessions")
	}
}

func TestSaveLogs(t *testing.T) {
	d, r := newTestDaemon(t)
	startCapture(t, d, r)
	dir := t.TempDir()

	textPath := filepath.Join(dir, "camera.log")
	res, err := d.handleSaveLogs(context.Background(), makeMsg(t, uds.SaveLogsRequest{Serial: "R58M123", Path: textPath}))
	if err != nil {
		t.Fatalf("SaveLogs text: %v", err)
	}
	if got := res.(uds.SaveLogsResponse).Lines; got != 2 {
		t.Errorf("saved %d lines, want 2", got)
	}
	data, err := os.ReadFile(textPath)
	if err != nil {
		t.Fatal(err)
	}
	want := "03-10 11:00:00.000 E/Camera( 100): error opening camera\n" +
		"03-10 11:00:02.000 W/Camera( 100): Warning: low light\n"
	if string(data) != want {
		t.Errorf("text file = %q, want %q", data, want)
	}

	htmlPath := filepath.Join(dir, "camera.html")
	if _, err := d.handleSaveLogs(context.Background(), makeMsg(t, uds.SaveLogsRequest{Path: htmlPath, Format: "html"})); err != nil {
		t.Fatalf("SaveLogs html: %v", err)
	}
	data, err = os.ReadFile(htmlPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `<span style="color:red">`) {
		t.Errorf("html output missing coloured span:\n%s", data)
	}

	if _, err := d.handleSaveLogs(context.Background(), makeMsg(t, uds.SaveLogsRequest{Path: textPath, Format: "pdf"})); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestSetKeywords(t *testing.T) {
	d, _ := newTestDaemon(t)

	res, err := d.handleSetKeywords(context.Background(), makeMsg(t, uds.SetKeywordsRequest{Inline: "fatal:red, anr:#ff8800"}))
	if err != nil {
		t.Fatal(err)
	}
	resp := res.(uds.SetKeywordsResponse)
	if !resp.OK {
		t.Fatalf("expected OK, got errors %v", resp.Errors)
	}
	if r, ok := d.supervisor.Matcher().Match("ANR in com.android.camera"); !ok || r.Color != "#ff8800" {
		t.Errorf("new matcher not applied: %+v %v", r, ok)
	}

	res, _ = d.handleSetKeywords(context.Background(), makeMsg(t, uds.SetKeywordsRequest{Inline: "error:#zz0000"}))
	if res.(uds.SetKeywordsResponse).OK {
		t.Error("invalid colour should be rejected")
	}
	if _, ok := d.supervisor.Matcher().Match("fatal exception"); !ok {
		t.Error("rejected keywords must not replace the active matcher")
	}

	res, _ = d.handleSetKeywords(context.Background(), makeMsg(t, uds.SetKeywordsRequest{}))
	if res.(uds.SetKeywordsResponse).OK {
		t.Error("empty request should be rejected")
	}
}

func TestSetKeywordsSaveTo(t *testing.T) {
	d, _ := newTestDaemon(t)
	path := filepath.Join(t.TempDir(), "keywords.json")

	rules := []highlight.Rule{{Keyword: "crash", Color: "magenta"}}
	res, err := d.handleSetKeywords(context.Background(), makeMsg(t, uds.SetKeywordsRequest{Rules: rules, SaveTo: path}))
	if err != nil || !res.(uds.SetKeywordsResponse).OK {
		t.Fatalf("SetKeywords: %v %+v", err, res)
	}
	cfg, err := highlight.Load(path)
	if err != nil {
		t.Fatalf("Load saved keywords: %v", err)
	}
	if len(cfg.Keywords) != 1 || cfg.Keywords[0] != rules[0] {
		t.Errorf("saved keywords = %+v", cfg.Keywords)
	}
}

func TestSetManifestAppliesKeywords(t *testing.T) {
	d, _ := newTestDaemon(t)
	m := manifest.Default()
	m.Package = "com.example.app"
	m.Keywords = []highlight.Rule{{Keyword: "boom", Color: "red"}}

	if err := d.SetManifest(m); err != nil {
		t.Fatalf("SetManifest: %v", err)
	}
	if d.Manifest().Package != "com.example.app" {
		t.Error("manifest not stored")
	}
	if _, ok := d.supervisor.Matcher().Match("BOOM"); !ok {
		t.Error("manifest keywords not applied")
	}
}

func TestStopCaptureAndListSessions(t *testing.T) {
	d, r := newTestDaemon(t)
	startCapture(t, d, r)

	res, _ := d.handleListSessions(context.Background(), uds.Message{})
	sessions := res.([]uds.SessionInfo)
	if len(sessions) != 1 || sessions[0].Buffered != 2 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	if _, err := d.handleStopCapture(context.Background(), makeMsg(t, uds.CaptureRequest{Serial: "R58M123"})); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	res, _ = d.handleListSessions(context.Background(), uds.Message{})
	if got := len(res.([]uds.SessionInfo)); got != 0 {
		t.Errorf("%d sessions after stop, want 0", got)
	}
}

func TestSamplesEmptyWindow(t *testing.T) {
	d, r := newTestDaemon(t)
	startCapture(t, d, r)

	res, err := d.handleSamples(context.Background(), makeMsg(t, uds.SamplesRequest{Serial: "R58M123"}))
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	resp := res.(uds.SamplesResponse)
	if resp.Package != manifest.DefaultPackage {
		t.Errorf("package = %q", resp.Package)
	}
	// dumpsys is not scripted, so no sample can be recorded.
	if len(resp.Samples) != 0 {
		t.Errorf("expected no samples, got %+v", resp.Samples)
	}
}

func TestSocketRoundTrip(t *testing.T) {
	d, r := newTestDaemon(t)
	r.On("devices -l", "List of devices attached\nR58M123\tdevice model:Pixel_7\n")

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- d.RunNotify(ctx, func() { close(ready) }) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not become ready")
	}

	client, err := uds.Dial(d.server.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	var devices []core.Device
	if err := client.Call(reqCtx, uds.MethodListDevices, nil, &devices); err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].Model != "Pixel_7" || devices[0].Capturing {
		t.Errorf("unexpected devices %+v", devices)
	}

	client.Close()
	cancel()
	d.Shutdown()
	if err := <-errCh; err != nil {
		t.Errorf("Run returned %v", err)
	}
}
