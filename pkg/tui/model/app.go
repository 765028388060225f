package model

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/logkit/pkg/core"
	"github.com/modoterra/logkit/pkg/highlight"
	"github.com/modoterra/logkit/pkg/monitor"
	"github.com/modoterra/logkit/pkg/prefs"
	"github.com/modoterra/logkit/pkg/transport/uds"
)

// Pane identifies which TUI pane is focused.
type Pane int

const (
	PaneList Pane = iota
	PaneDetail
	PaneLogs
)

// Mode identifies the current interaction mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSearch
	ModeEditor
)

const (
	maxLogLines      = 500
	systraceDuration = 10 * time.Second
)

// App is the root Bubble Tea model.
type App struct {
	// Connection
	client     *uds.Client
	socketPath string
	connected  bool
	events     chan uds.Message

	// Preferences
	prefs     prefs.Prefs
	prefsPath string

	// State
	devices     []core.Device
	selectedIdx int
	serial      string // device being captured
	sessionID   string
	lastSeq     uint64
	logLines    []core.LogLine
	logPaused   bool
	logScroll   int // lines scrolled up from the tail
	samples     []core.Sample
	tracing     bool

	// UI
	activePane Pane
	mode       Mode
	search     textinput.Model
	renderer   *highlight.Renderer
	width      int
	height     int

	// Editor
	editor *EditorModel

	// Error display
	statusMsg string
}

// New creates a new TUI app model. prefsPath may be empty for the default
// location.
func New(socketPath, prefsPath string) App {
	si := textinput.New()
	si.Placeholder = "filter logs..."
	si.CharLimit = 64

	p, _ := prefs.Load(prefsPath)

	return App{
		socketPath: socketPath,
		prefs:      p,
		prefsPath:  prefsPath,
		search:     si,
		renderer:   highlight.NewRenderer(true),
		activePane: PaneList,
		mode:       ModeNormal,
	}
}

// Init connects to the daemon.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(a.socketPath),
		tea.SetWindowTitle("LogKit"),
	)
}

// tickMsg triggers periodic refresh.
type tickMsg time.Time

// connectedMsg indicates successful daemon connection.
type connectedMsg struct {
	client *uds.Client
	events chan uds.Message
}

// devicesMsg carries the device list from the daemon.
type devicesMsg struct{ devices []core.Device }

// captureMsg reports a started capture session.
type captureMsg struct{ info uds.SessionInfo }

// stoppedMsg reports a stopped capture.
type stoppedMsg struct{ serial string }

// logsMsg carries buffered lines fetched with LogsSince.
type logsMsg struct {
	serial string
	lines  []core.LogLine
}

// samplesMsg carries the sample window of the captured package.
type samplesMsg struct {
	serial  string
	samples []core.Sample
}

// eventMsg carries a server-pushed event.
type eventMsg uds.Message

// errorMsg carries an error to display.
type errorMsg struct{ err error }

// resultMsg carries a one-line result for the status bar.
type resultMsg struct{ msg string }

// keywordsResultMsg carries the outcome of SetKeywords.
type keywordsResultMsg struct {
	ok     bool
	errors []string
	rules  []highlight.Rule
}

// traceDoneMsg reports a finished systrace.
type traceDoneMsg struct {
	path string
	err  error
}

func connectCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := uds.Dial(socketPath)
		if err != nil {
			return errorMsg{err}
		}
		events := make(chan uds.Message, 256)
		client.OnEvent(func(m uds.Message) {
			select {
			case events <- m:
			default:
			}
		})
		return connectedMsg{client: client, events: events}
	}
}

func waitEventCmd(events <-chan uds.Message) tea.Cmd {
	return func() tea.Msg {
		m, ok := <-events
		if !ok {
			return nil
		}
		return eventMsg(m)
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func call(client *uds.Client, timeout time.Duration, method string, req, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return client.Call(ctx, method, req, out)
}

func fetchDevicesCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		var devices []core.Device
		if err := call(client, 2*time.Second, uds.MethodListDevices, nil, &devices); err != nil {
			return errorMsg{err}
		}
		return devicesMsg{devices}
	}
}

func startCaptureCmd(client *uds.Client, serial, pkg string) tea.Cmd {
	return func() tea.Msg {
		var info uds.SessionInfo
		if err := call(client, 5*time.Second, uds.MethodStartCapture, uds.CaptureRequest{Serial: serial, Package: pkg}, &info); err != nil {
			return errorMsg{err}
		}
		return captureMsg{info}
	}
}

func stopCaptureCmd(client *uds.Client, serial string) tea.Cmd {
	return func() tea.Msg {
		if err := call(client, 5*time.Second, uds.MethodStopCapture, uds.CaptureRequest{Serial: serial}, nil); err != nil {
			return errorMsg{err}
		}
		return stoppedMsg{serial}
	}
}

func fetchLogsCmd(client *uds.Client, serial string, after uint64) tea.Cmd {
	return func() tea.Msg {
		var resp uds.LogsSinceResponse
		req := uds.LogsSinceRequest{Serial: serial, AfterSeq: after, Limit: maxLogLines}
		if err := call(client, 2*time.Second, uds.MethodLogsSince, req, &resp); err != nil {
			return errorMsg{err}
		}
		return logsMsg{serial: serial, lines: resp.Lines}
	}
}

func fetchSamplesCmd(client *uds.Client, serial string) tea.Cmd {
	return func() tea.Msg {
		var resp uds.SamplesResponse
		if err := call(client, 2*time.Second, uds.MethodSamples, uds.SamplesRequest{Serial: serial}, &resp); err != nil {
			return errorMsg{err}
		}
		return samplesMsg{serial: serial, samples: resp.Samples}
	}
}

func setKeywordsCmd(client *uds.Client, inline string) tea.Cmd {
	return func() tea.Msg {
		var resp uds.SetKeywordsResponse
		if err := call(client, 2*time.Second, uds.MethodSetKeywords, uds.SetKeywordsRequest{Inline: inline}, &resp); err != nil {
			return errorMsg{err}
		}
		return keywordsResultMsg{ok: resp.OK, errors: resp.Errors, rules: resp.Rules}
	}
}

func saveLogsCmd(client *uds.Client, serial, path, format string) tea.Cmd {
	return func() tea.Msg {
		var resp uds.SaveLogsResponse
		req := uds.SaveLogsRequest{Serial: serial, Path: path, Format: format}
		if err := call(client, 5*time.Second, uds.MethodSaveLogs, req, &resp); err != nil {
			return errorMsg{err}
		}
		return resultMsg{fmt.Sprintf("saved %d lines to %s", resp.Lines, resp.Path)}
	}
}

// systraceCmd runs a capture on the shared connection; the daemon keeps
// answering log and sample polls while it records.
func systraceCmd(client *uds.Client, serial string) tea.Cmd {
	return func() tea.Msg {
		var resp uds.SystraceResponse
		req := uds.SystraceRequest{Serial: serial, DurationSec: int(systraceDuration / time.Second)}
		if err := call(client, systraceDuration+30*time.Second, uds.MethodSystrace, req, &resp); err != nil {
			return traceDoneMsg{err: err}
		}
		return traceDoneMsg{path: resp.Path}
	}
}

func savePrefsCmd(path string, p prefs.Prefs) tea.Cmd {
	return func() tea.Msg {
		if err := prefs.Save(path, p); err != nil {
			return errorMsg{fmt.Errorf("save prefs: %w", err)}
		}
		return nil
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case connectedMsg:
		a.client = msg.client
		a.events = msg.events
		a.connected = true
		a.statusMsg = "connected"
		cmds := []tea.Cmd{tickCmd(), fetchDevicesCmd(a.client), waitEventCmd(a.events)}
		if a.prefs.Keywords != "" {
			cmds = append(cmds, setKeywordsCmd(a.client, a.prefs.Keywords))
		}
		return a, tea.Batch(cmds...)

	case tickMsg:
		if a.client == nil {
			return a, tickCmd()
		}
		cmds := []tea.Cmd{tickCmd(), fetchDevicesCmd(a.client)}
		if a.serial != "" {
			cmds = append(cmds, fetchLogsCmd(a.client, a.serial, a.lastSeq), fetchSamplesCmd(a.client, a.serial))
		}
		return a, tea.Batch(cmds...)

	case devicesMsg:
		a.devices = msg.devices
		if a.selectedIdx >= len(a.devices) {
			a.selectedIdx = max(0, len(a.devices)-1)
		}
		return a, nil

	case eventMsg:
		a = a.applyEvent(uds.Message(msg))
		return a, waitEventCmd(a.events)

	case captureMsg:
		// A new session numbers its lines from 1 again.
		if a.serial != msg.info.Serial || a.sessionID != msg.info.ID {
			a.logLines = nil
			a.samples = nil
			a.lastSeq = 0
			a.logScroll = 0
		}
		a.serial = msg.info.Serial
		a.sessionID = msg.info.ID
		a.statusMsg = "capturing " + msg.info.Package + " on " + msg.info.Serial
		a.prefs.Device = msg.info.Serial
		a.prefs.Package = msg.info.Package
		return a, tea.Batch(
			fetchLogsCmd(a.client, a.serial, a.lastSeq),
			savePrefsCmd(a.prefsPath, a.prefs),
		)

	case stoppedMsg:
		if a.serial == msg.serial {
			a.serial = ""
			a.sessionID = ""
		}
		a.statusMsg = "stopped " + msg.serial
		return a, nil

	case logsMsg:
		if msg.serial == a.serial {
			a = a.appendLines(msg.lines...)
		}
		return a, nil

	case samplesMsg:
		if msg.serial == a.serial {
			a.samples = msg.samples
		}
		return a, nil

	case keywordsResultMsg:
		if msg.ok {
			a.statusMsg = fmt.Sprintf("keywords applied (%d rules)", len(msg.rules))
		} else {
			a.statusMsg = "error: " + strings.Join(msg.errors, "; ")
		}
		return a, nil

	case traceDoneMsg:
		a.tracing = false
		if msg.err != nil {
			a.statusMsg = "systrace failed: " + msg.err.Error()
		} else {
			a.statusMsg = "systrace saved to " + msg.path
		}
		return a, nil

	case resultMsg:
		a.statusMsg = msg.msg
		return a, nil

	case errorMsg:
		a.statusMsg = "error: " + msg.err.Error()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

// applyEvent folds a pushed event into the model.
func (a App) applyEvent(m uds.Message) App {
	switch m.Method {
	case uds.EventLogsLine:
		var line core.LogLine
		if err := m.UnmarshalData(&line); err == nil && line.Serial == a.serial {
			a = a.appendLines(line)
		}
	case uds.EventSamplesUpdate:
		var s core.Sample
		if err := m.UnmarshalData(&s); err == nil && s.Serial == a.serial {
			a.samples = append(a.samples, s)
			if len(a.samples) > monitor.DefaultWindow {
				a.samples = a.samples[len(a.samples)-monitor.DefaultWindow:]
			}
		}
	case uds.EventDevicesDelta:
		var d uds.DevicesDelta
		if err := m.UnmarshalData(&d); err == nil {
			for _, serial := range d.Removed {
				if serial == a.serial {
					a.statusMsg = "device " + serial + " detached"
				}
			}
		}
	}
	return a
}

// appendLines adds lines newer than lastSeq. Pushed and polled lines may
// overlap; Seq makes the merge idempotent.
func (a App) appendLines(lines ...core.LogLine) App {
	for _, l := range lines {
		if l.Seq <= a.lastSeq {
			continue
		}
		a.lastSeq = l.Seq
		if a.logPaused {
			continue
		}
		a.logLines = append(a.logLines, l)
	}
	if len(a.logLines) > maxLogLines {
		a.logLines = a.logLines[len(a.logLines)-maxLogLines:]
	}
	return a
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Search mode
	if a.mode == ModeSearch {
		switch msg.String() {
		case "esc":
			a.mode = ModeNormal
			a.search.SetValue("")
			a.search.Blur()
			return a, nil
		case "enter":
			a.mode = ModeNormal
			a.search.Blur()
			return a, nil
		default:
			var cmd tea.Cmd
			a.search, cmd = a.search.Update(msg)
			return a, cmd
		}
	}

	// Editor mode
	if a.mode == ModeEditor && a.editor != nil {
		return a.editor.HandleKey(a, msg)
	}

	// Normal mode
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "j", "down":
		switch {
		case a.activePane == PaneLogs:
			a.logScroll = max(0, a.logScroll-1)
		case a.activePane == PaneList && len(a.devices) > 0:
			a.selectedIdx = min(a.selectedIdx+1, len(a.devices)-1)
		}
	case "k", "up":
		switch {
		case a.activePane == PaneLogs:
			a.logScroll = min(a.logScroll+1, max(0, len(a.visibleLines())-1))
		case a.activePane == PaneList && a.selectedIdx > 0:
			a.selectedIdx--
		}
	case "G", "end":
		a.logScroll = 0

	case "tab":
		a.activePane = (a.activePane + 1) % 3

	case "/":
		a.mode = ModeSearch
		a.search.Focus()
		return a, textinput.Blink

	case "enter", "c":
		dev := a.selectedDevice()
		if a.client == nil || dev == nil {
			return a, nil
		}
		if !dev.Ready() {
			a.statusMsg = dev.Serial + " is " + string(dev.State)
			return a, nil
		}
		a.statusMsg = "starting capture on " + dev.Serial + "..."
		return a, startCaptureCmd(a.client, dev.Serial, a.prefs.Package)

	case "s":
		if a.client == nil || a.serial == "" {
			return a, nil
		}
		return a, stopCaptureCmd(a.client, a.serial)

	case "l":
		a.activePane = PaneLogs

	case " ":
		a.logPaused = !a.logPaused

	case "e":
		a.editor = NewKeywordEditor(a.prefs.Package, a.prefs.Keywords, a.prefs.SaveDir)
		a.mode = ModeEditor
		return a, textinput.Blink

	case "w", "h":
		if a.client == nil || a.serial == "" {
			a.statusMsg = "nothing captured yet"
			return a, nil
		}
		format, ext := "text", ".log"
		if msg.String() == "h" {
			format, ext = "html", ".html"
		}
		name := fmt.Sprintf("logkit-%s-%s%s", safeName(a.serial), time.Now().Format("20060102-150405"), ext)
		return a, saveLogsCmd(a.client, a.serial, filepath.Join(a.prefs.SaveDir, name), format)

	case "y":
		dev := a.selectedDevice()
		if a.client == nil || a.tracing || dev == nil || !dev.Ready() {
			return a, nil
		}
		a.tracing = true
		a.statusMsg = fmt.Sprintf("systrace running for %s on %s...", systraceDuration, dev.Serial)
		return a, systraceCmd(a.client, dev.Serial)
	}

	return a, nil
}

func (a App) selectedDevice() *core.Device {
	if a.selectedIdx < len(a.devices) {
		return &a.devices[a.selectedIdx]
	}
	return nil
}

// visibleLines applies the search filter to the log pane.
func (a App) visibleLines() []core.LogLine {
	q := strings.ToLower(a.search.Value())
	if q == "" {
		return a.logLines
	}
	var filtered []core.LogLine
	for _, l := range a.logLines {
		if strings.Contains(strings.ToLower(l.Raw), q) {
			filtered = append(filtered, l)
		}
	}
	return filtered
}

func safeName(serial string) string {
	return strings.NewReplacer(":", "_", "/", "_", ".", "_").Replace(serial)
}
