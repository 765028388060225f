package model

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/modoterra/logkit/pkg/core"
	"github.com/modoterra/logkit/pkg/monitor"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	stateReady        = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	stateOffline      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	stateUnauthorized = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	stateCapturing    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	sparkStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	activePaneStyle = paneStyle.
			BorderForeground(lipgloss.Color("205"))

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// View renders the TUI.
func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "loading..."
	}

	// Editor overlay
	if a.mode == ModeEditor && a.editor != nil {
		editorView := a.editor.View(a.width - 4)
		return paneStyle.Width(a.width - 4).Height(a.height - 2).Render(editorView)
	}

	statusBarH := 2
	logPaneH := max(a.height/2, 5)
	mainH := a.height - logPaneH - statusBarH - 2
	listW := a.width*2/5 - 2
	detailW := a.width - listW - 4

	list := a.renderList(listW, mainH)
	listPane := a.paneBox(PaneList, " Devices ", list, listW, mainH)

	detail := a.renderDetail(detailW, mainH)
	detailPane := a.paneBox(PaneDetail, " Monitor ", detail, detailW, mainH)

	topRow := lipgloss.JoinHorizontal(lipgloss.Top, listPane, detailPane)

	logs := a.renderLogs(a.width-4, logPaneH)
	logPane := a.paneBox(PaneLogs, a.logTitle(), logs, a.width-4, logPaneH)

	statusBar := a.renderStatusBar()

	return lipgloss.JoinVertical(lipgloss.Left, topRow, logPane, statusBar)
}

func (a App) paneBox(pane Pane, title, content string, w, h int) string {
	style := paneStyle
	if a.activePane == pane {
		style = activePaneStyle
	}
	return style.Width(w).Height(h).Render(
		titleStyle.Render(title) + "\n" + content,
	)
}

func (a App) renderList(w, h int) string {
	if len(a.devices) == 0 {
		return dimStyle.Render("no devices attached")
	}

	var b strings.Builder
	maxVisible := h - 2
	start := 0
	if a.selectedIdx >= maxVisible {
		start = a.selectedIdx - maxVisible + 1
	}

	for i := start; i < len(a.devices) && i-start < maxVisible; i++ {
		dev := a.devices[i]
		indicator := stateIndicator(dev)
		name := truncate(dev.Label(), w-6)
		line := fmt.Sprintf(" %s %-*s", indicator, w-6, name)

		if i == a.selectedIdx {
			line = selectedStyle.Width(w).Render(line)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func (a App) renderDetail(w, h int) string {
	dev := a.selectedDevice()
	if dev == nil {
		return dimStyle.Render("select a device")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Serial:  %s\n", dev.Serial)
	if dev.Model != "" {
		fmt.Fprintf(&b, "Model:   %s\n", dev.Model)
	}
	fmt.Fprintf(&b, "State:   %s\n", colorState(*dev))
	fmt.Fprintf(&b, "Package: %s\n", a.prefs.Package)

	if dev.Serial != a.serial {
		b.WriteString("\n" + dimStyle.Render("enter to start capturing"))
		return b.String()
	}

	sparkW := max(w-10, 10)
	mem := monitor.Memory(a.samples)
	pow := monitor.Power(a.samples)

	b.WriteString("\n")
	if len(mem) > 0 {
		fmt.Fprintf(&b, "Memory:  %s\n", formatKB(int64(mem[len(mem)-1])))
		b.WriteString("         " + sparkStyle.Render(sparkline(mem, sparkW)) + "\n")
	} else {
		b.WriteString("Memory:  " + dimStyle.Render("n/a") + "\n")
	}
	if len(pow) > 0 {
		fmt.Fprintf(&b, "Power:   %.3f mAh\n", pow[len(pow)-1])
		b.WriteString("         " + sparkStyle.Render(sparkline(pow, sparkW)) + "\n")
	} else {
		b.WriteString("Power:   " + dimStyle.Render("n/a") + "\n")
	}
	if n := len(a.samples); n > 0 {
		last := time.UnixMilli(a.samples[n-1].TsUnixMs)
		fmt.Fprintf(&b, "\n%s\n", dimStyle.Render(fmt.Sprintf("%d samples, last %s", n, last.Format("15:04:05"))))
	}
	return b.String()
}

func (a App) renderLogs(w, h int) string {
	lines := a.visibleLines()
	if len(lines) == 0 {
		if a.serial == "" {
			return dimStyle.Render("no capture running")
		}
		return dimStyle.Render("no matching log output")
	}

	rows := h - 1
	if a.mode == ModeSearch {
		rows--
	}
	rendered := make([]string, len(lines))
	for i, l := range lines {
		rendered[i] = a.renderer.ANSI(truncate(l.Raw, w), l.Color)
	}

	vp := viewport.New(w, max(rows, 1))
	vp.SetContent(strings.Join(rendered, "\n"))
	vp.SetYOffset(len(rendered) - vp.Height - a.logScroll)

	out := vp.View()
	if a.mode == ModeSearch {
		out += "\n" + a.search.View()
	}
	return out
}

func (a App) logTitle() string {
	title := " Logs "
	if a.serial != "" {
		title = " Logs: " + a.serial + " "
	}
	if q := a.search.Value(); q != "" {
		title += dimStyle.Render("[/"+q+"]") + " "
	}
	if a.logPaused {
		title += dimStyle.Render("[PAUSED]") + " "
	}
	if a.logScroll > 0 {
		title += dimStyle.Render(fmt.Sprintf("[-%d]", a.logScroll)) + " "
	}
	return title
}

func (a App) renderStatusBar() string {
	left := a.statusMsg
	right := "j/k:nav enter:capture s:stop /:search space:pause e:keywords w:save h:html y:systrace q:quit"
	if a.mode == ModeSearch {
		right = "enter:apply esc:cancel"
	}
	if a.mode == ModeEditor {
		right = "tab:next field enter:apply esc:cancel"
	}

	gap := a.width - lipgloss.Width(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return helpStyle.Render(left + strings.Repeat(" ", gap) + right)
}

func stateIndicator(dev core.Device) string {
	if dev.Capturing {
		return stateCapturing.Render("↻")
	}
	switch dev.State {
	case core.StateDevice:
		return stateReady.Render("●")
	case core.StateOffline:
		return stateOffline.Render("○")
	case core.StateUnauthorized:
		return stateUnauthorized.Render("✖")
	default:
		return dimStyle.Render("?")
	}
}

func colorState(dev core.Device) string {
	s := string(dev.State)
	if dev.Capturing {
		return stateCapturing.Render(s + " (capturing)")
	}
	switch dev.State {
	case core.StateDevice:
		return stateReady.Render(s)
	case core.StateUnauthorized:
		return stateUnauthorized.Render(s)
	default:
		return stateOffline.Render(s)
	}
}

// sparkline draws the last width values scaled between their min and max.
func sparkline(values []float64, width int) string {
	if len(values) == 0 || width <= 0 {
		return ""
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	out := make([]rune, len(values))
	top := len(sparkRunes) - 1
	for i, v := range values {
		idx := 0
		if hi > lo {
			idx = int(math.Round((v - lo) / (hi - lo) * float64(top)))
		}
		out[i] = sparkRunes[idx]
	}
	return string(out)
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func formatKB(kb int64) string {
	switch {
	case kb >= 1024*1024:
		return fmt.Sprintf("%.1f GB", float64(kb)/(1024*1024))
	case kb >= 1024:
		return fmt.Sprintf("%.1f MB", float64(kb)/1024)
	default:
		return fmt.Sprintf("%d KB", kb)
	}
}
