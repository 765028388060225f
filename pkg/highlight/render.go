package highlight

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/muesli/termenv"
	"golang.org/x/net/html"

	"github.com/modoterra/logkit/pkg/core"
)

var namedColors = map[string]color.Attribute{
	"black":         color.FgBlack,
	"red":           color.FgRed,
	"green":         color.FgGreen,
	"yellow":        color.FgYellow,
	"blue":          color.FgBlue,
	"magenta":       color.FgMagenta,
	"cyan":          color.FgCyan,
	"white":         color.FgWhite,
	"brightblack":   color.FgHiBlack,
	"brightred":     color.FgHiRed,
	"brightgreen":   color.FgHiGreen,
	"brightyellow":  color.FgHiYellow,
	"brightblue":    color.FgHiBlue,
	"brightmagenta": color.FgHiMagenta,
	"brightcyan":    color.FgHiCyan,
	"brightwhite":   color.FgHiWhite,
}

// Names the terminal palette lacks; rendered through their hex value.
var extendedColors = map[string]string{
	"orange": "#FFA500",
	"purple": "#800080",
	"pink":   "#FFC0CB",
	"gray":   "#808080",
	"grey":   "#808080",
	"brown":  "#A52A2A",
}

func lookupNamed(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := namedColors[name]; ok {
		return name, true
	}
	if hex, ok := extendedColors[name]; ok {
		return hex, true
	}
	return "", false
}

// Renderer colours log lines for terminals and HTML exports.
type Renderer struct {
	enabled bool
	styles  *lipgloss.Renderer
}

// NewRenderer creates a renderer. With enabled false ANSI output is plain text.
func NewRenderer(enabled bool) *Renderer {
	styles := lipgloss.NewRenderer(io.Discard)
	styles.SetColorProfile(termenv.TrueColor)
	return &Renderer{enabled: enabled, styles: styles}
}

// AutoRenderer enables colour when stdout is a terminal.
func AutoRenderer() *Renderer {
	return NewRenderer(!color.NoColor)
}

// ANSI wraps text in the escape sequence for c. Named colours use the
// terminal palette; "#hex" and 0-255 use lipgloss. Unknown colours leave
// the text unchanged.
func (r *Renderer) ANSI(text, c string) string {
	if !r.enabled || c == "" {
		return text
	}
	c = strings.TrimSpace(c)
	if attr, ok := namedColors[strings.ToLower(c)]; ok {
		fg := color.New(attr)
		fg.EnableColor()
		return fg.Sprint(text)
	}
	if hex, ok := extendedColors[strings.ToLower(c)]; ok {
		c = hex
	}
	if (strings.HasPrefix(c, "#") && isHex(c)) || isANSI256(c) {
		return r.styles.NewStyle().Foreground(lipgloss.Color(c)).Render(text)
	}
	return text
}

// HTML returns the escaped text inside a coloured span.
func (r *Renderer) HTML(text, c string) string {
	escaped := html.EscapeString(text)
	if checkColor(c) != nil || isANSI256(strings.TrimSpace(c)) {
		return escaped
	}
	return fmt.Sprintf(`<span style="color:%s">%s</span>`, html.EscapeString(strings.TrimSpace(c)), escaped)
}

// Line renders a captured line for the terminal.
func (r *Renderer) Line(line core.LogLine) string {
	return r.ANSI(line.Raw, line.Color)
}

// WriteHTML writes lines as a standalone HTML page.
func (r *Renderer) WriteHTML(w io.Writer, title string, lines []core.LogLine) error {
	if _, err := fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head>\n<body><pre>\n", html.EscapeString(title)); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, r.HTML(line.Raw, line.Color)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "</pre></body></html>\n")
	return err
}
