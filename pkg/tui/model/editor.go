package model

import (
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/logkit/pkg/highlight"
)

// EditorField is a named text input in the editor form.
type EditorField struct {
	Label string
	Input textinput.Model
}

const (
	fieldPackage = iota
	fieldKeywords
	fieldSaveDir
)

// EditorModel edits the captured package, the highlight keywords and the
// save directory.
type EditorModel struct {
	fields    []EditorField
	activeIdx int
	err       string
}

// NewKeywordEditor creates an editor pre-filled with the current prefs.
// The keywords field is focused.
func NewKeywordEditor(pkg, keywords, saveDir string) *EditorModel {
	fields := []EditorField{
		newField("package", pkg),
		newField("keywords", keywords),
		newField("save dir", saveDir),
	}
	fields[fieldKeywords].Input.Placeholder = "error:red,warning:yellow"
	fields[fieldKeywords].Input.Focus()
	return &EditorModel{fields: fields, activeIdx: fieldKeywords}
}

func newField(label, value string) EditorField {
	ti := textinput.New()
	ti.Placeholder = label
	ti.SetValue(value)
	ti.CharLimit = 256
	return EditorField{Label: label, Input: ti}
}

func (e *EditorModel) value(idx int) string {
	return strings.TrimSpace(e.fields[idx].Input.Value())
}

// validate checks the keyword field without contacting the daemon.
func (e *EditorModel) validate() error {
	rules, err := highlight.ParseInline(e.value(fieldKeywords))
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return errors.New("at least one keyword is required")
	}
	if errs := highlight.Validate(&highlight.Config{Keywords: rules}); len(errs) > 0 {
		return errors.Join(errs...)
	}
	if e.value(fieldPackage) == "" {
		return errors.New("package is required")
	}
	return nil
}

// HandleKey processes key events in editor mode.
func (e *EditorModel) HandleKey(a App, msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.mode = ModeNormal
		a.editor = nil
		return a, nil

	case "enter":
		if err := e.validate(); err != nil {
			e.err = err.Error()
			return a, nil
		}
		pkgChanged := e.value(fieldPackage) != a.prefs.Package
		a.prefs.Package = e.value(fieldPackage)
		a.prefs.Keywords = e.value(fieldKeywords)
		if dir := e.value(fieldSaveDir); dir != "" {
			a.prefs.SaveDir = dir
		}
		a.mode = ModeNormal
		a.editor = nil

		cmds := []tea.Cmd{savePrefsCmd(a.prefsPath, a.prefs)}
		if a.client != nil {
			cmds = append(cmds, setKeywordsCmd(a.client, a.prefs.Keywords))
			if pkgChanged && a.serial != "" {
				cmds = append(cmds, startCaptureCmd(a.client, a.serial, a.prefs.Package))
			}
		}
		a.statusMsg = "applying keywords..."
		return a, tea.Batch(cmds...)

	case "tab":
		e.fields[e.activeIdx].Input.Blur()
		e.activeIdx = (e.activeIdx + 1) % len(e.fields)
		e.fields[e.activeIdx].Input.Focus()
		return a, textinput.Blink

	case "shift+tab":
		e.fields[e.activeIdx].Input.Blur()
		e.activeIdx = (e.activeIdx - 1 + len(e.fields)) % len(e.fields)
		e.fields[e.activeIdx].Input.Focus()
		return a, textinput.Blink

	default:
		e.err = ""
		var cmd tea.Cmd
		e.fields[e.activeIdx].Input, cmd = e.fields[e.activeIdx].Input.Update(msg)
		return a, cmd
	}
}

// View renders the editor form.
func (e *EditorModel) View(width int) string {
	s := titleStyle.Render(" Keywords ") + "\n\n"
	for i, f := range e.fields {
		prefix := "  "
		if i == e.activeIdx {
			prefix = "▸ "
		}
		s += prefix + dimStyle.Render(f.Label+": ") + f.Input.View() + "\n"
	}
	if e.err != "" {
		s += "\n  " + stateUnauthorized.Render(truncate(e.err, width-4)) + "\n"
	}
	s += "\n" + helpStyle.Render("  tab:next  shift+tab:prev  enter:apply  esc:cancel")
	return s
}
