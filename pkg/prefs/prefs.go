// Package prefs remembers the last device, package and keywords used by the
// logkit UI. Preferences are stored in ~/.config/logkit/prefs.toml.
package prefs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/modoterra/logkit/pkg/highlight"
	"github.com/modoterra/logkit/pkg/manifest"
)

// Prefs holds user preferences for logkit.
type Prefs struct {
	Device   string `toml:"device"`
	Package  string `toml:"package"`
	Keywords string `toml:"keywords"`
	SaveDir  string `toml:"save_dir"`
}

const defaultPrefsPath = "~/.config/logkit/prefs.toml"

// DefaultPath returns the default preferences file path.
func DefaultPath() string {
	return defaultPrefsPath
}

// Defaults returns the preferences used when none are stored.
func Defaults() Prefs {
	return Prefs{
		Package:  manifest.DefaultPackage,
		Keywords: highlight.FormatInline(highlight.Default().Keywords),
		SaveDir:  ".",
	}
}

// Load reads preferences from path (empty means the default path). A
// missing, unreadable or corrupt file yields the defaults.
func Load(path string) (Prefs, error) {
	prefs := Defaults()

	resolved, err := resolvePath(path)
	if err != nil {
		return prefs, nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return prefs, nil // Graceful degradation
	}
	if err := toml.Unmarshal(data, &prefs); err != nil {
		return Defaults(), nil // Graceful degradation
	}

	def := Defaults()
	if strings.TrimSpace(prefs.Package) == "" {
		prefs.Package = def.Package
	}
	if strings.TrimSpace(prefs.Keywords) == "" {
		prefs.Keywords = def.Keywords
	}
	if strings.TrimSpace(prefs.SaveDir) == "" {
		prefs.SaveDir = def.SaveDir
	}
	return prefs, nil
}

// Save writes preferences to path, creating directories as needed.
func Save(path string, p Prefs) error {
	resolved, err := resolvePath(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create prefs dir: %w", err)
	}

	data, err := toml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal prefs: %w", err)
	}
	if err := renameio.WriteFile(resolved, data, 0o644); err != nil {
		return fmt.Errorf("write prefs: %w", err)
	}
	return nil
}

// Rules parses the stored keyword string, falling back to the default set.
func (p Prefs) Rules() []highlight.Rule {
	rules, err := highlight.ParseInline(p.Keywords)
	if err != nil || len(rules) == 0 {
		return highlight.Default().Keywords
	}
	return rules
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultPrefsPath)
	}
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
