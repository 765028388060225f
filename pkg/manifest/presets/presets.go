// Package presets generates starter logkit.yaml manifests.
package presets

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/modoterra/logkit/pkg/highlight"
	"github.com/modoterra/logkit/pkg/manifest"
)

// Names lists the available presets.
func Names() []string {
	names := make([]string, 0, len(generators))
	for name := range generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var generators = map[string]func(root, pkg string) (*manifest.Manifest, error){
	"camera": GenerateCamera,
	"app":    GenerateApp,
}

// Generate builds the named preset for the project at root.
func Generate(preset, root, pkg string) (*manifest.Manifest, error) {
	gen, ok := generators[preset]
	if !ok {
		return nil, fmt.Errorf("unknown preset: %s (available: %s)", preset, strings.Join(Names(), ", "))
	}
	return gen(root, pkg)
}

// GenerateCamera creates a manifest for the stock camera app.
func GenerateCamera(root, _ string) (*manifest.Manifest, error) {
	m, err := GenerateApp(root, manifest.DefaultPackage)
	if err != nil {
		return nil, err
	}
	m.Trace.Categories = []string{"gfx", "view", "camera"}
	return m, nil
}

// GenerateApp creates a manifest for an arbitrary application id.
func GenerateApp(root, pkg string) (*manifest.Manifest, error) {
	if pkg == "" {
		return nil, fmt.Errorf("app preset requires a package name")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	m := manifest.Default()
	m.Package = pkg
	m.Trace.Output = filepath.Join(absRoot, "trace.txt")

	// Reuse a keyword file sitting next to the manifest.
	for _, name := range []string{"keywords.json", "logkit-keywords.json"} {
		path := filepath.Join(absRoot, name)
		if _, err := os.Stat(path); err == nil {
			if _, err := highlight.Load(path); err != nil {
				return nil, err
			}
			m.KeywordsFile = path
			return m, nil
		}
	}

	m.Keywords = highlight.Default().Keywords
	return m, nil
}
