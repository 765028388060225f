package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/modoterra/logkit/pkg/highlight"
)

// Parse decodes a manifest, interpolates ${home} and ${dir} (the current
// directory) in paths and applies defaults.
func Parse(data []byte) (*Manifest, error) {
	return parse(data, ".")
}

// Load reads a manifest from disk. ${dir} expands to the manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// LoadOrDefault loads the manifest at path, or returns the defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Manifest, error) {
	m, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return m, err
}

func parse(data []byte, dir string) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	vars := map[string]string{"${dir}": dir}
	if home, err := os.UserHomeDir(); err == nil {
		vars["${home}"] = home
	}
	m.ADB = interpolate(m.ADB, vars)
	m.KeywordsFile = interpolate(m.KeywordsFile, vars)
	m.Trace.Output = interpolate(m.Trace.Output, vars)

	m.ApplyDefaults()
	return &m, nil
}

func interpolate(s string, vars map[string]string) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, k, v)
	}
	return s
}

// Save writes the manifest atomically.
func Save(m *Manifest, path string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Rules returns the effective rules: those from keywords_file followed
// by the inline list. With neither set the stock rules apply.
func (m *Manifest) Rules() ([]highlight.Rule, error) {
	var rules []highlight.Rule
	if m.KeywordsFile != "" {
		cfg, err := highlight.Load(m.KeywordsFile)
		if err != nil {
			return nil, err
		}
		rules = append(rules, cfg.Keywords...)
	}
	rules = append(rules, m.Keywords...)
	if m.KeywordsFile == "" && len(rules) == 0 {
		return highlight.Default().Keywords, nil
	}
	return rules, nil
}
