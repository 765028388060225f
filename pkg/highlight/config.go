// Package highlight loads keyword highlight rules and applies them to log lines.
package highlight

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
)

// Rule maps a keyword to the colour used for lines containing it.
type Rule struct {
	Keyword string `json:"keyword"`
	Color   string `json:"color"`
}

// Config is the keyword highlight document.
type Config struct {
	Keywords []Rule `json:"keywords"`
}

// Default returns the stock rule set.
func Default() *Config {
	return &Config{Keywords: []Rule{
		{Keyword: "error", Color: "red"},
		{Keyword: "warning", Color: "yellow"},
	}}
}

// Parse decodes a keyword document. The rule list keeps the document's
// order, length and text, duplicates included. A missing or non-list
// "keywords", a non-object entry, or a missing or non-string keyword or
// colour rejects the whole document.
func Parse(data []byte) (*Config, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse keywords: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("parse keywords: document is not an object")
	}

	raw, ok := doc["keywords"]
	if !ok {
		return nil, fmt.Errorf("parse keywords: missing \"keywords\"")
	}
	if isNull(raw) || !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		return nil, fmt.Errorf("parse keywords: \"keywords\" must be a list")
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse keywords: %w", err)
	}

	cfg := &Config{Keywords: make([]Rule, 0, len(entries))}
	for i, entry := range entries {
		var fields map[string]json.RawMessage
		if isNull(entry) || json.Unmarshal(entry, &fields) != nil {
			return nil, fmt.Errorf("parse keywords: entry %d is not an object", i)
		}
		keyword, err := stringField(fields, "keyword")
		if err != nil {
			return nil, fmt.Errorf("parse keywords: entry %d: %w", i, err)
		}
		color, err := stringField(fields, "color")
		if err != nil {
			return nil, fmt.Errorf("parse keywords: entry %d: %w", i, err)
		}
		cfg.Keywords = append(cfg.Keywords, Rule{Keyword: keyword, Color: color})
	}
	return cfg, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("missing %q", name)
	}
	var s string
	if isNull(raw) || json.Unmarshal(raw, &s) != nil {
		return "", fmt.Errorf("%q must be a string", name)
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Load reads and parses a keyword file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keywords: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config atomically.
func Save(cfg *Config, path string) error {
	if cfg.Keywords == nil {
		cfg = &Config{Keywords: []Rule{}}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keywords: %w", err)
	}
	data = append(data, '\n')
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write keywords: %w", err)
	}
	return nil
}
