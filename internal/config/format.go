package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// formatOf picks the decoder for a config file: by extension, and by the
// first non-space byte when the extension says nothing.
func formatOf(name string, data []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return "json"
	}
	return "yaml"
}

// toJSON returns data as JSON so one strict decoder serves both formats.
func toJSON(name string, data []byte) ([]byte, string, error) {
	format := formatOf(name, data)
	if format == "json" {
		return data, format, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, format, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		// An empty or comment-only file means "all defaults".
		return []byte("{}"), format, nil
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, format, fmt.Errorf("convert yaml: %w", err)
	}
	return out, format, nil
}

// stringKeys rewrites YAML maps with non-string keys (e.g. `1: x`) so they
// can be marshaled as JSON objects.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
		return t
	}
	return v
}
