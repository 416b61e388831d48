package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoundManifest describes a batch of work items to import as a round.
type RoundManifest struct {
	Name       string   `json:"name" yaml:"name"`
	SourceHint string   `json:"sourceHint" yaml:"sourceHint"`
	Paths      []string `json:"paths" yaml:"paths"`
}

// Validate validates the manifest.
func (m *RoundManifest) Validate() error {
	if len(m.Paths) == 0 {
		return fmt.Errorf("manifest contains no paths")
	}
	return nil
}

// ParseRoundManifest parses a round manifest from JSON, YAML, or a plain
// newline-separated path list. Format is detected from the content: a leading
// '{' means a JSON object, a leading '[' a JSON string array; anything that
// YAML-decodes into a manifest with paths is YAML; everything else is read
// one path per line, '#' lines are comments.
func ParseRoundManifest(data []byte) (*RoundManifest, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("manifest is empty")
	}

	switch trimmed[0] {
	case '{':
		var m RoundManifest
		if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return &m, nil
	case '[':
		var paths []string
		if err := json.Unmarshal([]byte(trimmed), &paths); err != nil {
			return nil, fmt.Errorf("failed to parse manifest JSON array: %w", err)
		}
		m := &RoundManifest{Paths: paths}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil
	}

	var m RoundManifest
	if err := yaml.Unmarshal(data, &m); err == nil && len(m.Paths) > 0 {
		return &m, nil
	}

	// Plain path list fallback.
	var paths []string
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	m = RoundManifest{Paths: paths}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
