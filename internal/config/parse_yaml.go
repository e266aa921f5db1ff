package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// rawConfigYAML mirrors rawConfig but for the YAML encoding, matching the
// teacher's split policy files (internal/config's PolicyFiles struct),
// which load the same policy shapes from YAML instead of JSON.
type rawConfigYAML struct {
	Network                   Network          `yaml:"network"`
	Filesystem                Filesystem       `yaml:"filesystem"`
	Env                       yaml.Node        `yaml:"env"`
	PreCommand                string           `yaml:"pre_command"`
	EnableWeakerNestedSandbox bool             `yaml:"enable_weaker_nested_sandbox"`
	IgnoreViolations          IgnoreViolations `yaml:"ignore_violations"`
}

// ParseYAML decodes a Configuration from YAML bytes. It is the settings
// loader's fallback for .yaml/.yml settings files; the env mapping is
// walked through its yaml.Node form rather than a plain map so that entry
// order survives, the same invariant Parse preserves for JSON.
func ParseYAML(data []byte) (*Config, error) {
	var raw rawConfigYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	env, err := decodeOrderedEnvYAML(&raw.Env)
	if err != nil {
		return nil, fmt.Errorf("parse configuration: env: %w", err)
	}

	cfg := &Config{
		Network:                   raw.Network,
		Filesystem:                raw.Filesystem,
		Env:                       env,
		PreCommand:                raw.PreCommand,
		EnableWeakerNestedSandbox: raw.EnableWeakerNestedSandbox,
		IgnoreViolations:          raw.IgnoreViolations,
	}
	if cfg.Filesystem.ReadPolicy == "" {
		cfg.Filesystem.ReadPolicy = DenyOnly
	}
	return cfg, nil
}

// decodeOrderedEnvYAML reads env's mapping node directly: yaml.v3 stores a
// MappingNode's Content as alternating key/value nodes in document order,
// which is what lets this preserve order the way decodeOrderedEnv does by
// walking json.RawMessage tokens.
func decodeOrderedEnvYAML(node *yaml.Node) ([]EnvEntry, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected a mapping")
	}
	var entries []EnvEntry
	for i := 0; i+1 < len(node.Content); i += 2 {
		entries = append(entries, EnvEntry{Name: node.Content[i].Value, Value: node.Content[i+1].Value})
	}
	return entries, nil
}
