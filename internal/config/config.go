// Package config defines the sandbox Configuration record described by
// §3 and loads it from the JSON file format required by §6. The record
// shape mirrors the teacher's typed configuration structs (e.g.
// internal/config's YAML-backed policy structs in the source repo); this
// package targets the JSON encoding the specification requires instead.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ReadPolicy selects how the filesystem read policy is evaluated.
type ReadPolicy string

const (
	DenyOnly  ReadPolicy = "deny_only"
	AllowOnly ReadPolicy = "allow_only"
)

// EnvEntry preserves the original order of environment variable
// assignments, since §4.8 requires env entries to be emitted "in their
// original order" after the fixed proxy variables.
type EnvEntry struct {
	Name  string
	Value string
}

// Network holds the network isolation policy.
type Network struct {
	AllowedDomains     []string `json:"allowed_domains" yaml:"allowed_domains"`
	DeniedDomains      []string `json:"denied_domains" yaml:"denied_domains"`
	AllowedUnixSockets []string `json:"allowed_unix_sockets" yaml:"allowed_unix_sockets"`
	HTTPProxyPort      *int     `json:"http_proxy_port,omitempty" yaml:"http_proxy_port,omitempty"`
	SOCKSProxyPort     *int     `json:"socks_proxy_port,omitempty" yaml:"socks_proxy_port,omitempty"`
}

// Filesystem holds the filesystem isolation policy.
type Filesystem struct {
	ReadPolicy           ReadPolicy `json:"read_policy" yaml:"read_policy"`
	DenyRead             []string   `json:"deny_read" yaml:"deny_read"`
	AllowRead            []string   `json:"allow_read" yaml:"allow_read"`
	DenyWithinAllowRead  []string   `json:"deny_within_allow_read" yaml:"deny_within_allow_read"`
	AllowWrite           []string   `json:"allow_write" yaml:"allow_write"`
	DenyWrite            []string   `json:"deny_write" yaml:"deny_write"`
	DenyWithinAllowWrite []string   `json:"deny_within_allow_write" yaml:"deny_within_allow_write"`
}

// IgnoreViolations lists patterns whose matching violations are still
// counted but suppressed from user-facing reports.
type IgnoreViolations struct {
	Filesystem []string `json:"filesystem" yaml:"filesystem"`
	Network    []string `json:"network" yaml:"network"`
}

// Config is the immutable, validated sandbox configuration record.
type Config struct {
	Network                   Network           `json:"network"`
	Filesystem                Filesystem        `json:"filesystem"`
	Env                       []EnvEntry        `json:"-"`
	PreCommand                string            `json:"pre_command,omitempty"`
	EnableWeakerNestedSandbox bool              `json:"enable_weaker_nested_sandbox"`
	IgnoreViolations          IgnoreViolations  `json:"ignore_violations"`
}

// rawConfig mirrors Config's on-disk JSON shape. Env is decoded specially
// so field order in the source file is preserved, which encoding/json's
// map decoding alone cannot do.
type rawConfig struct {
	Network                   Network          `json:"network"`
	Filesystem                Filesystem       `json:"filesystem"`
	Env                       json.RawMessage  `json:"env,omitempty"`
	PreCommand                string           `json:"pre_command,omitempty"`
	EnableWeakerNestedSandbox bool             `json:"enable_weaker_nested_sandbox"`
	IgnoreViolations          IgnoreViolations `json:"ignore_violations"`
}

// Parse decodes a Configuration from JSON bytes, rejecting unknown
// top-level fields as required by §6.
func Parse(data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var raw rawConfig
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	env, err := decodeOrderedEnv(raw.Env)
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

func decodeOrderedEnv(raw json.RawMessage) ([]EnvEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected an object")
	}
	var entries []EnvEntry
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key")
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		entries = append(entries, EnvEntry{Name: key, Value: value})
	}
	return entries, nil
}

// Equal reports whether two configurations are structurally equal, used
// by the orchestrator to decide whether a re-Initialize call is an
// idempotent no-op or an AlreadyInitializedWithDifferentConfig error.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	a, err1 := json.Marshal(normalizeForCompare(c))
	b, err2 := json.Marshal(normalizeForCompare(other))
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// normalizeForCompare produces a comparable value that also captures Env
// order, which the JSON tag "-" hides from a naive json.Marshal(c) diff.
func normalizeForCompare(c *Config) any {
	return struct {
		Network                   Network
		Filesystem                Filesystem
		Env                       []EnvEntry
		PreCommand                string
		EnableWeakerNestedSandbox bool
		IgnoreViolations          IgnoreViolations
	}{c.Network, c.Filesystem, c.Env, c.PreCommand, c.EnableWeakerNestedSandbox, c.IgnoreViolations}
}
