// Package config loads and normalizes the devloop manifest: the process
// table plus the optional settings and reuse-daemon toggle (spec.md §6).
package config

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/devloop-run/devloop/internal/model"
)

// Manifest is the raw, deserialized manifest document.
type Manifest struct {
	Processes map[string]model.ProcessConfig `yaml:"processes"`
	Settings  Settings                       `yaml:"settings"`
	Reuse     ReuseValue                     `yaml:"reuse"`
}

// ReuseValue models the manifest's `reuse: bool | string` field: either a
// plain on/off toggle, or a string naming an explicit session identity seed.
type ReuseValue struct {
	Enabled bool
	Seed    string
}

func (r *ReuseValue) UnmarshalYAML(node *yaml.Node) error {
	var asBool bool
	if err := node.Decode(&asBool); err == nil {
		r.Enabled = asBool
		r.Seed = ""
		return nil
	}
	var asString string
	if err := node.Decode(&asString); err != nil {
		return fmt.Errorf("reuse: must be a bool or a string, got %s", node.Tag)
	}
	r.Enabled = asString != ""
	r.Seed = asString
	return nil
}

const (
	DefaultRestartPolicy = model.RestartAlways
	DefaultMaxRestarts   = 5
)

// Load parses and normalizes a manifest from r. Every ProcessConfig gets its
// Name field populated from its map key and its optional fields defaulted.
func Load(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(false)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Processes == nil {
		m.Processes = make(map[string]model.ProcessConfig)
	}
	if err := m.Settings.Normalize(); err != nil {
		return nil, fmt.Errorf("manifest settings: %w", err)
	}
	for name, cfg := range m.Processes {
		cfg.Name = name
		if cfg.RestartPolicy == "" {
			cfg.RestartPolicy = DefaultRestartPolicy
		}
		if cfg.MaxRestarts == 0 {
			cfg.MaxRestarts = DefaultMaxRestarts
		}
		m.Processes[name] = cfg
	}
	return &m, nil
}

// Resolved converts every ProcessConfig into a ResolvedProcessConfig,
// absolutizing cwd and envFile against configDir, normalizing DependsOn to a
// non-nil slice, and rejecting any envFile that resolves outside configDir
// (spec.md §7: ConfigurationError is fatal at load).
func (m *Manifest) Resolved(configDir string) (map[string]model.ResolvedProcessConfig, error) {
	out := make(map[string]model.ResolvedProcessConfig, len(m.Processes))
	for name, cfg := range m.Processes {
		r := model.ResolvedProcessConfig{ProcessConfig: cfg}
		if r.DependsOn == nil {
			r.DependsOn = []string{}
		}

		if r.Cwd == "" {
			r.Cwd = configDir
		} else if !filepath.IsAbs(r.Cwd) {
			r.Cwd = filepath.Join(configDir, r.Cwd)
		}

		if r.EnvFile != "" {
			envFile := r.EnvFile
			if !filepath.IsAbs(envFile) {
				envFile = filepath.Join(configDir, envFile)
			}
			rel, err := filepath.Rel(configDir, envFile)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return nil, fmt.Errorf("process %q: %w: %s", name, ErrEnvFileEscapesConfigDir, r.EnvFile)
			}
			r.EnvFile = envFile
		}

		out[name] = r
	}
	return out, nil
}
