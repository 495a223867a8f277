package factory

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bmatcuk/doublestar/v4"
)

// Config is the run configuration file (YAML). Unknown fields are
// rejected so typos fail loudly instead of silently reverting a limit to
// its default.
type Config struct {
	Version int    `yaml:"version"`
	Request string `yaml:"request"`

	Models map[string]string `yaml:"models,omitempty"`

	Limits struct {
		MaxClarifications int `yaml:"max_clarifications"`
		MaxRefinements    int `yaml:"max_refinements"`
		StepCeiling       int `yaml:"step_ceiling"`
	} `yaml:"limits,omitempty"`

	Artifacts struct {
		Dir          string   `yaml:"dir"`
		IncludeGlobs []string `yaml:"include_globs,omitempty"`
		ExcludeGlobs []string `yaml:"exclude_globs,omitempty"`
	} `yaml:"artifacts,omitempty"`

	Logs struct {
		Root        string `yaml:"root,omitempty"`
		Checkpoints *bool  `yaml:"checkpoints,omitempty"`
	} `yaml:"logs,omitempty"`

	Runner struct {
		Command        string `yaml:"command,omitempty"`
		TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	} `yaml:"runner,omitempty"`
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func ParseConfig(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return nil, err
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Limits.MaxClarifications == 0 {
		cfg.Limits.MaxClarifications = 2
	}
	if cfg.Limits.MaxRefinements == 0 {
		cfg.Limits.MaxRefinements = 3
	}
	if cfg.Limits.StepCeiling == 0 {
		cfg.Limits.StepCeiling = 250
	}
	if strings.TrimSpace(cfg.Artifacts.Dir) == "" {
		cfg.Artifacts.Dir = "artifacts"
	}
	cfg.Artifacts.IncludeGlobs = trimNonEmpty(cfg.Artifacts.IncludeGlobs)
	cfg.Artifacts.ExcludeGlobs = trimNonEmpty(cfg.Artifacts.ExcludeGlobs)
	if cfg.Logs.Checkpoints == nil {
		t := true
		cfg.Logs.Checkpoints = &t
	}
	if strings.TrimSpace(cfg.Runner.Command) == "" {
		cfg.Runner.Command = "python3"
	}
	if cfg.Runner.TimeoutSeconds == 0 {
		cfg.Runner.TimeoutSeconds = 30
	}
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.Request) == "" {
		return fmt.Errorf("request is required")
	}
	if cfg.Limits.MaxClarifications < 0 {
		return fmt.Errorf("limits.max_clarifications must be >= 0")
	}
	if cfg.Limits.MaxRefinements < 1 {
		return fmt.Errorf("limits.max_refinements must be >= 1")
	}
	if cfg.Limits.StepCeiling < 1 {
		return fmt.Errorf("limits.step_ceiling must be >= 1")
	}
	if cfg.Runner.TimeoutSeconds < 1 {
		return fmt.Errorf("runner.timeout_seconds must be >= 1")
	}
	for _, g := range cfg.Artifacts.IncludeGlobs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("artifacts.include_globs: invalid pattern %q", g)
		}
	}
	for _, g := range cfg.Artifacts.ExcludeGlobs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("artifacts.exclude_globs: invalid pattern %q", g)
		}
	}
	return nil
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
