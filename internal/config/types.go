package config

import (
	"fmt"
	"sort"
	"time"
)

// Stage kinds.
const (
	KindCommand  = "command"
	KindCoverage = "coverage"
	KindPublish  = "publish"
)

// Config is the top-level configuration parsed from qgate.yaml or qgate.toml.
type Config struct {
	Project   string            `yaml:"project" toml:"project"`
	StateDir  string            `yaml:"state_dir" toml:"state_dir"`
	Toolchain string            `yaml:"toolchain" toml:"toolchain"`
	Env       map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
	Cache     Cache             `yaml:"cache" toml:"cache"`
	Coverage  Coverage          `yaml:"coverage" toml:"coverage"`
	Publish   Publish           `yaml:"publish" toml:"publish"`
	History   History           `yaml:"history,omitempty" toml:"history,omitempty"`
	Gates     map[string]Gate   `yaml:"gates" toml:"gates"`
}

// Cache configures the dependency cache key.
type Cache struct {
	LockFile string `yaml:"lock_file" toml:"lock_file"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// Coverage configures raw dump discovery and the merge tool.
type Coverage struct {
	Pattern      string   `yaml:"pattern" toml:"pattern"`
	Locations    []string `yaml:"locations" toml:"locations"`
	MergeCommand string   `yaml:"merge_command" toml:"merge_command"`
	Output       string   `yaml:"output" toml:"output"`
}

// Publish configures the coverage upload.
type Publish struct {
	URL           string   `yaml:"url,omitempty" toml:"url,omitempty"`
	Slug          string   `yaml:"slug,omitempty" toml:"slug,omitempty"`
	TokenEnv      string   `yaml:"token_env" toml:"token_env"`
	FailCIIfError bool     `yaml:"fail_ci_if_error" toml:"fail_ci_if_error"`
	Flags         []string `yaml:"flags,omitempty" toml:"flags,omitempty"`
}

// History configures the optional PostgreSQL run log.
type History struct {
	DSN string `yaml:"dsn,omitempty" toml:"dsn,omitempty"`
}

// Gate is one invocation context (the local hook, CI) with its own ordered
// stage list.
type Gate struct {
	Description string            `yaml:"description,omitempty" toml:"description,omitempty"`
	Verbose     bool              `yaml:"verbose,omitempty" toml:"verbose,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
	Matrix      Matrix            `yaml:"matrix,omitempty" toml:"matrix,omitempty"`
	Stages      []Stage           `yaml:"stages" toml:"stages"`
}

// Matrix lists the configurations a gate runs under. Entries are
// independent and may run in parallel.
type Matrix struct {
	Parallel         int     `yaml:"parallel,omitempty" toml:"parallel,omitempty"`
	IsolateWorktrees bool    `yaml:"isolate_worktrees,omitempty" toml:"isolate_worktrees,omitempty"`
	Entries          []Entry `yaml:"entries,omitempty" toml:"entries,omitempty"`
}

// SharesWorkDir reports whether running entries in parallel would put two of
// them in the project directory at once. Isolated worktrees and container
// images each give an entry its own checkout.
func (m Matrix) SharesWorkDir() bool {
	if m.Parallel <= 1 || len(m.Entries) <= 1 || m.IsolateWorktrees {
		return false
	}
	for _, e := range m.Entries {
		if e.Image == "" {
			return true
		}
	}
	return false
}

// Entry is one matrix configuration.
type Entry struct {
	Name      string            `yaml:"name" toml:"name"`
	Toolchain string            `yaml:"toolchain,omitempty" toml:"toolchain,omitempty"`
	Image     string            `yaml:"image,omitempty" toml:"image,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
}

// Fields returns the entry's identifying values for key derivation.
func (e Entry) Fields() map[string]string {
	f := map[string]string{"toolchain": e.Toolchain, "image": e.Image}
	for k, v := range e.Env {
		f["env."+k] = v
	}
	return f
}

// Stage is one declarative {name, command-template, fatal} entry.
type Stage struct {
	Name    string            `yaml:"name" toml:"name"`
	Kind    string            `yaml:"kind,omitempty" toml:"kind,omitempty"`
	Command string            `yaml:"command,omitempty" toml:"command,omitempty"`
	Parser  string            `yaml:"parser,omitempty" toml:"parser,omitempty"`
	Hint    string            `yaml:"hint,omitempty" toml:"hint,omitempty"`
	Timeout string            `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	Fatal   *bool             `yaml:"fatal,omitempty" toml:"fatal,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
}

// IsFatal reports whether a failure of this stage halts the pipeline.
// Stages are fatal unless configured otherwise; publish stages follow
// publish.fail_ci_if_error instead.
func (s Stage) IsFatal(p Publish) bool {
	if s.Kind == KindPublish {
		return p.FailCIIfError
	}
	if s.Fatal == nil {
		return true
	}
	return *s.Fatal
}

// TimeoutDuration parses Timeout; empty means no timeout.
func (s Stage) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("stage %q: invalid timeout %q: %w", s.Name, s.Timeout, err)
	}
	return d, nil
}

// Entries returns the gate's matrix, or a single unnamed entry using the
// project toolchain when no matrix is configured.
func (c *Config) Entries(gate string) []Entry {
	g := c.Gates[gate]
	if len(g.Matrix.Entries) > 0 {
		return g.Matrix.Entries
	}
	return []Entry{{Toolchain: c.Toolchain}}
}

// GateNames returns configured gate names in sorted order.
func (c *Config) GateNames() []string {
	names := make([]string, 0, len(c.Gates))
	for n := range c.Gates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasKind reports whether gate has a stage of the given kind.
func (c *Config) HasKind(gate, kind string) bool {
	for _, s := range c.Gates[gate].Stages {
		if s.Kind == kind {
			return true
		}
	}
	return false
}
