package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Formats accepted by Parse and Marshal.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// SearchPaths are tried in order, relative to the project directory.
var SearchPaths = []string{"qgate.yaml", "qgate.yml", "qgate.toml", filepath.Join(".qgate", "config.yaml")}

// builtinYAML encodes the two invocation contexts: the pre-push hook
// (lint, test) and CI (build, instrumented test, coverage, upload).
const builtinYAML = `
project: ""
state_dir: .qgate
toolchain: stable
cache:
  lock_file: Cargo.lock
  prefix: cargo
coverage:
  pattern: "{{project}}-*.profraw"
  locations: ["{{artifact_dir}}/coverage"]
  merge_command: >-
    grcov {{files}} --binary-path {{artifact_dir}}/target/debug
    -s {{dir}} -t lcov --branch --ignore-not-existing -o {{output}}
  output: "{{artifact_dir}}/lcov.info"
publish:
  token_env: CODECOV_TOKEN
  fail_ci_if_error: true
gates:
  local:
    description: pre-push hook
    stages:
      - name: lint
        command: cargo clippy --all-targets -- -D warnings
        parser: cargo
        hint: Fix clippy issues.
      - name: test
        command: cargo test
        parser: cargo-test
        hint: Fix test issues.
  ci:
    description: continuous integration
    verbose: true
    env:
      CARGO_TARGET_DIR: "{{artifact_dir}}/target"
      CARGO_TERM_COLOR: never
    matrix:
      entries:
        - name: stable
          toolchain: stable
    stages:
      - name: build
        command: cargo +{{toolchain}} build --verbose
        parser: cargo
      - name: test
        command: cargo +{{toolchain}} test --verbose
        parser: cargo-test
        env:
          CARGO_INCREMENTAL: "0"
          RUSTFLAGS: -Cinstrument-coverage
          LLVM_PROFILE_FILE: "{{artifact_dir}}/coverage/{{project}}-%p-%m.profraw"
      - name: coverage
        kind: coverage
      - name: upload
        kind: publish
`

// Builtin returns the built-in configuration.
func Builtin() *Config {
	cfg, err := Parse([]byte(builtinYAML), FormatYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in config: %v", err))
	}
	return cfg
}

// FormatOf picks the format from a file extension; anything that is not
// .toml is read as YAML.
func FormatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Load reads and parses a configuration file, selecting YAML or TOML by
// extension, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes configuration data and applies defaults.
func Parse(data []byte, format string) (*Config, error) {
	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config TOML: %w", err)
		}
	case FormatYAML, "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches dir for a config file and loads the first one found.
// Without one it falls back to the built-in configuration and returns an
// empty path.
func LoadDefault(dir string) (*Config, string, error) {
	for _, rel := range SearchPaths {
		path := filepath.Join(dir, rel)
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	return Builtin(), "", nil
}

// Marshal encodes cfg in the given format.
func Marshal(cfg *Config, format string) ([]byte, error) {
	switch format {
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("encoding config TOML: %w", err)
		}
		return buf.Bytes(), nil
	case FormatYAML, "":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return nil, fmt.Errorf("encoding config YAML: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}
}

// applyDefaults fills in everything a minimal file may leave out.
func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = ".qgate"
	}
	if cfg.Toolchain == "" {
		cfg.Toolchain = "stable"
	}
	if cfg.Cache.LockFile == "" {
		cfg.Cache.LockFile = "Cargo.lock"
	}
	if cfg.Coverage.Pattern == "" {
		cfg.Coverage.Pattern = "{{project}}-*.profraw"
	}
	if len(cfg.Coverage.Locations) == 0 {
		cfg.Coverage.Locations = []string{"{{artifact_dir}}/coverage"}
	}
	if cfg.Coverage.Output == "" {
		cfg.Coverage.Output = "{{artifact_dir}}/lcov.info"
	}
	if cfg.Publish.TokenEnv == "" {
		cfg.Publish.TokenEnv = "CODECOV_TOKEN"
	}

	for name, g := range cfg.Gates {
		for i := range g.Stages {
			s := &g.Stages[i]
			if s.Kind == "" {
				s.Kind = KindCommand
			}
			if s.Kind == KindCommand && s.Parser == "" {
				s.Parser = "generic"
			}
		}
		for i := range g.Matrix.Entries {
			if g.Matrix.Entries[i].Toolchain == "" {
				g.Matrix.Entries[i].Toolchain = cfg.Toolchain
			}
		}
		if g.Matrix.Parallel <= 0 {
			g.Matrix.Parallel = 1
		}
		cfg.Gates[name] = g
	}
}
