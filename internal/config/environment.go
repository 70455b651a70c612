package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Environment is the process environment captured once at startup. Nothing
// below the CLI reads os.Getenv; everything that depends on the environment
// gets it from here.
type Environment struct {
	vars map[string]string
}

// NewEnvironment builds an Environment from KEY=VALUE pairs.
func NewEnvironment(pairs []string) *Environment {
	e := &Environment{vars: make(map[string]string, len(pairs))}
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		e.vars[k] = v
	}
	return e
}

// LoadEnvironment captures the process environment and, when dotenv names an
// existing file, adds its values for keys the process does not already set.
func LoadEnvironment(dotenv string) (*Environment, error) {
	e := NewEnvironment(os.Environ())
	if dotenv == "" {
		return e, nil
	}
	extra, err := godotenv.Read(dotenv)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return e, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dotenv, err)
	}
	for k, v := range extra {
		if _, set := e.vars[k]; !set {
			e.vars[k] = v
		}
	}
	return e, nil
}

// Get returns the value of key, or "".
func (e *Environment) Get(key string) string {
	return e.vars[key]
}

// Lookup returns the value of key and whether it is set.
func (e *Environment) Lookup(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Vars returns the environment as sorted KEY=VALUE pairs, suitable as the
// base environment of child processes.
func (e *Environment) Vars() []string {
	out := make([]string, 0, len(e.vars))
	for k, v := range e.vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Project is the project identifier override, if any.
func (e *Environment) Project() string { return e.Get("QGATE_PROJECT") }

// DatabaseURL is the run-history DSN override, if any.
func (e *Environment) DatabaseURL() string { return e.Get("QGATE_DATABASE_URL") }

// Token resolves the upload token from the variable named by p.TokenEnv.
func (e *Environment) Token(p Publish) string {
	return e.Get(p.TokenEnv)
}

// Slug is the upload destination, preferring explicit configuration.
func (e *Environment) Slug(p Publish) string {
	if p.Slug != "" {
		return p.Slug
	}
	if s := e.Get("CODECOV_SLUG"); s != "" {
		return s
	}
	return e.Get("GITHUB_REPOSITORY")
}

// Commit is the commit under test as reported by CI.
func (e *Environment) Commit() string { return e.Get("GITHUB_SHA") }

// Branch prefers the pull request head branch over the ref name.
func (e *Environment) Branch() string {
	if b := e.Get("GITHUB_HEAD_REF"); b != "" {
		return b
	}
	return e.Get("GITHUB_REF_NAME")
}

// Build is the CI run identifier.
func (e *Environment) Build() string { return e.Get("GITHUB_RUN_ID") }

// Apply folds environment overrides into cfg.
func (e *Environment) Apply(cfg *Config) {
	if p := e.Project(); p != "" {
		cfg.Project = p
	}
	if dsn := e.DatabaseURL(); dsn != "" {
		cfg.History.DSN = dsn
	}
}
