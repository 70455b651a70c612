package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/qualitygate/internal/checks"
	"github.com/lucasnoah/qualitygate/internal/tmpl"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// stageVars are the variables available to stage commands and env values.
var stageVars = map[string]bool{
	"project":      true,
	"toolchain":    true,
	"artifact_dir": true,
	"dir":          true,
	"gate":         true,
	"entry":        true,
}

// mergeVars are additionally available to the coverage merge command.
var mergeVars = map[string]bool{"files": true, "output": true}

var recognizedKinds = map[string]bool{KindCommand: true, KindCoverage: true, KindPublish: true}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if len(cfg.Gates) == 0 {
		add("gates", "at least one gate is required")
	}

	recognizedParsers := make(map[string]bool)
	for _, p := range checks.ParserNames() {
		recognizedParsers[p] = true
	}

	usesCoverage, usesPublish := false, false
	for _, gateName := range cfg.GateNames() {
		g := cfg.Gates[gateName]
		prefix := "gates." + gateName

		if !isPathSafe(gateName) {
			add(prefix, "gate name %q must not be empty, \".\", \"..\" or contain a path separator", gateName)
		}
		if len(g.Stages) == 0 {
			add(prefix+".stages", "at least one stage is required")
		}
		checkTemplates(prefix+".env", g.Env, stageVars, add)

		names := make(map[string]bool)
		for i, s := range g.Stages {
			sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
			if s.Name == "" {
				add(sp+".name", "is required")
			} else if !isPathSafe(s.Name) {
				add(sp+".name", "%q must not be \".\", \"..\" or contain a path separator", s.Name)
			} else if names[s.Name] {
				add(sp+".name", "duplicate stage name %q", s.Name)
			}
			names[s.Name] = true

			if !recognizedKinds[s.Kind] {
				add(sp+".kind", "unrecognized kind %q", s.Kind)
				continue
			}
			if _, err := s.TimeoutDuration(); err != nil {
				add(sp+".timeout", "invalid duration %q", s.Timeout)
			}
			checkTemplates(sp+".env", s.Env, stageVars, add)

			switch s.Kind {
			case KindCommand:
				if s.Command == "" {
					add(sp+".command", "is required for command stages")
				} else {
					checkTemplate(sp+".command", s.Command, stageVars, add)
				}
				if !recognizedParsers[s.Parser] {
					add(sp+".parser", "unrecognized parser %q", s.Parser)
				}
			case KindCoverage:
				usesCoverage = true
				if s.Command != "" {
					add(sp+".command", "coverage stages use coverage.merge_command")
				}
			case KindPublish:
				usesPublish = true
				if s.Command != "" {
					add(sp+".command", "publish stages take no command")
				}
				if s.Fatal != nil {
					add(sp+".fatal", "publish fatality is set by publish.fail_ci_if_error")
				}
			}
		}

		if g.Matrix.SharesWorkDir() {
			add(prefix+".matrix.parallel", "parallel entries would share the project directory; set matrix.isolate_worktrees or give every entry an image")
		}

		entries := make(map[string]bool)
		for i, e := range g.Matrix.Entries {
			ep := fmt.Sprintf("%s.matrix.entries[%d]", prefix, i)
			if entries[e.Name] {
				add(ep+".name", "duplicate entry name %q", e.Name)
			}
			entries[e.Name] = true
			checkTemplates(ep+".env", e.Env, stageVars, add)
		}
	}

	if usesCoverage || usesPublish {
		if cfg.Project == "" {
			add("project", "is required when a gate collects or publishes coverage")
		}
	}
	if usesCoverage {
		cov := cfg.Coverage
		if _, err := filepath.Match(cov.Pattern, ""); err != nil {
			add("coverage.pattern", "invalid glob %q", cov.Pattern)
		}
		if cov.MergeCommand == "" {
			add("coverage.merge_command", "is required when a gate has a coverage stage")
		} else {
			checkTemplate("coverage.merge_command", cov.MergeCommand, union(stageVars, mergeVars), add)
			refs := make(map[string]bool)
			for _, v := range tmpl.Referenced(cov.MergeCommand) {
				refs[v] = true
			}
			if !refs["files"] || !refs["output"] {
				add("coverage.merge_command", "must reference {{files}} and {{output}}")
			}
		}
		checkTemplate("coverage.pattern", cov.Pattern, stageVars, add)
		checkTemplate("coverage.output", cov.Output, stageVars, add)
		for i, loc := range cov.Locations {
			checkTemplate(fmt.Sprintf("coverage.locations[%d]", i), loc, stageVars, add)
		}
	}
	if usesPublish && cfg.Publish.TokenEnv == "" {
		add("publish.token_env", "is required when a gate publishes coverage")
	}

	return errs
}

// isPathSafe reports whether name can be used as one directory name.
func isPathSafe(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`+"\x00")
}

func checkTemplate(field, s string, allowed map[string]bool, add func(string, string, ...any)) {
	for _, v := range tmpl.Referenced(s) {
		if !allowed[v] {
			add(field, "references unknown variable %q", v)
		}
	}
}

func checkTemplates(field string, m map[string]string, allowed map[string]bool, add func(string, string, ...any)) {
	for k, v := range m {
		checkTemplate(field+"."+k, v, allowed, add)
	}
}

func union(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}
