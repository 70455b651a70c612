package coverage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lucasnoah/qualitygate/internal/checks"
	"github.com/lucasnoah/qualitygate/internal/tmpl"
)

var (
	// ErrNoCoverageData means instrumentation produced nothing usable.
	ErrNoCoverageData = errors.New("no coverage data")
	// ErrMergeFailed means the merge tool could not produce a report.
	ErrMergeFailed = errors.New("coverage merge failed")
)

// Config describes where raw dumps live and how to merge them.
type Config struct {
	// Pattern is a filepath.Match glob for raw dump basenames, e.g. "elliptic-*.profraw".
	Pattern string
	// Locations are directories searched recursively; relative paths resolve against Dir.
	Locations []string
	// MergeCommand is a template; {{files}} expands to the quoted dump paths
	// and {{output}} to Output.
	MergeCommand string
	// Output is where the merged LCOV report is written.
	Output string
	Dir    string
	Env    []string
}

// skipDirs are never descended into during discovery.
var skipDirs = map[string]bool{".git": true, "target": true}

// Collector turns raw coverage dumps into a Report.
type Collector struct {
	cmd      checks.CommandRunner
	cfg      Config
	vars     tmpl.Vars
	progress io.Writer
}

// NewCollector creates a collector. vars are available to the merge command
// template in addition to files and output.
func NewCollector(cmd checks.CommandRunner, cfg Config, vars tmpl.Vars) *Collector {
	return &Collector{cmd: cmd, cfg: cfg, vars: vars}
}

// SetProgress sets a writer for live progress output.
func (c *Collector) SetProgress(w io.Writer) {
	c.progress = w
}

func (c *Collector) logf(format string, args ...interface{}) {
	if c.progress != nil {
		fmt.Fprintf(c.progress, "  → "+format+"\n", args...)
	}
}

// Config returns the collector's configuration.
func (c *Collector) Config() Config {
	return c.cfg
}

// withEnv returns a copy bound to env when no explicit dir/env is configured.
func (c *Collector) withEnv(dir string, env []string) *Collector {
	cp := *c
	if cp.cfg.Dir == "" {
		cp.cfg.Dir = dir
	}
	if cp.cfg.Env == nil {
		cp.cfg.Env = env
	}
	return &cp
}

func (c *Collector) resolve(p string) string {
	if filepath.IsAbs(p) || c.cfg.Dir == "" {
		return p
	}
	return filepath.Join(c.cfg.Dir, p)
}

// Clean removes stale raw dumps and the previous merged report so a run never
// counts data from an earlier one. It returns the number of files removed.
func (c *Collector) Clean() (int, error) {
	files, err := c.Discover(nil)
	if err != nil {
		return 0, err
	}
	if c.cfg.Output != "" {
		out := c.resolve(c.cfg.Output)
		if _, err := os.Stat(out); err == nil {
			files = append(files, out)
		}
	}

	removed := 0
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("removing stale coverage file %s: %w", f, err)
		}
		removed++
	}
	if removed > 0 {
		c.logf("removed %d stale coverage files", removed)
	}
	return removed, nil
}

// Discover returns the sorted raw dump files under locations (or the
// configured locations when nil). Missing locations are skipped.
func (c *Collector) Discover(locations []string) ([]string, error) {
	if locations == nil {
		locations = c.cfg.Locations
	}
	if len(locations) == 0 {
		locations = []string{"."}
	}
	if c.cfg.Pattern == "" {
		return nil, fmt.Errorf("coverage pattern is not configured")
	}
	if _, err := filepath.Match(c.cfg.Pattern, ""); err != nil {
		return nil, fmt.Errorf("bad coverage pattern %q: %w", c.cfg.Pattern, err)
	}

	seen := make(map[string]bool)
	for _, loc := range locations {
		root := c.resolve(loc)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				if path != root && skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if ok, _ := filepath.Match(c.cfg.Pattern, d.Name()); ok {
				seen[path] = true
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", root, err)
		}
	}

	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// Collect merges the raw dumps under locations into a Report. It fails with
// ErrNoCoverageData when there is nothing to merge or the merged report is
// empty, and with ErrMergeFailed when the merge tool errors.
func (c *Collector) Collect(ctx context.Context, locations []string) (*Report, error) {
	rep, _, err := c.collect(ctx, locations)
	return rep, err
}

func (c *Collector) collect(ctx context.Context, locations []string) (*Report, string, error) {
	files, err := c.Discover(locations)
	if err != nil {
		return nil, "", err
	}
	if len(files) == 0 {
		return nil, "", fmt.Errorf("%w: no files matching %q", ErrNoCoverageData, c.cfg.Pattern)
	}
	if c.cfg.MergeCommand == "" || c.cfg.Output == "" {
		return nil, "", fmt.Errorf("coverage merge command and output must be configured")
	}
	c.logf("merging %d coverage files", len(files))

	output := c.resolve(c.cfg.Output)
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, "", fmt.Errorf("creating report directory: %w", err)
	}

	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = shellQuote(f)
	}
	command, err := tmpl.Render(c.cfg.MergeCommand, c.vars.With(tmpl.Vars{
		"files":  strings.Join(quoted, " "),
		"output": shellQuote(output),
	}))
	if err != nil {
		return nil, "", fmt.Errorf("rendering merge command: %w", err)
	}

	out, err := c.cmd.Run(ctx, checks.Request{Dir: c.cfg.Dir, Env: c.cfg.Env, Command: command})
	combined := out.Combined
	if combined == "" {
		combined = out.Stdout + out.Stderr
	}
	if err != nil {
		return nil, combined, fmt.Errorf("%w: %w", ErrMergeFailed, err)
	}
	if out.ExitCode != 0 {
		return nil, combined, fmt.Errorf("%w: merge tool exited %d: %s", ErrMergeFailed, out.ExitCode,
			strings.TrimSpace(checks.Tail(combined, 400)))
	}

	data, err := os.ReadFile(output)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, combined, fmt.Errorf("%w: merge tool wrote no report to %s", ErrMergeFailed, output)
		}
		return nil, combined, fmt.Errorf("reading merged report: %w", err)
	}
	rep, err := ParseLCOV(bytes.NewReader(data))
	if err != nil {
		return nil, combined, fmt.Errorf("%w: %w", ErrMergeFailed, err)
	}
	if len(rep.Files) == 0 {
		return nil, combined, fmt.Errorf("%w: merged report at %s is empty", ErrNoCoverageData, output)
	}

	// Rewrite in normalized form so the publisher reads a stable file.
	var buf bytes.Buffer
	if err := rep.WriteLCOV(&buf); err != nil {
		return nil, combined, fmt.Errorf("normalizing report: %w", err)
	}
	if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
		return nil, combined, fmt.Errorf("writing report: %w", err)
	}
	c.logf("coverage: %s", rep.Summary())
	return rep, combined, nil
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
