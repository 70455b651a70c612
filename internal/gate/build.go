package gate

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lucasnoah/qualitygate/internal/cache"
	"github.com/lucasnoah/qualitygate/internal/checks"
	"github.com/lucasnoah/qualitygate/internal/config"
	"github.com/lucasnoah/qualitygate/internal/coverage"
	"github.com/lucasnoah/qualitygate/internal/pipeline"
	"github.com/lucasnoah/qualitygate/internal/publish"
	"github.com/lucasnoah/qualitygate/internal/tmpl"
)

// entryContext is everything stage construction needs for one matrix entry.
type entryContext struct {
	gate        string
	entry       config.Entry
	key         string
	workDir     string
	artifactDir string
	cacheKey    string
	cmd         checks.CommandRunner
	base        []string // inherited environment; nil inside containers
}

// StateDir is the absolute state directory.
func (r *Runner) StateDir() string {
	if filepath.IsAbs(r.cfg.StateDir) {
		return r.cfg.StateDir
	}
	return filepath.Join(r.opts.Dir, r.cfg.StateDir)
}

// EntryKey is the stable directory name of an entry within a gate.
func (r *Runner) EntryKey(gateName string, entry config.Entry) string {
	return cache.EntryKey(gateName, entry.Name, entry.Fields())
}

// ArtifactDir is where an entry's coverage data, reports and build output live.
func (r *Runner) ArtifactDir(gateName string, entry config.Entry) string {
	return filepath.Join(r.StateDir(), "artifacts", pipeline.PathSegment(gateName), r.EntryKey(gateName, entry))
}

// CacheKey derives the dependency cache key for an entry. The error is
// non-nil when the lock file cannot be read.
func (r *Runner) CacheKey(entry config.Entry, workDir string) (string, error) {
	lock := r.cfg.Cache.LockFile
	if !filepath.IsAbs(lock) {
		lock = filepath.Join(workDir, lock)
	}
	return cache.LockKey(r.goos, r.cfg.Cache.Prefix, entry.Toolchain, lock)
}

func (r *Runner) newEntryContext(gateName string, entry config.Entry, workDir string, cmd checks.CommandRunner) *entryContext {
	ec := &entryContext{
		gate:        gateName,
		entry:       entry,
		key:         r.EntryKey(gateName, entry),
		workDir:     workDir,
		artifactDir: r.ArtifactDir(gateName, entry),
		cmd:         cmd,
	}
	if entry.Image == "" {
		ec.base = r.env.Vars()
	}
	if key, err := r.CacheKey(entry, workDir); err == nil {
		ec.cacheKey = key
	} else {
		r.logf("no cache key for %s: %v", label(gateName, entry), err)
	}
	return ec
}

func (ec *entryContext) vars(project string) tmpl.Vars {
	return tmpl.Vars{
		"project":      project,
		"toolchain":    ec.entry.Toolchain,
		"artifact_dir": ec.artifactDir,
		"dir":          ec.workDir,
		"gate":         ec.gate,
		"entry":        ec.entry.Name,
	}
}

// Build turns a gate's declarative stage list into executable stages for one
// matrix entry, run in the project directory on the default command runner.
func (r *Runner) Build(gateName string, entry config.Entry) ([]pipeline.Stage, pipeline.Env, error) {
	if _, ok := r.cfg.Gates[gateName]; !ok {
		return nil, pipeline.Env{}, fmt.Errorf("%w: %q", ErrUnknownGate, gateName)
	}
	return r.build(r.newEntryContext(gateName, entry, r.opts.Dir, r.cmd))
}

func (r *Runner) build(ec *entryContext) ([]pipeline.Stage, pipeline.Env, error) {
	g := r.cfg.Gates[ec.gate]
	vars := ec.vars(r.cfg.Project)

	overlay := map[string]string{}
	for _, m := range []map[string]string{r.cfg.Env, g.Env, ec.entry.Env} {
		rendered, err := tmpl.RenderMap(m, vars)
		if err != nil {
			return nil, pipeline.Env{}, fmt.Errorf("gate %s env: %w", ec.gate, err)
		}
		for k, v := range rendered {
			overlay[k] = v
		}
	}
	overlay["QGATE_GATE"] = ec.gate
	overlay["QGATE_ARTIFACT_DIR"] = ec.artifactDir
	if ec.cacheKey != "" {
		overlay["QGATE_CACHE_KEY"] = ec.cacheKey
	}
	env := pipeline.Env{Dir: ec.workDir, Vars: mergeEnv(ec.base, overlay)}

	checker := checks.NewRunner(ec.cmd)
	stages := make([]pipeline.Stage, 0, len(g.Stages))
	for _, sc := range g.Stages {
		timeout, err := sc.TimeoutDuration()
		if err != nil {
			return nil, pipeline.Env{}, err
		}
		stageEnv, err := tmpl.RenderMap(sc.Env, vars)
		if err != nil {
			return nil, pipeline.Env{}, fmt.Errorf("stage %s env: %w", sc.Name, err)
		}

		st := pipeline.Stage{
			Name:    sc.Name,
			Hint:    sc.Hint,
			Fatal:   sc.IsFatal(r.cfg.Publish),
			Timeout: timeout,
		}
		switch sc.Kind {
		case config.KindCommand:
			command, err := tmpl.Render(sc.Command, vars)
			if err != nil {
				return nil, pipeline.Env{}, fmt.Errorf("stage %s command: %w", sc.Name, err)
			}
			st.Command = command
			st.Task = checks.NewCommandTask(checker, checks.CheckConfig{Name: sc.Name, Command: command, Parser: sc.Parser})
		case config.KindCoverage:
			collector, err := r.collector(ec)
			if err != nil {
				return nil, pipeline.Env{}, err
			}
			st.Command = "merge " + collector.Config().Pattern + " into " + collector.Config().Output
			st.Task = coverage.NewCollectTask(collector, nil)
		case config.KindPublish:
			report, err := tmpl.Render(r.cfg.Coverage.Output, vars)
			if err != nil {
				return nil, pipeline.Env{}, fmt.Errorf("coverage output: %w", err)
			}
			dest := r.Destination(ec.entry)
			uploader := publish.NewUploader(r.opts.HTTPClient)
			uploader.SetProgress(r.entryProgress(ec))
			st.Command = "upload " + filepath.Base(report) + " to " + dest.Slug
			st.Task = publish.NewUploadTask(uploader, report, dest)
		default:
			return nil, pipeline.Env{}, fmt.Errorf("stage %s: unknown kind %q", sc.Name, sc.Kind)
		}
		if len(stageEnv) > 0 {
			st.Task = envTask{task: st.Task, overlay: stageEnv}
		}
		stages = append(stages, st)
	}
	return stages, env, nil
}

// Collector builds the coverage collector for an entry running in the
// project directory.
func (r *Runner) Collector(gateName string, entry config.Entry) (*coverage.Collector, error) {
	return r.collector(r.newEntryContext(gateName, entry, r.opts.Dir, r.cmd))
}

func (r *Runner) collector(ec *entryContext) (*coverage.Collector, error) {
	vars := ec.vars(r.cfg.Project)
	cov := r.cfg.Coverage

	pattern, err := tmpl.Render(cov.Pattern, vars)
	if err != nil {
		return nil, fmt.Errorf("coverage pattern: %w", err)
	}
	output, err := tmpl.Render(cov.Output, vars)
	if err != nil {
		return nil, fmt.Errorf("coverage output: %w", err)
	}
	locations := make([]string, len(cov.Locations))
	for i, loc := range cov.Locations {
		if locations[i], err = tmpl.Render(loc, vars); err != nil {
			return nil, fmt.Errorf("coverage location: %w", err)
		}
	}

	c := coverage.NewCollector(ec.cmd, coverage.Config{
		Pattern:      pattern,
		Locations:    locations,
		MergeCommand: cov.MergeCommand,
		Output:       output,
		Dir:          ec.workDir,
	}, vars)
	c.SetProgress(r.entryProgress(ec))
	return c, nil
}

// Destination assembles the upload target from configuration and the CI
// environment, falling back to the local checkout for commit metadata.
func (r *Runner) Destination(entry config.Entry) publish.Destination {
	p := r.cfg.Publish
	dest := publish.Destination{
		URL:    p.URL,
		Slug:   r.env.Slug(p),
		Token:  r.env.Token(p),
		Commit: r.env.Commit(),
		Branch: r.env.Branch(),
		Build:  r.env.Build(),
		Flags:  append([]string(nil), p.Flags...),
	}
	if entry.Name != "" {
		dest.Flags = append(dest.Flags, entry.Name)
	}
	if r.opts.Worktrees != nil {
		if dest.Commit == "" {
			dest.Commit, _ = r.opts.Worktrees.Head()
		}
		if dest.Branch == "" {
			dest.Branch = r.opts.Worktrees.Branch()
		}
	}
	return dest
}

// envTask layers stage-specific variables over the pipeline environment.
type envTask struct {
	task    pipeline.Task
	overlay map[string]string
}

func (t envTask) Execute(ctx context.Context, env pipeline.Env) (pipeline.TaskResult, error) {
	env.Vars = mergeEnv(env.Vars, t.overlay)
	return t.task.Execute(ctx, env)
}

// mergeEnv applies overlay to KEY=VALUE pairs; later keys win. The result is
// sorted so child environments are deterministic.
func mergeEnv(base []string, overlay map[string]string) []string {
	m := make(map[string]string, len(base)+len(overlay))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	for k, v := range overlay {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
