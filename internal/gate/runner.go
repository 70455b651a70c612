package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/qualitygate/internal/checks"
	"github.com/lucasnoah/qualitygate/internal/config"
	"github.com/lucasnoah/qualitygate/internal/container"
	"github.com/lucasnoah/qualitygate/internal/pipeline"
	"github.com/lucasnoah/qualitygate/internal/stage"
	"github.com/lucasnoah/qualitygate/internal/worktree"
)

// ErrUnknownGate is returned for a gate name missing from the configuration.
var ErrUnknownGate = errors.New("unknown gate")

// HistoryLogger receives every finished run.
type HistoryLogger interface {
	LogRun(ctx context.Context, run *pipeline.Run) error
}

// ExecutorFunc selects the command runner for a matrix entry. A non-nil
// closer is closed once the entry's run is over.
type ExecutorFunc func(ctx context.Context, entry config.Entry, workDir, artifactDir string) (checks.CommandRunner, io.Closer, error)

// Options wires a Runner to its collaborators. Only Dir and Config are
// required.
type Options struct {
	Dir        string // project root
	Config     *config.Config
	Env        *config.Environment
	Command    checks.CommandRunner // default runner; nil means checks.ExecRunner
	Executor   ExecutorFunc         // nil picks Command, or a container when the entry has an image
	Store      *pipeline.Store      // nil disables run persistence
	History    HistoryLogger
	Worktrees  *worktree.Manager // required for matrix.isolate_worktrees
	HTTPClient *http.Client
	Observers  []stage.Observer
	GOOS       string
}

// Runner builds pipelines from configuration and runs them per matrix entry.
type Runner struct {
	opts     Options
	cfg      *config.Config
	env      *config.Environment
	cmd      checks.CommandRunner
	goos     string
	progress *syncWriter // live progress output; nil = silent
}

// NewRunner creates a gate runner.
func NewRunner(opts Options) *Runner {
	r := &Runner{
		opts: opts,
		cfg:  opts.Config,
		env:  opts.Env,
		cmd:  opts.Command,
		goos: opts.GOOS,
	}
	if r.env == nil {
		r.env = config.NewEnvironment(nil)
	}
	if r.cmd == nil {
		r.cmd = &checks.ExecRunner{}
	}
	if r.goos == "" {
		r.goos = runtime.GOOS
	}
	return r
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (r *Runner) SetProgress(w io.Writer) {
	if w == nil {
		r.progress = nil
		return
	}
	r.progress = &syncWriter{w: w}
}

// logf prints a progress line if a progress writer is configured.
func (r *Runner) logf(format string, args ...interface{}) {
	if r.progress != nil {
		fmt.Fprintf(r.progress, "  → "+format+"\n", args...)
	}
}

// entryProgress is the progress writer for collaborators that do not label
// their own lines.
func (r *Runner) entryProgress(ec *entryContext) io.Writer {
	if r.progress == nil {
		return nil
	}
	return &prefixWriter{w: r.progress, prefix: "[" + label(ec.gate, ec.entry) + "] "}
}

func label(gateName string, entry config.Entry) string {
	if entry.Name == "" {
		return gateName
	}
	return gateName + "/" + entry.Name
}

// RunEntry runs one gate for one matrix entry. Stage failures and
// interruptions are reported through the returned run; the error is non-nil
// only when the pipeline could not be set up.
func (r *Runner) RunEntry(ctx context.Context, gateName string, entry config.Entry) (*pipeline.Run, error) {
	g, ok := r.cfg.Gates[gateName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGate, gateName)
	}

	workDir := r.opts.Dir
	key := r.EntryKey(gateName, entry)
	if g.Matrix.IsolateWorktrees {
		if r.opts.Worktrees == nil {
			return nil, fmt.Errorf("gate %s isolates worktrees but no git repository is available", gateName)
		}
		wt, err := r.opts.Worktrees.Create(gateName + "-" + key)
		if err != nil {
			return nil, err
		}
		r.logf("%s: worktree %s at %.12s", label(gateName, entry), wt.Path, wt.Commit)
		defer func() {
			if err := r.opts.Worktrees.Remove(gateName + "-" + key); err != nil {
				r.logf("warning: %v", err)
			}
		}()
		workDir = wt.Path
	}

	artifactDir := r.ArtifactDir(gateName, entry)
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}

	cmd, closer, err := r.executor(ctx, entry, workDir, artifactDir)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		defer closer.Close()
	}

	ec := r.newEntryContext(gateName, entry, workDir, cmd)
	stages, env, err := r.build(ec)
	if err != nil {
		return nil, err
	}

	// Stale raw dumps from an earlier run would be merged into this one.
	if r.cfg.HasKind(gateName, config.KindCoverage) {
		collector, err := r.collector(ec)
		if err != nil {
			return nil, err
		}
		if _, err := collector.Clean(); err != nil {
			return nil, err
		}
	}

	engine := stage.NewEngine()
	if r.progress != nil {
		engine.SetProgress(r.progress)
	}
	for _, o := range r.opts.Observers {
		engine.AddObserver(o)
	}

	run, err := engine.Run(ctx, stage.RunOpts{
		Gate:     gateName,
		Entry:    entry.Name,
		EntryKey: ec.key,
		CacheKey: ec.cacheKey,
	}, stages, env)
	if err != nil {
		return nil, err
	}
	r.record(ctx, run)
	return run, nil
}

// RunMatrix runs a gate for every entry, up to matrix.parallel at a time.
// Entries that would share the project directory run one at a time. One
// entry's failure does not cancel the others. A nil entries runs the configured matrix.
func (r *Runner) RunMatrix(ctx context.Context, gateName string, entries []config.Entry) ([]*pipeline.Run, error) {
	g, ok := r.cfg.Gates[gateName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGate, gateName)
	}
	if entries == nil {
		entries = r.cfg.Entries(gateName)
	}

	limit := max(g.Matrix.Parallel, 1)
	m := g.Matrix
	m.Entries = entries
	if m.SharesWorkDir() {
		r.logf("%s: entries share %s; running them one at a time", gateName, r.opts.Dir)
		limit = 1
	}

	runs := make([]*pipeline.Run, len(entries))
	var eg errgroup.Group
	eg.SetLimit(limit)
	for i, entry := range entries {
		i, entry := i, entry
		eg.Go(func() error {
			run, err := r.RunEntry(ctx, gateName, entry)
			if err != nil {
				return fmt.Errorf("%s: %w", label(gateName, entry), err)
			}
			runs[i] = run
			return nil
		})
	}
	err := eg.Wait()
	return runs, err
}

// executor picks the command runner for an entry.
func (r *Runner) executor(ctx context.Context, entry config.Entry, workDir, artifactDir string) (checks.CommandRunner, io.Closer, error) {
	if r.opts.Executor != nil {
		return r.opts.Executor(ctx, entry, workDir, artifactDir)
	}
	if entry.Image == "" {
		return r.cmd, nil, nil
	}

	var logOutput io.Writer
	if r.progress != nil {
		logOutput = r.progress
	}
	client, err := container.Connect(ctx, logOutput)
	if err != nil {
		return nil, nil, err
	}
	cr := container.New(client, container.Options{
		Image:   entry.Image,
		HostDir: workDir,
		Exports: []string{artifactDir},
		Exclude: []string{r.cfg.StateDir},
	})
	return cr, cr, nil
}

// record persists a finished run. Failures here never change the gate's
// verdict; they are reported as warnings.
func (r *Runner) record(ctx context.Context, run *pipeline.Run) {
	if r.opts.Store != nil {
		if _, err := r.opts.Store.Save(run); err != nil {
			r.logf("warning: saving run: %v", err)
		}
	}
	if r.opts.History != nil {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.opts.History.LogRun(hctx, run); err != nil {
			r.logf("warning: logging run history: %v", err)
		}
	}
}

// ExitCode aggregates runs into one process exit status: any aborted run
// wins over any failed run, which wins over a pass.
func ExitCode(runs []*pipeline.Run) int {
	code := pipeline.ExitPass
	for _, run := range runs {
		if run == nil {
			continue
		}
		switch run.ExitCode() {
		case pipeline.ExitAborted:
			return pipeline.ExitAborted
		case pipeline.ExitFail:
			code = pipeline.ExitFail
		}
	}
	return code
}
