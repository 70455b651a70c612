package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/qualitygate/internal/checks"
	"github.com/lucasnoah/qualitygate/internal/config"
	"github.com/lucasnoah/qualitygate/internal/db"
	"github.com/lucasnoah/qualitygate/internal/gate"
	"github.com/lucasnoah/qualitygate/internal/pipeline"
	"github.com/lucasnoah/qualitygate/internal/stage"
	"github.com/lucasnoah/qualitygate/internal/worktree"
)

var (
	flagDir     string
	flagConfig  string
	flagEnvFile string
	flagQuiet   bool
)

// Collaborators replaced by tests.
var (
	newCommandRunner = func() checks.CommandRunner { return &checks.ExecRunner{} }
	newGit           = func() worktree.GitRunner { return &worktree.ExecGit{} }
	newHTTPClient    = func() *http.Client { return nil }
)

// app is the resolved invocation: project directory, configuration and the
// captured environment.
type app struct {
	dir     string
	cfg     *config.Config
	cfgPath string // "" for the built-in configuration
	env     *config.Environment
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// loadApp resolves the project and its configuration. Configuration problems
// are usage errors; validate=false skips semantic validation so that
// "config validate" can report every problem itself.
func loadApp(validate bool) (*app, error) {
	dir := flagDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, usageError(fmt.Errorf("resolve project directory: %w", err))
	}

	env, err := config.LoadEnvironment(resolvePath(dir, flagEnvFile))
	if err != nil {
		return nil, usageError(err)
	}

	a := &app{dir: dir, env: env}
	if flagConfig != "" {
		a.cfgPath = resolvePath(dir, flagConfig)
		a.cfg, err = config.Load(a.cfgPath)
	} else {
		a.cfg, a.cfgPath, err = config.LoadDefault(dir)
	}
	if err != nil {
		return nil, usageError(err)
	}
	env.Apply(a.cfg)
	if a.cfg.Project == "" {
		a.cfg.Project = filepath.Base(dir)
	}

	if validate {
		if errs := config.Validate(a.cfg); len(errs) > 0 {
			msg := fmt.Sprintf("%s: %s", a.configName(), errs[0])
			if len(errs) > 1 {
				msg += fmt.Sprintf(" (and %d more; run 'qgate config validate')", len(errs)-1)
			}
			return nil, usageError(errors.New(msg))
		}
	}
	return a, nil
}

func (a *app) configName() string {
	if a.cfgPath == "" {
		return "built-in configuration"
	}
	return a.cfgPath
}

func (a *app) stateDir() string {
	return resolvePath(a.dir, a.cfg.StateDir)
}

func (a *app) store() *pipeline.Store {
	return pipeline.NewStore(filepath.Join(a.stateDir(), "runs"))
}

// progress is where live progress goes: stderr, so stdout stays a report.
func (a *app) progress(cmd *cobra.Command) io.Writer {
	if flagQuiet {
		return nil
	}
	return cmd.ErrOrStderr()
}

// worktrees returns a manager when the project is a git checkout.
func (a *app) worktrees() *worktree.Manager {
	git := newGit()
	if _, err := git.Run(a.dir, "rev-parse", "--show-toplevel"); err != nil {
		return nil
	}
	return worktree.NewManager(git, a.dir, filepath.Join(a.stateDir(), "worktrees"))
}

// openHistory connects to the run-history database, or returns nil when
// none is configured.
func (a *app) openHistory(ctx context.Context) (*db.DB, error) {
	if a.cfg.History.DSN == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	d, err := db.Open(ctx, a.cfg.History.DSN)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return d, nil
}

// runner wires a gate runner for this invocation. History is best effort: a
// database that cannot be reached is reported and skipped, never fatal.
func (a *app) runner(cmd *cobra.Command, showProgress bool, observers ...stage.Observer) (*gate.Runner, func()) {
	history, err := a.openHistory(cmd.Context())
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: run history disabled: %v\n", err)
	}
	if history == nil {
		return a.newRunner(cmd, showProgress, nil, observers...), func() {}
	}
	return a.newRunner(cmd, showProgress, history, observers...), history.Close
}

// newRunner builds a gate runner; a nil history records runs on disk only.
func (a *app) newRunner(cmd *cobra.Command, showProgress bool, history gate.HistoryLogger, observers ...stage.Observer) *gate.Runner {
	r := gate.NewRunner(gate.Options{
		Dir:        a.dir,
		Config:     a.cfg,
		Env:        a.env,
		Command:    newCommandRunner(),
		Store:      a.store(),
		History:    history,
		Worktrees:  a.worktrees(),
		HTTPClient: newHTTPClient(),
		Observers:  observers,
	})
	if showProgress {
		r.SetProgress(a.progress(cmd))
	}
	return r
}

// pickEntry selects a matrix entry by name; an empty name picks the first.
func (a *app) pickEntry(gateName, name string) (config.Entry, error) {
	if _, ok := a.cfg.Gates[gateName]; !ok {
		return config.Entry{}, usageError(fmt.Errorf("unknown gate %q", gateName))
	}
	entries := a.cfg.Entries(gateName)
	if name == "" {
		return entries[0], nil
	}
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return config.Entry{}, usageError(fmt.Errorf("gate %s has no matrix entry %q", gateName, name))
}
