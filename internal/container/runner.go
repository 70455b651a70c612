// Package container runs a matrix entry's commands inside a container image.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"dagger.io/dagger"

	"github.com/lucasnoah/qualitygate/internal/checks"
)

// defaultExclude keeps host build output and VCS metadata out of the
// uploaded source.
var defaultExclude = []string{".git", "target"}

// Options configures a Runner.
type Options struct {
	Image   string
	HostDir string // copied in at the same path and used as the working directory
	// Exports are host directories copied in at the same path and synced back
	// to the host after every command.
	Exports []string
	// Exclude is added to the default exclusions when copying HostDir.
	Exclude []string
}

// Runner implements checks.CommandRunner on a dagger container. Each
// successful command's filesystem carries over to the next, so build output
// is visible to later stages.
type Runner struct {
	client *dagger.Client
	opts   Options

	mu  sync.Mutex
	ctr *dagger.Container
}

// Connect opens a dagger session. Engine logs go to logOutput when non-nil.
func Connect(ctx context.Context, logOutput io.Writer) (*dagger.Client, error) {
	var opts []dagger.ClientOpt
	if logOutput != nil {
		opts = append(opts, dagger.WithLogOutput(logOutput))
	}
	client, err := dagger.Connect(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to dagger: %w", err)
	}
	return client, nil
}

// New creates a runner on an open dagger client. Close ends the session.
func New(client *dagger.Client, opts Options) *Runner {
	return &Runner{client: client, opts: opts}
}

func (r *Runner) base() *dagger.Container {
	if r.ctr != nil {
		return r.ctr
	}
	exclude := append(append([]string(nil), defaultExclude...), r.opts.Exclude...)
	src := r.client.Host().Directory(r.opts.HostDir, dagger.HostDirectoryOpts{Exclude: exclude})
	ctr := r.client.Container().From(r.opts.Image).
		WithDirectory(r.opts.HostDir, src)
	for _, dir := range r.opts.Exports {
		ctr = ctr.WithDirectory(dir, r.client.Host().Directory(dir))
	}
	r.ctr = ctr.WithWorkdir(r.opts.HostDir)
	return r.ctr
}

// Run executes req.Command with sh -c. Only req.Env is set in the container;
// the host environment is not forwarded.
func (r *Runner) Run(ctx context.Context, req checks.Request) (checks.Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return checks.Output{ExitCode: -1}, fmt.Errorf("command not started: %w", err)
	}

	ctr := r.base()
	if req.Dir != "" {
		ctr = ctr.WithWorkdir(req.Dir)
	}
	for _, kv := range req.Env {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			ctr = ctr.WithEnvVariable(k, v)
		}
	}

	exec := ctr.WithExec([]string{"sh", "-c", req.Command})
	stdout, err := exec.Stdout(ctx)
	if err != nil {
		var execErr *dagger.ExecError
		if errors.As(err, &execErr) {
			return checks.Output{
				Stdout:   execErr.Stdout,
				Stderr:   execErr.Stderr,
				Combined: joinStreams(execErr.Stdout, execErr.Stderr),
				ExitCode: execErr.ExitCode,
			}, nil
		}
		if ctx.Err() != nil {
			return checks.Output{ExitCode: -1}, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		return checks.Output{ExitCode: -1}, fmt.Errorf("container exec: %w", err)
	}
	stderr, _ := exec.Stderr(ctx)

	r.ctr = exec
	for _, dir := range r.opts.Exports {
		if _, err := exec.Directory(dir).Export(ctx, dir); err != nil {
			return checks.Output{Stdout: stdout, Stderr: stderr, ExitCode: -1},
				fmt.Errorf("exporting %s from container: %w", dir, err)
		}
	}

	return checks.Output{
		Stdout:   stdout,
		Stderr:   stderr,
		Combined: joinStreams(stdout, stderr),
	}, nil
}

// Close ends the dagger session.
func (r *Runner) Close() error {
	return r.client.Close()
}

func joinStreams(stdout, stderr string) string {
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}
