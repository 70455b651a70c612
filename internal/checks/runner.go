package checks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// Result holds the structured output of a check run.
type Result struct {
	CheckName  string `json:"check_name"`
	Passed     bool   `json:"passed"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int    `json:"duration_ms"`
	Summary    string `json:"summary"`
	Findings   any    `json:"findings,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Output     string `json:"-"` // stdout and stderr interleaved as written
}

// CheckConfig holds what the runner needs to execute one check.
type CheckConfig struct {
	Name    string
	Command string
	Parser  string
}

// Request describes a single command invocation.
type Request struct {
	Dir     string
	Env     []string // nil inherits the current process environment
	Command string
}

// Output is what a command produced.
type Output struct {
	Stdout   string
	Stderr   string
	Combined string
	ExitCode int
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, req Request) (Output, error)
}

// DefaultKillGrace is how long a cancelled command's process group gets
// between SIGTERM and SIGKILL.
const DefaultKillGrace = 5 * time.Second

// ExecRunner implements CommandRunner by shelling out. Each command runs in
// its own process group so cancellation reaches every descendant.
type ExecRunner struct {
	Shell     string        // defaults to "sh"
	KillGrace time.Duration // defaults to DefaultKillGrace
}

func (e *ExecRunner) grace() time.Duration {
	if e.KillGrace > 0 {
		return e.KillGrace
	}
	return DefaultKillGrace
}

func (e *ExecRunner) Run(ctx context.Context, req Request) (Output, error) {
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	if err := ctx.Err(); err != nil {
		return Output{ExitCode: -1}, fmt.Errorf("command not started: %w", err)
	}

	cmd := exec.Command(shell, "-c", req.Command)
	cmd.Dir = req.Dir
	if req.Env != nil {
		cmd.Env = req.Env
	}
	setProcessGroup(cmd)

	var stdoutBuf, stderrBuf bytes.Buffer
	combined := &lockedBuffer{}
	cmd.Stdout = io.MultiWriter(&stdoutBuf, combined)
	cmd.Stderr = io.MultiWriter(&stderrBuf, combined)
	// A background grandchild holding our pipes must not block Wait forever.
	cmd.WaitDelay = e.grace()

	if err := cmd.Start(); err != nil {
		return Output{ExitCode: -1}, fmt.Errorf("exec: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case err = <-done:
		// Leader is gone; reap anything it left behind in its group.
		_ = killGroup(cmd.Process)
	case <-ctx.Done():
		_ = terminateGroup(cmd.Process)
		select {
		case <-done:
		case <-time.After(e.grace()):
			_ = killGroup(cmd.Process)
			<-done
		}
		_ = killGroup(cmd.Process)
		return Output{
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			Combined: combined.String(),
			ExitCode: -1,
		}, fmt.Errorf("command interrupted: %w", ctx.Err())
	}

	out := Output{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Combined: combined.String(),
	}
	if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			out.ExitCode = -1
			return out, fmt.Errorf("exec: %w", err)
		}
		out.ExitCode = exitErr.ExitCode()
	}
	return out, nil
}

// lockedBuffer lets stdout and stderr copiers append to one buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Runner executes checks and parses their output.
type Runner struct {
	cmd     CommandRunner
	parsers map[string]Parser
}

// NewRunner creates a Runner with the given command runner.
func NewRunner(cmd CommandRunner) *Runner {
	r := &Runner{
		cmd:     cmd,
		parsers: make(map[string]Parser),
	}
	r.parsers["cargo"] = &CargoParser{}
	r.parsers["cargo-test"] = &CargoTestParser{}
	r.parsers["rustfmt"] = &RustfmtParser{}
	r.parsers["cargo-audit"] = &CargoAuditParser{}
	r.parsers["generic"] = &GenericParser{}
	return r
}

// ParserNames lists the parser names NewRunner registers.
func ParserNames() []string {
	names := make([]string, 0)
	for name := range NewRunner(nil).parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes a single check. A non-nil error means the command could not
// be run to completion (spawn failure or cancellation); the partial result is
// still returned.
func (r *Runner) Run(ctx context.Context, dir string, env []string, cfg CheckConfig) (*Result, error) {
	start := time.Now()
	out, err := r.cmd.Run(ctx, Request{Dir: dir, Env: env, Command: cfg.Command})
	durationMs := int(time.Since(start).Milliseconds())

	result := &Result{
		CheckName:  cfg.Name,
		ExitCode:   out.ExitCode,
		DurationMs: durationMs,
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		Output:     out.Combined,
	}
	if result.Output == "" {
		result.Output = joinOutput(out.Stdout, out.Stderr)
	}
	if err != nil {
		result.ExitCode = -1
		result.Summary = err.Error()
		return result, fmt.Errorf("run check %q: %w", cfg.Name, err)
	}

	parser, ok := r.parsers[cfg.Parser]
	if !ok {
		parser = r.parsers["generic"]
	}
	parsed := parser.Parse(out.Stdout, out.Stderr, out.ExitCode)

	result.Passed = out.ExitCode == 0 && parsed.Passed
	result.Summary = parsed.Summary
	result.Findings = parsed.Findings
	return result, nil
}

func joinOutput(stdout, stderr string) string {
	if stdout == "" {
		return stderr
	}
	if stderr == "" {
		return stdout
	}
	return stdout + "\n" + stderr
}
