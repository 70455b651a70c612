package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Exit codes a gate maps its outcome to.
const (
	ExitPass    = 0
	ExitFail    = 1
	ExitUsage   = 2
	ExitAborted = 130
)

var (
	ErrDuplicateStage = errors.New("duplicate stage name")
	ErrNoTask         = errors.New("stage has no task")
)

// Env is the process environment handed to every task. The engine never
// inspects it.
type Env struct {
	Dir  string   `json:"dir"`
	Vars []string `json:"-"`
}

// Task is anything that can be spawned, awaited, and yields an exit status
// plus output: native commands, the coverage merger, the uploader.
type Task interface {
	Execute(ctx context.Context, env Env) (TaskResult, error)
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func(ctx context.Context, env Env) (TaskResult, error)

func (f TaskFunc) Execute(ctx context.Context, env Env) (TaskResult, error) {
	return f(ctx, env)
}

// TaskResult is what a task reports back after it finishes.
type TaskResult struct {
	ExitStatus int    `json:"exit_status"`
	Output     string `json:"output,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Findings   any    `json:"findings,omitempty"`
}

// Stage is one named verification step. Names are unique within a pipeline.
type Stage struct {
	Name    string
	Command string // human-readable description of what Task runs
	Hint    string // remediation printed when the stage rejects a change
	Task    Task
	Fatal   bool
	Timeout time.Duration
}

// StageResult records a single executed stage. It is produced once and never
// mutated afterwards.
type StageResult struct {
	Name       string        `json:"name"`
	Command    string        `json:"command,omitempty"`
	Fatal      bool          `json:"fatal"`
	ExitStatus int           `json:"exit_status"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Output     string        `json:"-"`
	Summary    string        `json:"summary,omitempty"`
	Findings   any           `json:"findings,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Hint       string        `json:"hint,omitempty"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Aborted    bool          `json:"aborted,omitempty"`
}

// Passed reports whether the stage exited cleanly.
func (r StageResult) Passed() bool {
	return r.ExitStatus == 0 && !r.TimedOut && !r.Aborted
}

// Status is the terminal state of a pipeline run.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusAborted Status = "aborted"
)

// Outcome is Pass, Fail(at Stage) or Aborted(Reason).
type Outcome struct {
	Status Status `json:"status"`
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Pass is the outcome of a run with no fatal failure.
func Pass() Outcome { return Outcome{Status: StatusPass} }

// Fail is the outcome of a run halted by a fatal stage.
func Fail(stage string) Outcome { return Outcome{Status: StatusFail, Stage: stage} }

// Aborted is the outcome of an externally interrupted run.
func Aborted(stage, reason string) Outcome {
	return Outcome{Status: StatusAborted, Stage: stage, Reason: reason}
}

// Run is the record of one pipeline execution.
type Run struct {
	ID         string        `json:"id"`
	Gate       string        `json:"gate"`
	Entry      string        `json:"entry,omitempty"`
	EntryKey   string        `json:"entry_key,omitempty"`
	CacheKey   string        `json:"cache_key,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Stages     []StageResult `json:"stages"`
	Outcome    Outcome       `json:"outcome"`
}

// Duration is the wall time of the whole run.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Passed reports whether the run let the change through.
func (r *Run) Passed() bool {
	return r.Outcome.Status == StatusPass
}

// ExitCode maps the outcome to a process exit status.
func (r *Run) ExitCode() int {
	switch r.Outcome.Status {
	case StatusPass:
		return ExitPass
	case StatusAborted:
		return ExitAborted
	default:
		return ExitFail
	}
}

// Failed returns the result of the stage that halted the run, or nil.
func (r *Run) Failed() *StageResult {
	if r.Outcome.Status != StatusFail {
		return nil
	}
	for i := range r.Stages {
		if r.Stages[i].Name == r.Outcome.Stage {
			return &r.Stages[i]
		}
	}
	return nil
}

// Advisories returns non-fatal stages that failed.
func (r *Run) Advisories() []StageResult {
	var out []StageResult
	for _, s := range r.Stages {
		if !s.Fatal && !s.Passed() && !s.Aborted {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks that a stage list can be executed.
func Validate(stages []Stage) error {
	seen := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s.Task == nil {
			return fmt.Errorf("stage %d (%q): %w", i, s.Name, ErrNoTask)
		}
		if seen[s.Name] {
			return fmt.Errorf("stage %q: %w", s.Name, ErrDuplicateStage)
		}
		seen[s.Name] = true
	}
	return nil
}
